package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"societybilling/utils"
)

// Роли операторов
const (
	RoleSuperAdmin   = "SUPER_ADMIN"
	RoleSocietyAdmin = "SOCIETY_ADMIN"
)

type contextKey string

const operatorKey contextKey = "operator"

// Operator личность оператора из JWT токена
type Operator struct {
	UserID    uint
	Email     string
	Role      string
	SocietyID uint
}

// CanAccessSociety проверяет, что оператор работает с данным комплексом
func (o Operator) CanAccessSociety(societyID uint) bool {
	return o.Role == RoleSuperAdmin || o.SocietyID == societyID
}

// Claims поля токена оператора
type Claims struct {
	UserID    uint   `json:"user_id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	SocietyID uint   `json:"society_id"`
	jwt.RegisteredClaims
}

// WithOperator добавляет оператора в контекст
func WithOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, operatorKey, op)
}

// OperatorFromContext получает оператора из контекста запроса
func OperatorFromContext(ctx context.Context) (Operator, error) {
	op, ok := ctx.Value(operatorKey).(Operator)
	if !ok {
		return Operator{}, errors.New("оператор не найден в контексте")
	}
	return op, nil
}

// IssueToken подписывает токен оператора; используется внешним сервисом авторизации и тестами
func IssueToken(jwtKey []byte, op Operator, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID:    op.UserID,
		Email:     op.Email,
		Role:      op.Role,
		SocietyID: op.SocietyID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtKey)
}

// AuthMiddleware проверяет JWT токен и кладет оператора в контекст
func AuthMiddleware(jwtKey []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Получаем токен из заголовка
			tokenString := r.Header.Get("Authorization")
			if tokenString == "" {
				http.Error(w, "Authorization header is required", http.StatusUnauthorized)
				return
			}
			tokenString = strings.TrimPrefix(tokenString, "Bearer ")

			// Парсим и проверяем токен
			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return jwtKey, nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			if claims.UserID == 0 {
				http.Error(w, "Invalid user_id in token", http.StatusUnauthorized)
				return
			}
			if claims.Role != RoleSuperAdmin && claims.SocietyID == 0 {
				http.Error(w, "Invalid society_id in token", http.StatusUnauthorized)
				return
			}

			ctx := WithOperator(r.Context(), Operator{
				UserID:    claims.UserID,
				Email:     claims.Email,
				Role:      claims.Role,
				SocietyID: claims.SocietyID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware логирует запрос и учитывает его в метриках
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)

		duration := time.Since(start)
		utils.GetMetrics().RecordRequest(duration, lrw.statusCode)
		utils.Logger().Infow("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lrw.statusCode,
			"duration", duration,
		)
	})
}

// CORSMiddleware разрешает запросы от веб-интерфейса
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/mux"

	"societybilling/middleware"
	"societybilling/utils"
)

// Registrar контроллер, регистрирующий свои маршруты
type Registrar interface {
	Register(r *mux.Router)
}

// NewAPIRouter собирает API; все маршруты находятся под /api/societies/{societyId} и требуют токен
func NewAPIRouter(jwtKey []byte, controllers ...Registrar) http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware)

	scoped := router.PathPrefix("/api/societies/{societyId:[0-9]+}").Subrouter()
	scoped.Use(middleware.AuthMiddleware(jwtKey))
	for _, c := range controllers {
		c.Register(scoped)
	}

	return middleware.CORSMiddleware(router)
}

// NewOpsRouter собирает служебный сервер на gin
func NewOpsRouter(ops *OpsController, limiter *utils.RateLimiter) *gin.Engine {
	engine := gin.New()
	engine.Use(middleware.Recovery(), middleware.Logger(), middleware.RateLimit(limiter))
	ops.Register(engine)
	return engine
}

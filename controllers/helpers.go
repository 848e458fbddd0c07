package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"societybilling/middleware"
	"societybilling/services"
	"societybilling/utils"
)

// errorResponse тело ответа с ошибкой
type errorResponse struct {
	Error   string   `json:"error"`
	Kind    string   `json:"kind,omitempty"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		utils.LogError("Ошибка кодирования ответа: %v", err)
	}
}

// statusFor сопоставляет ошибку сервиса HTTP-статусу
func statusFor(err error) int {
	var valErr *services.ValidationError
	var cfgErr *services.ConfigurationError
	var dupErr *services.DuplicateInvoiceError
	var overErr *services.OverpaymentError

	switch {
	case errors.As(err, &valErr):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &dupErr),
		errors.Is(err, services.ErrDuplicateReminder),
		errors.Is(err, services.ErrAlreadyFinalized),
		errors.Is(err, services.ErrJobRunning):
		return http.StatusConflict
	case errors.As(err, &cfgErr),
		errors.As(err, &overErr),
		errors.Is(err, services.ErrInvoiceNotOpen),
		errors.Is(err, services.ErrInvoiceLocked):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError отправляет ошибку сервиса клиенту; внутренние ошибки только логируются
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var valErr *services.ValidationError
	var cfgErr *services.ConfigurationError
	switch {
	case errors.As(err, &valErr):
		resp.Error = "некорректные данные запроса"
		resp.Details = valErr.Messages
	case errors.As(err, &cfgErr):
		resp.Kind = string(cfgErr.Kind)
	case status == http.StatusInternalServerError:
		utils.LogError("Внутренняя ошибка: %v", err)
		utils.GetMetrics().RecordError("internal")
		resp.Error = "внутренняя ошибка сервера"
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		badRequest(w, "Invalid request body")
		return false
	}
	return true
}

// pathID читает числовой параметр маршрута
func pathID(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)[name], 10, 32)
	if err != nil || id == 0 {
		badRequest(w, "Invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// societyScope возвращает комплекс из маршрута и оператора, которому он доступен
func societyScope(w http.ResponseWriter, r *http.Request) (uint, middleware.Operator, bool) {
	op, err := middleware.OperatorFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return 0, op, false
	}

	societyID, ok := pathID(w, r, "societyId")
	if !ok {
		return 0, op, false
	}
	if !op.CanAccessSociety(societyID) {
		http.Error(w, "Access denied", http.StatusForbidden)
		return 0, op, false
	}
	return societyID, op, true
}

// asOfParam читает дату оценки из query; по умолчанию сегодня в часовом поясе биллинга
func asOfParam(w http.ResponseWriter, r *http.Request, loc *time.Location) (time.Time, bool) {
	asOf, err := utils.ParseDate(r.URL.Query().Get("asOf"), time.Now().In(loc))
	if err != nil {
		badRequest(w, err.Error())
		return time.Time{}, false
	}
	return asOf, true
}

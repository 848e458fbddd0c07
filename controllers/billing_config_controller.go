package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"societybilling/models"
	"societybilling/services"
	"societybilling/utils"
)

// BillingConfigController обрабатывает запросы к настройкам биллинга комплекса
type BillingConfigController struct {
	rules      *services.RuleStore
	runner     *services.BatchRunner
	exceptions *services.BillingExceptions
	exporter   *services.TallyExporter
	loc        *time.Location
}

// NewBillingConfigController создает новый экземпляр BillingConfigController
func NewBillingConfigController(
	rules *services.RuleStore,
	runner *services.BatchRunner,
	exceptions *services.BillingExceptions,
	exporter *services.TallyExporter,
	loc *time.Location,
) *BillingConfigController {
	return &BillingConfigController{
		rules:      rules,
		runner:     runner,
		exceptions: exceptions,
		exporter:   exporter,
		loc:        loc,
	}
}

// Register регистрирует маршруты контроллера
func (c *BillingConfigController) Register(r *mux.Router) {
	r.HandleFunc("/billing-config", c.GetBillingConfig).Methods("GET")
	r.HandleFunc("/maintenance-rules", c.CreateMaintenanceRule).Methods("POST")
	r.HandleFunc("/maintenance-rules/{id}", c.UpdateMaintenanceRule).Methods("PUT")
	r.HandleFunc("/maintenance-rules/{id}", c.DeleteMaintenanceRule).Methods("DELETE")
	r.HandleFunc("/charge-heads", c.CreateChargeHead).Methods("POST")
	r.HandleFunc("/charge-heads/{id}", c.UpdateChargeHead).Methods("PUT")
	r.HandleFunc("/charge-heads/{id}", c.DeleteChargeHead).Methods("DELETE")
	r.HandleFunc("/late-fee-config", c.UpdateLateFeeConfig).Methods("PUT")
	r.HandleFunc("/billing-settings", c.UpdateBillingSettings).Methods("PUT")
	r.HandleFunc("/billing/finalize", c.FinalizeBilling).Methods("POST")
	r.HandleFunc("/billing/exceptions", c.ListExceptions).Methods("GET")
	r.HandleFunc("/invoices/export", c.ExportInvoices).Methods("GET")
}

// GetBillingConfig возвращает правила, статьи начислений и политику пени
func (c *BillingConfigController) GetBillingConfig(w http.ResponseWriter, r *http.Request) {
	societyID, _, ok := societyScope(w, r)
	if !ok {
		return
	}

	cfg, err := c.rules.GetBillingConfig(r.Context(), societyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// CreateMaintenanceRule обрабатывает запрос на создание правила взноса
func (c *BillingConfigController) CreateMaintenanceRule(w http.ResponseWriter, r *http.Request) {
	societyID, _, ok := societyScope(w, r)
	if !ok {
		return
	}

	var dto services.MaintenanceRuleDTO
	if !decodeBody(w, r, &dto) {
		return
	}

	rule, err := c.rules.CreateMaintenanceRule(r.Context(), societyID, dto)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// UpdateMaintenanceRule обрабатывает запрос на изменение правила взноса
func (c *BillingConfigController) UpdateMaintenanceRule(w http.ResponseWriter, r *http.Request) {
	societyID, _, ok := societyScope(w, r)
	if !ok {
		return
	}
	ruleID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var dto services.MaintenanceRuleDTO
	if !decodeBody(w, r, &dto) {
		return
	}

	rule, err := c.rules.UpdateMaintenanceRule(r.Context(), societyID, ruleID, dto)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// DeleteMaintenanceRule деактивирует правило взноса
func (c *BillingConfigController) DeleteMaintenanceRule(w http.ResponseWriter, r *http.Request) {
	societyID, _, ok := societyScope(w, r)
	if !ok {
		return
	}
	ruleID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	rule, err := c.rules.DeactivateMaintenanceRule(r.Context(), societyID, ruleID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateChargeHead обрабатывает запрос на создание статьи начислений
func (c *BillingConfigController) CreateChargeHead(w http.ResponseWriter, r *http.Request) {
	societyID, _, ok := societyScope(w, r)
	if !ok {
		return
	}

	var dto services.ChargeHeadDTO
	if !decodeBody(w, r, &dto) {
		return
	}

	head, err := c.rules.CreateChargeHead(r.Context(), societyID, dto)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, head)
}

// UpdateChargeHead обрабатывает запрос на изменение статьи начислений
func (c *BillingConfigController) UpdateChargeHead(w http.ResponseWriter, r *http.Request) {
	societyID, _, ok := societyScope(w, r)
	if !ok {
		return
	}
	headID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var dto services.ChargeHeadDTO
	if !decodeBody(w, r, &dto) {
		return
	}

	head, err := c.rules.UpdateChargeHead(r.Context(), societyID, headID, dto)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, head)
}

// DeleteChargeHead деактивирует статью начислений
func (c *BillingConfigController) DeleteChargeHead(w http.ResponseWriter, r *http.Request) {
	societyID, _, ok := societyScope(w, r)
	if !ok {
		return
	}
	headID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	head, err := c.rules.DeactivateChargeHead(r.Context(), societyID, headID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, head)
}

// UpdateLateFeeConfig заменяет политику пени комплекса
func (c *BillingConfigController) UpdateLateFeeConfig(w http.ResponseWriter, r *http.Request) {
	societyID, _, ok := societyScope(w, r)
	if !ok {
		return
	}

	var dto services.LateFeeConfigDTO
	if !decodeBody(w, r, &dto) {
		return
	}

	cfg, err := c.rules.UpdateLateFeeConfig(r.Context(), societyID, dto)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateBillingSettings изменяет день оплаты счетов
func (c *BillingConfigController) UpdateBillingSettings(w http.ResponseWriter, r *http.Request) {
	societyID, _, ok := societyScope(w, r)
	if !ok {
		return
	}

	var dto services.BillingSettingsDTO
	if !decodeBody(w, r, &dto) {
		return
	}

	society, err := c.rules.UpdateBillingSettings(r.Context(), societyID, dto)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, society)
}

// FinalizeBilling выставляет первые счета всем помещениям комплекса
func (c *BillingConfigController) FinalizeBilling(w http.ResponseWriter, r *http.Request) {
	societyID, op, ok := societyScope(w, r)
	if !ok {
		return
	}

	// Тело необязательно: по умолчанию текущий месяц
	var dto services.FinalizeDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "Invalid request body")
		return
	}
	period := models.NewBillingPeriod(time.Now().In(c.loc))
	if dto.Year != 0 || dto.Month != 0 {
		period = models.BillingPeriod{Year: dto.Year, Month: dto.Month}
	}

	report, err := c.runner.FinalizeBilling(r.Context(), societyID, period)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.LogInfo("Биллинг комплекса %d запущен оператором %d за %s", societyID, op.UserID, period)
	writeJSON(w, http.StatusOK, report)
}

// ListExceptions возвращает исключения биллинга; open=false включает закрытые
func (c *BillingConfigController) ListExceptions(w http.ResponseWriter, r *http.Request) {
	societyID, _, ok := societyScope(w, r)
	if !ok {
		return
	}

	openOnly := true
	if v := r.URL.Query().Get("open"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(w, "Invalid open")
			return
		}
		openOnly = parsed
	}

	exceptions, err := c.exceptions.List(r.Context(), societyID, openOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	if exceptions == nil {
		exceptions = []models.BillingException{}
	}
	writeJSON(w, http.StatusOK, exceptions)
}

// ExportInvoices выгружает счета периода в XML для Tally
func (c *BillingConfigController) ExportInvoices(w http.ResponseWriter, r *http.Request) {
	societyID, _, ok := societyScope(w, r)
	if !ok {
		return
	}

	period, ok := periodParam(w, r)
	if !ok {
		return
	}

	data, err := c.exporter.Export(r.Context(), societyID, period)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="invoices-%s.xml"`, period))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		utils.LogError("Ошибка записи выгрузки: %v", err)
	}
}

// periodParam читает расчетный период из query year и month
func periodParam(w http.ResponseWriter, r *http.Request) (models.BillingPeriod, bool) {
	year, errYear := strconv.Atoi(r.URL.Query().Get("year"))
	month, errMonth := strconv.Atoi(r.URL.Query().Get("month"))
	if errYear != nil || errMonth != nil {
		badRequest(w, "year and month are required")
		return models.BillingPeriod{}, false
	}
	period := models.BillingPeriod{Year: year, Month: month}
	if !period.Valid() {
		badRequest(w, "Invalid billing period")
		return models.BillingPeriod{}, false
	}
	return period, true
}

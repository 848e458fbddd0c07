package controllers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"societybilling/models"
	"societybilling/services"
)

// InvoiceController обрабатывает запросы, связанные со счетами
type InvoiceController struct {
	generator *services.InvoiceGenerator
	evaluator *services.ArrearsEvaluator
	ledger    *services.EscalationLedger
	loc       *time.Location
}

// NewInvoiceController создает новый экземпляр InvoiceController
func NewInvoiceController(
	generator *services.InvoiceGenerator,
	evaluator *services.ArrearsEvaluator,
	ledger *services.EscalationLedger,
	loc *time.Location,
) *InvoiceController {
	return &InvoiceController{generator: generator, evaluator: evaluator, ledger: ledger, loc: loc}
}

// Register регистрирует маршруты контроллера
func (c *InvoiceController) Register(r *mux.Router) {
	r.HandleFunc("/units/{unitId}/invoices", c.GenerateInvoice).Methods("POST")
	r.HandleFunc("/units/{unitId}/invoices", c.ListUnitInvoices).Methods("GET")
	r.HandleFunc("/units/{unitId}/arrears", c.EvaluateUnit).Methods("GET")
	r.HandleFunc("/invoices/{invoiceId}", c.GetInvoice).Methods("GET")
	r.HandleFunc("/invoices/{invoiceId}/arrears", c.EvaluateInvoice).Methods("GET")
	r.HandleFunc("/invoices/{invoiceId}/regenerate", c.RegenerateInvoice).Methods("POST")
	r.HandleFunc("/invoices/{invoiceId}/payment", c.RecordPayment).Methods("POST")
	r.HandleFunc("/invoices/{invoiceId}/late-fee", c.ApplyLateFee).Methods("POST")
	r.HandleFunc("/invoices/{invoiceId}/waive-late-fee", c.WaiveLateFee).Methods("POST")
}

// GenerateInvoice выставляет счет помещению за период
func (c *InvoiceController) GenerateInvoice(w http.ResponseWriter, r *http.Request) {
	societyID, _, ok := societyScope(w, r)
	if !ok {
		return
	}
	unitID, ok := pathID(w, r, "unitId")
	if !ok {
		return
	}

	var dto services.GenerateInvoiceDTO
	if !decodeBody(w, r, &dto) {
		return
	}

	result, err := c.generator.GenerateInvoice(r.Context(), societyID, unitID, dto)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ListUnitInvoices возвращает все счета помещения, включая аннулированные
func (c *InvoiceController) ListUnitInvoices(w http.ResponseWriter, r *http.Request) {
	societyID, _, ok := societyScope(w, r)
	if !ok {
		return
	}
	unitID, ok := pathID(w, r, "unitId")
	if !ok {
		return
	}

	invoices, err := c.generator.ListUnitInvoices(r.Context(), societyID, unitID)
	if err != nil {
		writeError(w, err)
		return
	}
	if invoices == nil {
		invoices = []models.Invoice{}
	}
	writeJSON(w, http.StatusOK, invoices)
}

// EvaluateUnit пересчитывает задолженность помещения на дату asOf
func (c *InvoiceController) EvaluateUnit(w http.ResponseWriter, r *http.Request) {
	societyID, _, ok := societyScope(w, r)
	if !ok {
		return
	}
	unitID, ok := pathID(w, r, "unitId")
	if !ok {
		return
	}
	asOf, ok := asOfParam(w, r, c.loc)
	if !ok {
		return
	}

	results, err := c.evaluator.EvaluateUnit(r.Context(), societyID, unitID, asOf)
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []services.InvoiceEvaluation{}
	}
	writeJSON(w, http.StatusOK, results)
}

// GetInvoice возвращает счет со строками
func (c *InvoiceController) GetInvoice(w http.ResponseWriter, r *http.Request) {
	societyID, _, ok := societyScope(w, r)
	if !ok {
		return
	}
	invoiceID, ok := pathID(w, r, "invoiceId")
	if !ok {
		return
	}

	invoice, err := c.generator.GetInvoice(r.Context(), societyID, invoiceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}

// EvaluateInvoice пересчитывает статус и пеню счета на дату asOf
func (c *InvoiceController) EvaluateInvoice(w http.ResponseWriter, r *http.Request) {
	societyID, _, ok := societyScope(w, r)
	if !ok {
		return
	}
	invoiceID, ok := pathID(w, r, "invoiceId")
	if !ok {
		return
	}
	asOf, ok := asOfParam(w, r, c.loc)
	if !ok {
		return
	}

	result, err := c.evaluator.EvaluateInvoice(r.Context(), societyID, invoiceID, asOf)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RegenerateInvoice аннулирует неоплаченный счет и выставляет новый
func (c *InvoiceController) RegenerateInvoice(w http.ResponseWriter, r *http.Request) {
	societyID, op, ok := societyScope(w, r)
	if !ok {
		return
	}
	invoiceID, ok := pathID(w, r, "invoiceId")
	if !ok {
		return
	}

	var dto services.RegenerateInvoiceDTO
	if !decodeBody(w, r, &dto) {
		return
	}

	result, err := c.generator.RegenerateInvoice(r.Context(), societyID, invoiceID, dto, op.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// RecordPayment зачисляет платеж по счету
func (c *InvoiceController) RecordPayment(w http.ResponseWriter, r *http.Request) {
	societyID, op, ok := societyScope(w, r)
	if !ok {
		return
	}
	invoiceID, ok := pathID(w, r, "invoiceId")
	if !ok {
		return
	}

	var dto services.PaymentDTO
	if !decodeBody(w, r, &dto) {
		return
	}

	invoice, err := c.ledger.RecordPayment(r.Context(), societyID, invoiceID, dto, op.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}

// lateFeeResponse счет и событие начисления (nil, если пеня не изменилась)
type lateFeeResponse struct {
	Invoice *models.Invoice          `json:"invoice"`
	Event   *models.EscalationEvent `json:"event"`
}

// ApplyLateFee начисляет пеню по одному счету на дату asOf
func (c *InvoiceController) ApplyLateFee(w http.ResponseWriter, r *http.Request) {
	societyID, op, ok := societyScope(w, r)
	if !ok {
		return
	}
	invoiceID, ok := pathID(w, r, "invoiceId")
	if !ok {
		return
	}
	asOf, ok := asOfParam(w, r, c.loc)
	if !ok {
		return
	}

	invoice, event, err := c.ledger.ApplyInvoiceLateFee(r.Context(), societyID, invoiceID, asOf, op.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lateFeeResponse{Invoice: invoice, Event: event})
}

// WaiveLateFee списывает непогашенную пеню по счету
func (c *InvoiceController) WaiveLateFee(w http.ResponseWriter, r *http.Request) {
	societyID, op, ok := societyScope(w, r)
	if !ok {
		return
	}
	invoiceID, ok := pathID(w, r, "invoiceId")
	if !ok {
		return
	}

	var dto services.WaiverDTO
	if !decodeBody(w, r, &dto) {
		return
	}

	invoice, event, err := c.ledger.WaiveLateFee(r.Context(), societyID, invoiceID, dto, op.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lateFeeResponse{Invoice: invoice, Event: event})
}

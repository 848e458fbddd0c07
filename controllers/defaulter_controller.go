package controllers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"societybilling/models"
	"societybilling/services"
)

// DefaulterController обрабатывает запросы по должникам и журналу взыскания
type DefaulterController struct {
	classifier *services.DefaulterClassifier
	ledger     *services.EscalationLedger
	loc        *time.Location
}

// NewDefaulterController создает новый экземпляр DefaulterController
func NewDefaulterController(classifier *services.DefaulterClassifier, ledger *services.EscalationLedger, loc *time.Location) *DefaulterController {
	return &DefaulterController{classifier: classifier, ledger: ledger, loc: loc}
}

// Register регистрирует маршруты контроллера
func (c *DefaulterController) Register(r *mux.Router) {
	r.HandleFunc("/defaulters", c.ListDefaulters).Methods("GET")
	r.HandleFunc("/defaulters/{unitId}", c.GetDefaulter).Methods("GET")
	r.HandleFunc("/defaulters/{unitId}/reminder", c.SendReminder).Methods("POST")
	r.HandleFunc("/defaulters/{unitId}/late-fee", c.ApplyLateFee).Methods("POST")
	r.HandleFunc("/units/{unitId}/escalations", c.History).Methods("GET")
}

func decimalParam(w http.ResponseWriter, r *http.Request, name string) (*decimal.Decimal, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, true
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		badRequest(w, "Invalid "+name)
		return nil, false
	}
	return &d, true
}

// ListDefaulters возвращает должников с фильтрами и итогами
func (c *DefaulterController) ListDefaulters(w http.ResponseWriter, r *http.Request) {
	societyID, _, ok := societyScope(w, r)
	if !ok {
		return
	}
	asOf, ok := asOfParam(w, r, c.loc)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := services.DefaulterFilter{
		Block:  q.Get("block"),
		Bucket: q.Get("dueDaysBucket"),
		Search: q.Get("search"),
	}
	if filter.MinAmount, ok = decimalParam(w, r, "minAmount"); !ok {
		return
	}
	if filter.MaxAmount, ok = decimalParam(w, r, "maxAmount"); !ok {
		return
	}

	list, err := c.classifier.List(r.Context(), societyID, filter, asOf)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetDefaulter возвращает запись должника по помещению
func (c *DefaulterController) GetDefaulter(w http.ResponseWriter, r *http.Request) {
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

	record, err := c.classifier.Classify(r.Context(), societyID, unitID, asOf)
	if err != nil {
		writeError(w, err)
		return
	}
	if record == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "помещение не имеет просроченной задолженности"})
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// SendReminder фиксирует и отправляет напоминание должнику
func (c *DefaulterController) SendReminder(w http.ResponseWriter, r *http.Request) {
	societyID, op, ok := societyScope(w, r)
	if !ok {
		return
	}
	unitID, ok := pathID(w, r, "unitId")
	if !ok {
		return
	}

	var dto services.ReminderDTO
	if !decodeBody(w, r, &dto) {
		return
	}

	event, err := c.ledger.RecordReminder(r.Context(), societyID, unitID, dto, op.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// ApplyLateFee начисляет пени по всем открытым счетам помещения
func (c *DefaulterController) ApplyLateFee(w http.ResponseWriter, r *http.Request) {
	societyID, op, ok := societyScope(w, r)
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

	invoices, err := c.ledger.ApplyLateFee(r.Context(), societyID, unitID, asOf, op.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if invoices == nil {
		invoices = []models.Invoice{}
	}
	writeJSON(w, http.StatusOK, invoices)
}

// History возвращает журнал взыскания помещения
func (c *DefaulterController) History(w http.ResponseWriter, r *http.Request) {
	societyID, _, ok := societyScope(w, r)
	if !ok {
		return
	}
	unitID, ok := pathID(w, r, "unitId")
	if !ok {
		return
	}

	events, err := c.ledger.History(r.Context(), societyID, unitID)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []models.EscalationEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

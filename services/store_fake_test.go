package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"societybilling/database"
	"societybilling/models"
)

var errTransient = errors.New("connection reset by peer")

type memState struct {
	nextID     uint
	societies  map[uint]models.Society
	units      map[uint]models.Unit
	rules      map[uint]models.MaintenanceRule
	heads      map[uint]models.ChargeHead
	lateFees   map[uint]models.LateFeeConfig
	invoices   map[uint]models.Invoice
	payments   []models.InvoicePayment
	events     []models.EscalationEvent
	exceptions map[uint]models.BillingException
}

func (s *memState) clone() *memState {
	c := &memState{
		nextID:     s.nextID,
		societies:  make(map[uint]models.Society, len(s.societies)),
		units:      make(map[uint]models.Unit, len(s.units)),
		rules:      make(map[uint]models.MaintenanceRule, len(s.rules)),
		heads:      make(map[uint]models.ChargeHead, len(s.heads)),
		lateFees:   make(map[uint]models.LateFeeConfig, len(s.lateFees)),
		invoices:   make(map[uint]models.Invoice, len(s.invoices)),
		payments:   append([]models.InvoicePayment(nil), s.payments...),
		events:     append([]models.EscalationEvent(nil), s.events...),
		exceptions: make(map[uint]models.BillingException, len(s.exceptions)),
	}
	for k, v := range s.societies {
		c.societies[k] = v
	}
	for k, v := range s.units {
		c.units[k] = v
	}
	for k, v := range s.rules {
		c.rules[k] = v
	}
	for k, v := range s.heads {
		c.heads[k] = v
	}
	for k, v := range s.lateFees {
		c.lateFees[k] = v
	}
	for k, v := range s.invoices {
		c.invoices[k] = copyInvoice(v)
	}
	for k, v := range s.exceptions {
		c.exceptions[k] = v
	}
	return c
}

func copyInvoice(inv models.Invoice) models.Invoice {
	inv.LineItems = append([]models.InvoiceLineItem(nil), inv.LineItems...)
	return inv
}

// memStore реализация database.Store в памяти для тестов
type memStore struct {
	mu   sync.Mutex
	txMu sync.Mutex
	st   *memState

	// failFind: сколько раз FindActiveInvoice вернет временную ошибку для помещения
	failFind      map[uint]int
	// failListUnits: сколько раз ListUnits вернет временную ошибку для комплекса
	failListUnits map[uint]int
	now           func() time.Time
}

var _ database.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		st: &memState{
			societies:  map[uint]models.Society{},
			units:      map[uint]models.Unit{},
			rules:      map[uint]models.MaintenanceRule{},
			heads:      map[uint]models.ChargeHead{},
			lateFees:   map[uint]models.LateFeeConfig{},
			invoices:   map[uint]models.Invoice{},
			exceptions: map[uint]models.BillingException{},
		},
		failFind:      map[uint]int{},
		failListUnits: map[uint]int{},
		now:           func() time.Time { return time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC) },
	}
}

func (s *memStore) id() uint {
	s.st.nextID++
	return s.st.nextID
}

func (s *memStore) Transaction(_ context.Context, fn func(tx database.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *memStore) GetSociety(_ context.Context, id uint) (*models.Society, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.st.societies[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &v, nil
}

func (s *memStore) ListSocieties(_ context.Context) ([]models.Society, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Society
	for _, v := range s.st.societies {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) SaveSociety(_ context.Context, society *models.Society) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if society.ID == 0 {
		society.ID = s.id()
	}
	s.st.societies[society.ID] = *society
	return nil
}

func (s *memStore) GetUnit(_ context.Context, id uint) (*models.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.st.units[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &v, nil
}

func (s *memStore) ListUnits(_ context.Context, societyID uint) ([]models.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failListUnits[societyID] > 0 {
		s.failListUnits[societyID]--
		return nil, errTransient
	}
	var out []models.Unit
	for _, v := range s.st.units {
		if v.SocietyID == societyID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) addUnit(unit models.Unit) models.Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	unit.ID = s.id()
	s.st.units[unit.ID] = unit
	return unit
}

func (s *memStore) ListMaintenanceRules(_ context.Context, societyID uint) ([]models.MaintenanceRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MaintenanceRule
	for _, v := range s.st.rules {
		if v.SocietyID == societyID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetMaintenanceRule(_ context.Context, id uint) (*models.MaintenanceRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.st.rules[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &v, nil
}

func (s *memStore) CreateMaintenanceRule(_ context.Context, rule *models.MaintenanceRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule.ID = s.id()
	s.st.rules[rule.ID] = *rule
	return nil
}

func (s *memStore) SaveMaintenanceRule(_ context.Context, rule *models.MaintenanceRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rule.ID == 0 {
		rule.ID = s.id()
	}
	s.st.rules[rule.ID] = *rule
	return nil
}

func (s *memStore) ListChargeHeads(_ context.Context, societyID uint) ([]models.ChargeHead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ChargeHead
	for _, v := range s.st.heads {
		if v.SocietyID == societyID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) GetChargeHead(_ context.Context, id uint) (*models.ChargeHead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.st.heads[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &v, nil
}

func (s *memStore) CreateChargeHead(_ context.Context, head *models.ChargeHead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	head.ID = s.id()
	s.st.heads[head.ID] = *head
	return nil
}

func (s *memStore) SaveChargeHead(_ context.Context, head *models.ChargeHead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if head.ID == 0 {
		head.ID = s.id()
	}
	s.st.heads[head.ID] = *head
	return nil
}

func (s *memStore) GetLateFeeConfig(_ context.Context, societyID uint) (*models.LateFeeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.st.lateFees[societyID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &v, nil
}

func (s *memStore) SaveLateFeeConfig(_ context.Context, cfg *models.LateFeeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.ID == 0 {
		cfg.ID = s.id()
	}
	s.st.lateFees[cfg.SocietyID] = *cfg
	return nil
}

func (s *memStore) CreateInvoice(_ context.Context, invoice *models.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Аналог частичного уникального индекса (unit_id, period) WHERE voided_at IS NULL
	for _, inv := range s.st.invoices {
		if inv.UnitID == invoice.UnitID && inv.BillingPeriod == invoice.BillingPeriod && inv.VoidedAt == nil {
			return database.ErrDuplicateKey
		}
	}

	invoice.ID = s.id()
	invoice.CreatedAt = s.now()
	invoice.UpdatedAt = invoice.CreatedAt
	for i := range invoice.LineItems {
		invoice.LineItems[i].ID = s.id()
		invoice.LineItems[i].InvoiceID = invoice.ID
	}
	s.st.invoices[invoice.ID] = copyInvoice(*invoice)
	return nil
}

func (s *memStore) GetInvoice(_ context.Context, id uint) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.st.invoices[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	v = copyInvoice(v)
	return &v, nil
}

func (s *memStore) GetInvoiceForUpdate(ctx context.Context, id uint) (*models.Invoice, error) {
	return s.GetInvoice(ctx, id)
}

func (s *memStore) FindActiveInvoice(_ context.Context, unitID uint, period models.BillingPeriod) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFind[unitID] > 0 {
		s.failFind[unitID]--
		return nil, errTransient
	}
	for _, inv := range s.st.invoices {
		if inv.UnitID == unitID && inv.BillingPeriod == period && inv.VoidedAt == nil {
			v := copyInvoice(inv)
			return &v, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *memStore) ListInvoices(_ context.Context, filter database.InvoiceFilter) ([]models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Invoice
	for _, inv := range s.st.invoices {
		if filter.SocietyID != 0 && inv.SocietyID != filter.SocietyID {
			continue
		}
		if filter.UnitID != 0 && inv.UnitID != filter.UnitID {
			continue
		}
		if filter.Period != nil && inv.BillingPeriod != *filter.Period {
			continue
		}
		if filter.OpenOnly && !inv.IsOpen() {
			continue
		}
		out = append(out, copyInvoice(inv))
	}
	sortInvoices(out)
	return out, nil
}

func sortInvoices(out []models.Invoice) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
}

func (s *memStore) ListOpenInvoicesForUpdate(ctx context.Context, unitID uint) ([]models.Invoice, error) {
	return s.ListInvoices(ctx, database.InvoiceFilter{UnitID: unitID, OpenOnly: true})
}

func (s *memStore) SaveInvoice(_ context.Context, invoice *models.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.st.invoices[invoice.ID]
	if !ok {
		return database.ErrNotFound
	}
	updated := copyInvoice(*invoice)
	// Строки счета не перезаписываются
	updated.LineItems = stored.LineItems
	updated.UpdatedAt = s.now()
	s.st.invoices[invoice.ID] = updated
	return nil
}

func (s *memStore) CreatePayment(_ context.Context, payment *models.InvoicePayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payment.ID = s.id()
	s.st.payments = append(s.st.payments, *payment)
	return nil
}

func (s *memStore) LatestPayments(_ context.Context, unitIDs []uint) (map[uint]models.InvoicePayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[uint]bool, len(unitIDs))
	for _, id := range unitIDs {
		wanted[id] = true
	}
	out := make(map[uint]models.InvoicePayment)
	for _, p := range s.st.payments {
		if !wanted[p.UnitID] {
			continue
		}
		cur, ok := out[p.UnitID]
		if !ok || p.PaidOn.After(cur.PaidOn) || (p.PaidOn.Equal(cur.PaidOn) && p.ID > cur.ID) {
			out[p.UnitID] = p
		}
	}
	return out, nil
}

func (s *memStore) AppendEscalationEvent(_ context.Context, event *models.EscalationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = s.id()
	s.st.events = append(s.st.events, *event)
	return nil
}

func (s *memStore) ListEscalationEvents(_ context.Context, unitID uint) ([]models.EscalationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EscalationEvent
	for i := len(s.st.events) - 1; i >= 0; i-- {
		if s.st.events[i].UnitID == unitID {
			out = append(out, s.st.events[i])
		}
	}
	return out, nil
}

func (s *memStore) ListEscalationEventsForUnits(_ context.Context, unitIDs []uint, kind models.EscalationKind) ([]models.EscalationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[uint]bool, len(unitIDs))
	for _, id := range unitIDs {
		wanted[id] = true
	}
	var out []models.EscalationEvent
	for i := len(s.st.events) - 1; i >= 0; i-- {
		ev := s.st.events[i]
		if wanted[ev.UnitID] && ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *memStore) CountEscalationEvents(_ context.Context, unitID uint, kind models.EscalationKind, method string, from, to time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, ev := range s.st.events {
		if ev.UnitID != unitID || ev.Kind != kind {
			continue
		}
		if method != "" && ev.Method != method {
			continue
		}
		if ev.OccurredAt.Before(from) || !ev.OccurredAt.Before(to) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *memStore) eventsOf(kind models.EscalationKind) []models.EscalationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EscalationEvent
	for _, ev := range s.st.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func matchesKey(e models.BillingException, key database.ExceptionKey) bool {
	if e.ResolvedAt != nil || e.SocietyID != key.SocietyID || e.Kind != key.Kind ||
		e.PeriodYear != key.Period.Year || e.PeriodMonth != key.Period.Month {
		return false
	}
	if key.UnitID == nil {
		return e.UnitID == nil
	}
	return e.UnitID != nil && *e.UnitID == *key.UnitID
}

func (s *memStore) FindOpenException(_ context.Context, key database.ExceptionKey) (*models.BillingException, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.st.exceptions {
		if matchesKey(e, key) {
			v := e
			return &v, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *memStore) CreateException(_ context.Context, exception *models.BillingException) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exception.ID = s.id()
	exception.CreatedAt = s.now()
	s.st.exceptions[exception.ID] = *exception
	return nil
}

func (s *memStore) ResolveExceptions(_ context.Context, key database.ExceptionKey, resolvedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.st.exceptions {
		if matchesKey(e, key) {
			at := resolvedAt
			e.ResolvedAt = &at
			s.st.exceptions[id] = e
			n++
		}
	}
	return n, nil
}

func (s *memStore) ListExceptions(_ context.Context, societyID uint, openOnly bool) ([]models.BillingException, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BillingException
	for _, e := range s.st.exceptions {
		if e.SocietyID != societyID || (openOnly && e.ResolvedAt != nil) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// fakeNotifier запоминает отправленные уведомления
type fakeNotifier struct {
	mu        sync.Mutex
	reminders []string
	receipts  []PaymentReceipt
	err       error
}

func (n *fakeNotifier) SendArrearsReminder(to string, _ ArrearsReminder) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.reminders = append(n.reminders, to)
	return nil
}

func (n *fakeNotifier) SendPaymentReceipt(_ string, r PaymentReceipt) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.receipts = append(n.receipts, r)
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

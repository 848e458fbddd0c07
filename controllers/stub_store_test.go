package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"societybilling/database"
	"societybilling/models"
)

// stubStore реализует только вызовы, нужные тестам обработчиков; остальные методы паникуют
type stubStore struct {
	database.Store

	societies map[uint]models.Society
	units     map[uint]models.Unit
	rules     []models.MaintenanceRule
	invoices  map[uint]models.Invoice
	pingErr   error
}

func newStubStore() *stubStore {
	voidedAt := time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)
	return &stubStore{
		societies: map[uint]models.Society{
			1: {ID: 1, Name: "Green Valley", Currency: "INR", DueDayOfMonth: 10},
			2: {ID: 2, Name: "Lake View", Currency: "INR", DueDayOfMonth: 5},
		},
		units: map[uint]models.Unit{
			11: {ID: 11, SocietyID: 1, Block: "A", Number: "101", UnitType: "2BHK", OwnerName: "R. Sharma"},
		},
		rules: []models.MaintenanceRule{
			{ID: 1, SocietyID: 1, UnitType: "ALL", Mode: models.CalculationModeFlat, Amount: decimal.NewFromInt(2000), IsActive: true},
		},
		invoices: map[uint]models.Invoice{
			21: {
				ID: 21, SocietyID: 1, UnitID: 11,
				BillingPeriod: models.BillingPeriod{Year: 2026, Month: 9},
				TotalAmount:   decimal.NewFromInt(2000),
				DueDate:       time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC),
				Status:        models.InvoiceStatusPending,
			},
			22: {
				ID: 22, SocietyID: 1, UnitID: 11,
				BillingPeriod: models.BillingPeriod{Year: 2026, Month: 8},
				TotalAmount:   decimal.NewFromInt(2000),
				DueDate:       time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC),
				Status:        models.InvoiceStatusPending,
				VoidedAt:      &voidedAt,
			},
		},
	}
}

func (s *stubStore) Ping(context.Context) error {
	return s.pingErr
}

func (s *stubStore) Transaction(_ context.Context, fn func(tx database.Store) error) error {
	return fn(s)
}

func (s *stubStore) GetSociety(_ context.Context, id uint) (*models.Society, error) {
	v, ok := s.societies[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &v, nil
}

func (s *stubStore) ListSocieties(context.Context) ([]models.Society, error) {
	return nil, nil
}

func (s *stubStore) GetUnit(_ context.Context, id uint) (*models.Unit, error) {
	v, ok := s.units[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &v, nil
}

func (s *stubStore) ListUnits(_ context.Context, societyID uint) ([]models.Unit, error) {
	var out []models.Unit
	for _, u := range s.units {
		if u.SocietyID == societyID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *stubStore) ListMaintenanceRules(_ context.Context, societyID uint) ([]models.MaintenanceRule, error) {
	var out []models.MaintenanceRule
	for _, r := range s.rules {
		if r.SocietyID == societyID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *stubStore) ListChargeHeads(context.Context, uint) ([]models.ChargeHead, error) {
	return nil, nil
}

func (s *stubStore) GetLateFeeConfig(context.Context, uint) (*models.LateFeeConfig, error) {
	return nil, database.ErrNotFound
}

func (s *stubStore) GetInvoiceForUpdate(_ context.Context, id uint) (*models.Invoice, error) {
	v, ok := s.invoices[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &v, nil
}

func (s *stubStore) ListInvoices(_ context.Context, filter database.InvoiceFilter) ([]models.Invoice, error) {
	var out []models.Invoice
	for _, inv := range s.invoices {
		if filter.SocietyID != 0 && inv.SocietyID != filter.SocietyID {
			continue
		}
		if filter.OpenOnly && !inv.IsOpen() {
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}

func (s *stubStore) LatestPayments(context.Context, []uint) (map[uint]models.InvoicePayment, error) {
	return map[uint]models.InvoicePayment{}, nil
}

func (s *stubStore) ListEscalationEventsForUnits(context.Context, []uint, models.EscalationKind) ([]models.EscalationEvent, error) {
	return nil, nil
}

func (s *stubStore) CreateMaintenanceRule(context.Context, *models.MaintenanceRule) error {
	return errors.New("connection refused")
}

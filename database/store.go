package database

import (
	"context"
	"errors"
	"time"

	"societybilling/models"
)

var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("запись не найдена")
	// ErrDuplicateKey нарушено ограничение уникальности
	ErrDuplicateKey = errors.New("нарушено ограничение уникальности")
)

// InvoiceFilter условия выборки счетов
type InvoiceFilter struct {
	SocietyID uint
	UnitID    uint
	Period    *models.BillingPeriod
	OpenOnly  bool // только неаннулированные счета в статусах PENDING/PARTIALLY_PAID/OVERDUE
}

// ExceptionKey идентифицирует открытое исключение биллинга
type ExceptionKey struct {
	SocietyID uint
	UnitID    *uint
	Kind      models.BillingExceptionKind
	Period    models.BillingPeriod
}

// Store описывает операции хранилища, необходимые движку биллинга
type Store interface {
	// Transaction выполняет fn атомарно
	Transaction(ctx context.Context, fn func(tx Store) error) error

	// Комплексы и помещения
	GetSociety(ctx context.Context, id uint) (*models.Society, error)
	ListSocieties(ctx context.Context) ([]models.Society, error)
	SaveSociety(ctx context.Context, society *models.Society) error
	GetUnit(ctx context.Context, id uint) (*models.Unit, error)
	ListUnits(ctx context.Context, societyID uint) ([]models.Unit, error)

	// Настройки биллинга
	ListMaintenanceRules(ctx context.Context, societyID uint) ([]models.MaintenanceRule, error)
	GetMaintenanceRule(ctx context.Context, id uint) (*models.MaintenanceRule, error)
	CreateMaintenanceRule(ctx context.Context, rule *models.MaintenanceRule) error
	SaveMaintenanceRule(ctx context.Context, rule *models.MaintenanceRule) error
	ListChargeHeads(ctx context.Context, societyID uint) ([]models.ChargeHead, error)
	GetChargeHead(ctx context.Context, id uint) (*models.ChargeHead, error)
	CreateChargeHead(ctx context.Context, head *models.ChargeHead) error
	SaveChargeHead(ctx context.Context, head *models.ChargeHead) error
	GetLateFeeConfig(ctx context.Context, societyID uint) (*models.LateFeeConfig, error)
	SaveLateFeeConfig(ctx context.Context, cfg *models.LateFeeConfig) error

	// Счета
	CreateInvoice(ctx context.Context, invoice *models.Invoice) error
	GetInvoice(ctx context.Context, id uint) (*models.Invoice, error)
	GetInvoiceForUpdate(ctx context.Context, id uint) (*models.Invoice, error)
	FindActiveInvoice(ctx context.Context, unitID uint, period models.BillingPeriod) (*models.Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]models.Invoice, error)
	ListOpenInvoicesForUpdate(ctx context.Context, unitID uint) ([]models.Invoice, error)
	SaveInvoice(ctx context.Context, invoice *models.Invoice) error

	// Платежи
	CreatePayment(ctx context.Context, payment *models.InvoicePayment) error
	LatestPayments(ctx context.Context, unitIDs []uint) (map[uint]models.InvoicePayment, error)

	// Журнал взыскания
	AppendEscalationEvent(ctx context.Context, event *models.EscalationEvent) error
	ListEscalationEvents(ctx context.Context, unitID uint) ([]models.EscalationEvent, error)
	ListEscalationEventsForUnits(ctx context.Context, unitIDs []uint, kind models.EscalationKind) ([]models.EscalationEvent, error)
	CountEscalationEvents(ctx context.Context, unitID uint, kind models.EscalationKind, method string, from, to time.Time) (int64, error)

	// Исключения биллинга
	FindOpenException(ctx context.Context, key ExceptionKey) (*models.BillingException, error)
	CreateException(ctx context.Context, exception *models.BillingException) error
	ResolveExceptions(ctx context.Context, key ExceptionKey, resolvedAt time.Time) (int64, error)
	ListExceptions(ctx context.Context, societyID uint, openOnly bool) ([]models.BillingException, error)
}

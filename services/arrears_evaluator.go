package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"societybilling/database"
	"societybilling/models"
	"societybilling/utils"
)

var hundred = decimal.NewFromInt(100)

// LateFeePolicy политика пени, вычисляемая одной чистой функцией
type LateFeePolicy struct {
	Active    bool
	GraceDays int
	FeeType   models.LateFeeType
	Amount    decimal.Decimal
	MaxCap    decimal.NullDecimal
}

// NewLateFeePolicy строит политику из конфигурации; nil дает неактивную политику
func NewLateFeePolicy(cfg *models.LateFeeConfig) LateFeePolicy {
	if cfg == nil {
		return LateFeePolicy{}
	}
	return LateFeePolicy{
		Active:    cfg.IsActive,
		GraceDays: cfg.GracePeriodDays,
		FeeType:   cfg.FeeType,
		Amount:    cfg.Amount,
		MaxCap:    cfg.MaxCap,
	}
}

// Fee рассчитывает пеню за overdueDays дней просрочки при неоплаченной сумме principal
func (p LateFeePolicy) Fee(principal decimal.Decimal, overdueDays int) decimal.Decimal {
	if !p.Active || overdueDays <= p.GraceDays || !principal.IsPositive() {
		return decimal.Zero
	}

	var fee decimal.Decimal
	switch p.FeeType {
	case models.LateFeeTypeFixed:
		fee = p.Amount
	case models.LateFeeTypePercentage:
		fee = principal.Mul(p.Amount).Div(hundred)
	case models.LateFeeTypePerDay:
		fee = p.Amount.Mul(decimal.NewFromInt(int64(overdueDays - p.GraceDays)))
	default:
		return decimal.Zero
	}

	if p.MaxCap.Valid && fee.GreaterThan(p.MaxCap.Decimal) {
		fee = p.MaxCap.Decimal
	}
	return utils.RoundMoney(fee)
}

// ArrearsStatus результат оценки задолженности по счету на дату
type ArrearsStatus struct {
	InvoiceID   uint            `json:"invoiceId"`
	AsOf        time.Time       `json:"asOf"`
	IsOverdue   bool            `json:"isOverdue"`
	OverdueDays int             `json:"overdueDays"`
	DueDays     int             `json:"dueDays"`
	InGrace     bool            `json:"inGrace"`
	Principal   decimal.Decimal `json:"principal"`
	LateFee     decimal.Decimal `json:"lateFee"`
}

// Evaluate оценивает счет на дату asOf; результат зависит только от аргументов
func Evaluate(invoice models.Invoice, asOf time.Time, policy LateFeePolicy) ArrearsStatus {
	status := ArrearsStatus{
		InvoiceID: invoice.ID,
		AsOf:      utils.DateOnly(asOf),
		Principal: invoice.Balance(),
		LateFee:   decimal.Zero,
	}

	days := utils.DaysBetween(invoice.DueDate, asOf)
	if days < 0 {
		days = 0
	}
	status.DueDays = days

	if !invoice.IsOpen() || !status.Principal.IsPositive() || days == 0 {
		return status
	}

	status.IsOverdue = true
	status.OverdueDays = days
	status.InGrace = days <= policy.GraceDays
	status.LateFee = policy.Fee(status.Principal, days)
	return status
}

// applyArrears переносит результат оценки в счет и возвращает прирост пени
func applyArrears(invoice *models.Invoice, status ArrearsStatus) decimal.Decimal {
	asOf := status.AsOf
	invoice.LastEvaluated = &asOf

	if status.IsOverdue && invoice.Status == models.InvoiceStatusPending {
		invoice.Status = models.InvoiceStatusOverdue
	}

	// Пеня не уменьшается: снижение возможно только через списание
	if status.LateFee.GreaterThan(invoice.LateFeeAccrued) {
		delta := status.LateFee.Sub(invoice.LateFeeAccrued)
		invoice.LateFeeAccrued = status.LateFee
		return delta
	}
	return decimal.Zero
}

// InvoiceEvaluation результат пересчета одного счета
type InvoiceEvaluation struct {
	Invoice  models.Invoice  `json:"invoice"`
	Status   ArrearsStatus   `json:"status"`
	FeeDelta decimal.Decimal `json:"feeDelta"`
}

// ArrearsEvaluator пересчитывает просрочку и пеню по открытым счетам
type ArrearsEvaluator struct {
	store      database.Store
	rules      *RuleStore
	exceptions *BillingExceptions
}

// NewArrearsEvaluator создает новый экземпляр ArrearsEvaluator
func NewArrearsEvaluator(store database.Store, rules *RuleStore, exceptions *BillingExceptions) *ArrearsEvaluator {
	return &ArrearsEvaluator{
		store:      store,
		rules:      rules,
		exceptions: exceptions,
	}
}

// loadPolicy возвращает политику пени комплекса; при required отсутствие активной политики является ошибкой
func (e *ArrearsEvaluator) loadPolicy(ctx context.Context, societyID uint, required bool) (LateFeePolicy, error) {
	cfg, err := e.rules.GetLateFeeConfig(ctx, societyID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return LateFeePolicy{}, fmt.Errorf("ошибка при получении политики пени: %w", err)
	}

	policy := NewLateFeePolicy(cfg)
	if required && !policy.Active {
		return policy, &ConfigurationError{
			Kind:      models.ExceptionMissingLateFeeConfig,
			SocietyID: societyID,
			Message:   "не настроена активная политика пени",
		}
	}
	return policy, nil
}

// evaluateLocked пересчитывает уже заблокированный счет и сохраняет его
func evaluateLocked(ctx context.Context, tx database.Store, invoice *models.Invoice, asOf time.Time, policy LateFeePolicy) (InvoiceEvaluation, error) {
	status := Evaluate(*invoice, asOf, policy)
	delta := applyArrears(invoice, status)

	if err := tx.SaveInvoice(ctx, invoice); err != nil {
		return InvoiceEvaluation{}, fmt.Errorf("ошибка при сохранении счета %d: %w", invoice.ID, err)
	}
	return InvoiceEvaluation{Invoice: *invoice, Status: status, FeeDelta: delta}, nil
}

// evaluateUnitTx пересчитывает все открытые счета помещения внутри транзакции tx
func evaluateUnitTx(ctx context.Context, tx database.Store, unitID uint, asOf time.Time, policy LateFeePolicy) ([]InvoiceEvaluation, error) {
	invoices, err := tx.ListOpenInvoicesForUpdate(ctx, unitID)
	if err != nil {
		return nil, fmt.Errorf("ошибка при получении открытых счетов: %w", err)
	}

	results := make([]InvoiceEvaluation, 0, len(invoices))
	for i := range invoices {
		result, err := evaluateLocked(ctx, tx, &invoices[i], asOf, policy)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// EvaluateInvoice пересчитывает один счет на дату asOf
func (e *ArrearsEvaluator) EvaluateInvoice(ctx context.Context, societyID, invoiceID uint, asOf time.Time) (*InvoiceEvaluation, error) {
	policy, err := e.loadPolicy(ctx, societyID, false)
	if err != nil {
		return nil, err
	}

	var result InvoiceEvaluation
	err = e.store.Transaction(ctx, func(tx database.Store) error {
		// Читаем актуальное состояние счета под блокировкой
		invoice, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if invoice.SocietyID != societyID {
			return ErrNotFound
		}
		if !invoice.IsOpen() {
			result = InvoiceEvaluation{Invoice: *invoice, Status: Evaluate(*invoice, asOf, policy), FeeDelta: decimal.Zero}
			return nil
		}
		result, err = evaluateLocked(ctx, tx, invoice, asOf, policy)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// EvaluateUnit пересчитывает все открытые счета помещения на дату asOf
func (e *ArrearsEvaluator) EvaluateUnit(ctx context.Context, societyID, unitID uint, asOf time.Time) ([]InvoiceEvaluation, error) {
	unit, err := e.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if unit.SocietyID != societyID {
		return nil, ErrNotFound
	}

	policy, err := e.loadPolicy(ctx, societyID, false)
	if err != nil {
		return nil, err
	}

	var results []InvoiceEvaluation
	err = e.store.Transaction(ctx, func(tx database.Store) error {
		var err error
		results, err = evaluateUnitTx(ctx, tx, unitID, asOf, policy)
		return err
	})
	return results, err
}

package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"societybilling/database"
	"societybilling/models"
	"societybilling/utils"
)

// Способы отправки напоминаний
const (
	ReminderEmail    = "EMAIL"
	ReminderSMS      = "SMS"
	ReminderWhatsApp = "WHATSAPP"
	ReminderNotice   = "NOTICE"
)

// MethodSystem отмечает события, созданные пакетными задачами
const MethodSystem = "SYSTEM"

// ReminderDTO запрос на отправку напоминания
type ReminderDTO struct {
	Method string `json:"method" validate:"required,oneof=EMAIL SMS WHATSAPP NOTICE"`
	Note   string `json:"note" validate:"max=500"`
}

// PaymentDTO данные поступившего платежа
type PaymentDTO struct {
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method" validate:"required,oneof=CASH UPI CHEQUE BANK_TRANSFER ONLINE"`
	Reference string          `json:"reference" validate:"max=100"`
	PaidOn    string          `json:"paidOn"`
}

// WaiverDTO запрос на списание пени
type WaiverDTO struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// EscalationLedger журнал действий по взысканию: напоминания, пени, оплаты
type EscalationLedger struct {
	store     database.Store
	evaluator *ArrearsEvaluator
	notifier  Notifier
	validator *validator.Validate
	loc       *time.Location
	now       func() time.Time
}

// NewEscalationLedger создает новый экземпляр EscalationLedger
func NewEscalationLedger(store database.Store, evaluator *ArrearsEvaluator, notifier Notifier, loc *time.Location) *EscalationLedger {
	if loc == nil {
		loc = time.UTC
	}
	return &EscalationLedger{
		store:     store,
		evaluator: evaluator,
		notifier:  notifier,
		validator: newValidator(),
		loc:       loc,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// dayBounds возвращает границы календарного дня комплекса, содержащего t
func (l *EscalationLedger) dayBounds(t time.Time) (time.Time, time.Time) {
	local := t.In(l.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, l.loc)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

func (l *EscalationLedger) unitOf(ctx context.Context, societyID, unitID uint) (*models.Unit, error) {
	unit, err := l.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if unit.SocietyID != societyID {
		return nil, ErrNotFound
	}
	return unit, nil
}

// RecordReminder фиксирует напоминание; повтор тем же способом в тот же день отклоняется
func (l *EscalationLedger) RecordReminder(ctx context.Context, societyID, unitID uint, dto ReminderDTO, operatorID uint) (*models.EscalationEvent, error) {
	if err := validateStruct(l.validator, dto); err != nil {
		return nil, err
	}

	society, err := l.store.GetSociety(ctx, societyID)
	if err != nil {
		return nil, err
	}
	unit, err := l.unitOf(ctx, societyID, unitID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	from, to := l.dayBounds(now)

	var event *models.EscalationEvent
	err = l.store.Transaction(ctx, func(tx database.Store) error {
		// Блокировка открытых счетов сериализует напоминания по помещению
		invoices, err := tx.ListOpenInvoicesForUpdate(ctx, unit.ID)
		if err != nil {
			return fmt.Errorf("ошибка при получении открытых счетов: %w", err)
		}
		if len(invoices) == 0 {
			return newValidationError("у помещения %s нет открытых счетов", unit.Label())
		}

		sent, err := tx.CountEscalationEvents(ctx, unit.ID, models.EscalationReminderSent, dto.Method, from, to)
		if err != nil {
			return fmt.Errorf("ошибка при проверке напоминаний: %w", err)
		}
		if sent > 0 {
			return ErrDuplicateReminder
		}

		if dto.Method == ReminderEmail {
			if err := l.notifier.SendArrearsReminder(unit.OwnerEmail, reminderFor(*society, *unit, invoices)); err != nil {
				return err
			}
		}

		event = &models.EscalationEvent{
			SocietyID:  society.ID,
			UnitID:     unit.ID,
			Kind:       models.EscalationReminderSent,
			Method:     dto.Method,
			Amount:     outstandingOf(invoices),
			Note:       dto.Note,
			OperatorID: operatorID,
			OccurredAt: now,
		}
		return tx.AppendEscalationEvent(ctx, event)
	})
	if err != nil {
		return nil, err
	}

	utils.GetMetrics().RecordReminder()
	utils.LogInfo("Напоминание %s отправлено помещению %s", dto.Method, unit.Label())
	return event, nil
}

func outstandingOf(invoices []models.Invoice) decimal.Decimal {
	total := decimal.Zero
	for _, inv := range invoices {
		total = total.Add(inv.Balance())
	}
	return total
}

func reminderFor(society models.Society, unit models.Unit, invoices []models.Invoice) ArrearsReminder {
	r := ArrearsReminder{
		SocietyName: society.Name,
		UnitLabel:   unit.Label(),
		OwnerName:   unit.OwnerName,
		Outstanding: decimal.Zero,
		LateFees:    decimal.Zero,
		Currency:    society.Currency,
	}
	for _, inv := range invoices {
		r.Outstanding = r.Outstanding.Add(inv.Balance())
		r.LateFees = r.LateFees.Add(inv.OutstandingLateFee())
		if r.OldestDue.IsZero() || inv.DueDate.Before(r.OldestDue) {
			r.OldestDue = inv.DueDate
		}
	}
	return r
}

// accrueLateFeesTx пересчитывает пени помещения и записывает событие по каждому приросту
func accrueLateFeesTx(
	ctx context.Context,
	tx database.Store,
	unitID uint,
	asOf time.Time,
	policy LateFeePolicy,
	operatorID uint,
	method string,
	at time.Time,
) ([]InvoiceEvaluation, []models.EscalationEvent, error) {
	results, err := evaluateUnitTx(ctx, tx, unitID, asOf, policy)
	if err != nil {
		return nil, nil, err
	}

	var events []models.EscalationEvent
	for _, r := range results {
		if !r.FeeDelta.IsPositive() {
			continue
		}
		invoiceID := r.Invoice.ID
		event := models.EscalationEvent{
			SocietyID:  r.Invoice.SocietyID,
			UnitID:     r.Invoice.UnitID,
			InvoiceID:  &invoiceID,
			Kind:       models.EscalationLateFeeApplied,
			Method:     method,
			Amount:     r.FeeDelta,
			Note:       fmt.Sprintf("пеня на %s: %s", utils.DateOnly(asOf).Format(utils.DateLayout), r.Invoice.LateFeeAccrued.StringFixed(2)),
			OperatorID: operatorID,
			OccurredAt: at,
		}
		if err := tx.AppendEscalationEvent(ctx, &event); err != nil {
			return nil, nil, fmt.Errorf("ошибка при записи события: %w", err)
		}
		events = append(events, event)
	}
	return results, events, nil
}

// ApplyLateFee начисляет пени по всем открытым счетам помещения
func (l *EscalationLedger) ApplyLateFee(ctx context.Context, societyID, unitID uint, asOf time.Time, operatorID uint) ([]models.Invoice, error) {
	if _, err := l.unitOf(ctx, societyID, unitID); err != nil {
		return nil, err
	}

	policy, err := l.evaluator.loadPolicy(ctx, societyID, true)
	if err != nil {
		return nil, err
	}

	var results []InvoiceEvaluation
	var events []models.EscalationEvent
	err = l.store.Transaction(ctx, func(tx database.Store) error {
		var err error
		results, events, err = accrueLateFeesTx(ctx, tx, unitID, asOf, policy, operatorID, "", l.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	invoices := make([]models.Invoice, len(results))
	for i, r := range results {
		invoices[i] = r.Invoice
	}
	for range events {
		utils.GetMetrics().RecordLateFee()
	}
	utils.LogInfo("Пени помещения %d пересчитаны на %s: счетов %d, начислений %d",
		unitID, asOf.Format(utils.DateLayout), len(invoices), len(events))
	return invoices, nil
}

// ApplyInvoiceLateFee начисляет пеню по одному счету; событие nil, если пеня не выросла
func (l *EscalationLedger) ApplyInvoiceLateFee(ctx context.Context, societyID, invoiceID uint, asOf time.Time, operatorID uint) (*models.Invoice, *models.EscalationEvent, error) {
	policy, err := l.evaluator.loadPolicy(ctx, societyID, true)
	if err != nil {
		return nil, nil, err
	}

	var invoice *models.Invoice
	var event *models.EscalationEvent
	err = l.store.Transaction(ctx, func(tx database.Store) error {
		locked, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if locked.SocietyID != societyID {
			return ErrNotFound
		}
		if !locked.IsOpen() {
			return ErrInvoiceNotOpen
		}

		result, err := evaluateLocked(ctx, tx, locked, asOf, policy)
		if err != nil {
			return err
		}
		invoice = &result.Invoice

		if !result.FeeDelta.IsPositive() {
			return nil
		}
		id := locked.ID
		event = &models.EscalationEvent{
			SocietyID:  locked.SocietyID,
			UnitID:     locked.UnitID,
			InvoiceID:  &id,
			Kind:       models.EscalationLateFeeApplied,
			Amount:     result.FeeDelta,
			Note:       fmt.Sprintf("пеня на %s: %s", utils.DateOnly(asOf).Format(utils.DateLayout), locked.LateFeeAccrued.StringFixed(2)),
			OperatorID: operatorID,
			OccurredAt: l.now(),
		}
		return tx.AppendEscalationEvent(ctx, event)
	})
	if err != nil {
		return nil, nil, err
	}

	if event != nil {
		utils.GetMetrics().RecordLateFee()
	}
	return invoice, event, nil
}

// RecordPayment зачисляет платеж в счет основной суммы
func (l *EscalationLedger) RecordPayment(ctx context.Context, societyID, invoiceID uint, dto PaymentDTO, operatorID uint) (*models.Invoice, error) {
	if err := validateStruct(l.validator, dto); err != nil {
		return nil, err
	}
	if !dto.Amount.IsPositive() {
		return nil, newValidationError("поле amount должно быть больше 0")
	}
	if !dto.Amount.Equal(utils.RoundMoney(dto.Amount)) {
		return nil, newValidationError("сумма платежа должна содержать не более двух знаков после запятой")
	}

	now := l.now()
	paidOn, err := utils.ParseDate(dto.PaidOn, now.In(l.loc))
	if err != nil {
		return nil, &ValidationError{Messages: []string{err.Error()}}
	}

	var invoice *models.Invoice
	settled := false
	err = l.store.Transaction(ctx, func(tx database.Store) error {
		// Читаем счет под блокировкой, чтобы не потерять параллельный платеж
		locked, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if locked.SocietyID != societyID {
			return ErrNotFound
		}
		if locked.VoidedAt != nil {
			return ErrInvoiceNotOpen
		}

		// Для оплаченного счета остаток равен нулю, любой платеж избыточен
		balance := locked.Balance()
		if dto.Amount.GreaterThan(balance) {
			return &OverpaymentError{InvoiceID: locked.ID, Amount: dto.Amount, Balance: balance}
		}

		locked.PaidAmount = locked.PaidAmount.Add(dto.Amount)
		if locked.PaidAmount.GreaterThanOrEqual(locked.TotalAmount) {
			locked.Status = models.InvoiceStatusPaid
			settled = true
		} else {
			locked.Status = models.InvoiceStatusPartiallyPaid
		}

		if err := tx.SaveInvoice(ctx, locked); err != nil {
			return fmt.Errorf("ошибка при сохранении счета: %w", err)
		}

		if err := tx.CreatePayment(ctx, &models.InvoicePayment{
			InvoiceID:  locked.ID,
			UnitID:     locked.UnitID,
			Amount:     dto.Amount,
			Method:     dto.Method,
			Reference:  dto.Reference,
			PaidOn:     paidOn,
			OperatorID: operatorID,
		}); err != nil {
			return fmt.Errorf("ошибка при сохранении платежа: %w", err)
		}

		if settled {
			id := locked.ID
			if err := tx.AppendEscalationEvent(ctx, &models.EscalationEvent{
				SocietyID:  locked.SocietyID,
				UnitID:     locked.UnitID,
				InvoiceID:  &id,
				Kind:       models.EscalationMarkedPaid,
				Method:     dto.Method,
				Amount:     locked.TotalAmount,
				Note:       dto.Reference,
				OperatorID: operatorID,
				OccurredAt: now,
			}); err != nil {
				return fmt.Errorf("ошибка при записи события: %w", err)
			}
		}

		invoice = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	utils.GetMetrics().RecordPayment(settled)
	utils.LogInfo("Платеж %s по счету %d, статус %s", dto.Amount.StringFixed(2), invoice.ID, invoice.Status)

	if settled {
		l.sendReceipt(ctx, invoice, dto.Amount, paidOn)
	}
	return invoice, nil
}

// sendReceipt отправляет квитанцию; ошибка отправки только логируется
func (l *EscalationLedger) sendReceipt(ctx context.Context, invoice *models.Invoice, amount decimal.Decimal, paidOn time.Time) {
	society, err := l.store.GetSociety(ctx, invoice.SocietyID)
	if err != nil {
		utils.LogError("Квитанция по счету %d не отправлена: %v", invoice.ID, err)
		return
	}
	unit, err := l.store.GetUnit(ctx, invoice.UnitID)
	if err != nil {
		utils.LogError("Квитанция по счету %d не отправлена: %v", invoice.ID, err)
		return
	}
	if unit.OwnerEmail == "" {
		return
	}

	if err := l.notifier.SendPaymentReceipt(unit.OwnerEmail, PaymentReceipt{
		SocietyName: society.Name,
		UnitLabel:   unit.Label(),
		InvoiceID:   invoice.ID,
		Period:      invoice.BillingPeriod.String(),
		Amount:      amount,
		PaidOn:      paidOn,
		Currency:    society.Currency,
	}); err != nil {
		utils.LogError("Квитанция по счету %d не отправлена: %v", invoice.ID, err)
	}
}

// WaiveLateFee списывает непогашенную пеню по счету
func (l *EscalationLedger) WaiveLateFee(ctx context.Context, societyID, invoiceID uint, dto WaiverDTO, operatorID uint) (*models.Invoice, *models.EscalationEvent, error) {
	if err := validateStruct(l.validator, dto); err != nil {
		return nil, nil, err
	}

	var invoice *models.Invoice
	var event *models.EscalationEvent
	err := l.store.Transaction(ctx, func(tx database.Store) error {
		locked, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if locked.SocietyID != societyID {
			return ErrNotFound
		}
		if locked.VoidedAt != nil {
			return ErrInvoiceNotOpen
		}

		waived := locked.OutstandingLateFee()
		if !waived.IsPositive() {
			return newValidationError("по счету %d нет непогашенной пени", locked.ID)
		}

		// Начисленная пеня не уменьшается, списание учитывается отдельно
		locked.LateFeeWaived = locked.LateFeeAccrued
		if err := tx.SaveInvoice(ctx, locked); err != nil {
			return fmt.Errorf("ошибка при сохранении счета: %w", err)
		}

		id := locked.ID
		event = &models.EscalationEvent{
			SocietyID:  locked.SocietyID,
			UnitID:     locked.UnitID,
			InvoiceID:  &id,
			Kind:       models.EscalationLateFeeWaived,
			Amount:     waived,
			Note:       dto.Reason,
			OperatorID: operatorID,
			OccurredAt: l.now(),
		}
		if err := tx.AppendEscalationEvent(ctx, event); err != nil {
			return fmt.Errorf("ошибка при записи события: %w", err)
		}

		invoice = locked
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	utils.LogInfo("Списана пеня %s по счету %d", event.Amount.StringFixed(2), invoice.ID)
	return invoice, event, nil
}

// History возвращает журнал взыскания помещения, новые события первыми
func (l *EscalationLedger) History(ctx context.Context, societyID, unitID uint) ([]models.EscalationEvent, error) {
	if _, err := l.unitOf(ctx, societyID, unitID); err != nil {
		return nil, err
	}
	return l.store.ListEscalationEvents(ctx, unitID)
}

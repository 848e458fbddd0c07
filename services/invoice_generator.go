package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"societybilling/database"
	"societybilling/models"
	"societybilling/utils"
)

// GenerateInvoiceDTO запрос на выставление счета помещению
type GenerateInvoiceDTO struct {
	Year            int                      `json:"year" validate:"required,gte=2000,lte=2100"`
	Month           int                      `json:"month" validate:"required,gte=1,lte=12"`
	ChargeOverrides map[uint]decimal.Decimal `json:"chargeOverrides"`
	OptionalCharges []uint                   `json:"optionalCharges"`
}

// Period возвращает расчетный период запроса
func (d GenerateInvoiceDTO) Period() models.BillingPeriod {
	return models.BillingPeriod{Year: d.Year, Month: d.Month}
}

// Selection возвращает выбор статей начислений запроса
func (d GenerateInvoiceDTO) Selection() ChargeSelection {
	return NewChargeSelection(d.ChargeOverrides, d.OptionalCharges)
}

// RegenerateInvoiceDTO запрос на перевыпуск счета
type RegenerateInvoiceDTO struct {
	ChargeOverrides map[uint]decimal.Decimal `json:"chargeOverrides"`
	OptionalCharges []uint                   `json:"optionalCharges"`
	Reason          string                   `json:"reason" validate:"max=500"`
}

// ChargeSelection суммы для переменных статей и выбранные необязательные статьи
type ChargeSelection struct {
	Overrides map[uint]decimal.Decimal
	Optional  map[uint]bool
}

// NewChargeSelection создает ChargeSelection
func NewChargeSelection(overrides map[uint]decimal.Decimal, optional []uint) ChargeSelection {
	sel := ChargeSelection{
		Overrides: make(map[uint]decimal.Decimal, len(overrides)),
		Optional:  make(map[uint]bool, len(optional)),
	}
	for id, amount := range overrides {
		sel.Overrides[id] = amount
	}
	for _, id := range optional {
		sel.Optional[id] = true
	}
	return sel
}

// GenerationResult созданный счет и предупреждения генерации
type GenerationResult struct {
	Invoice  *models.Invoice `json:"invoice"`
	Warnings []string        `json:"warnings,omitempty"`
}

type chargeSnapshot struct {
	ID         uint                `json:"id"`
	Name       string              `json:"name"`
	Method     models.ChargeMethod `json:"method"`
	Amount     string              `json:"amount"`
	Overridden bool                `json:"overridden,omitempty"`
}

// ruleSnapshot фиксирует конфигурацию, по которой рассчитан счет
type ruleSnapshot struct {
	RuleID         uint                   `json:"ruleId"`
	UnitType       string                 `json:"unitType"`
	Mode           models.CalculationMode `json:"mode"`
	Amount         string                 `json:"amount,omitempty"`
	RatePerArea    string                 `json:"ratePerArea,omitempty"`
	Area           string                 `json:"area,omitempty"`
	Charges        []chargeSnapshot       `json:"charges"`
	SkippedCharges []uint                 `json:"skippedCharges,omitempty"`
}

// InvoiceGenerator выставляет счета по правилам комплекса
type InvoiceGenerator struct {
	store      database.Store
	rules      *RuleStore
	exceptions *BillingExceptions
	validator  *validator.Validate
	now        func() time.Time
}

// NewInvoiceGenerator создает новый экземпляр InvoiceGenerator
func NewInvoiceGenerator(store database.Store, rules *RuleStore, exceptions *BillingExceptions) *InvoiceGenerator {
	return &InvoiceGenerator{
		store:      store,
		rules:      rules,
		exceptions: exceptions,
		validator:  newValidator(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// calculateBaseAmount рассчитывает базовый взнос с округлением до копеек
func calculateBaseAmount(rule models.MaintenanceRule, area decimal.Decimal) decimal.Decimal {
	if rule.Mode == models.CalculationModeArea {
		return utils.RoundMoney(rule.RatePerArea.Mul(area))
	}
	return utils.RoundMoney(rule.Amount)
}

// validateSelection проверяет, что выбор ссылается на активные статьи и суммы положительны
func validateSelection(heads []models.ChargeHead, sel ChargeSelection) error {
	active := make(map[uint]bool, len(heads))
	for _, h := range heads {
		active[h.ID] = true
	}

	var messages []string
	for id, amount := range sel.Overrides {
		if !active[id] {
			messages = append(messages, fmt.Sprintf("статья начислений %d не найдена или отключена", id))
			continue
		}
		if !amount.IsPositive() {
			messages = append(messages, fmt.Sprintf("сумма для статьи начислений %d должна быть больше 0", id))
		}
	}
	for id := range sel.Optional {
		if !active[id] {
			messages = append(messages, fmt.Sprintf("статья начислений %d не найдена или отключена", id))
		}
	}

	if len(messages) > 0 {
		return &ValidationError{Messages: messages}
	}
	return nil
}

// buildInvoice собирает счет из правила и статей начислений без обращения к хранилищу
func buildInvoice(
	society models.Society,
	unit models.Unit,
	rule models.MaintenanceRule,
	heads []models.ChargeHead,
	sel ChargeSelection,
	period models.BillingPeriod,
) (*models.Invoice, []string, error) {
	if rule.Mode == models.CalculationModeArea && !unit.Area.IsPositive() {
		return nil, nil, newValidationError("у помещения %s не указана площадь", unit.Label())
	}

	base := calculateBaseAmount(rule, unit.Area)
	snapshot := ruleSnapshot{
		RuleID:   rule.ID,
		UnitType: rule.UnitType,
		Mode:     rule.Mode,
		Charges:  []chargeSnapshot{},
	}
	if rule.Mode == models.CalculationModeArea {
		snapshot.RatePerArea = rule.RatePerArea.String()
		snapshot.Area = unit.Area.String()
	} else {
		snapshot.Amount = rule.Amount.StringFixed(2)
	}

	lines := []models.InvoiceLineItem{{
		Position:    1,
		SourceType:  models.LineItemSourceMaintenance,
		SourceID:    rule.ID,
		Description: "Эксплуатационный взнос",
		Amount:      base,
	}}

	var warnings []string
	for _, head := range heads {
		if head.IsOptional && !sel.Optional[head.ID] {
			continue
		}

		amount, overridden := sel.Overrides[head.ID]
		if !overridden {
			if head.Method == models.ChargeMethodVariable {
				// Переменная статья без суммы пропускается, но не обнуляется
				warnings = append(warnings, fmt.Sprintf("статья %q пропущена: не задана сумма", head.Name))
				snapshot.SkippedCharges = append(snapshot.SkippedCharges, head.ID)
				continue
			}
			amount = head.DefaultAmount
		}
		amount = utils.RoundMoney(amount)

		lines = append(lines, models.InvoiceLineItem{
			Position:    len(lines) + 1,
			SourceType:  models.LineItemSourceCharge,
			SourceID:    head.ID,
			Description: head.Name,
			Amount:      amount,
		})
		snapshot.Charges = append(snapshot.Charges, chargeSnapshot{
			ID:         head.ID,
			Name:       head.Name,
			Method:     head.Method,
			Amount:     amount.StringFixed(2),
			Overridden: overridden,
		})
	}

	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Amount)
	}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка при сохранении снимка правил: %v", err)
	}

	invoice := &models.Invoice{
		SocietyID:      society.ID,
		UnitID:         unit.ID,
		BillingPeriod:  period,
		LineItems:      lines,
		TotalAmount:    total,
		PaidAmount:     decimal.Zero,
		LateFeeAccrued: decimal.Zero,
		LateFeeWaived:  decimal.Zero,
		DueDate:        society.DueDate(period),
		Status:         models.InvoiceStatusPending,
		RuleSnapshot:   datatypes.JSON(raw),
	}
	return invoice, warnings, nil
}

// prepare разрешает правило и статьи и собирает счет
func (g *InvoiceGenerator) prepare(
	ctx context.Context,
	society models.Society,
	unit models.Unit,
	sel ChargeSelection,
	period models.BillingPeriod,
) (*models.Invoice, []string, error) {
	rule, err := g.rules.ResolveMaintenanceRule(ctx, society.ID, unit.UnitType)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			cfgErr.UnitID = unit.ID
			if recErr := g.exceptions.Record(ctx, cfgErr, period); recErr != nil {
				utils.LogError("Не удалось сохранить исключение биллинга: %v", recErr)
			}
		}
		return nil, nil, err
	}

	heads, err := g.rules.ListActiveChargeHeads(ctx, society.ID)
	if err != nil {
		return nil, nil, err
	}
	if err := validateSelection(heads, sel); err != nil {
		return nil, nil, err
	}

	return buildInvoice(society, unit, *rule, heads, sel, period)
}

// GenerateInvoice выставляет счет помещению за период
func (g *InvoiceGenerator) GenerateInvoice(ctx context.Context, societyID, unitID uint, dto GenerateInvoiceDTO) (*GenerationResult, error) {
	if err := validateStruct(g.validator, dto); err != nil {
		return nil, err
	}

	society, err := g.store.GetSociety(ctx, societyID)
	if err != nil {
		return nil, err
	}
	unit, err := g.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if unit.SocietyID != society.ID {
		return nil, ErrNotFound
	}

	return g.generateForUnit(ctx, *society, *unit, dto.Selection(), dto.Period())
}

// generateForUnit выставляет счет; используется и API, и пакетными задачами
func (g *InvoiceGenerator) generateForUnit(
	ctx context.Context,
	society models.Society,
	unit models.Unit,
	sel ChargeSelection,
	period models.BillingPeriod,
) (*GenerationResult, error) {
	// Проверяем, что счет за период еще не выставлен
	existing, err := g.store.FindActiveInvoice(ctx, unit.ID, period)
	if err == nil {
		return nil, &DuplicateInvoiceError{UnitID: unit.ID, Period: period, InvoiceID: existing.ID}
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("ошибка при поиске счета: %w", err)
	}

	invoice, warnings, err := g.prepare(ctx, society, unit, sel, period)
	if err != nil {
		return nil, err
	}

	// Уникальный индекс решает гонку параллельных запросов
	if err := g.store.CreateInvoice(ctx, invoice); err != nil {
		if errors.Is(err, database.ErrDuplicateKey) {
			return nil, &DuplicateInvoiceError{UnitID: unit.ID, Period: period}
		}
		return nil, fmt.Errorf("ошибка при создании счета: %w", err)
	}

	unitID := unit.ID
	if err := g.exceptions.Resolve(ctx, database.ExceptionKey{
		SocietyID: society.ID,
		UnitID:    &unitID,
		Kind:      models.ExceptionMissingRule,
		Period:    period,
	}); err != nil {
		utils.LogError("Не удалось закрыть исключения помещения %d: %v", unit.ID, err)
	}

	for _, w := range warnings {
		utils.LogWarn("Счет %d помещения %s: %s", invoice.ID, unit.Label(), w)
	}
	utils.GetMetrics().RecordInvoiceGenerated()
	utils.LogInfo("Выставлен счет %d помещению %s за %s на сумму %s",
		invoice.ID, unit.Label(), period, invoice.TotalAmount.StringFixed(2))

	return &GenerationResult{Invoice: invoice, Warnings: warnings}, nil
}

// RegenerateInvoice аннулирует неоплаченный счет и выставляет новый за тот же период
func (g *InvoiceGenerator) RegenerateInvoice(ctx context.Context, societyID, invoiceID uint, dto RegenerateInvoiceDTO, operatorID uint) (*GenerationResult, error) {
	if err := validateStruct(g.validator, dto); err != nil {
		return nil, err
	}

	society, err := g.store.GetSociety(ctx, societyID)
	if err != nil {
		return nil, err
	}

	var result *GenerationResult
	err = g.store.Transaction(ctx, func(tx database.Store) error {
		// Блокируем исходный счет
		old, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if old.SocietyID != society.ID {
			return ErrNotFound
		}
		if !old.IsOpen() {
			return ErrInvoiceNotOpen
		}
		if old.PaidAmount.IsPositive() {
			return ErrInvoiceLocked
		}

		unit, err := tx.GetUnit(ctx, old.UnitID)
		if err != nil {
			return err
		}

		replacement, warnings, err := g.prepare(ctx, *society, *unit, NewChargeSelection(dto.ChargeOverrides, dto.OptionalCharges), old.BillingPeriod)
		if err != nil {
			return err
		}
		// Начисленная пеня переходит на новый счет и не уменьшается
		replacement.LateFeeAccrued = old.LateFeeAccrued
		replacement.LateFeeWaived = old.LateFeeWaived
		replacement.LastEvaluated = old.LastEvaluated
		replacement.Status = old.Status

		// Снимаем старый счет с индекса уникальности до вставки нового
		now := g.now()
		old.VoidedAt = &now
		if err := tx.SaveInvoice(ctx, old); err != nil {
			return fmt.Errorf("ошибка при аннулировании счета: %w", err)
		}
		if err := tx.CreateInvoice(ctx, replacement); err != nil {
			return fmt.Errorf("ошибка при создании счета: %w", err)
		}
		old.SupersededByID = &replacement.ID
		if err := tx.SaveInvoice(ctx, old); err != nil {
			return fmt.Errorf("ошибка при аннулировании счета: %w", err)
		}

		note := fmt.Sprintf("счет заменен счетом %d", replacement.ID)
		if dto.Reason != "" {
			note += ": " + dto.Reason
		}
		oldID := old.ID
		if err := tx.AppendEscalationEvent(ctx, &models.EscalationEvent{
			SocietyID:  old.SocietyID,
			UnitID:     old.UnitID,
			InvoiceID:  &oldID,
			Kind:       models.EscalationInvoiceVoided,
			Amount:     old.TotalAmount,
			Note:       note,
			OperatorID: operatorID,
			OccurredAt: now,
		}); err != nil {
			return fmt.Errorf("ошибка при записи события: %w", err)
		}

		result = &GenerationResult{Invoice: replacement, Warnings: warnings}
		return nil
	})
	if err != nil {
		return nil, err
	}

	utils.GetMetrics().RecordInvoiceVoided()
	utils.GetMetrics().RecordInvoiceGenerated()
	utils.LogInfo("Счет %d перевыпущен как %d", invoiceID, result.Invoice.ID)
	return result, nil
}

// GetInvoice возвращает счет комплекса
func (g *InvoiceGenerator) GetInvoice(ctx context.Context, societyID, invoiceID uint) (*models.Invoice, error) {
	invoice, err := g.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.SocietyID != societyID {
		return nil, ErrNotFound
	}
	return invoice, nil
}

// ListUnitInvoices возвращает счета помещения
func (g *InvoiceGenerator) ListUnitInvoices(ctx context.Context, societyID, unitID uint) ([]models.Invoice, error) {
	unit, err := g.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if unit.SocietyID != societyID {
		return nil, ErrNotFound
	}
	return g.store.ListInvoices(ctx, database.InvoiceFilter{SocietyID: societyID, UnitID: unitID})
}

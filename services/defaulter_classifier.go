package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"societybilling/database"
	"societybilling/models"
	"societybilling/utils"
)

// Корзины просрочки
const (
	Bucket0To30  = "0-30"
	Bucket31To60 = "31-60"
	Bucket61To90 = "61-90"
	Bucket90Plus = "90+"
)

// Severity уровень риска должника
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ClassifyDueDays возвращает корзину и уровень риска для количества дней просрочки
func ClassifyDueDays(dueDays int) (string, Severity) {
	switch {
	case dueDays <= 30:
		return Bucket0To30, SeverityLow
	case dueDays <= 60:
		return Bucket31To60, SeverityMedium
	case dueDays <= 90:
		return Bucket61To90, SeverityHigh
	default:
		return Bucket90Plus, SeverityCritical
	}
}

// ValidBucket проверяет название корзины
func ValidBucket(bucket string) bool {
	switch bucket {
	case Bucket0To30, Bucket31To60, Bucket61To90, Bucket90Plus:
		return true
	}
	return false
}

// DefaulterRecord сводная задолженность помещения; вычисляется при чтении
type DefaulterRecord struct {
	UnitID              uint             `json:"unitId"`
	SocietyID           uint             `json:"societyId"`
	Block               string           `json:"block"`
	UnitNumber          string           `json:"unitNumber"`
	UnitType            string           `json:"unitType"`
	OwnerName           string           `json:"ownerName"`
	OutstandingAmount   decimal.Decimal  `json:"outstandingAmount"`
	CalculatedLateFees  decimal.Decimal  `json:"calculatedLateFees"`
	TotalArrears        decimal.Decimal  `json:"totalArrears"`
	DueDays             int              `json:"dueDays"`
	Bucket              string           `json:"dueDaysBucket"`
	Severity            Severity         `json:"severity"`
	OldestDueDate       time.Time        `json:"oldestDueDate"`
	OpenInvoiceCount    int              `json:"openInvoiceCount"`
	OverdueInvoiceCount int              `json:"overdueInvoiceCount"`
	LastPaymentDate     *time.Time       `json:"lastPaymentDate,omitempty"`
	LastPaymentAmount   *decimal.Decimal `json:"lastPaymentAmount,omitempty"`
	LastReminderAt      *time.Time       `json:"lastReminderAt,omitempty"`
	ReminderCount       int              `json:"reminderCount"`
}

// DefaulterFilter условия выборки должников
type DefaulterFilter struct {
	Block     string
	Bucket    string
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal
	Search    string
}

// DefaulterStats агрегаты по выборке должников
type DefaulterStats struct {
	TotalOutstanding    decimal.Decimal `json:"totalOutstanding"`
	TotalDefaulters     int             `json:"totalDefaulters"`
	OverdueInvoiceCount int             `json:"overdueInvoiceCount"`
}

// DefaulterList упорядоченный список должников со статистикой
type DefaulterList struct {
	Records []DefaulterRecord `json:"records"`
	Stats   DefaulterStats    `json:"stats"`
}

// buildDefaulterRecord строит запись должника по открытым счетам помещения; nil, если просрочки нет
func buildDefaulterRecord(unit models.Unit, invoices []models.Invoice, asOf time.Time) *DefaulterRecord {
	record := &DefaulterRecord{
		UnitID:             unit.ID,
		SocietyID:          unit.SocietyID,
		Block:              unit.Block,
		UnitNumber:         unit.Number,
		UnitType:           unit.UnitType,
		OwnerName:          unit.OwnerName,
		OutstandingAmount:  decimal.Zero,
		CalculatedLateFees: decimal.Zero,
	}

	var oldestOverdue *time.Time
	for i := range invoices {
		inv := invoices[i]
		if !inv.IsOpen() {
			continue
		}
		record.OpenInvoiceCount++
		record.OutstandingAmount = record.OutstandingAmount.Add(inv.Balance())
		record.CalculatedLateFees = record.CalculatedLateFees.Add(inv.OutstandingLateFee())

		// Пеня здесь не рассчитывается
		if !Evaluate(inv, asOf, LateFeePolicy{}).IsOverdue {
			continue
		}
		record.OverdueInvoiceCount++
		due := utils.DateOnly(inv.DueDate)
		if oldestOverdue == nil || due.Before(*oldestOverdue) {
			oldestOverdue = &due
		}
	}

	if oldestOverdue == nil {
		return nil
	}

	record.OldestDueDate = *oldestOverdue
	record.DueDays = utils.DaysBetween(*oldestOverdue, asOf)
	record.Bucket, record.Severity = ClassifyDueDays(record.DueDays)
	record.TotalArrears = record.OutstandingAmount.Add(record.CalculatedLateFees)
	return record
}

// matches проверяет запись по фильтру; диапазон суммы включает границы
func (f DefaulterFilter) matches(r DefaulterRecord) bool {
	if f.Block != "" && !strings.EqualFold(f.Block, r.Block) {
		return false
	}
	if f.Bucket != "" && f.Bucket != r.Bucket {
		return false
	}
	if f.MinAmount != nil && r.OutstandingAmount.LessThan(*f.MinAmount) {
		return false
	}
	if f.MaxAmount != nil && r.OutstandingAmount.GreaterThan(*f.MaxAmount) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(strings.TrimSpace(f.Search))
		haystack := strings.ToLower(strings.Join([]string{
			r.UnitNumber, r.OwnerName, r.Block, r.Block + "-" + r.UnitNumber,
		}, " "))
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}

// filterAndSort фильтрует записи и сортирует: давние долги первыми
func filterAndSort(records []DefaulterRecord, filter DefaulterFilter) []DefaulterRecord {
	result := make([]DefaulterRecord, 0, len(records))
	for _, r := range records {
		if filter.matches(r) {
			result = append(result, r)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.DueDays != b.DueDays {
			return a.DueDays > b.DueDays
		}
		if !a.OutstandingAmount.Equal(b.OutstandingAmount) {
			return a.OutstandingAmount.GreaterThan(b.OutstandingAmount)
		}
		return a.UnitID < b.UnitID
	})
	return result
}

func summarize(records []DefaulterRecord) DefaulterStats {
	stats := DefaulterStats{TotalOutstanding: decimal.Zero, TotalDefaulters: len(records)}
	for _, r := range records {
		stats.TotalOutstanding = stats.TotalOutstanding.Add(r.OutstandingAmount)
		stats.OverdueInvoiceCount += r.OverdueInvoiceCount
	}
	return stats
}

// DefaulterClassifier формирует представление должников по открытым счетам
type DefaulterClassifier struct {
	store database.Store
}

// NewDefaulterClassifier создает новый экземпляр DefaulterClassifier
func NewDefaulterClassifier(store database.Store) *DefaulterClassifier {
	return &DefaulterClassifier{store: store}
}

// Classify возвращает запись должника для помещения; nil, если просроченных счетов нет
func (c *DefaulterClassifier) Classify(ctx context.Context, societyID, unitID uint, asOf time.Time) (*DefaulterRecord, error) {
	unit, err := c.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if unit.SocietyID != societyID {
		return nil, ErrNotFound
	}

	invoices, err := c.store.ListInvoices(ctx, database.InvoiceFilter{UnitID: unitID, OpenOnly: true})
	if err != nil {
		return nil, fmt.Errorf("ошибка при получении счетов: %w", err)
	}

	record := buildDefaulterRecord(*unit, invoices, asOf)
	if record == nil {
		return nil, nil
	}

	records := []DefaulterRecord{*record}
	if err := c.attachActivity(ctx, records); err != nil {
		return nil, err
	}
	return &records[0], nil
}

// List возвращает отфильтрованный список должников комплекса на дату asOf
func (c *DefaulterClassifier) List(ctx context.Context, societyID uint, filter DefaulterFilter, asOf time.Time) (*DefaulterList, error) {
	if filter.Bucket != "" && !ValidBucket(filter.Bucket) {
		return nil, newValidationError("неизвестная корзина просрочки %q", filter.Bucket)
	}
	if filter.MinAmount != nil && filter.MaxAmount != nil && filter.MinAmount.GreaterThan(*filter.MaxAmount) {
		return nil, newValidationError("minAmount не может быть больше maxAmount")
	}

	units, err := c.store.ListUnits(ctx, societyID)
	if err != nil {
		return nil, fmt.Errorf("ошибка при получении помещений: %w", err)
	}

	invoices, err := c.store.ListInvoices(ctx, database.InvoiceFilter{SocietyID: societyID, OpenOnly: true})
	if err != nil {
		return nil, fmt.Errorf("ошибка при получении счетов: %w", err)
	}

	byUnit := make(map[uint][]models.Invoice)
	for _, inv := range invoices {
		byUnit[inv.UnitID] = append(byUnit[inv.UnitID], inv)
	}

	records := make([]DefaulterRecord, 0)
	for _, unit := range units {
		if record := buildDefaulterRecord(unit, byUnit[unit.ID], asOf); record != nil {
			records = append(records, *record)
		}
	}

	records = filterAndSort(records, filter)
	if err := c.attachActivity(ctx, records); err != nil {
		return nil, err
	}

	return &DefaulterList{Records: records, Stats: summarize(records)}, nil
}

// attachActivity дополняет записи последним платежом и историей напоминаний
func (c *DefaulterClassifier) attachActivity(ctx context.Context, records []DefaulterRecord) error {
	if len(records) == 0 {
		return nil
	}

	unitIDs := make([]uint, len(records))
	for i, r := range records {
		unitIDs[i] = r.UnitID
	}

	payments, err := c.store.LatestPayments(ctx, unitIDs)
	if err != nil {
		return fmt.Errorf("ошибка при получении платежей: %w", err)
	}

	reminders, err := c.store.ListEscalationEventsForUnits(ctx, unitIDs, models.EscalationReminderSent)
	if err != nil {
		return fmt.Errorf("ошибка при получении напоминаний: %w", err)
	}

	for i := range records {
		r := &records[i]
		if p, ok := payments[r.UnitID]; ok {
			paidOn := p.PaidOn
			amount := p.Amount
			r.LastPaymentDate = &paidOn
			r.LastPaymentAmount = &amount
		}
	}

	index := make(map[uint]int, len(records))
	for i, r := range records {
		index[r.UnitID] = i
	}
	for _, ev := range reminders {
		i, ok := index[ev.UnitID]
		if !ok {
			continue
		}
		r := &records[i]
		r.ReminderCount++
		if r.LastReminderAt == nil || ev.OccurredAt.After(*r.LastReminderAt) {
			at := ev.OccurredAt
			r.LastReminderAt = &at
		}
	}
	return nil
}

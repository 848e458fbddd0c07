package database

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"societybilling/models"
)

var openStatuses = []models.InvoiceStatus{
	models.InvoiceStatusPending,
	models.InvoiceStatusPartiallyPaid,
	models.InvoiceStatusOverdue,
}

func preloadLineItems(db *gorm.DB) *gorm.DB {
	return db.Order("invoice_line_items.position ASC")
}

// CreateInvoice сохраняет счет вместе со строками
func (d *Database) CreateInvoice(ctx context.Context, invoice *models.Invoice) error {
	return translateError(d.DB.WithContext(ctx).Create(invoice).Error)
}

// GetInvoice возвращает счет со строками
func (d *Database) GetInvoice(ctx context.Context, id uint) (*models.Invoice, error) {
	var invoice models.Invoice
	err := d.DB.WithContext(ctx).
		Preload("LineItems", preloadLineItems).
		First(&invoice, id).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &invoice, nil
}

// GetInvoiceForUpdate возвращает счет, блокируя строку до конца транзакции
func (d *Database) GetInvoiceForUpdate(ctx context.Context, id uint) (*models.Invoice, error) {
	var invoice models.Invoice
	err := d.DB.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("LineItems", preloadLineItems).
		First(&invoice, id).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &invoice, nil
}

// FindActiveInvoice ищет неаннулированный счет помещения за период
func (d *Database) FindActiveInvoice(ctx context.Context, unitID uint, period models.BillingPeriod) (*models.Invoice, error) {
	var invoice models.Invoice
	err := d.DB.WithContext(ctx).
		Where("unit_id = ? AND period_year = ? AND period_month = ? AND voided_at IS NULL",
			unitID, period.Year, period.Month).
		Preload("LineItems", preloadLineItems).
		First(&invoice).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &invoice, nil
}

// ListInvoices возвращает счета по фильтру, старые сроки оплаты первыми
func (d *Database) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]models.Invoice, error) {
	query := d.DB.WithContext(ctx).Preload("LineItems", preloadLineItems)

	if filter.SocietyID != 0 {
		query = query.Where("society_id = ?", filter.SocietyID)
	}
	if filter.UnitID != 0 {
		query = query.Where("unit_id = ?", filter.UnitID)
	}
	if filter.Period != nil {
		query = query.Where("period_year = ? AND period_month = ?", filter.Period.Year, filter.Period.Month)
	}
	if filter.OpenOnly {
		query = query.Where("voided_at IS NULL AND status IN ?", openStatuses)
	}

	var invoices []models.Invoice
	err := query.Order("due_date ASC, id ASC").Find(&invoices).Error
	return invoices, translateError(err)
}

// ListOpenInvoicesForUpdate блокирует открытые счета помещения
func (d *Database) ListOpenInvoicesForUpdate(ctx context.Context, unitID uint) ([]models.Invoice, error) {
	var invoices []models.Invoice
	err := d.DB.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("unit_id = ? AND voided_at IS NULL AND status IN ?", unitID, openStatuses).
		Order("due_date ASC, id ASC").
		Find(&invoices).Error
	return invoices, translateError(err)
}

// SaveInvoice сохраняет изменяемые поля счета; строки счета не перезаписываются
func (d *Database) SaveInvoice(ctx context.Context, invoice *models.Invoice) error {
	return translateError(d.DB.WithContext(ctx).Omit(clause.Associations).Save(invoice).Error)
}

// CreatePayment сохраняет платеж
func (d *Database) CreatePayment(ctx context.Context, payment *models.InvoicePayment) error {
	return translateError(d.DB.WithContext(ctx).Create(payment).Error)
}

// LatestPayments возвращает последний платеж каждого помещения
func (d *Database) LatestPayments(ctx context.Context, unitIDs []uint) (map[uint]models.InvoicePayment, error) {
	result := make(map[uint]models.InvoicePayment, len(unitIDs))
	if len(unitIDs) == 0 {
		return result, nil
	}

	var payments []models.InvoicePayment
	err := d.DB.WithContext(ctx).Raw(`
		SELECT DISTINCT ON (unit_id) *
		FROM invoice_payments
		WHERE unit_id IN ?
		ORDER BY unit_id, paid_on DESC, id DESC`, unitIDs).
		Scan(&payments).Error
	if err != nil {
		return nil, translateError(err)
	}

	for _, p := range payments {
		result[p.UnitID] = p
	}
	return result, nil
}

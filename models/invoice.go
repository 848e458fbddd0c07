package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// InvoiceStatus представляет статус счета
type InvoiceStatus string

const (
	InvoiceStatusPending       InvoiceStatus = "PENDING"
	InvoiceStatusPartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoiceStatusPaid          InvoiceStatus = "PAID"
	InvoiceStatusOverdue       InvoiceStatus = "OVERDUE"
)

// IsOpen сообщает, ожидает ли счет оплаты
func (s InvoiceStatus) IsOpen() bool {
	switch s {
	case InvoiceStatusPending, InvoiceStatusPartiallyPaid, InvoiceStatusOverdue:
		return true
	}
	return false
}

// BillingPeriod расчетный период (месяц/год)
type BillingPeriod struct {
	Year  int `gorm:"column:period_year;not null" json:"year"`
	Month int `gorm:"column:period_month;not null" json:"month"`
}

// NewBillingPeriod возвращает период, содержащий дату t
func NewBillingPeriod(t time.Time) BillingPeriod {
	return BillingPeriod{Year: t.Year(), Month: int(t.Month())}
}

func (p BillingPeriod) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// Valid проверяет корректность периода
func (p BillingPeriod) Valid() bool {
	return p.Year >= 2000 && p.Year <= 2100 && p.Month >= 1 && p.Month <= 12
}

// LineItemSource источник строки счета
type LineItemSource string

const (
	LineItemSourceMaintenance LineItemSource = "MAINTENANCE_RULE"
	LineItemSourceCharge      LineItemSource = "CHARGE_HEAD"
)

// InvoiceLineItem строка счета с идентификатором правила-источника
type InvoiceLineItem struct {
	ID          uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	InvoiceID   uint            `gorm:"column:invoice_id;not null;index" json:"invoiceId"`
	Position    int             `gorm:"column:position;not null" json:"position"`
	SourceType  LineItemSource  `gorm:"column:source_type;type:varchar(20);not null" json:"sourceType"`
	SourceID    uint            `gorm:"column:source_id;not null" json:"sourceId"`
	Description string          `gorm:"column:description;not null;size:150" json:"description"`
	Amount      decimal.Decimal `gorm:"column:amount;type:decimal(14,2);not null" json:"amount"`
}

func (InvoiceLineItem) TableName() string {
	return "invoice_line_items"
}

// Invoice счет помещения за расчетный период
type Invoice struct {
	ID             uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	SocietyID      uint              `gorm:"column:society_id;not null;index" json:"societyId"`
	UnitID         uint              `gorm:"column:unit_id;not null;index" json:"unitId"`
	BillingPeriod  BillingPeriod     `gorm:"embedded" json:"billingPeriod"`
	LineItems      []InvoiceLineItem `gorm:"foreignKey:InvoiceID" json:"lineItems"`
	TotalAmount    decimal.Decimal   `gorm:"column:total_amount;type:decimal(14,2);not null" json:"totalAmount"`
	PaidAmount     decimal.Decimal   `gorm:"column:paid_amount;type:decimal(14,2);not null;default:0" json:"paidAmount"`
	LateFeeAccrued decimal.Decimal   `gorm:"column:late_fee_accrued;type:decimal(14,2);not null;default:0" json:"lateFeeAccrued"`
	LateFeeWaived  decimal.Decimal   `gorm:"column:late_fee_waived;type:decimal(14,2);not null;default:0" json:"lateFeeWaived"`
	DueDate        time.Time         `gorm:"column:due_date;type:date;not null" json:"dueDate"`
	Status         InvoiceStatus     `gorm:"column:status;type:varchar(20);not null;default:'PENDING'" json:"status"`
	LastEvaluated  *time.Time        `gorm:"column:last_evaluated_on;type:date" json:"lastEvaluatedOn,omitempty"`
	RuleSnapshot   datatypes.JSON    `gorm:"column:rule_snapshot;type:jsonb" json:"ruleSnapshot,omitempty"`
	VoidedAt       *time.Time        `gorm:"column:voided_at" json:"voidedAt,omitempty"`
	SupersededByID *uint             `gorm:"column:superseded_by_id" json:"supersededById,omitempty"`
	CreatedAt      time.Time         `gorm:"column:created_at;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt      time.Time         `gorm:"column:updated_at;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

func (Invoice) TableName() string {
	return "invoices"
}

// IsOpen сообщает, что счет не аннулирован и не оплачен
func (i *Invoice) IsOpen() bool {
	return i.VoidedAt == nil && i.Status.IsOpen()
}

// Balance возвращает неоплаченный остаток основной суммы
func (i *Invoice) Balance() decimal.Decimal {
	return i.TotalAmount.Sub(i.PaidAmount)
}

// OutstandingLateFee возвращает начисленную и не списанную пеню
func (i *Invoice) OutstandingLateFee() decimal.Decimal {
	return i.LateFeeAccrued.Sub(i.LateFeeWaived)
}

// InvoicePayment запись о поступившем платеже
type InvoicePayment struct {
	ID         uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	InvoiceID  uint            `gorm:"column:invoice_id;not null;index" json:"invoiceId"`
	UnitID     uint            `gorm:"column:unit_id;not null;index" json:"unitId"`
	Amount     decimal.Decimal `gorm:"column:amount;type:decimal(14,2);not null" json:"amount"`
	Method     string          `gorm:"column:method;not null;size:20" json:"method"`
	Reference  string          `gorm:"column:reference;size:100" json:"reference,omitempty"`
	PaidOn     time.Time       `gorm:"column:paid_on;type:date;not null" json:"paidOn"`
	OperatorID uint            `gorm:"column:operator_id;not null" json:"operatorId"`
	CreatedAt  time.Time       `gorm:"column:created_at;default:CURRENT_TIMESTAMP" json:"createdAt"`
}

func (InvoicePayment) TableName() string {
	return "invoice_payments"
}

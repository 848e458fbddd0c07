package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EscalationKind тип события в журнале взыскания
type EscalationKind string

const (
	EscalationReminderSent   EscalationKind = "REMINDER_SENT"
	EscalationLateFeeApplied EscalationKind = "LATE_FEE_APPLIED"
	EscalationMarkedPaid     EscalationKind = "MARKED_PAID"
	EscalationLateFeeWaived  EscalationKind = "LATE_FEE_WAIVED"
	EscalationInvoiceVoided  EscalationKind = "INVOICE_VOIDED"
)

// EscalationEvent событие журнала взыскания; только добавляется
type EscalationEvent struct {
	ID         uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	SocietyID  uint            `gorm:"column:society_id;not null;index" json:"societyId"`
	UnitID     uint            `gorm:"column:unit_id;not null;index" json:"unitId"`
	InvoiceID  *uint           `gorm:"column:invoice_id;index" json:"invoiceId,omitempty"`
	Kind       EscalationKind  `gorm:"column:kind;type:varchar(20);not null" json:"kind"`
	Method     string          `gorm:"column:method;size:20" json:"method,omitempty"`
	Amount     decimal.Decimal `gorm:"column:amount;type:decimal(14,2);not null;default:0" json:"amount"`
	Note       string          `gorm:"column:note;size:500" json:"note,omitempty"`
	OperatorID uint            `gorm:"column:operator_id;not null" json:"operatorId"` // 0: системное событие
	OccurredAt time.Time       `gorm:"column:occurred_at;not null" json:"occurredAt"`
}

func (EscalationEvent) TableName() string {
	return "escalation_events"
}

// BillingExceptionKind тип ошибки конфигурации биллинга
type BillingExceptionKind string

const (
	ExceptionMissingRule          BillingExceptionKind = "MISSING_RULE"
	ExceptionMissingLateFeeConfig BillingExceptionKind = "MISSING_LATE_FEE_CONFIG"
)

// BillingException запись в списке исключений, требующих внимания администратора
type BillingException struct {
	ID          uint                 `gorm:"primaryKey;autoIncrement" json:"id"`
	SocietyID   uint                 `gorm:"column:society_id;not null;index" json:"societyId"`
	UnitID      *uint                `gorm:"column:unit_id" json:"unitId,omitempty"`
	Kind        BillingExceptionKind `gorm:"column:kind;type:varchar(30);not null" json:"kind"`
	PeriodYear  int                  `gorm:"column:period_year;not null;default:0" json:"periodYear,omitempty"`
	PeriodMonth int                  `gorm:"column:period_month;not null;default:0" json:"periodMonth,omitempty"`
	Message     string               `gorm:"column:message;not null;size:500" json:"message"`
	ResolvedAt  *time.Time           `gorm:"column:resolved_at" json:"resolvedAt,omitempty"`
	CreatedAt   time.Time            `gorm:"column:created_at;default:CURRENT_TIMESTAMP" json:"createdAt"`
}

func (BillingException) TableName() string {
	return "billing_exceptions"
}

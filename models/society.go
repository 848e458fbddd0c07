package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Society представляет жилой комплекс (тенант системы)
type Society struct {
	ID                 uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Name               string     `gorm:"column:name;not null;size:150" json:"name"`
	Currency           string     `gorm:"column:currency;not null;size:3;default:'INR'" json:"currency"`
	DueDayOfMonth      int        `gorm:"column:due_day_of_month;not null;default:10" json:"dueDayOfMonth"`
	BillingFinalizedAt *time.Time `gorm:"column:billing_finalized_at" json:"billingFinalizedAt,omitempty"`
	CreatedAt          time.Time  `gorm:"column:created_at;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

func (Society) TableName() string {
	return "societies"
}

// DueDate возвращает срок оплаты счета за период
func (s Society) DueDate(period BillingPeriod) time.Time {
	day := s.DueDayOfMonth
	if day < 1 {
		day = 1
	}
	return time.Date(period.Year, time.Month(period.Month), day, 0, 0, 0, 0, time.UTC)
}

// Unit представляет квартиру, виллу или помещение в комплексе
type Unit struct {
	ID         uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	SocietyID  uint            `gorm:"column:society_id;not null;index" json:"societyId"`
	Block      string          `gorm:"column:block;not null;size:50" json:"block"`
	Number     string          `gorm:"column:number;not null;size:50" json:"number"`
	UnitType   string          `gorm:"column:unit_type;not null;size:30" json:"unitType"`
	Area       decimal.Decimal `gorm:"column:area;type:decimal(12,2);not null;default:0" json:"area"`
	OwnerName  string          `gorm:"column:owner_name;size:150" json:"ownerName"`
	OwnerEmail string          `gorm:"column:owner_email;size:150" json:"ownerEmail"`
	OwnerPhone string          `gorm:"column:owner_phone;size:30" json:"ownerPhone"`
	CreatedAt  time.Time       `gorm:"column:created_at;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt  time.Time       `gorm:"column:updated_at;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

func (Unit) TableName() string {
	return "units"
}

// Label возвращает обозначение помещения вида "A-101"
func (u Unit) Label() string {
	if u.Block == "" {
		return u.Number
	}
	return fmt.Sprintf("%s-%s", u.Block, u.Number)
}

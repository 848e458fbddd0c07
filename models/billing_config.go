package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnitTypeAll правило применяется к любому типу помещения
const UnitTypeAll = "ALL"

// CalculationMode способ расчета базового взноса
type CalculationMode string

const (
	CalculationModeFlat CalculationMode = "FLAT" // фиксированная сумма
	CalculationModeArea CalculationMode = "AREA" // ставка за единицу площади
)

// MaintenanceRule правило расчета эксплуатационного взноса
type MaintenanceRule struct {
	ID          uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	SocietyID   uint            `gorm:"column:society_id;not null;index" json:"societyId"`
	UnitType    string          `gorm:"column:unit_type;not null;size:30" json:"unitType"`
	Mode        CalculationMode `gorm:"column:mode;type:varchar(10);not null" json:"mode"`
	Amount      decimal.Decimal `gorm:"column:amount;type:decimal(14,2);not null;default:0" json:"amount"`
	RatePerArea decimal.Decimal `gorm:"column:rate_per_area;type:decimal(14,4);not null;default:0" json:"ratePerArea"`
	IsActive    bool            `gorm:"column:is_active;not null;default:true" json:"isActive"`
	CreatedAt   time.Time       `gorm:"column:created_at;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

func (MaintenanceRule) TableName() string {
	return "maintenance_rules"
}

// ChargeMethod способ определения суммы статьи начислений
type ChargeMethod string

const (
	ChargeMethodFixed    ChargeMethod = "FIXED"
	ChargeMethodVariable ChargeMethod = "VARIABLE" // сумма задается при выставлении счета
)

// ChargeHead статья начислений (вода, парковка и т.п.)
type ChargeHead struct {
	ID            uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	SocietyID     uint            `gorm:"column:society_id;not null;index" json:"societyId"`
	Name          string          `gorm:"column:name;not null;size:100" json:"name"`
	DefaultAmount decimal.Decimal `gorm:"column:default_amount;type:decimal(14,2);not null;default:0" json:"defaultAmount"`
	Method        ChargeMethod    `gorm:"column:method;type:varchar(10);not null" json:"method"`
	IsOptional    bool            `gorm:"column:is_optional;not null;default:false" json:"isOptional"`
	IsActive      bool            `gorm:"column:is_active;not null;default:true" json:"isActive"`
	SortOrder     int             `gorm:"column:sort_order;not null;default:0" json:"sortOrder"`
	CreatedAt     time.Time       `gorm:"column:created_at;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt     time.Time       `gorm:"column:updated_at;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

func (ChargeHead) TableName() string {
	return "charge_heads"
}

// LateFeeType тип пени за просрочку
type LateFeeType string

const (
	LateFeeTypeFixed      LateFeeType = "FIXED"      // разовая сумма
	LateFeeTypePercentage LateFeeType = "PERCENTAGE" // процент от неоплаченной суммы (2 = 2%)
	LateFeeTypePerDay     LateFeeType = "PER_DAY"    // сумма за каждый день сверх льготного периода
)

// LateFeeConfig политика начисления пени (одна на комплекс)
type LateFeeConfig struct {
	ID              uint                `gorm:"primaryKey;autoIncrement" json:"id"`
	SocietyID       uint                `gorm:"column:society_id;not null;uniqueIndex" json:"societyId"`
	IsActive        bool                `gorm:"column:is_active;not null;default:false" json:"isActive"`
	GracePeriodDays int                 `gorm:"column:grace_period_days;not null;default:0" json:"gracePeriodDays"`
	FeeType         LateFeeType         `gorm:"column:fee_type;type:varchar(12);not null" json:"feeType"`
	Amount          decimal.Decimal     `gorm:"column:amount;type:decimal(14,2);not null;default:0" json:"amount"`
	MaxCap          decimal.NullDecimal `gorm:"column:max_cap;type:decimal(14,2)" json:"maxCap"`
	CreatedAt       time.Time           `gorm:"column:created_at;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt       time.Time           `gorm:"column:updated_at;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

func (LateFeeConfig) TableName() string {
	return "late_fee_configs"
}

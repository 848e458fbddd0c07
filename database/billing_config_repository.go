package database

import (
	"context"

	"societybilling/models"
)

// ListMaintenanceRules возвращает все правила комплекса, включая неактивные
func (d *Database) ListMaintenanceRules(ctx context.Context, societyID uint) ([]models.MaintenanceRule, error) {
	var rules []models.MaintenanceRule
	err := d.DB.WithContext(ctx).
		Where("society_id = ?", societyID).
		Order("id ASC").
		Find(&rules).Error
	return rules, translateError(err)
}

// GetMaintenanceRule возвращает правило по ID
func (d *Database) GetMaintenanceRule(ctx context.Context, id uint) (*models.MaintenanceRule, error) {
	var rule models.MaintenanceRule
	if err := d.DB.WithContext(ctx).First(&rule, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &rule, nil
}

// CreateMaintenanceRule создает правило
func (d *Database) CreateMaintenanceRule(ctx context.Context, rule *models.MaintenanceRule) error {
	return translateError(d.DB.WithContext(ctx).Create(rule).Error)
}

// SaveMaintenanceRule сохраняет изменения правила
func (d *Database) SaveMaintenanceRule(ctx context.Context, rule *models.MaintenanceRule) error {
	return translateError(d.DB.WithContext(ctx).Save(rule).Error)
}

// ListChargeHeads возвращает статьи начислений комплекса в порядке вывода
func (d *Database) ListChargeHeads(ctx context.Context, societyID uint) ([]models.ChargeHead, error) {
	var heads []models.ChargeHead
	err := d.DB.WithContext(ctx).
		Where("society_id = ?", societyID).
		Order("sort_order ASC, id ASC").
		Find(&heads).Error
	return heads, translateError(err)
}

// GetChargeHead возвращает статью начислений по ID
func (d *Database) GetChargeHead(ctx context.Context, id uint) (*models.ChargeHead, error) {
	var head models.ChargeHead
	if err := d.DB.WithContext(ctx).First(&head, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &head, nil
}

// CreateChargeHead создает статью начислений
func (d *Database) CreateChargeHead(ctx context.Context, head *models.ChargeHead) error {
	return translateError(d.DB.WithContext(ctx).Create(head).Error)
}

// SaveChargeHead сохраняет изменения статьи начислений
func (d *Database) SaveChargeHead(ctx context.Context, head *models.ChargeHead) error {
	return translateError(d.DB.WithContext(ctx).Save(head).Error)
}

// GetLateFeeConfig возвращает политику пени комплекса
func (d *Database) GetLateFeeConfig(ctx context.Context, societyID uint) (*models.LateFeeConfig, error) {
	var cfg models.LateFeeConfig
	if err := d.DB.WithContext(ctx).Where("society_id = ?", societyID).First(&cfg).Error; err != nil {
		return nil, translateError(err)
	}
	return &cfg, nil
}

// SaveLateFeeConfig создает или обновляет политику пени
func (d *Database) SaveLateFeeConfig(ctx context.Context, cfg *models.LateFeeConfig) error {
	return translateError(d.DB.WithContext(ctx).Save(cfg).Error)
}

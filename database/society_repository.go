package database

import (
	"context"

	"societybilling/models"
)

// GetSociety возвращает комплекс по ID
func (d *Database) GetSociety(ctx context.Context, id uint) (*models.Society, error) {
	var society models.Society
	if err := d.DB.WithContext(ctx).First(&society, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &society, nil
}

// ListSocieties возвращает все комплексы
func (d *Database) ListSocieties(ctx context.Context) ([]models.Society, error) {
	var societies []models.Society
	err := d.DB.WithContext(ctx).Order("id ASC").Find(&societies).Error
	return societies, translateError(err)
}

// SaveSociety сохраняет настройки комплекса
func (d *Database) SaveSociety(ctx context.Context, society *models.Society) error {
	return translateError(d.DB.WithContext(ctx).Save(society).Error)
}

// GetUnit возвращает помещение по ID
func (d *Database) GetUnit(ctx context.Context, id uint) (*models.Unit, error) {
	var unit models.Unit
	if err := d.DB.WithContext(ctx).First(&unit, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &unit, nil
}

// ListUnits возвращает помещения комплекса
func (d *Database) ListUnits(ctx context.Context, societyID uint) ([]models.Unit, error) {
	var units []models.Unit
	err := d.DB.WithContext(ctx).
		Where("society_id = ?", societyID).
		Order("block ASC, number ASC").
		Find(&units).Error
	return units, translateError(err)
}

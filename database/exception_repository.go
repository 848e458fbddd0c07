package database

import (
	"context"
	"time"

	"gorm.io/gorm"

	"societybilling/models"
)

func exceptionScope(key ExceptionKey) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		db = db.Where("society_id = ? AND kind = ? AND period_year = ? AND period_month = ? AND resolved_at IS NULL",
			key.SocietyID, key.Kind, key.Period.Year, key.Period.Month)
		if key.UnitID != nil {
			return db.Where("unit_id = ?", *key.UnitID)
		}
		return db.Where("unit_id IS NULL")
	}
}

// FindOpenException ищет нерешенное исключение по ключу
func (d *Database) FindOpenException(ctx context.Context, key ExceptionKey) (*models.BillingException, error) {
	var exception models.BillingException
	if err := d.DB.WithContext(ctx).Scopes(exceptionScope(key)).First(&exception).Error; err != nil {
		return nil, translateError(err)
	}
	return &exception, nil
}

// CreateException сохраняет исключение
func (d *Database) CreateException(ctx context.Context, exception *models.BillingException) error {
	return translateError(d.DB.WithContext(ctx).Create(exception).Error)
}

// ResolveExceptions закрывает открытые исключения по ключу
func (d *Database) ResolveExceptions(ctx context.Context, key ExceptionKey, resolvedAt time.Time) (int64, error) {
	result := d.DB.WithContext(ctx).Model(&models.BillingException{}).
		Scopes(exceptionScope(key)).
		Update("resolved_at", resolvedAt)
	return result.RowsAffected, translateError(result.Error)
}

// ListExceptions возвращает исключения комплекса, новые первыми
func (d *Database) ListExceptions(ctx context.Context, societyID uint, openOnly bool) ([]models.BillingException, error) {
	query := d.DB.WithContext(ctx).Where("society_id = ?", societyID)
	if openOnly {
		query = query.Where("resolved_at IS NULL")
	}
	var exceptions []models.BillingException
	err := query.Order("created_at DESC, id DESC").Find(&exceptions).Error
	return exceptions, translateError(err)
}

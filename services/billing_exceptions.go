package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"societybilling/database"
	"societybilling/models"
	"societybilling/utils"
)

// BillingExceptions ведет список ошибок конфигурации, требующих внимания администратора
type BillingExceptions struct {
	store database.Store
	now   func() time.Time
}

// NewBillingExceptions создает новый экземпляр BillingExceptions
func NewBillingExceptions(store database.Store) *BillingExceptions {
	return &BillingExceptions{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func exceptionKey(cfgErr *ConfigurationError, period models.BillingPeriod) database.ExceptionKey {
	key := database.ExceptionKey{
		SocietyID: cfgErr.SocietyID,
		Kind:      cfgErr.Kind,
		Period:    period,
	}
	if cfgErr.UnitID != 0 {
		unitID := cfgErr.UnitID
		key.UnitID = &unitID
	}
	return key
}

// Record добавляет исключение, если такого открытого исключения еще нет
func (s *BillingExceptions) Record(ctx context.Context, cfgErr *ConfigurationError, period models.BillingPeriod) error {
	key := exceptionKey(cfgErr, period)

	_, err := s.store.FindOpenException(ctx, key)
	if err == nil {
		return nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("ошибка при поиске исключения: %w", err)
	}

	exception := &models.BillingException{
		SocietyID:   key.SocietyID,
		UnitID:      key.UnitID,
		Kind:        key.Kind,
		PeriodYear:  period.Year,
		PeriodMonth: period.Month,
		Message:     cfgErr.Message,
	}
	if err := s.store.CreateException(ctx, exception); err != nil {
		return fmt.Errorf("ошибка при сохранении исключения: %w", err)
	}

	utils.LogWarn("Исключение биллинга %s: комплекс %d, период %s: %s",
		key.Kind, key.SocietyID, period, cfgErr.Message)
	return nil
}

// Resolve закрывает открытые исключения по ключу
func (s *BillingExceptions) Resolve(ctx context.Context, key database.ExceptionKey) error {
	resolved, err := s.store.ResolveExceptions(ctx, key, s.now())
	if err != nil {
		return fmt.Errorf("ошибка при закрытии исключений: %w", err)
	}
	if resolved > 0 {
		utils.LogInfo("Закрыто исключений %s комплекса %d за период %s: %d",
			key.Kind, key.SocietyID, key.Period, resolved)
	}
	return nil
}

// List возвращает исключения комплекса
func (s *BillingExceptions) List(ctx context.Context, societyID uint, openOnly bool) ([]models.BillingException, error) {
	return s.store.ListExceptions(ctx, societyID, openOnly)
}

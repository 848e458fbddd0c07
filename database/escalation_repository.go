package database

import (
	"context"
	"time"

	"societybilling/models"
)

// AppendEscalationEvent добавляет событие в журнал взыскания
func (d *Database) AppendEscalationEvent(ctx context.Context, event *models.EscalationEvent) error {
	return translateError(d.DB.WithContext(ctx).Create(event).Error)
}

// ListEscalationEvents возвращает историю помещения, новые события первыми
func (d *Database) ListEscalationEvents(ctx context.Context, unitID uint) ([]models.EscalationEvent, error) {
	var events []models.EscalationEvent
	err := d.DB.WithContext(ctx).
		Where("unit_id = ?", unitID).
		Order("occurred_at DESC, id DESC").
		Find(&events).Error
	return events, translateError(err)
}

// ListEscalationEventsForUnits возвращает события заданного типа для набора помещений
func (d *Database) ListEscalationEventsForUnits(ctx context.Context, unitIDs []uint, kind models.EscalationKind) ([]models.EscalationEvent, error) {
	if len(unitIDs) == 0 {
		return nil, nil
	}
	var events []models.EscalationEvent
	err := d.DB.WithContext(ctx).
		Where("unit_id IN ? AND kind = ?", unitIDs, kind).
		Order("occurred_at DESC, id DESC").
		Find(&events).Error
	return events, translateError(err)
}

// CountEscalationEvents считает события в полуинтервале [from, to)
func (d *Database) CountEscalationEvents(ctx context.Context, unitID uint, kind models.EscalationKind, method string, from, to time.Time) (int64, error) {
	var count int64
	query := d.DB.WithContext(ctx).Model(&models.EscalationEvent{}).
		Where("unit_id = ? AND kind = ? AND occurred_at >= ? AND occurred_at < ?", unitID, kind, from, to)
	if method != "" {
		query = query.Where("method = ?", method)
	}
	err := query.Count(&count).Error
	return count, translateError(err)
}

package database

import (
	"context"

	"gorm.io/gorm"
)

// DefaultEventLimit caps ReadEvents when no limit is given
const DefaultEventLimit = 100

func appendEvent(tx *gorm.DB, e *Event) error {
	return tx.Create(e).Error
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ReadEvents returns events appended after cursor in append order. Callers
// keep the ID of the last event as their next cursor.
func (g *Gateway) ReadEvents(ctx context.Context, cursor uint, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	var events []Event
	err := g.db.WithContext(ctx).
		Where("id > ?", cursor).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// LatestEventID returns the cursor of the newest event, 0 for an empty log
func (g *Gateway) LatestEventID(ctx context.Context) (uint, error) {
	var ids []uint
	err := g.db.WithContext(ctx).Model(&Event{}).Order("id DESC").Limit(1).Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	return ids[0], nil
}

// Package store journals virtual link lifecycle events.
package store

import (
	"context"
	"time"

	"github.com/rudransh-shrivastava/tincan/internal/db"
	"gorm.io/gorm"
)

// Journal records link events. The link manager only depends on this.
type Journal interface {
	Record(ctx context.Context, ev db.LinkEvent) error
}

type EventStore struct {
	db *gorm.DB
}

func NewEventStore(gdb *gorm.DB) *EventStore {
	return &EventStore{db: gdb}
}

func (s *EventStore) Record(ctx context.Context, ev db.LinkEvent) error {
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().UnixNano()
	}
	return s.db.WithContext(ctx).Create(&ev).Error
}

// Events returns the journal for linkID in insertion order. An empty linkID
// returns every event.
func (s *EventStore) Events(ctx context.Context, linkID string, limit int) ([]db.LinkEvent, error) {
	q := s.db.WithContext(ctx).Order("id asc")
	if linkID != "" {
		q = q.Where("link_id = ?", linkID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var events []db.LinkEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (s *EventStore) CountByKind(ctx context.Context, linkID string, kind db.EventKind) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&db.LinkEvent{}).
		Where("link_id = ? AND kind = ?", linkID, kind).
		Count(&n).Error
	return n, err
}

func (s *EventStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", before.UnixNano()).
		Delete(&db.LinkEvent{})
	return res.RowsAffected, res.Error
}

type NopJournal struct{}

func (NopJournal) Record(context.Context, db.LinkEvent) error { return nil }

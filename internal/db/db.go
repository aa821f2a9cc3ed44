package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type EventKind string

const (
	EventCreated         EventKind = "created"
	EventUp              EventKind = "up"
	EventDown            EventKind = "down"
	EventRemoved         EventKind = "removed"
	EventCandidateReject EventKind = "cas_submit_failed"
)

type LinkEvent struct {
	ID        uint   `gorm:"primaryKey"`
	TunnelID  string `gorm:"index"`
	LinkID    string `gorm:"index"`
	PeerID    string
	Kind      EventKind
	Detail    string
	CreatedAt int64
}

func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(&LinkEvent{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

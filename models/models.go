package models

import (
	"time"

	"gorm.io/gorm"
)

// Event is the durable record of a domain event. Rows are append-only: they
// are never updated or deleted once written. Sequence is the auto-incrementing
// primary key and provides a total order across all aggregates; Version orders
// events within a single aggregate and is protected by a composite unique
// index so that concurrent writers cannot claim the same slot.
type Event struct {
	Sequence      uint64    `gorm:"primaryKey;autoIncrement" json:"sequence"`
	EventID       string    `gorm:"uniqueIndex;size:36" json:"event_id"`
	AggregateID   string    `gorm:"uniqueIndex:idx_aggregate_version;index;size:128" json:"aggregate_id"`
	AggregateType string    `gorm:"uniqueIndex:idx_aggregate_version;size:64" json:"aggregate_type"`
	EventType     string    `gorm:"index;size:128" json:"event_type"`
	Version       int       `gorm:"uniqueIndex:idx_aggregate_version" json:"version"`
	Payload       []byte    `json:"payload"`
	Metadata      []byte    `json:"metadata"`
	Timestamp     time.Time `json:"timestamp"`
	CreatedAt     time.Time `json:"created_at"`
}

// ProjectionSnapshot is the materialized state of one projection for one
// aggregate. Upserted on every qualifying event, keyed by
// (projection_name, aggregate_id). AppliedVersion and AppliedSequence record
// the last event folded into Data, so re-delivered events (worker catch-up,
// replays) are recognized and skipped instead of folded twice.
type ProjectionSnapshot struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	ProjectionName  string    `gorm:"uniqueIndex:idx_projection_aggregate;size:64" json:"projection_name"`
	AggregateID     string    `gorm:"uniqueIndex:idx_projection_aggregate;size:128" json:"aggregate_id"`
	Data            []byte    `json:"data"`
	Version         int       `json:"version"`
	LastEventID     string    `gorm:"size:36" json:"last_event_id"`
	AppliedVersion  int       `json:"applied_version"`
	AppliedSequence uint64    `json:"applied_sequence"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SetupModels runs migrations for all persistent models.
func SetupModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Event{},
		&ProjectionSnapshot{},
	)
}

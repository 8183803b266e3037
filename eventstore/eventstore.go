package eventstore

import (
	"context"
	"errors"
	"time"
)

// Common event store errors
var (
	// ErrVersionConflict means a concurrent append claimed the version this
	// append computed. The caller should re-read and retry.
	ErrVersionConflict = errors.New("version conflict on append")

	// ErrUnavailable means the underlying storage could not be reached.
	ErrUnavailable = errors.New("event storage unavailable")
)

// Event is a domain event as seen by callers of the store.
type Event struct {
	ID            string                 `json:"id"`
	AggregateID   string                 `json:"aggregate_id"`
	AggregateType string                 `json:"aggregate_type"`
	EventType     string                 `json:"event_type"`
	Version       int                    `json:"version"`
	Sequence      uint64                 `json:"sequence"`
	Payload       map[string]interface{} `json:"payload"`
	Metadata      map[string]interface{} `json:"metadata"`
	Timestamp     time.Time              `json:"timestamp"`
}

// Filter restricts ReadAll to a subset of the log.
type Filter struct {
	EventType string
}

// Stats holds read-only aggregate counts over the log, consistent as of the
// moment of the query.
type Stats struct {
	TotalEvents    int64  `json:"total_events"`
	AggregateTypes int64  `json:"aggregate_types"`
	EventTypes     int64  `json:"event_types"`
	LatestSequence uint64 `json:"latest_sequence"`
}

// Store is the interface for append-only event storage.
type Store interface {
	// Append assigns the next version for the aggregate and durably stores
	// the event. Returns ErrVersionConflict if a concurrent append won the
	// race for that version.
	Append(ctx context.Context, aggregateID, aggregateType, eventType string, payload, metadata map[string]interface{}) (*Event, error)

	// Read returns an aggregate's events ascending by version, starting at
	// fromVersion inclusive.
	Read(ctx context.Context, aggregateID, aggregateType string, fromVersion int) ([]Event, error)

	// ReadAll returns a page of the log descending by sequence (most recent
	// first), optionally filtered by exact event type, plus the total count
	// of the filtered set.
	ReadAll(ctx context.Context, filter Filter, page, pageSize int) ([]Event, int64, error)

	// ReadFromSequence returns events with sequence >= fromSequence ascending
	// by sequence, restricted to the given event types when non-empty.
	ReadFromSequence(ctx context.Context, fromSequence uint64, eventTypes []string) ([]Event, error)

	// Stats recomputes log-wide counts.
	Stats(ctx context.Context) (*Stats, error)
}

package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/orderhub/models"
)

// GormStore implements Store using GORM. Version assignment is optimistic:
// the store reads the current max version and inserts with max+1; the
// composite unique index on (aggregate_id, aggregate_type, version) rejects
// the loser of a concurrent race, which surfaces as ErrVersionConflict.
// The database must be opened with TranslateError enabled so duplicate-key
// violations map to gorm.ErrDuplicatedKey.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed event store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Append assigns the next version for the aggregate and stores the event.
func (s *GormStore) Append(ctx context.Context, aggregateID, aggregateType, eventType string, payload, metadata map[string]interface{}) (*Event, error) {
	payloadData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	var metadataData []byte
	if metadata != nil {
		metadataData, err = json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event metadata: %w", err)
		}
	}

	var maxVersion int
	row := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Select("COALESCE(MAX(version), 0)").
		Where("aggregate_id = ? AND aggregate_type = ?", aggregateID, aggregateType).
		Row()
	if err := row.Scan(&maxVersion); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	dbEvent := models.Event{
		EventID:       uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Version:       maxVersion + 1,
		Payload:       payloadData,
		Metadata:      metadataData,
		Timestamp:     time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&dbEvent).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, ErrVersionConflict
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	log.Info().
		Str("aggregate_id", aggregateID).
		Str("event_type", eventType).
		Int("version", dbEvent.Version).
		Uint64("sequence", dbEvent.Sequence).
		Msg("Event appended")

	event, err := toStoreEvent(dbEvent)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// Read returns the aggregate's events ascending by version.
func (s *GormStore) Read(ctx context.Context, aggregateID, aggregateType string, fromVersion int) ([]Event, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}

	var dbEvents []models.Event
	if err := s.db.WithContext(ctx).
		Where("aggregate_id = ? AND aggregate_type = ? AND version >= ?", aggregateID, aggregateType, fromVersion).
		Order("version ASC").
		Find(&dbEvents).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return toStoreEvents(dbEvents)
}

// ReadAll returns a page of the log, most recent first.
func (s *GormStore) ReadAll(ctx context.Context, filter Filter, page, pageSize int) ([]Event, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.Event{})
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var dbEvents []models.Event
	if err := query.
		Order("sequence DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&dbEvents).Error; err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	events, err := toStoreEvents(dbEvents)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// ReadFromSequence returns events ascending by sequence for replay.
func (s *GormStore) ReadFromSequence(ctx context.Context, fromSequence uint64, eventTypes []string) ([]Event, error) {
	query := s.db.WithContext(ctx).Where("sequence >= ?", fromSequence)
	if len(eventTypes) > 0 {
		query = query.Where("event_type IN ?", eventTypes)
	}

	var dbEvents []models.Event
	if err := query.Order("sequence ASC").Find(&dbEvents).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return toStoreEvents(dbEvents)
}

// Stats recomputes log-wide counts on each call.
func (s *GormStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	if err := s.db.WithContext(ctx).Model(&models.Event{}).Count(&stats.TotalEvents).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := s.db.WithContext(ctx).Model(&models.Event{}).
		Distinct("aggregate_type").Count(&stats.AggregateTypes).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := s.db.WithContext(ctx).Model(&models.Event{}).
		Distinct("event_type").Count(&stats.EventTypes).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	row := s.db.WithContext(ctx).Model(&models.Event{}).
		Select("COALESCE(MAX(sequence), 0)").Row()
	if err := row.Scan(&stats.LatestSequence); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return stats, nil
}

func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func toStoreEvent(dbEvent models.Event) (Event, error) {
	event := Event{
		ID:            dbEvent.EventID,
		AggregateID:   dbEvent.AggregateID,
		AggregateType: dbEvent.AggregateType,
		EventType:     dbEvent.EventType,
		Version:       dbEvent.Version,
		Sequence:      dbEvent.Sequence,
		Timestamp:     dbEvent.Timestamp,
	}

	if len(dbEvent.Payload) > 0 {
		if err := json.Unmarshal(dbEvent.Payload, &event.Payload); err != nil {
			return Event{}, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
	}
	if len(dbEvent.Metadata) > 0 {
		if err := json.Unmarshal(dbEvent.Metadata, &event.Metadata); err != nil {
			return Event{}, fmt.Errorf("failed to unmarshal event metadata: %w", err)
		}
	}

	return event, nil
}

func toStoreEvents(dbEvents []models.Event) ([]Event, error) {
	events := make([]Event, len(dbEvents))
	for i, dbEvent := range dbEvents {
		event, err := toStoreEvent(dbEvent)
		if err != nil {
			return nil, err
		}
		events[i] = event
	}
	return events, nil
}

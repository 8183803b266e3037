package projections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/orderhub/eventstore"
	"example.com/orderhub/models"
)

// ErrSnapshotNotFound means no snapshot exists for the requested
// (projection, aggregate) pair. Terminal, not retriable.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Snapshot is a materialized read-model row as seen by callers.
// AppliedVersion and AppliedSequence identify the last event folded into
// Data; the engine uses them to skip events it has already applied.
type Snapshot struct {
	ProjectionName  string                 `json:"projection_name"`
	AggregateID     string                 `json:"aggregate_id"`
	Data            map[string]interface{} `json:"data"`
	Version         int                    `json:"version"`
	LastEventID     string                 `json:"last_event_id"`
	AppliedVersion  int                    `json:"applied_version"`
	AppliedSequence uint64                 `json:"applied_sequence"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// SnapshotStore persists projection snapshots.
type SnapshotStore interface {
	// Get returns the snapshot for the pair, or ErrSnapshotNotFound.
	Get(ctx context.Context, projectionName, aggregateID string) (*Snapshot, error)

	// Save upserts the snapshot data, incrementing the snapshot version and
	// recording the event that produced it.
	Save(ctx context.Context, projectionName string, event eventstore.Event, data map[string]interface{}) (*Snapshot, error)

	// List returns all snapshots for a projection ordered by aggregate id.
	List(ctx context.Context, projectionName string) ([]Snapshot, error)

	// Count returns the number of snapshots held for a projection.
	Count(ctx context.Context, projectionName string) (int64, error)

	// Clear deletes all snapshots for a projection. Used by callers that
	// want a clean rebuild before a full replay.
	Clear(ctx context.Context, projectionName string) error
}

// GormSnapshotStore implements SnapshotStore using GORM.
type GormSnapshotStore struct {
	db *gorm.DB
}

// NewGormSnapshotStore creates a new GORM-backed snapshot store.
func NewGormSnapshotStore(db *gorm.DB) *GormSnapshotStore {
	return &GormSnapshotStore{db: db}
}

// Get returns the snapshot for the pair, or ErrSnapshotNotFound.
func (s *GormSnapshotStore) Get(ctx context.Context, projectionName, aggregateID string) (*Snapshot, error) {
	var row models.ProjectionSnapshot
	err := s.db.WithContext(ctx).
		Where("projection_name = ? AND aggregate_id = ?", projectionName, aggregateID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	return toSnapshot(row)
}

// Save upserts the snapshot, incrementing its version and recording the
// folded event's aggregate version and global sequence.
func (s *GormSnapshotStore) Save(ctx context.Context, projectionName string, event eventstore.Event, data map[string]interface{}) (*Snapshot, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot data: %w", err)
	}

	var row models.ProjectionSnapshot
	err = s.db.WithContext(ctx).
		Where("projection_name = ? AND aggregate_id = ?", projectionName, event.AggregateID).
		First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = models.ProjectionSnapshot{
			ProjectionName:  projectionName,
			AggregateID:     event.AggregateID,
			Data:            payload,
			Version:         1,
			LastEventID:     event.ID,
			AppliedVersion:  event.Version,
			AppliedSequence: event.Sequence,
		}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return nil, fmt.Errorf("failed to create snapshot: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	default:
		row.Data = payload
		row.Version++
		row.LastEventID = event.ID
		row.AppliedVersion = event.Version
		row.AppliedSequence = event.Sequence
		if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
			return nil, fmt.Errorf("failed to update snapshot: %w", err)
		}
	}

	return toSnapshot(row)
}

// List returns all snapshots for a projection ordered by aggregate id.
func (s *GormSnapshotStore) List(ctx context.Context, projectionName string) ([]Snapshot, error) {
	var rows []models.ProjectionSnapshot
	if err := s.db.WithContext(ctx).
		Where("projection_name = ?", projectionName).
		Order("aggregate_id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	snapshots := make([]Snapshot, len(rows))
	for i, row := range rows {
		snapshot, err := toSnapshot(row)
		if err != nil {
			return nil, err
		}
		snapshots[i] = *snapshot
	}
	return snapshots, nil
}

// Count returns the number of snapshots held for a projection.
func (s *GormSnapshotStore) Count(ctx context.Context, projectionName string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.ProjectionSnapshot{}).
		Where("projection_name = ?", projectionName).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return count, nil
}

// Clear deletes all snapshots for a projection.
func (s *GormSnapshotStore) Clear(ctx context.Context, projectionName string) error {
	if err := s.db.WithContext(ctx).
		Where("projection_name = ?", projectionName).
		Delete(&models.ProjectionSnapshot{}).Error; err != nil {
		return fmt.Errorf("failed to clear snapshots: %w", err)
	}
	return nil
}

func toSnapshot(row models.ProjectionSnapshot) (*Snapshot, error) {
	snapshot := &Snapshot{
		ProjectionName:  row.ProjectionName,
		AggregateID:     row.AggregateID,
		Version:         row.Version,
		LastEventID:     row.LastEventID,
		AppliedVersion:  row.AppliedVersion,
		AppliedSequence: row.AppliedSequence,
		UpdatedAt:       row.UpdatedAt,
	}

	if len(row.Data) > 0 {
		if err := json.Unmarshal(row.Data, &snapshot.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot data: %w", err)
		}
	}
	return snapshot, nil
}

package projections

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"example.com/orderhub/eventstore"
)

// FoldFunc computes the next snapshot state from an event and the previous
// state (nil when no snapshot exists yet). It must be a pure function of its
// inputs and perform no I/O. Returning nil means the event produces no
// snapshot write.
type FoldFunc func(eventType string, payload map[string]interface{}, aggregateID string, prev map[string]interface{}) (map[string]interface{}, error)

// Projection is a named, pure derivation of materialized state from a fixed
// set of event types.
type Projection struct {
	Name       string
	EventTypes []string
	Fold       FoldFunc
}

func (p Projection) interestedIn(eventType string) bool {
	for _, t := range p.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// ProjectionStats reports per-projection health for operators.
type ProjectionStats struct {
	Name          string    `json:"name"`
	EventTypes    []string  `json:"event_types"`
	SnapshotCount int64     `json:"snapshot_count"`
	FailureCount  int64     `json:"failure_count"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorAt   time.Time `json:"last_error_at,omitempty"`
}

type failureRecord struct {
	count  int64
	lastAt time.Time
	last   string
}

// Engine maintains the registered projections and folds events into their
// snapshots. The registry is populated once at startup and read-only after
// that; only the failure counters are guarded by the mutex.
type Engine struct {
	store       eventstore.Store
	snapshots   SnapshotStore
	projections []Projection
	locks       *aggregateLocks

	mu       sync.Mutex
	failures map[string]*failureRecord
}

// NewEngine creates a projection engine over the given stores.
func NewEngine(store eventstore.Store, snapshots SnapshotStore) *Engine {
	return &Engine{
		store:     store,
		snapshots: snapshots,
		locks:     newAggregateLocks(),
		failures:  make(map[string]*failureRecord),
	}
}

// aggregateLocks serializes folds per (projection, aggregate) so concurrent
// deliveries cannot interleave their read-fold-write cycles.
type aggregateLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAggregateLocks() *aggregateLocks {
	return &aggregateLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *aggregateLocks) acquire(key string) *sync.Mutex {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock
}

// Register adds a projection to the registry. Must be called before the
// engine starts receiving events.
func (e *Engine) Register(p Projection) error {
	if p.Name == "" {
		return fmt.Errorf("projection name is empty")
	}
	if p.Fold == nil {
		return fmt.Errorf("projection %q has no fold function", p.Name)
	}
	for _, existing := range e.projections {
		if existing.Name == p.Name {
			return fmt.Errorf("projection %q is already registered", p.Name)
		}
	}

	e.projections = append(e.projections, p)
	return nil
}

// Projections returns the registered projections in registration order.
func (e *Engine) Projections() []Projection {
	return e.projections
}

// OnEvent folds the event into every projection interested in its type.
// Projections are updated independently and in parallel; a failure in one
// is recorded and logged but never blocks the others, and never affects the
// durability of the event that triggered it.
func (e *Engine) OnEvent(ctx context.Context, event eventstore.Event) {
	g, ctx := errgroup.WithContext(ctx)

	for _, p := range e.projections {
		if !p.interestedIn(event.EventType) {
			continue
		}

		projection := p
		g.Go(func() error {
			if err := e.apply(ctx, projection, event); err != nil {
				e.recordFailure(projection.Name, err)
				log.Error().Err(err).
					Str("projection", projection.Name).
					Str("event_id", event.ID).
					Str("event_type", event.EventType).
					Msg("Failed to update projection")
			}
			return nil
		})
	}

	// Goroutines swallow their own errors, so Wait only synchronizes.
	_ = g.Wait()
}

// Replay re-folds historical events with sequence >= fromSequence into the
// named projection's snapshots, in ascending sequence order, exactly as
// OnEvent would have. Events already recorded in a snapshot's applied
// version are skipped, so replaying a range twice is a no-op; the engine
// does not clear snapshot state first.
func (e *Engine) Replay(ctx context.Context, projectionName string, fromSequence uint64) (int, error) {
	var projection *Projection
	for i := range e.projections {
		if e.projections[i].Name == projectionName {
			projection = &e.projections[i]
			break
		}
	}
	if projection == nil {
		return 0, fmt.Errorf("unknown projection %q", projectionName)
	}

	if fromSequence < 1 {
		fromSequence = 1
	}

	events, err := e.store.ReadFromSequence(ctx, fromSequence, projection.EventTypes)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, event := range events {
		if err := e.apply(ctx, *projection, event); err != nil {
			e.recordFailure(projection.Name, err)
			return replayed, fmt.Errorf("replay of %q stopped at sequence %d: %w", projectionName, event.Sequence, err)
		}
		replayed++
	}

	log.Info().
		Str("projection", projectionName).
		Uint64("from_sequence", fromSequence).
		Int("events_replayed", replayed).
		Msg("Projection replay complete")

	return replayed, nil
}

// GetSnapshot returns the snapshot for (projectionName, aggregateID), or
// ErrSnapshotNotFound.
func (e *Engine) GetSnapshot(ctx context.Context, projectionName, aggregateID string) (*Snapshot, error) {
	return e.snapshots.Get(ctx, projectionName, aggregateID)
}

// ListSnapshots returns all snapshots for a projection ordered by aggregate id.
func (e *Engine) ListSnapshots(ctx context.Context, projectionName string) ([]Snapshot, error) {
	return e.snapshots.List(ctx, projectionName)
}

// Stats reports per-projection snapshot counts and failure totals.
func (e *Engine) Stats(ctx context.Context) []ProjectionStats {
	stats := make([]ProjectionStats, 0, len(e.projections))
	for _, p := range e.projections {
		entry := ProjectionStats{
			Name:       p.Name,
			EventTypes: p.EventTypes,
		}

		count, err := e.snapshots.Count(ctx, p.Name)
		if err != nil {
			log.Warn().Err(err).Str("projection", p.Name).Msg("Failed to count snapshots")
		} else {
			entry.SnapshotCount = count
		}

		e.mu.Lock()
		if record, ok := e.failures[p.Name]; ok {
			entry.FailureCount = record.count
			entry.LastError = record.last
			entry.LastErrorAt = record.lastAt
		}
		e.mu.Unlock()

		stats = append(stats, entry)
	}
	return stats
}

// apply folds one event into one projection and writes the result. Folds
// for one (projection, aggregate) pair are serialized, and the snapshot's
// applied version gates each fold: an event at or below it has been folded
// already and is skipped, so redundant deliveries (worker catch-up ticks,
// overlapping replays) change nothing. An event more than one version ahead
// means an earlier event for the aggregate has not landed here yet; the
// engine then folds forward from the log so the fold never sees events out
// of per-aggregate order.
func (e *Engine) apply(ctx context.Context, p Projection, event eventstore.Event) error {
	lock := e.locks.acquire(p.Name + "|" + event.AggregateID)
	defer lock.Unlock()

	var prev map[string]interface{}
	appliedVersion := 0
	snapshot, err := e.snapshots.Get(ctx, p.Name, event.AggregateID)
	if err != nil && err != ErrSnapshotNotFound {
		return err
	}
	if snapshot != nil {
		prev = snapshot.Data
		appliedVersion = snapshot.AppliedVersion
	}

	if event.Version <= appliedVersion {
		return nil
	}

	if event.Version > appliedVersion+1 {
		missing, err := e.store.Read(ctx, event.AggregateID, event.AggregateType, appliedVersion+1)
		if err != nil {
			return err
		}
		for _, ev := range missing {
			if ev.Version > event.Version {
				break
			}
			if !p.interestedIn(ev.EventType) {
				continue
			}
			prev, err = e.foldAndSave(ctx, p, ev, prev)
			if err != nil {
				return err
			}
		}
		return nil
	}

	_, err = e.foldAndSave(ctx, p, event, prev)
	return err
}

// foldAndSave runs one fold and persists a non-nil result, returning the
// state the next fold should see.
func (e *Engine) foldAndSave(ctx context.Context, p Projection, event eventstore.Event, prev map[string]interface{}) (map[string]interface{}, error) {
	next, err := p.Fold(event.EventType, event.Payload, event.AggregateID, prev)
	if err != nil {
		return nil, fmt.Errorf("fold failed: %w", err)
	}
	if next == nil {
		return prev, nil
	}

	if _, err := e.snapshots.Save(ctx, p.Name, event, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (e *Engine) recordFailure(projectionName string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	record, ok := e.failures[projectionName]
	if !ok {
		record = &failureRecord{}
		e.failures[projectionName] = record
	}
	record.count++
	record.last = err.Error()
	record.lastAt = time.Now().UTC()
}

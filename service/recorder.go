package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"example.com/orderhub/breaker"
	"example.com/orderhub/domain"
	"example.com/orderhub/eventstore"
	"example.com/orderhub/projections"
)

// EventPublisher delivers event notifications to other processes.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *eventstore.Event) error
}

// EventIndexer mirrors events into the search cluster.
type EventIndexer interface {
	IndexEvent(ctx context.Context, event *eventstore.Event) error
}

// Recorder is the command-side entry point: it resolves the aggregate for an
// incoming fact, appends it to the log with bounded retry on version
// conflicts, folds it into the projections, and then performs the
// best-effort outbound work (notification publish, search indexing) behind
// per-dependency circuit breakers. Once the append succeeds the event is
// permanently recorded no matter what the downstream steps do.
type Recorder struct {
	store  eventstore.Store
	engine *projections.Engine

	publisher      EventPublisher
	indexer        EventIndexer
	publishBreaker *breaker.CircuitBreaker
	indexBreaker   *breaker.CircuitBreaker

	maxRetryTime time.Duration
}

// NewRecorder wires the recorder. publisher and indexer may be nil when the
// corresponding integration is disabled.
func NewRecorder(
	store eventstore.Store,
	engine *projections.Engine,
	publisher EventPublisher,
	indexer EventIndexer,
	publishBreaker *breaker.CircuitBreaker,
	indexBreaker *breaker.CircuitBreaker,
) *Recorder {
	return &Recorder{
		store:          store,
		engine:         engine,
		publisher:      publisher,
		indexer:        indexer,
		publishBreaker: publishBreaker,
		indexBreaker:   indexBreaker,
		maxRetryTime:   5 * time.Second,
	}
}

// Record appends a domain event and drives everything that hangs off the
// append. Version conflicts from concurrent writers are retried with
// exponential backoff until maxRetryTime elapses.
func (r *Recorder) Record(ctx context.Context, eventType string, payload, metadata map[string]interface{}) (*eventstore.Event, error) {
	aggregateID, aggregateType := domain.Resolve(eventType, payload)

	operation := func() (*eventstore.Event, error) {
		event, err := r.store.Append(ctx, aggregateID, aggregateType, eventType, payload, metadata)
		if err != nil {
			if errors.Is(err, eventstore.ErrVersionConflict) {
				// A concurrent writer claimed our version; recompute and retry.
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return event, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond

	event, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(r.maxRetryTime))
	if err != nil {
		return nil, err
	}

	// The event is durable from here on; projection or outbound failures
	// are observed and logged but never propagate to the caller.
	r.engine.OnEvent(ctx, *event)
	r.publish(ctx, event)
	r.index(ctx, event)

	return event, nil
}

func (r *Recorder) publish(ctx context.Context, event *eventstore.Event) {
	if r.publisher == nil {
		return
	}

	err := r.publishBreaker.Guard(ctx, func(ctx context.Context) error {
		return r.publisher.PublishEvent(ctx, event)
	})
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			log.Warn().Str("event_id", event.ID).Msg("Notification publish skipped, circuit open")
			return
		}
		log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to publish event notification")
	}
}

func (r *Recorder) index(ctx context.Context, event *eventstore.Event) {
	if r.indexer == nil {
		return
	}

	err := r.indexBreaker.Guard(ctx, func(ctx context.Context) error {
		return r.indexer.IndexEvent(ctx, event)
	})
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			log.Warn().Str("event_id", event.ID).Msg("Event indexing skipped, circuit open")
			return
		}
		log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to index event")
	}
}

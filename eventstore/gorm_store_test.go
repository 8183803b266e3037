package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/orderhub/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps the shared in-memory database alive and
	// avoids SQLITE_BUSY under concurrent writers.
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, models.SetupModels(db))
	return db
}

func TestAppendAssignsSequentialVersions(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		event, err := store.Append(ctx, "order-1", "Order", "order.created",
			map[string]interface{}{"orderId": "1"}, nil)
		require.NoError(t, err)
		require.Equal(t, i, event.Version)
		require.NotEmpty(t, event.ID)
		require.NotZero(t, event.Sequence)
	}

	events, err := store.Read(ctx, "order-1", "Order", 1)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, event := range events {
		require.Equal(t, i+1, event.Version)
	}
}

func TestAppendVersionsAreIndependentPerAggregate(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	ctx := context.Background()

	first, err := store.Append(ctx, "order-1", "Order", "order.created", map[string]interface{}{}, nil)
	require.NoError(t, err)
	second, err := store.Append(ctx, "order-2", "Order", "order.created", map[string]interface{}{}, nil)
	require.NoError(t, err)
	third, err := store.Append(ctx, "order-1", "Order", "order.status_changed", map[string]interface{}{}, nil)
	require.NoError(t, err)

	require.Equal(t, 1, first.Version)
	require.Equal(t, 1, second.Version)
	require.Equal(t, 2, third.Version)

	// Sequence is a global total order across aggregates.
	require.Less(t, first.Sequence, second.Sequence)
	require.Less(t, second.Sequence, third.Sequence)
}

func TestAppendPreservesPayloadAndMetadata(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	ctx := context.Background()

	payload := map[string]interface{}{"orderId": "9", "total": 12.5}
	metadata := map[string]interface{}{"correlationId": "req-1"}

	appended, err := store.Append(ctx, "order-9", "Order", "order.created", payload, metadata)
	require.NoError(t, err)

	events, err := store.Read(ctx, "order-9", "Order", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, appended.ID, events[0].ID)
	require.Equal(t, payload, events[0].Payload)
	require.Equal(t, metadata, events[0].Metadata)
	require.WithinDuration(t, time.Now().UTC(), events[0].Timestamp, time.Minute)
}

func TestConcurrentAppendsProduceGaplessVersions(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	ctx := context.Background()

	const workers = 10
	const perWorker = 10

	var wg sync.WaitGroup
	errCh := make(chan error, workers*perWorker)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := appendWithRetry(ctx, store, "order-hot", "Order"); err != nil {
					errCh <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	events, err := store.Read(ctx, "order-hot", "Order", 1)
	require.NoError(t, err)
	require.Len(t, events, workers*perWorker)

	seen := make(map[int]bool, len(events))
	for _, event := range events {
		require.False(t, seen[event.Version], "duplicate version %d", event.Version)
		seen[event.Version] = true
	}
	for v := 1; v <= workers*perWorker; v++ {
		require.True(t, seen[v], "missing version %d", v)
	}
}

func TestConcurrentAppendsAcrossAggregates(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	ctx := context.Background()

	const workers = 10
	const total = 1000
	const aggregates = 50

	var wg sync.WaitGroup
	errCh := make(chan error, total)

	for w := 0; w < workers; w++ {
		worker := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < total/workers; i++ {
				aggregateID := fmt.Sprintf("order-%d", (worker*(total/workers)+i)%aggregates)
				if err := appendWithRetry(ctx, store, aggregateID, "Order"); err != nil {
					errCh <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(total), stats.TotalEvents)

	for a := 0; a < aggregates; a++ {
		events, err := store.Read(ctx, fmt.Sprintf("order-%d", a), "Order", 1)
		require.NoError(t, err)
		for i, event := range events {
			require.Equal(t, i+1, event.Version, "gap in aggregate order-%d", a)
		}
	}
}

func TestConcurrentAppendsLoserGetsConflict(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	ctx := context.Background()

	// Without retries, every append either wins a version or reports a
	// conflict; no other failure mode is acceptable.
	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Append(ctx, "order-race", "Order", "order.created", map[string]interface{}{}, nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, ErrVersionConflict)
	}
	require.Positive(t, wins)

	events, err := store.Read(ctx, "order-race", "Order", 1)
	require.NoError(t, err)
	require.Len(t, events, wins)
	for i, event := range events {
		require.Equal(t, i+1, event.Version)
	}
}

func TestReadFromVersion(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := store.Append(ctx, "order-1", "Order", "order.created", map[string]interface{}{}, nil)
		require.NoError(t, err)
	}

	events, err := store.Read(ctx, "order-1", "Order", 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, 3, events[0].Version)
	require.Equal(t, 4, events[1].Version)

	events, err = store.Read(ctx, "order-1", "Order", 10)
	require.NoError(t, err)
	require.Empty(t, events)

	events, err = store.Read(ctx, "order-none", "Order", 1)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestReadAllNewestFirstWithFilterAndPaging(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, fmt.Sprintf("order-%d", i), "Order", "order.created", map[string]interface{}{}, nil)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := store.Append(ctx, fmt.Sprintf("user-%d", i), "User", "user.registered", map[string]interface{}{}, nil)
		require.NoError(t, err)
	}

	events, total, err := store.ReadAll(ctx, Filter{}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(5), total)
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i-1].Sequence, events[i].Sequence)
	}

	events, total, err = store.ReadAll(ctx, Filter{EventType: "order.created"}, 1, 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Len(t, events, 2)

	events, _, err = store.ReadAll(ctx, Filter{EventType: "order.created"}, 2, 2)
	require.NoError(t, err)
	require.Len(t, events, 1)

	_, total, err = store.ReadAll(ctx, Filter{EventType: "order.shipped"}, 1, 10)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestReadFromSequence(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	ctx := context.Background()

	var sequences []uint64
	for i := 0; i < 4; i++ {
		event, err := store.Append(ctx, "order-1", "Order", "order.created", map[string]interface{}{}, nil)
		require.NoError(t, err)
		sequences = append(sequences, event.Sequence)
	}
	_, err := store.Append(ctx, "user-1", "User", "user.registered", map[string]interface{}{}, nil)
	require.NoError(t, err)

	events, err := store.ReadFromSequence(ctx, sequences[1], []string{"order.created"})
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		require.Less(t, events[i-1].Sequence, events[i].Sequence)
	}

	all, err := store.ReadFromSequence(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, all, 5)
}

func TestStats(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	ctx := context.Background()

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.TotalEvents)
	require.Zero(t, stats.LatestSequence)

	_, err = store.Append(ctx, "order-1", "Order", "order.created", map[string]interface{}{}, nil)
	require.NoError(t, err)
	_, err = store.Append(ctx, "order-1", "Order", "order.status_changed", map[string]interface{}{}, nil)
	require.NoError(t, err)
	last, err := store.Append(ctx, "user-1", "User", "user.registered", map[string]interface{}{}, nil)
	require.NoError(t, err)

	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.TotalEvents)
	require.Equal(t, int64(2), stats.AggregateTypes)
	require.Equal(t, int64(3), stats.EventTypes)
	require.Equal(t, last.Sequence, stats.LatestSequence)
}

func appendWithRetry(ctx context.Context, store Store, aggregateID, aggregateType string) error {
	for attempt := 0; attempt < 200; attempt++ {
		_, err := store.Append(ctx, aggregateID, aggregateType, "order.created", map[string]interface{}{}, nil)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrVersionConflict) {
			time.Sleep(time.Duration(attempt%5+1) * time.Millisecond)
			continue
		}
		return err
	}
	return errors.New("append retries exhausted")
}

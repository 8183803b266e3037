package projections

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/orderhub/domain"
	"example.com/orderhub/eventstore"
	"example.com/orderhub/models"
)

func newTestEngine(t *testing.T) (*Engine, eventstore.Store, *GormSnapshotStore) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, models.SetupModels(db))

	store := eventstore.NewGormStore(db)
	snapshots := NewGormSnapshotStore(db)
	return NewEngine(store, snapshots), store, snapshots
}

func record(t *testing.T, store eventstore.Store, engine *Engine, eventType string, payload map[string]interface{}) eventstore.Event {
	t.Helper()

	aggregateID, aggregateType := domain.Resolve(eventType, payload)
	event, err := store.Append(context.Background(), aggregateID, aggregateType, eventType, payload, nil)
	require.NoError(t, err)
	engine.OnEvent(context.Background(), *event)
	return *event
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	require.NoError(t, engine.Register(OrderSummary()))
	require.Error(t, engine.Register(OrderSummary()))
	require.Error(t, engine.Register(Projection{Name: "", Fold: foldOrderSummary}))
	require.Error(t, engine.Register(Projection{Name: "no-fold"}))
}

func TestOrderSummaryScenario(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	require.NoError(t, engine.Register(OrderSummary()))

	created := record(t, store, engine, domain.OrderCreated,
		map[string]interface{}{"orderId": "1", "customerId": "c1", "total": 10.0})
	require.Equal(t, 1, created.Version)

	changed := record(t, store, engine, domain.OrderStatusChanged,
		map[string]interface{}{"orderId": "1", "status": "confirmed"})
	require.Equal(t, 2, changed.Version)

	snapshot, err := engine.GetSnapshot(context.Background(), "order-summary", "order-1")
	require.NoError(t, err)
	require.Equal(t, "confirmed", snapshot.Data["status"])
	require.Equal(t, []interface{}{"created", "confirmed"}, snapshot.Data["statusHistory"])
	require.Equal(t, 2, snapshot.Version)
	require.Equal(t, changed.ID, snapshot.LastEventID)
}

func TestFoldReturningNilWritesNothing(t *testing.T) {
	engine, store, snapshots := newTestEngine(t)
	require.NoError(t, engine.Register(OrderSummary()))

	// A status change with no prior order has nothing to fold into.
	record(t, store, engine, domain.OrderStatusChanged,
		map[string]interface{}{"orderId": "77", "status": "confirmed"})

	_, err := engine.GetSnapshot(context.Background(), "order-summary", "order-77")
	require.ErrorIs(t, err, ErrSnapshotNotFound)

	count, err := snapshots.Count(context.Background(), "order-summary")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestProjectionFailureIsIndependent(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	require.NoError(t, engine.Register(OrderSummary()))
	require.NoError(t, engine.Register(Projection{
		Name:       "broken",
		EventTypes: []string{domain.OrderCreated},
		Fold: func(eventType string, payload map[string]interface{}, aggregateID string, prev map[string]interface{}) (map[string]interface{}, error) {
			return nil, errors.New("fold exploded")
		},
	}))

	record(t, store, engine, domain.OrderCreated,
		map[string]interface{}{"orderId": "5", "total": 1.0})

	// The healthy projection was still updated.
	snapshot, err := engine.GetSnapshot(context.Background(), "order-summary", "order-5")
	require.NoError(t, err)
	require.Equal(t, "created", snapshot.Data["status"])

	// The failure is observable per projection.
	var brokenStats *ProjectionStats
	for _, entry := range engine.Stats(context.Background()) {
		if entry.Name == "broken" {
			stats := entry
			brokenStats = &stats
		}
	}
	require.NotNil(t, brokenStats)
	require.Equal(t, int64(1), brokenStats.FailureCount)
	require.Contains(t, brokenStats.LastError, "fold exploded")
	require.False(t, brokenStats.LastErrorAt.IsZero())
}

func TestOnEventIgnoresUninterestedProjections(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	require.NoError(t, engine.Register(UserProfile()))

	record(t, store, engine, domain.OrderCreated,
		map[string]interface{}{"orderId": "1"})

	snapshots, err := engine.ListSnapshots(context.Background(), "user-profile")
	require.NoError(t, err)
	require.Empty(t, snapshots)
}

func TestReplayReproducesIncrementalSnapshots(t *testing.T) {
	engine, store, snapshots := newTestEngine(t)
	require.NoError(t, engine.Register(OrderSummary()))
	require.NoError(t, engine.Register(PaymentStatus()))

	record(t, store, engine, domain.OrderCreated,
		map[string]interface{}{"orderId": "1", "total": 10.0})
	record(t, store, engine, domain.PaymentInitiated,
		map[string]interface{}{"paymentId": "p1", "orderId": "1", "amount": 10.0})
	record(t, store, engine, domain.OrderItemAdded,
		map[string]interface{}{"orderId": "1", "productId": "sku-1", "quantity": 2.0, "price": 3.0})
	record(t, store, engine, domain.OrderStatusChanged,
		map[string]interface{}{"orderId": "1", "status": "confirmed"})
	record(t, store, engine, domain.PaymentCompleted,
		map[string]interface{}{"paymentId": "p1", "transactionId": "tx9"})

	incremental, err := engine.ListSnapshots(context.Background(), "order-summary")
	require.NoError(t, err)
	require.Len(t, incremental, 1)

	// Clean rebuild: clear, then replay from the beginning.
	require.NoError(t, snapshots.Clear(context.Background(), "order-summary"))

	replayed, err := engine.Replay(context.Background(), "order-summary", 1)
	require.NoError(t, err)
	require.Equal(t, 3, replayed)

	rebuilt, err := engine.ListSnapshots(context.Background(), "order-summary")
	require.NoError(t, err)
	require.Len(t, rebuilt, 1)
	require.Equal(t, incremental[0].Data, rebuilt[0].Data)
	require.Equal(t, incremental[0].Version, rebuilt[0].Version)
	require.Equal(t, incremental[0].LastEventID, rebuilt[0].LastEventID)

	// The other projection's snapshots were untouched.
	payment, err := engine.GetSnapshot(context.Background(), "payment-status", "payment-p1")
	require.NoError(t, err)
	require.Equal(t, "completed", payment.Data["status"])
}

func TestReplayOfAppliedEventsChangesNothing(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	require.NoError(t, engine.Register(OrderSummary()))

	record(t, store, engine, domain.OrderCreated,
		map[string]interface{}{"orderId": "1", "total": 5.0})
	marker := record(t, store, engine, domain.OrderStatusChanged,
		map[string]interface{}{"orderId": "1", "status": "confirmed"})

	before, err := engine.GetSnapshot(context.Background(), "order-summary", "order-1")
	require.NoError(t, err)

	// The tail events are already in the snapshot's applied version, so
	// replaying them again must not fold them twice.
	replayed, err := engine.Replay(context.Background(), "order-summary", marker.Sequence)
	require.NoError(t, err)
	require.Equal(t, 1, replayed)

	after, err := engine.GetSnapshot(context.Background(), "order-summary", "order-1")
	require.NoError(t, err)
	require.Equal(t, before.Version, after.Version)
	require.Equal(t, []interface{}{"created", "confirmed"}, after.Data["statusHistory"])
}

func TestCatchUpReplayAfterSynchronousFolds(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	require.NoError(t, engine.Register(OrderSummary()))

	// Events folded synchronously at append time, with full replays in
	// between, the way a periodic catch-up job would issue them.
	record(t, store, engine, domain.OrderCreated,
		map[string]interface{}{"orderId": "1", "total": 5.0})
	record(t, store, engine, domain.OrderStatusChanged,
		map[string]interface{}{"orderId": "1", "status": "confirmed"})

	_, err := engine.Replay(context.Background(), "order-summary", 1)
	require.NoError(t, err)

	record(t, store, engine, domain.OrderStatusChanged,
		map[string]interface{}{"orderId": "1", "status": "shipped"})

	_, err = engine.Replay(context.Background(), "order-summary", 1)
	require.NoError(t, err)

	snapshot, err := engine.GetSnapshot(context.Background(), "order-summary", "order-1")
	require.NoError(t, err)
	require.Equal(t, "shipped", snapshot.Data["status"])
	require.Equal(t, []interface{}{"created", "confirmed", "shipped"}, snapshot.Data["statusHistory"])
	require.Equal(t, 3, snapshot.Version)
	require.Equal(t, 3, snapshot.AppliedVersion)
}

func TestOutOfOrderDeliveryFoldsInVersionOrder(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	require.NoError(t, engine.Register(OrderSummary()))
	ctx := context.Background()

	ev1, err := store.Append(ctx, "order-1", domain.AggregateOrder, domain.OrderCreated,
		map[string]interface{}{"orderId": "1", "total": 5.0}, nil)
	require.NoError(t, err)
	ev2, err := store.Append(ctx, "order-1", domain.AggregateOrder, domain.OrderStatusChanged,
		map[string]interface{}{"orderId": "1", "status": "confirmed"}, nil)
	require.NoError(t, err)

	// Version 2 lands first: the engine folds forward from the log so the
	// created event is not lost, then the late version 1 is a no-op.
	engine.OnEvent(ctx, *ev2)
	engine.OnEvent(ctx, *ev1)

	snapshot, err := engine.GetSnapshot(ctx, "order-summary", "order-1")
	require.NoError(t, err)
	require.Equal(t, "confirmed", snapshot.Data["status"])
	require.Equal(t, []interface{}{"created", "confirmed"}, snapshot.Data["statusHistory"])
	require.Equal(t, 2, snapshot.Version)
	require.Equal(t, 2, snapshot.AppliedVersion)
}

func TestReplayUnknownProjection(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.Replay(context.Background(), "nope", 1)
	require.Error(t, err)
}

func TestListSnapshotsOrderedByAggregateID(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	require.NoError(t, engine.Register(OrderSummary()))

	for _, id := range []string{"9", "3", "7"} {
		record(t, store, engine, domain.OrderCreated,
			map[string]interface{}{"orderId": id})
	}

	snapshots, err := engine.ListSnapshots(context.Background(), "order-summary")
	require.NoError(t, err)
	require.Len(t, snapshots, 3)
	require.Equal(t, "order-3", snapshots[0].AggregateID)
	require.Equal(t, "order-7", snapshots[1].AggregateID)
	require.Equal(t, "order-9", snapshots[2].AggregateID)
}

func TestUserProfileFold(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	require.NoError(t, engine.Register(UserProfile()))

	record(t, store, engine, domain.UserRegistered,
		map[string]interface{}{"userId": "u1", "name": "Ana", "email": "ana@old.test"})
	record(t, store, engine, domain.UserEmailChanged,
		map[string]interface{}{"userId": "u1", "email": "ana@new.test"})

	snapshot, err := engine.GetSnapshot(context.Background(), "user-profile", "user-u1")
	require.NoError(t, err)
	require.Equal(t, "ana@new.test", snapshot.Data["email"])
	require.Equal(t, []interface{}{"ana@old.test"}, snapshot.Data["previousEmails"])
}

func TestPaymentStatusFold(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	require.NoError(t, engine.Register(PaymentStatus()))

	record(t, store, engine, domain.PaymentInitiated,
		map[string]interface{}{"paymentId": "p1", "orderId": "1", "amount": 20.0})
	record(t, store, engine, domain.PaymentFailed,
		map[string]interface{}{"paymentId": "p1", "reason": "card declined"})

	snapshot, err := engine.GetSnapshot(context.Background(), "payment-status", "payment-p1")
	require.NoError(t, err)
	require.Equal(t, "failed", snapshot.Data["status"])
	require.Equal(t, "card declined", snapshot.Data["failureReason"])
}

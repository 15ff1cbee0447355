package app

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ec-eventsourcing/internal/domain/aggregate"
	"github.com/example/ec-eventsourcing/internal/domain/order"
	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
	"github.com/example/ec-eventsourcing/internal/platform/config"
	"github.com/example/ec-eventsourcing/internal/snapshot"
)

func newTestConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.ThrottleBaseDelay = time.Millisecond
	cfg.Snapshot = snapshot.TriggerConfig{EventCountThreshold: 2}
	return cfg
}

func placeOrder(t *testing.T, id string) aggregate.Command {
	t.Helper()
	payload, err := json.Marshal(order.PlaceOrder{
		Items: []order.OrderItem{{ProductID: "p-1", Quantity: 2, Price: 500}},
	})
	require.NoError(t, err)
	return aggregate.Command{
		CommandID:   "cmd-place",
		CommandType: order.CommandPlaceOrder,
		AggregateID: id,
		Payload:     payload,
		Metadata:    aggregate.CommandMetadata{UserID: "user-1", CorrelationID: "corr-1"},
	}
}

func TestNew_MemoryEndToEnd(t *testing.T) {
	cfg := newTestConfig(t)
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	res := a.Orders.Handle(ctx, placeOrder(t, "order-1"))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.Version)

	res = a.Orders.Handle(ctx, aggregate.Command{
		CommandID:   "cmd-pay",
		CommandType: order.CommandPayOrder,
		AggregateID: "order-1",
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.Version)

	a.Manager.Wait()
	snap, err := a.Snapshots.GetLatest(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 2, snap.Version)
	assert.Equal(t, store.TriggerEventCount, snap.Metadata.TriggerReason)

	restored, err := aggregate.RestoreState[order.Order](order.New(), snap.State)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, restored.Status)

	_, ok := a.Purger()
	assert.False(t, ok)
}

func TestNew_StreamReceivesCommittedEvents(t *testing.T) {
	cfg := newTestConfig(t)
	backend := store.NewMemoryBackend()
	a, err := New(context.Background(), cfg, nil, WithBackend(backend))
	require.NoError(t, err)
	defer a.Close()

	var got []store.DomainEvent
	unsubscribe := a.Stream.Subscribe(func(_ context.Context, events []store.DomainEvent) error {
		got = append(got, events...)
		return nil
	})
	defer unsubscribe()

	res := a.Orders.Handle(context.Background(), placeOrder(t, "order-2"))
	require.True(t, res.Success, res.Error)

	require.Len(t, got, 1)
	assert.Equal(t, order.EventOrderPlaced, got[0].EventType)

	stored, err := backend.LoadEvents(context.Background(), "order-2", 0, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestNew_SQLiteBackend(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Backend = config.BackendSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "events.db")

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	res := a.Orders.Handle(context.Background(), placeOrder(t, "order-3"))
	require.True(t, res.Success, res.Error)

	p, ok := a.Purger()
	require.True(t, ok)
	_, err = p.DeleteExpiredSnapshots(context.Background())
	assert.NoError(t, err)

	assert.NoError(t, a.Close())
}

func TestNew_UnknownBackend(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Backend = "mongo"

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "unknown backend")
}

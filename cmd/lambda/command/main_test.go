package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ec-eventsourcing/internal/app"
	"github.com/example/ec-eventsourcing/internal/domain/aggregate"
	"github.com/example/ec-eventsourcing/internal/domain/order"
	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
	"github.com/example/ec-eventsourcing/internal/platform/config"
	"github.com/example/ec-eventsourcing/internal/snapshot"
)

const snapshotDelay = 300 * time.Millisecond

type slowSnapshotBackend struct {
	*store.MemoryBackend
}

func (b slowSnapshotBackend) PutSnapshot(ctx context.Context, s store.Snapshot, expiresAt time.Time) error {
	select {
	case <-time.After(snapshotDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.MemoryBackend.PutSnapshot(ctx, s, expiresAt)
}

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Snapshot = snapshot.TriggerConfig{EventCountThreshold: 1}

	a, err := app.New(context.Background(), cfg, nil,
		app.WithBackend(slowSnapshotBackend{store.NewMemoryBackend()}))
	require.NoError(t, err)
	return a
}

func placeOrder(t *testing.T, id string) aggregate.Command {
	t.Helper()
	payload, err := json.Marshal(order.PlaceOrder{
		Items: []order.OrderItem{{ProductID: "p-1", Quantity: 1, Price: 100}},
	})
	require.NoError(t, err)
	return aggregate.Command{
		CommandID:   "cmd-1",
		CommandType: order.CommandPlaceOrder,
		AggregateID: id,
		Payload:     payload,
	}
}

func TestHandler_DoesNotWaitForSnapshot(t *testing.T) {
	a := newTestApp(t)
	defer a.Close()

	start := time.Now()
	res, err := newHandler(a)(context.Background(), placeOrder(t, "order-1"))
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Less(t, elapsed, snapshotDelay/2)

	a.Manager.Wait()
	snap, err := a.Snapshots.GetLatest(context.Background(), "order-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.Version)
}

func TestDrain_FinishesScheduledSnapshots(t *testing.T) {
	a := newTestApp(t)

	res, err := newHandler(a)(context.Background(), placeOrder(t, "order-2"))
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	drain(a, 2*time.Second)

	snap, err := a.Snapshots.GetLatest(context.Background(), "order-2")
	require.NoError(t, err)
	require.NotNil(t, snap)
}

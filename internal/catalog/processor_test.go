package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drluca/shopflow/internal/consumer"
	"github.com/drluca/shopflow/internal/eventbus"
	"github.com/drluca/shopflow/internal/events"
	"github.com/drluca/shopflow/internal/ledger"
)

// stubBus records publishes and can be told to reject specific event
// types a number of times.
type stubBus struct {
	mu       sync.Mutex
	envs     []events.Envelope
	rejected map[string]int
}

func newStubBus() *stubBus {
	return &stubBus{rejected: make(map[string]int)}
}

func (b *stubBus) failNext(eventType string, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejected[eventType] = times
}

func (b *stubBus) Publish(_ context.Context, _ string, env events.Envelope) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := b.rejected[env.EventType]; remaining > 0 {
		b.rejected[env.EventType] = remaining - 1
		return "", errors.New("broker unavailable")
	}
	b.envs = append(b.envs, env)
	return env.EventID, nil
}

func (b *stubBus) ofType(eventType string) []events.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Envelope
	for _, env := range b.envs {
		if env.EventType == eventType {
			out = append(out, env)
		}
	}
	return out
}

type processorFixture struct {
	store *MemoryStore
	bus   *stubBus
	disp  *consumer.Dispatcher
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	store := NewMemoryStore()
	bus := newStubBus()
	proc := NewProcessor(store, bus)
	disp := consumer.New(ConsumerID, ledger.NewMemoryLedger()).
		On(events.TypeOrderPlaced, proc.HandleOrderPlaced)
	return &processorFixture{store: store, bus: bus, disp: disp}
}

func (f *processorFixture) seed(t *testing.T, id string, stock int) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), testProduct(id, 25, stock)))
}

func orderPlacedEnvelope(t *testing.T, orderID string, items []events.LineItem) events.Envelope {
	t.Helper()
	env, err := events.New("order-service", "corr-"+orderID, events.OrderPlaced{
		OrderID: orderID,
		UserID:  "user-42",
		Items:   items,
	})
	require.NoError(t, err)
	return env
}

func stockOf(t *testing.T, s *MemoryStore, id string) int {
	t.Helper()
	p, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func TestProcessorDecrementsStock(t *testing.T) {
	f := newProcessorFixture(t)
	f.seed(t, "prod-p1", 10)
	f.seed(t, "prod-p2", 5)

	env := orderPlacedEnvelope(t, "order-proc01", []events.LineItem{
		{ProductID: "prod-p1", Quantity: 3, UnitPrice: 25},
		{ProductID: "prod-p2", Quantity: 2, UnitPrice: 25},
	})
	require.NoError(t, f.disp.Handle(context.Background(), env))

	assert.Equal(t, 7, stockOf(t, f.store, "prod-p1"))
	assert.Equal(t, 3, stockOf(t, f.store, "prod-p2"))

	updated := f.bus.ofType(events.TypeProductStockUpdated)
	require.Len(t, updated, 2)
	for _, e := range updated {
		assert.Equal(t, env.CorrelationID, e.CorrelationID,
			"stock events must stay correlated to the saga run")
	}

	var first events.ProductStockUpdated
	require.NoError(t, json.Unmarshal(updated[0].Data, &first))
	assert.Equal(t, "prod-p1", first.ProductID)
	assert.Equal(t, 10, first.OldStock)
	assert.Equal(t, 7, first.NewStock)
	assert.Equal(t, -3, first.Change)

	assert.Empty(t, f.bus.ofType(events.TypeStockAdjustmentFailed))
}

func TestProcessorInsufficientStockContinues(t *testing.T) {
	f := newProcessorFixture(t)
	f.seed(t, "prod-short", 1)
	f.seed(t, "prod-ok", 5)

	env := orderPlacedEnvelope(t, "order-proc02", []events.LineItem{
		{ProductID: "prod-short", Quantity: 3, UnitPrice: 25},
		{ProductID: "prod-ok", Quantity: 2, UnitPrice: 25},
	})
	require.NoError(t, f.disp.Handle(context.Background(), env),
		"a short item is reported, it does not fail the event")

	assert.Equal(t, 1, stockOf(t, f.store, "prod-short"))
	assert.Equal(t, 3, stockOf(t, f.store, "prod-ok"), "remaining items still decrement")

	failed := f.bus.ofType(events.TypeStockAdjustmentFailed)
	require.Len(t, failed, 1)
	var report events.StockAdjustmentFailed
	require.NoError(t, json.Unmarshal(failed[0].Data, &report))
	assert.Equal(t, "order-proc02", report.OrderID)
	assert.Equal(t, "prod-short", report.ProductID)
	assert.Equal(t, 3, report.Requested)
	assert.Equal(t, 1, report.Available)

	assert.Len(t, f.bus.ofType(events.TypeProductStockUpdated), 1)
}

func TestProcessorUnknownProductReported(t *testing.T) {
	f := newProcessorFixture(t)

	env := orderPlacedEnvelope(t, "order-proc03", []events.LineItem{
		{ProductID: "prod-ghost", Quantity: 1, UnitPrice: 25},
	})
	require.NoError(t, f.disp.Handle(context.Background(), env))

	failed := f.bus.ofType(events.TypeStockAdjustmentFailed)
	require.Len(t, failed, 1)
	var report events.StockAdjustmentFailed
	require.NoError(t, json.Unmarshal(failed[0].Data, &report))
	assert.Zero(t, report.Available, "a vanished product has nothing to give")
}

func TestProcessorDuplicateDeliveryDecrementsOnce(t *testing.T) {
	f := newProcessorFixture(t)
	f.seed(t, "prod-dup", 10)

	env := orderPlacedEnvelope(t, "order-proc04", []events.LineItem{
		{ProductID: "prod-dup", Quantity: 4, UnitPrice: 25},
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, f.disp.Handle(context.Background(), env))
	}

	assert.Equal(t, 6, stockOf(t, f.store, "prod-dup"))
	assert.Len(t, f.bus.ofType(events.TypeProductStockUpdated), 1)
}

func TestProcessorAcksWhenAnnouncementLost(t *testing.T) {
	f := newProcessorFixture(t)
	f.seed(t, "prod-lost", 10)
	f.bus.failNext(events.TypeProductStockUpdated, 1)

	env := orderPlacedEnvelope(t, "order-proc05", []events.LineItem{
		{ProductID: "prod-lost", Quantity: 2, UnitPrice: 25},
	})
	require.NoError(t, f.disp.Handle(context.Background(), env),
		"the decrement is committed; replaying it would double-apply")

	assert.Equal(t, 8, stockOf(t, f.store, "prod-lost"))
	assert.Empty(t, f.bus.ofType(events.TypeProductStockUpdated))

	// A broker redelivery after the ack is absorbed as a duplicate.
	require.NoError(t, f.disp.Handle(context.Background(), env))
	assert.Equal(t, 8, stockOf(t, f.store, "prod-lost"))
}

func TestProcessorMalformedEventParked(t *testing.T) {
	f := newProcessorFixture(t)
	f.seed(t, "prod-safe", 10)

	env := orderPlacedEnvelope(t, "order-proc06", []events.LineItem{
		{ProductID: "prod-safe", Quantity: 1, UnitPrice: 25},
	})
	env.Data = json.RawMessage(`{"order_id": ""}`)

	err := f.disp.Handle(context.Background(), env)
	assert.ErrorIs(t, err, eventbus.ErrPermanentFailure)
	assert.Equal(t, 10, stockOf(t, f.store, "prod-safe"), "malformed events must not touch stock")
}

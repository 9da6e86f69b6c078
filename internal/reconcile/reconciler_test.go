package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/ordersync-api/internal/eventstore"
	"github.com/ksred/ordersync-api/internal/feed"
	"github.com/ksred/ordersync-api/internal/types"
)

type fakeOrderFeed struct {
	mu             sync.Mutex
	openHandlers   []func(feed.Trade)
	statusHandlers []func(feed.Trade)
	snapshot       []feed.Trade
	snapshotCalls  int
}

func (f *fakeOrderFeed) OnOpenOrder(h func(feed.Trade)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.openHandlers)
	f.openHandlers = append(f.openHandlers, h)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.openHandlers[i] = nil
	}
}

func (f *fakeOrderFeed) OnOrderStatus(h func(feed.Trade)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.statusHandlers)
	f.statusHandlers = append(f.statusHandlers, h)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.statusHandlers[i] = nil
	}
}

func (f *fakeOrderFeed) OpenOrders(ctx context.Context) ([]feed.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotCalls++
	out := make([]feed.Trade, len(f.snapshot))
	copy(out, f.snapshot)
	return out, nil
}

func (f *fakeOrderFeed) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotCalls
}

func (f *fakeOrderFeed) emitOpenOrder(trade feed.Trade) {
	f.mu.Lock()
	handlers := append([]func(feed.Trade){}, f.openHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(trade)
		}
	}
}

func apiTrade(brokerID, permID int64, symbol, status string) feed.Trade {
	return feed.Trade{
		Contract: feed.Contract{Symbol: symbol, SecType: "STK", Exchange: "SMART"},
		Order: feed.Order{
			OrderID:       brokerID,
			PermID:        permID,
			Action:        "BUY",
			TotalQuantity: 10,
			OrderType:     "LMT",
			LimitPrice:    150,
			TIF:           "DAY",
		},
		Status: feed.OrderStatus{Status: status, Remaining: 10, PermID: permID},
	}
}

func TestStartAdoptsSnapshotOrders(t *testing.T) {
	store := eventstore.New()
	f := &fakeOrderFeed{snapshot: []feed.Trade{
		apiTrade(0, 900, "AAPL", ""), // manual order: no broker id, status unknown
	}}

	r := NewReconciler(store, f)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	id, ok := store.GetOrderIDByPermID(900)
	require.True(t, ok, "adopted order indexed by perm id")
	rec, _ := store.GetOrder(id)
	assert.Equal(t, "AAPL", rec.Symbol)
	assert.Equal(t, types.StatusSubmitted, rec.Status, "missing status defaults to submitted")
	assert.Equal(t, 150.0, rec.Price, "limit price extracted for LMT orders")
}

func TestDualIdentityConvergence(t *testing.T) {
	store := eventstore.New()
	f := &fakeOrderFeed{}

	// Placed through the API: broker id known, perm id not yet assigned.
	id := store.AddOrder(types.Order{Symbol: "AAPL", Side: "BUY", Quantity: 10, BrokerOrderID: 100})

	r := NewReconciler(store, f)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	// The broker now reports the same order with its perm id attached.
	f.emitOpenOrder(apiTrade(100, 900, "AAPL", "Submitted"))

	rec, ok := store.GetOrder(id)
	require.True(t, ok)
	assert.Equal(t, int64(900), rec.PermID, "perm id learned from the event")
	assert.Equal(t, types.StatusSubmitted, rec.Status)

	got, ok := store.GetOrderIDByPermID(900)
	require.True(t, ok)
	assert.Equal(t, id, got, "no duplicate record created")
	assert.Len(t, store.ListOrders(0), 1)
}

func TestMergeNeverClearsIdentity(t *testing.T) {
	store := eventstore.New()
	f := &fakeOrderFeed{}

	id := store.AddOrder(types.Order{Symbol: "AAPL", BrokerOrderID: 100, PermID: 900})

	r := NewReconciler(store, f)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	// Status-only report without a broker order id.
	f.emitOpenOrder(apiTrade(0, 900, "AAPL", "Filled"))

	rec, _ := store.GetOrder(id)
	assert.Equal(t, int64(100), rec.BrokerOrderID, "broker id survives an id-less report")
	assert.Equal(t, types.StatusFilled, rec.Status)
}

func TestMergeUpdatesOrderDescriptors(t *testing.T) {
	store := eventstore.New()
	f := &fakeOrderFeed{}

	// Placed as a market day order through the API.
	id := store.AddOrder(types.Order{
		Symbol: "AAPL", Side: "BUY", Quantity: 10,
		OrderType: "MKT", TimeInForce: "DAY", BrokerOrderID: 100,
	})

	r := NewReconciler(store, f)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	// Edited at the broker terminal into a GTC limit order.
	edited := feed.Trade{
		Contract: feed.Contract{Symbol: "AAPL", SecType: "STK"},
		Order: feed.Order{
			OrderID:       100,
			Action:        "BUY",
			TotalQuantity: 10,
			OrderType:     "LMT",
			LimitPrice:    150,
			TIF:           "GTC",
		},
		Status: feed.OrderStatus{Status: "Submitted"},
	}
	f.emitOpenOrder(edited)

	rec, _ := store.GetOrder(id)
	assert.Equal(t, "LMT", rec.OrderType)
	assert.Equal(t, "GTC", rec.TimeInForce)
	assert.Equal(t, 150.0, rec.Price)
	assert.Equal(t, "STK", rec.AssetClass)

	// A sparse status-only report must not blank the descriptors back out.
	f.emitOpenOrder(feed.Trade{
		Order:  feed.Order{OrderID: 100},
		Status: feed.OrderStatus{Status: "Filled"},
	})

	rec, _ = store.GetOrder(id)
	assert.Equal(t, "LMT", rec.OrderType)
	assert.Equal(t, "GTC", rec.TimeInForce)
	assert.Equal(t, "BUY", rec.Side)
	assert.Equal(t, types.StatusFilled, rec.Status)
}

func TestConflictPrefersMostRecentlyUpdated(t *testing.T) {
	store := eventstore.New()
	f := &fakeOrderFeed{}

	// Two records that a single trade's ids both resolve to.
	older := store.AddOrder(types.Order{Symbol: "AAPL", BrokerOrderID: 100})
	newer := store.AddOrder(types.Order{Symbol: "AAPL", PermID: 900})

	time.Sleep(2 * time.Millisecond)
	status := types.StatusSubmitted
	_, err := store.UpdateOrder(newer, types.OrderUpdate{Status: &status})
	require.NoError(t, err)

	r := NewReconciler(store, f)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	f.emitOpenOrder(apiTrade(100, 900, "AAPL", "Filled"))

	rec, _ := store.GetOrder(newer)
	assert.Equal(t, types.StatusFilled, rec.Status, "update lands on the most recently updated record")
	stale, _ := store.GetOrder(older)
	assert.NotEqual(t, types.StatusFilled, stale.Status)
}

func TestDebounceCoalescesBursts(t *testing.T) {
	store := eventstore.New()
	f := &fakeOrderFeed{}

	r := NewReconciler(store, f)
	r.debounce = 20 * time.Millisecond
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	base := f.calls() // Start performs one immediate resync

	for i := 0; i < 5; i++ {
		r.scheduleResync()
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, base+1, f.calls(), "a burst inside the window costs one snapshot")
}

func TestEventsOutsideWindowResyncSeparately(t *testing.T) {
	store := eventstore.New()
	f := &fakeOrderFeed{}

	r := NewReconciler(store, f)
	r.debounce = 10 * time.Millisecond
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	base := f.calls()

	r.scheduleResync()
	time.Sleep(60 * time.Millisecond)
	r.scheduleResync()
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, base+2, f.calls())
}

func TestStopCancelsPendingResync(t *testing.T) {
	store := eventstore.New()
	f := &fakeOrderFeed{}

	r := NewReconciler(store, f)
	r.debounce = 20 * time.Millisecond
	require.NoError(t, r.Start(context.Background()))
	base := f.calls()

	r.scheduleResync()
	r.Stop()
	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, base, f.calls(), "stop cancels the armed timer")
}

func TestResyncNowBypassesDebounce(t *testing.T) {
	store := eventstore.New()
	f := &fakeOrderFeed{snapshot: []feed.Trade{apiTrade(100, 900, "AAPL", "Submitted")}}

	r := NewReconciler(store, f)
	r.debounce = time.Hour // a pending debounce must not be required
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	base := f.calls()

	require.NoError(t, r.ResyncNow(context.Background()))
	assert.Equal(t, base+1, f.calls())

	_, ok := store.GetOrderIDByBrokerID(100)
	assert.True(t, ok)
}

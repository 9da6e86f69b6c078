package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/ordersync-api/internal/eventstore"
	"github.com/ksred/ordersync-api/internal/feed"
	"github.com/ksred/ordersync-api/internal/types"
)

func TestExecutionTrackerRecordsFills(t *testing.T) {
	store := eventstore.New()
	broker := feed.NewSimulatedBroker()
	defer broker.Close()

	tracker := NewExecutionTracker(store, broker)
	tracker.Start()
	defer tracker.Stop()

	placed := broker.PlaceOrder(
		feed.Contract{Symbol: "AAPL", SecType: "STK", Exchange: "SMART"},
		feed.Order{Action: "BUY", TotalQuantity: 10, OrderType: "MKT"},
	)
	id := store.AddOrder(types.Order{
		Symbol:        "AAPL",
		Side:          "BUY",
		Quantity:      10,
		BrokerOrderID: placed.Order.OrderID,
		PermID:        placed.Order.PermID,
	})

	require.NoError(t, broker.Execute(placed.Order.OrderID, 150.0, 10))

	fills := store.ListFills(id, 0)
	require.Len(t, fills, 1)
	assert.Equal(t, 150.0, fills[0].Price)
	assert.Equal(t, 10.0, fills[0].FilledQty)
	assert.NotEmpty(t, fills[0].ExecID)

	rec, _ := store.GetOrder(id)
	assert.Equal(t, 10.0, rec.FilledQty)
	assert.Equal(t, 150.0, rec.AvgPrice)
	assert.Equal(t, types.StatusFilled, rec.Status)
	assert.Equal(t, 1.0, rec.Commission, "commission report folded in")
	assert.Equal(t, "USD", rec.CommissionCcy)
}

func TestExecutionTrackerPartialFills(t *testing.T) {
	store := eventstore.New()
	broker := feed.NewSimulatedBroker()
	defer broker.Close()

	tracker := NewExecutionTracker(store, broker)
	tracker.Start()
	defer tracker.Stop()

	placed := broker.PlaceOrder(
		feed.Contract{Symbol: "AAPL", SecType: "STK"},
		feed.Order{Action: "BUY", TotalQuantity: 10, OrderType: "MKT"},
	)
	id := store.AddOrder(types.Order{
		Symbol: "AAPL", Side: "BUY", Quantity: 10,
		BrokerOrderID: placed.Order.OrderID,
	})

	require.NoError(t, broker.Execute(placed.Order.OrderID, 150.0, 4))
	require.NoError(t, broker.Execute(placed.Order.OrderID, 151.0, 6))

	rec, _ := store.GetOrder(id)
	assert.Equal(t, 10.0, rec.FilledQty)
	assert.InDelta(t, 150.6, rec.AvgPrice, 1e-9, "vwap across partial fills")
	assert.Equal(t, types.StatusFilled, rec.Status)
	assert.Equal(t, 2.0, rec.Commission, "one commission per execution")
	assert.Len(t, store.ListFills(id, 0), 2)
}

func TestExecutionTrackerDeduplicatesExecIDs(t *testing.T) {
	store := eventstore.New()
	tracker := NewExecutionTracker(store, feed.NewSimulatedBroker())

	id := store.AddOrder(types.Order{Symbol: "AAPL", Side: "BUY", Quantity: 10, BrokerOrderID: 100})

	trade := apiTrade(100, 0, "AAPL", "Submitted")
	exec := feed.Execution{ExecID: "E1", OrderID: 100, Side: "BUY", Shares: 4, Price: 150}

	tracker.handleExecution(trade, exec)
	tracker.handleExecution(trade, exec)

	assert.Len(t, store.ListFills(id, 0), 1, "replayed exec id recorded once")
	rec, _ := store.GetOrder(id)
	assert.Equal(t, 4.0, rec.FilledQty)
}

func TestExecutionTrackerResolvesByPermID(t *testing.T) {
	store := eventstore.New()
	tracker := NewExecutionTracker(store, feed.NewSimulatedBroker())

	// Manual order adopted earlier: perm id only.
	id := store.AddOrder(types.Order{Symbol: "AAPL", Side: "BUY", Quantity: 10, PermID: 900})

	tracker.handleExecution(
		apiTrade(0, 900, "AAPL", "Submitted"),
		feed.Execution{ExecID: "E1", PermID: 900, Side: "BUY", Shares: 10, Price: 150},
	)

	assert.Len(t, store.ListFills(id, 0), 1)
}

func TestExecutionTrackerDropsUnknownOrders(t *testing.T) {
	store := eventstore.New()
	tracker := NewExecutionTracker(store, feed.NewSimulatedBroker())

	tracker.handleExecution(
		apiTrade(100, 0, "AAPL", "Submitted"),
		feed.Execution{ExecID: "E1", OrderID: 100, Shares: 10, Price: 150},
	)

	assert.Empty(t, store.Logs(0, 0), "nothing recorded for an unresolvable execution")
}

func TestPositionTrackerSnapshotAndUpdates(t *testing.T) {
	store := eventstore.New()
	broker := feed.NewSimulatedBroker()
	defer broker.Close()

	tracker := NewPositionTracker(store, broker)
	require.NoError(t, tracker.Start(context.Background()))
	defer tracker.Stop()

	values := store.AccountValues()
	assert.NotEmpty(t, values, "account summary loaded on start")

	contract := feed.Contract{ConID: 42, Symbol: "AAPL", SecType: "STK", Exchange: "SMART"}
	broker.PublishPosition(feed.Position{Account: "SIM", Contract: contract, Quantity: 100, AvgCost: 150})

	key := types.PositionKey(42, "AAPL", "STK", "SMART", "SIM")
	positions := store.Positions()
	require.Contains(t, positions, key)
	assert.Equal(t, 100.0, positions[key].Quantity)

	// Flat report removes the position.
	broker.PublishPosition(feed.Position{Account: "SIM", Contract: contract, Quantity: 0})
	assert.NotContains(t, store.Positions(), key)
}

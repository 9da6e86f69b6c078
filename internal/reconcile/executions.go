package reconcile

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/ordersync-api/internal/eventstore"
	"github.com/ksred/ordersync-api/internal/feed"
	"github.com/ksred/ordersync-api/internal/types"
)

// ExecutionFeed is the slice of the broker connection that reports fills.
type ExecutionFeed interface {
	OnExecution(func(feed.Trade, feed.Execution)) func()
	OnCommission(func(feed.CommissionReport)) func()
}

// ExecutionTracker records broker fills against order records and folds the
// commission reports that follow them. Executions are deduplicated on exec
// id, so a reconnecting broker replaying its stream cannot double-count.
type ExecutionTracker struct {
	store  *eventstore.Store
	feed   ExecutionFeed
	logger zerolog.Logger

	mu         sync.Mutex
	execOrders map[string]int64 // exec id to internal order id
	removers   []func()
}

// NewExecutionTracker wires a tracker to a store and execution feed.
func NewExecutionTracker(store *eventstore.Store, execFeed ExecutionFeed) *ExecutionTracker {
	return &ExecutionTracker{
		store:      store,
		feed:       execFeed,
		logger:     log.With().Str("component", "execution_tracker").Logger(),
		execOrders: make(map[string]int64),
	}
}

// Start registers the execution and commission handlers.
func (t *ExecutionTracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removers = append(t.removers,
		t.feed.OnExecution(t.handleExecution),
		t.feed.OnCommission(t.handleCommission),
	)
}

// Stop unregisters the handlers.
func (t *ExecutionTracker) Stop() {
	t.mu.Lock()
	removers := t.removers
	t.removers = nil
	t.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
}

func (t *ExecutionTracker) handleExecution(trade feed.Trade, exec feed.Execution) {
	t.mu.Lock()
	if _, seen := t.execOrders[exec.ExecID]; seen {
		t.mu.Unlock()
		t.logger.Debug().Str("exec_id", exec.ExecID).Msg("duplicate execution ignored")
		return
	}
	t.mu.Unlock()

	orderID, ok := t.resolveOrder(exec)
	if !ok {
		t.logger.Warn().
			Str("exec_id", exec.ExecID).
			Int64("broker_order_id", exec.OrderID).
			Int64("perm_id", exec.PermID).
			Msg("execution for unknown order dropped")
		return
	}

	fill := types.Fill{
		ExecID:        exec.ExecID,
		Price:         exec.Price,
		FilledQty:     exec.Shares,
		AvgPrice:      trade.Status.AvgFillPrice,
		Symbol:        trade.Contract.Symbol,
		Side:          exec.Side,
		Time:          exec.Time,
		BrokerOrderID: exec.OrderID,
		PermID:        exec.PermID,
	}

	fillID, err := t.store.AddFill(orderID, fill)
	if err != nil {
		t.logger.Error().Err(err).Int64("order_id", orderID).Msg("failed to record fill")
		return
	}

	t.mu.Lock()
	t.execOrders[exec.ExecID] = orderID
	t.mu.Unlock()

	if status := mapBrokerStatus(trade.Status.Status); status != "" {
		existing, ok := t.store.GetOrder(orderID)
		if ok && existing.Status != status {
			if _, err := t.store.UpdateOrder(orderID, types.OrderUpdate{Status: &status}); err != nil {
				t.logger.Error().Err(err).Int64("order_id", orderID).Msg("failed to update status")
			}
		}
	}

	t.logger.Info().
		Int64("fill_id", fillID).
		Int64("order_id", orderID).
		Str("exec_id", exec.ExecID).
		Float64("shares", exec.Shares).
		Float64("price", exec.Price).
		Msg("fill recorded")
}

func (t *ExecutionTracker) handleCommission(report feed.CommissionReport) {
	t.mu.Lock()
	orderID, ok := t.execOrders[report.ExecID]
	t.mu.Unlock()
	if !ok {
		t.logger.Warn().Str("exec_id", report.ExecID).Msg("commission for unknown execution dropped")
		return
	}

	existing, found := t.store.GetOrder(orderID)
	if !found {
		return
	}

	update := types.OrderUpdate{}
	total := existing.Commission + report.Commission
	update.Commission = &total
	if report.Currency != "" && report.Currency != existing.CommissionCcy {
		ccy := report.Currency
		update.CommissionCcy = &ccy
	}
	if report.RealizedPNL != 0 {
		pnl := existing.RealizedPnL + report.RealizedPNL
		update.RealizedPnL = &pnl
	}

	if _, err := t.store.UpdateOrder(orderID, update); err != nil {
		t.logger.Error().Err(err).Int64("order_id", orderID).Msg("failed to apply commission")
	}
}

// resolveOrder maps an execution to an internal order id through the broker
// and perm id indices.
func (t *ExecutionTracker) resolveOrder(exec feed.Execution) (int64, bool) {
	if exec.OrderID > 0 {
		if id, ok := t.store.GetOrderIDByBrokerID(exec.OrderID); ok {
			return id, true
		}
	}
	if exec.PermID > 0 {
		if id, ok := t.store.GetOrderIDByPermID(exec.PermID); ok {
			return id, true
		}
	}
	return 0, false
}

var _ ExecutionFeed = (*feed.SimulatedBroker)(nil)

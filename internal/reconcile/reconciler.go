// Package reconcile keeps the in-memory order book converged with the broker.
// Live events patch records directly; a debounced snapshot resync sweeps up
// anything the event stream missed, including orders placed outside this
// process.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/ordersync-api/internal/eventstore"
	"github.com/ksred/ordersync-api/internal/feed"
)

const (
	defaultDebounce        = 250 * time.Millisecond
	defaultSnapshotTimeout = 10 * time.Second
)

// OrderFeed is the slice of the broker connection the reconciler needs.
type OrderFeed interface {
	OnOpenOrder(func(feed.Trade)) func()
	OnOrderStatus(func(feed.Trade)) func()
	OpenOrders(ctx context.Context) ([]feed.Trade, error)
}

// Reconciler subscribes to order events and converges the store against
// broker snapshots. Resyncs are debounced and single-flight: a burst of
// events costs one snapshot fetch.
type Reconciler struct {
	store *eventstore.Store
	feed  OrderFeed

	debounce        time.Duration
	snapshotTimeout time.Duration
	logger          zerolog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	inflight bool
	stopped  bool
	removers []func()
}

// NewReconciler wires a reconciler to a store and feed with default timings.
func NewReconciler(store *eventstore.Store, orderFeed OrderFeed) *Reconciler {
	return &Reconciler{
		store:           store,
		feed:            orderFeed,
		debounce:        defaultDebounce,
		snapshotTimeout: defaultSnapshotTimeout,
		logger:          log.With().Str("component", "reconciler").Logger(),
	}
}

// Start registers the event handlers and performs one immediate resync so
// orders already working at the broker are adopted before any event arrives.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = false
	r.removers = append(r.removers,
		r.feed.OnOpenOrder(r.handleTradeEvent),
		r.feed.OnOrderStatus(r.handleTradeEvent),
	)
	r.mu.Unlock()

	return r.ResyncNow(ctx)
}

// Stop unregisters the handlers and cancels any pending debounced resync.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	removers := r.removers
	r.removers = nil
	r.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
}

// handleTradeEvent applies the event's trade directly, then schedules a
// debounced snapshot resync to catch anything the event stream dropped.
func (r *Reconciler) handleTradeEvent(trade feed.Trade) {
	r.reconcileTrade(trade)
	r.scheduleResync()
}

// scheduleResync arms (or re-arms) the debounce timer. Events landing inside
// the window coalesce into a single snapshot fetch.
func (r *Reconciler) scheduleResync() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, r.runResync)
}

// runResync fires from the debounce timer. If a resync is already running
// the request is pushed back by one debounce window instead of overlapping.
func (r *Reconciler) runResync() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if r.inflight {
		r.timer = time.AfterFunc(r.debounce, r.runResync)
		r.mu.Unlock()
		return
	}
	r.inflight = true
	r.timer = nil
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inflight = false
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.snapshotTimeout)
	defer cancel()

	if err := r.resync(ctx); err != nil {
		r.logger.Error().Err(err).Msg("snapshot resync failed")
	}
}

// ResyncNow fetches a snapshot and reconciles it immediately, bypassing the
// debounce. Used at startup and by the resync endpoint.
func (r *Reconciler) ResyncNow(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.snapshotTimeout)
	defer cancel()
	return r.resync(ctx)
}

func (r *Reconciler) resync(ctx context.Context) error {
	trades, err := r.feed.OpenOrders(ctx)
	if err != nil {
		return err
	}

	for _, trade := range trades {
		r.reconcileTrade(trade)
	}

	r.logger.Debug().Int("open_orders", len(trades)).Msg("snapshot reconciled")
	return nil
}

// reconcileTrade converges one broker trade with the store: patch the record
// it resolves to, or adopt it as a new record if it resolves to nothing.
func (r *Reconciler) reconcileTrade(trade feed.Trade) {
	orderID, ok := r.resolve(trade)
	if !ok {
		rec := orderFromTrade(trade)
		id := r.store.AddOrder(rec)
		r.logger.Info().
			Int64("order_id", id).
			Int64("broker_order_id", rec.BrokerOrderID).
			Int64("perm_id", rec.PermID).
			Str("symbol", rec.Symbol).
			Msg("adopted unknown broker order")
		return
	}

	existing, ok := r.store.GetOrder(orderID)
	if !ok {
		return
	}

	update := updateFromTrade(trade, existing)
	if update.IsZero() {
		return
	}

	if _, err := r.store.UpdateOrder(orderID, update); err != nil {
		r.logger.Error().Err(err).Int64("order_id", orderID).Msg("failed to apply broker update")
	}
}

// resolve maps a trade to an existing record: by broker order id when the
// broker assigned one, falling back to perm id for orders placed outside the
// API session. When the two ids point at different records the more recently
// updated one wins.
func (r *Reconciler) resolve(trade feed.Trade) (int64, bool) {
	var byBroker, byPerm int64
	var okBroker, okPerm bool

	if trade.Order.OrderID > 0 {
		byBroker, okBroker = r.store.GetOrderIDByBrokerID(trade.Order.OrderID)
	}
	if id := permID(trade); id > 0 {
		byPerm, okPerm = r.store.GetOrderIDByPermID(id)
	}

	switch {
	case okBroker && okPerm && byBroker != byPerm:
		winner := r.mostRecentlyUpdated(byBroker, byPerm)
		r.logger.Warn().
			Int64("by_broker_id", byBroker).
			Int64("by_perm_id", byPerm).
			Int64("resolved", winner).
			Msg("broker id and perm id resolve to different orders")
		return winner, true
	case okBroker:
		return byBroker, true
	case okPerm:
		return byPerm, true
	default:
		return 0, false
	}
}

func (r *Reconciler) mostRecentlyUpdated(a, b int64) int64 {
	ra, okA := r.store.GetOrder(a)
	rb, okB := r.store.GetOrder(b)
	switch {
	case !okA:
		return b
	case !okB:
		return a
	case rb.UpdatedAt.After(ra.UpdatedAt):
		return b
	default:
		return a
	}
}

var _ OrderFeed = (*feed.SimulatedBroker)(nil)

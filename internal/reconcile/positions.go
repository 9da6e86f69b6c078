package reconcile

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/ordersync-api/internal/eventstore"
	"github.com/ksred/ordersync-api/internal/feed"
	"github.com/ksred/ordersync-api/internal/types"
)

// PositionFeed is the slice of the broker connection that reports holdings
// and account summary values.
type PositionFeed interface {
	OnPosition(func(feed.Position)) func()
	OnAccountValue(func(feed.AccountValue)) func()
	Positions(ctx context.Context) ([]feed.Position, error)
	AccountValues(ctx context.Context) ([]feed.AccountValue, error)
}

// PositionTracker mirrors broker position and account updates into the
// store. A zero-quantity report removes the position.
type PositionTracker struct {
	store  *eventstore.Store
	feed   PositionFeed
	logger zerolog.Logger

	mu       sync.Mutex
	removers []func()
}

// NewPositionTracker wires a tracker to a store and position feed.
func NewPositionTracker(store *eventstore.Store, posFeed PositionFeed) *PositionTracker {
	return &PositionTracker{
		store:  store,
		feed:   posFeed,
		logger: log.With().Str("component", "position_tracker").Logger(),
	}
}

// Start registers the handlers and loads the initial snapshot so the store
// reflects broker state before the first live update arrives.
func (t *PositionTracker) Start(ctx context.Context) error {
	t.mu.Lock()
	t.removers = append(t.removers,
		t.feed.OnPosition(t.handlePosition),
		t.feed.OnAccountValue(t.handleAccountValue),
	)
	t.mu.Unlock()

	positions, err := t.feed.Positions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		t.handlePosition(pos)
	}

	values, err := t.feed.AccountValues(ctx)
	if err != nil {
		return err
	}
	for _, av := range values {
		t.handleAccountValue(av)
	}

	t.logger.Info().
		Int("positions", len(positions)).
		Int("account_values", len(values)).
		Msg("initial snapshot loaded")
	return nil
}

// Stop unregisters the handlers.
func (t *PositionTracker) Stop() {
	t.mu.Lock()
	removers := t.removers
	t.removers = nil
	t.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
}

func (t *PositionTracker) handlePosition(pos feed.Position) {
	key := types.PositionKey(pos.Contract.ConID, pos.Contract.Symbol,
		pos.Contract.SecType, pos.Contract.Exchange, pos.Account)

	if pos.Quantity == 0 {
		t.store.DeletePosition(key)
		t.logger.Debug().Str("key", key).Msg("position closed")
		return
	}

	t.store.UpsertPosition(key, types.Position{
		Account:  pos.Account,
		ConID:    pos.Contract.ConID,
		Symbol:   pos.Contract.Symbol,
		SecType:  pos.Contract.SecType,
		Exchange: pos.Contract.Exchange,
		Quantity: pos.Quantity,
		AvgCost:  pos.AvgCost,
	})
}

func (t *PositionTracker) handleAccountValue(av feed.AccountValue) {
	t.store.SetAccountValue(av.Account, av.Tag, av.Currency, av.Value)
}

var _ PositionFeed = (*feed.SimulatedBroker)(nil)

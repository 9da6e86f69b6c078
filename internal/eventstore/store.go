// Package eventstore holds the authoritative in-process state for orders,
// fills, positions and account values, together with the append-only change
// log that the replicator drains. Every mutation and its log append happen
// under one mutex so readers never observe a half-applied change and log
// order always matches mutation visibility order.
package eventstore

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ksred/ordersync-api/internal/types"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrFillNotFound  = errors.New("fill not found")
)

// Store is the thread-safe primary store. No I/O happens while the lock is
// held; all returned records are independent copies.
type Store struct {
	mu sync.Mutex

	orders        map[int64]*types.Order
	fills         map[int64]*types.Fill
	positions     map[string]*types.Position
	accountValues map[string]*types.AccountValue
	log           []types.LogEntry

	// Secondary indices; rebuildable from orders at any time.
	byBrokerID map[int64]int64
	byPermID   map[int64]int64

	nextOrderID int64
	nextFillID  int64
	nextLogSeq  int64
}

// New creates an empty store. Ids and log sequence numbers start at 1.
func New() *Store {
	return &Store{
		orders:        make(map[int64]*types.Order),
		fills:         make(map[int64]*types.Fill),
		positions:     make(map[string]*types.Position),
		accountValues: make(map[string]*types.AccountValue),
		byBrokerID:    make(map[int64]int64),
		byPermID:      make(map[int64]int64),
	}
}

// --- Orders ---

// AddOrder stores a new order, assigns its id, stamps timestamps and appends
// an order_added log entry. Any OrderID set by the caller is ignored.
func (s *Store) AddOrder(order types.Order) int64 {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextOrderID++
	order.OrderID = s.nextOrderID
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = now
	}
	s.orders[order.OrderID] = &order

	// Duplicate broker/perm ids resolve last-writer-wins.
	if order.BrokerOrderID > 0 {
		s.byBrokerID[order.BrokerOrderID] = order.OrderID
	}
	if order.PermID > 0 {
		s.byPermID[order.PermID] = order.OrderID
	}

	s.appendLogLocked(types.EventOrderAdded, map[string]any{"order_id": order.OrderID})

	return order.OrderID
}

// UpdateOrder merges the patch into an existing order, re-stamps updated_at
// and appends an order_updated log entry. The patch is applied in full or not
// at all; unknown ids return ErrOrderNotFound before any field is touched.
func (s *Store) UpdateOrder(orderID int64, patch types.OrderUpdate) (types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.orders[orderID]
	if !ok {
		return types.Order{}, ErrOrderNotFound
	}

	if patch.BrokerOrderID != nil && *patch.BrokerOrderID != rec.BrokerOrderID {
		if rec.BrokerOrderID > 0 && s.byBrokerID[rec.BrokerOrderID] == orderID {
			delete(s.byBrokerID, rec.BrokerOrderID)
		}
		if *patch.BrokerOrderID > 0 {
			s.byBrokerID[*patch.BrokerOrderID] = orderID
		}
		rec.BrokerOrderID = *patch.BrokerOrderID
	}
	if patch.PermID != nil && *patch.PermID != rec.PermID {
		if rec.PermID > 0 && s.byPermID[rec.PermID] == orderID {
			delete(s.byPermID, rec.PermID)
		}
		if *patch.PermID > 0 {
			s.byPermID[*patch.PermID] = orderID
		}
		rec.PermID = *patch.PermID
	}

	if patch.AssetClass != nil {
		rec.AssetClass = *patch.AssetClass
	}
	if patch.Symbol != nil {
		rec.Symbol = *patch.Symbol
	}
	if patch.Side != nil {
		rec.Side = *patch.Side
	}
	if patch.Quantity != nil {
		rec.Quantity = *patch.Quantity
	}
	if patch.OrderType != nil {
		rec.OrderType = *patch.OrderType
	}
	if patch.Price != nil {
		rec.Price = *patch.Price
	}
	if patch.TimeInForce != nil {
		rec.TimeInForce = *patch.TimeInForce
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.FilledQty != nil {
		rec.FilledQty = *patch.FilledQty
	}
	if patch.AvgPrice != nil {
		rec.AvgPrice = *patch.AvgPrice
	}
	if patch.Commission != nil {
		rec.Commission = *patch.Commission
	}
	if patch.CommissionCcy != nil {
		rec.CommissionCcy = *patch.CommissionCcy
	}
	if patch.RealizedPnL != nil {
		rec.RealizedPnL = *patch.RealizedPnL
	}
	if patch.Message != nil {
		rec.Message = *patch.Message
	}

	rec.UpdatedAt = time.Now()

	s.appendLogLocked(types.EventOrderUpdated, map[string]any{"order_id": orderID})

	return *rec, nil
}

// GetOrder fetches a copy of an order by internal id.
func (s *Store) GetOrder(orderID int64) (types.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *rec, true
}

// ListOrders returns copies of all orders, most recently updated first.
// A limit <= 0 means no limit.
func (s *Store) ListOrders(limit int) []types.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]types.Order, 0, len(s.orders))
	for _, rec := range s.orders {
		rows = append(rows, *rec)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].UpdatedAt.Equal(rows[j].UpdatedAt) {
			return rows[i].OrderID > rows[j].OrderID
		}
		return rows[i].UpdatedAt.After(rows[j].UpdatedAt)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// GetOrderByBrokerID resolves an order through the broker-id index.
func (s *Store) GetOrderByBrokerID(brokerOrderID int64) (types.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orderID, ok := s.byBrokerID[brokerOrderID]
	if !ok {
		return types.Order{}, false
	}
	rec, ok := s.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *rec, true
}

// GetOrderIDByBrokerID returns the internal id mapped to a broker order id.
func (s *Store) GetOrderIDByBrokerID(brokerOrderID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orderID, ok := s.byBrokerID[brokerOrderID]
	return orderID, ok
}

// GetOrderByPermID resolves an order through the permanent-id index.
func (s *Store) GetOrderByPermID(permID int64) (types.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orderID, ok := s.byPermID[permID]
	if !ok {
		return types.Order{}, false
	}
	rec, ok := s.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *rec, true
}

// GetOrderIDByPermID returns the internal id mapped to a permanent id.
func (s *Store) GetOrderIDByPermID(permID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orderID, ok := s.byPermID[permID]
	return orderID, ok
}

// ReindexOrdersByBrokerID rebuilds both secondary indices from the primary
// store. Recovers from any out-of-band mutation; duplicate external ids
// resolve to the highest internal order id.
func (s *Store) ReindexOrdersByBrokerID() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byBrokerID = make(map[int64]int64, len(s.orders))
	s.byPermID = make(map[int64]int64, len(s.orders))

	ids := make([]int64, 0, len(s.orders))
	for id := range s.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		rec := s.orders[id]
		if rec.BrokerOrderID > 0 {
			s.byBrokerID[rec.BrokerOrderID] = id
		}
		if rec.PermID > 0 {
			s.byPermID[rec.PermID] = id
		}
	}
}

// --- Fills ---

// AddFill stores a fill for an existing order and appends a fill_added log
// entry. FilledQty and AvgPrice on the fill are folded into the parent
// order's aggregates in the same atomic step.
func (s *Store) AddFill(orderID int64, fill types.Fill) (int64, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return 0, ErrOrderNotFound
	}

	s.nextFillID++
	fill.FillID = s.nextFillID
	fill.OrderID = orderID
	if fill.CreatedAt.IsZero() {
		fill.CreatedAt = now
	}
	s.fills[fill.FillID] = &fill

	if fill.FilledQty != 0 {
		order.FilledQty += fill.FilledQty
		order.UpdatedAt = now
	}
	if fill.AvgPrice != 0 {
		order.AvgPrice = fill.AvgPrice
		order.UpdatedAt = now
	}

	s.appendLogLocked(types.EventFillAdded, map[string]any{
		"fill_id":  fill.FillID,
		"order_id": orderID,
	})

	return fill.FillID, nil
}

// GetFill fetches a copy of a fill by id.
func (s *Store) GetFill(fillID int64) (types.Fill, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.fills[fillID]
	if !ok {
		return types.Fill{}, false
	}
	return *rec, true
}

// ListFills returns copies of fills, most recent first. orderID 0 means all
// orders, limit <= 0 means no limit.
func (s *Store) ListFills(orderID int64, limit int) []types.Fill {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]types.Fill, 0, len(s.fills))
	for _, rec := range s.fills {
		if orderID != 0 && rec.OrderID != orderID {
			continue
		}
		rows = append(rows, *rec)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].FillID > rows[j].FillID
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// --- Positions ---

// UpsertPosition inserts or replaces a position under its key and logs the
// change.
func (s *Store) UpsertPosition(key string, pos types.Position) types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[key] = &pos
	s.appendLogLocked(types.EventPositionUpsert, map[string]any{"position_key": key})

	return pos
}

// DeletePosition removes a position; reports whether one was present.
func (s *Store) DeletePosition(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.positions[key]
	if existed {
		delete(s.positions, key)
		s.appendLogLocked(types.EventPositionDeleted, map[string]any{"position_key": key})
	}
	return existed
}

// Positions returns a snapshot of all positions keyed by position key.
func (s *Store) Positions() map[string]types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]types.Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = *v
	}
	return out
}

// --- Account values ---

// SetAccountValue overwrites the value stored for (account, tag, currency).
func (s *Store) SetAccountValue(account, tag, currency, value string) types.AccountValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := types.AccountValue{Account: account, Tag: tag, Currency: currency, Value: value}
	s.accountValues[types.AccountValueKey(account, tag, currency)] = &rec

	s.appendLogLocked(types.EventAccountValueSet, map[string]any{
		"account":  account,
		"tag":      tag,
		"currency": currency,
		"value":    value,
	})

	return rec
}

// AccountValues returns a snapshot of all account values.
func (s *Store) AccountValues() map[string]types.AccountValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]types.AccountValue, len(s.accountValues))
	for k, v := range s.accountValues {
		out[k] = *v
	}
	return out
}

// --- Change log ---

// AppendLog appends an arbitrary event to the change log and returns its
// sequence number.
func (s *Store) AppendLog(eventType string, payload map[string]any) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendLogLocked(eventType, payload)
}

// Logs returns up to limit entries with seq > sinceSeq, oldest first.
// A limit <= 0 defaults to 1000.
func (s *Store) Logs(sinceSeq int64, limit int) []types.LogEntry {
	if limit <= 0 {
		limit = 1000
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Seqs are gapless and start at 1, so the slice offset is direct.
	start := 0
	if sinceSeq > 0 {
		if sinceSeq >= int64(len(s.log)) {
			return nil
		}
		start = int(sinceSeq)
	}

	rows := s.log[start:]
	if len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]types.LogEntry, len(rows))
	for i, e := range rows {
		out[i] = e
		out[i].Payload = copyPayload(e.Payload)
	}
	return out
}

func (s *Store) appendLogLocked(eventType string, payload map[string]any) int64 {
	s.nextLogSeq++
	s.log = append(s.log, types.LogEntry{
		Seq:       s.nextLogSeq,
		Timestamp: time.Now(),
		EventType: eventType,
		Payload:   copyPayload(payload),
	})
	return s.nextLogSeq
}

func copyPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

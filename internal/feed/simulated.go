package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SimulatedBroker is an in-process broker. A single driver goroutine owns all
// state and dispatches every callback, which gives handlers the same
// single-threaded delivery guarantee a real broker connection provides.
type SimulatedBroker struct {
	cmds chan func()
	quit chan struct{}

	// Everything below is owned by the driver goroutine.
	trades      map[int64]*Trade // keyed by broker order id; manual orders by -perm id
	nextOrderID int64
	nextPermID  int64
	nextExecSeq int64

	nextHandlerID    int64
	openOrderSubs    map[int64]func(Trade)
	orderStatusSubs  map[int64]func(Trade)
	executionSubs    map[int64]func(Trade, Execution)
	commissionSubs   map[int64]func(CommissionReport)
	positionSubs     map[int64]func(Position)
	accountValueSubs map[int64]func(AccountValue)
}

// NewSimulatedBroker starts the driver goroutine and returns a ready broker.
func NewSimulatedBroker() *SimulatedBroker {
	b := &SimulatedBroker{
		cmds:             make(chan func(), 64),
		quit:             make(chan struct{}),
		trades:           make(map[int64]*Trade),
		nextPermID:       1000000,
		openOrderSubs:    make(map[int64]func(Trade)),
		orderStatusSubs:  make(map[int64]func(Trade)),
		executionSubs:    make(map[int64]func(Trade, Execution)),
		commissionSubs:   make(map[int64]func(CommissionReport)),
		positionSubs:     make(map[int64]func(Position)),
		accountValueSubs: make(map[int64]func(AccountValue)),
	}
	go b.run()
	return b
}

func (b *SimulatedBroker) run() {
	for {
		select {
		case <-b.quit:
			return
		case cmd := <-b.cmds:
			cmd()
		}
	}
}

// Close stops the driver goroutine. Pending commands are dropped.
func (b *SimulatedBroker) Close() {
	close(b.quit)
}

// do runs fn on the driver goroutine and waits for it to finish.
func (b *SimulatedBroker) do(fn func()) {
	done := make(chan struct{})
	select {
	case b.cmds <- func() {
		fn()
		close(done)
	}:
	case <-b.quit:
		return
	}
	select {
	case <-done:
	case <-b.quit:
	}
}

// subscribe registers a removal on the driver goroutine and returns a func
// that unregisters the same entry.
func (b *SimulatedBroker) subscribe(register func(id int64), unregister func(id int64)) func() {
	var id int64
	b.do(func() {
		b.nextHandlerID++
		id = b.nextHandlerID
		register(id)
	})
	return func() {
		b.do(func() { unregister(id) })
	}
}

// OnOpenOrder registers a handler for open-order reports. The returned func
// removes the handler.
func (b *SimulatedBroker) OnOpenOrder(h func(Trade)) func() {
	return b.subscribe(
		func(id int64) { b.openOrderSubs[id] = h },
		func(id int64) { delete(b.openOrderSubs, id) },
	)
}

// OnOrderStatus registers a handler for order status updates.
func (b *SimulatedBroker) OnOrderStatus(h func(Trade)) func() {
	return b.subscribe(
		func(id int64) { b.orderStatusSubs[id] = h },
		func(id int64) { delete(b.orderStatusSubs, id) },
	)
}

// OnExecution registers a handler for fill events.
func (b *SimulatedBroker) OnExecution(h func(Trade, Execution)) func() {
	return b.subscribe(
		func(id int64) { b.executionSubs[id] = h },
		func(id int64) { delete(b.executionSubs, id) },
	)
}

// OnCommission registers a handler for commission reports.
func (b *SimulatedBroker) OnCommission(h func(CommissionReport)) func() {
	return b.subscribe(
		func(id int64) { b.commissionSubs[id] = h },
		func(id int64) { delete(b.commissionSubs, id) },
	)
}

// OnPosition registers a handler for position updates.
func (b *SimulatedBroker) OnPosition(h func(Position)) func() {
	return b.subscribe(
		func(id int64) { b.positionSubs[id] = h },
		func(id int64) { delete(b.positionSubs, id) },
	)
}

// OnAccountValue registers a handler for account summary updates.
func (b *SimulatedBroker) OnAccountValue(h func(AccountValue)) func() {
	return b.subscribe(
		func(id int64) { b.accountValueSubs[id] = h },
		func(id int64) { delete(b.accountValueSubs, id) },
	)
}

// NextOrderID reserves the next broker order id. Callers record the id
// before submitting so the order's first events already resolve to a known
// record.
func (b *SimulatedBroker) NextOrderID() int64 {
	var id int64
	b.do(func() {
		b.nextOrderID++
		id = b.nextOrderID
	})
	return id
}

// PlaceOrder submits an order under a reserved order id (one is assigned if
// the caller did not reserve), assigns a perm id, and reports the order back
// through the open-order and order-status handlers.
func (b *SimulatedBroker) PlaceOrder(contract Contract, order Order) Trade {
	var placed Trade
	b.do(func() {
		if order.OrderID == 0 {
			b.nextOrderID++
			order.OrderID = b.nextOrderID
		}
		b.nextPermID++
		order.PermID = b.nextPermID

		trade := &Trade{
			Contract: contract,
			Order:    order,
			Status: OrderStatus{
				Status:    "Submitted",
				Remaining: order.TotalQuantity,
				PermID:    order.PermID,
			},
		}
		b.trades[order.OrderID] = trade
		placed = *trade

		log.Debug().
			Str("component", "simulated_broker").
			Int64("order_id", order.OrderID).
			Int64("perm_id", order.PermID).
			Str("symbol", contract.Symbol).
			Msg("order placed")

		b.emitOpenOrder(*trade)
		b.emitOrderStatus(*trade)
	})
	return placed
}

// CancelOrder moves a working order to Cancelled and reports the status.
func (b *SimulatedBroker) CancelOrder(orderID int64) {
	b.do(func() {
		trade, ok := b.trades[orderID]
		if !ok {
			log.Warn().
				Str("component", "simulated_broker").
				Int64("order_id", orderID).
				Msg("cancel for unknown order")
			return
		}
		trade.Status.Status = "Cancelled"
		b.emitOrderStatus(*trade)
	})
}

// Execute fills part of a working order: it emits the execution, a matching
// commission report, and the refreshed order status, in that order.
func (b *SimulatedBroker) Execute(orderID int64, price, qty float64) error {
	var outErr error
	b.do(func() {
		trade, ok := b.trades[orderID]
		if !ok {
			outErr = fmt.Errorf("no working order with id %d", orderID)
			return
		}

		b.nextExecSeq++
		exec := Execution{
			ExecID:  fmt.Sprintf("SIM.%d.%s", b.nextExecSeq, uuid.NewString()[:8]),
			OrderID: trade.Order.OrderID,
			PermID:  trade.Order.PermID,
			Side:    trade.Order.Action,
			Shares:  qty,
			Price:   price,
			Time:    time.Now().UTC().Format("20060102 15:04:05"),
		}

		prevFilled := trade.Status.Filled
		trade.Status.Filled += qty
		trade.Status.Remaining = trade.Order.TotalQuantity - trade.Status.Filled
		if trade.Status.Filled > 0 {
			trade.Status.AvgFillPrice = (trade.Status.AvgFillPrice*prevFilled + price*qty) / trade.Status.Filled
		}
		if trade.Status.Remaining <= 0 {
			trade.Status.Status = "Filled"
		}

		b.emitExecution(*trade, exec)
		b.emitCommission(CommissionReport{
			ExecID:     exec.ExecID,
			Commission: 1.0,
			Currency:   "USD",
		})
		b.emitOrderStatus(*trade)
	})
	return outErr
}

// ManualOrder injects an order that did not originate from this process, as
// if placed from the broker's own terminal. It carries no broker order id
// visible to the API, only a perm id, and shows up on the next open-order
// report and snapshot.
func (b *SimulatedBroker) ManualOrder(contract Contract, order Order) Trade {
	var placed Trade
	b.do(func() {
		b.nextPermID++
		order.OrderID = 0
		order.PermID = b.nextPermID

		trade := &Trade{
			Contract: contract,
			Order:    order,
			Status: OrderStatus{
				Status:    "Submitted",
				Remaining: order.TotalQuantity,
				PermID:    order.PermID,
			},
		}
		b.trades[-order.PermID] = trade
		placed = *trade

		b.emitOpenOrder(*trade)
	})
	return placed
}

// PublishPosition pushes a position row to position handlers.
func (b *SimulatedBroker) PublishPosition(pos Position) {
	b.do(func() {
		for _, h := range b.positionSubs {
			h(pos)
		}
	})
}

// PublishAccountValue pushes an account summary tag to account handlers.
func (b *SimulatedBroker) PublishAccountValue(av AccountValue) {
	b.do(func() {
		for _, h := range b.accountValueSubs {
			h(av)
		}
	})
}

// OpenOrders returns a snapshot of all working orders. The snapshot is taken
// on the driver goroutine, so it is consistent with the event stream; the
// context bounds the wait.
func (b *SimulatedBroker) OpenOrders(ctx context.Context) ([]Trade, error) {
	return snapshotRequest(ctx, b, func() []Trade {
		out := make([]Trade, 0, len(b.trades))
		for _, trade := range b.trades {
			out = append(out, *trade)
		}
		return out
	})
}

// Positions returns the current simulated holdings. The simulated broker
// derives them from filled quantities per contract.
func (b *SimulatedBroker) Positions(ctx context.Context) ([]Position, error) {
	return snapshotRequest(ctx, b, func() []Position {
		byCon := make(map[string]*Position)
		for _, trade := range b.trades {
			if trade.Status.Filled == 0 {
				continue
			}
			qty := trade.Status.Filled
			if trade.Order.Action == "SELL" {
				qty = -qty
			}
			key := fmt.Sprintf("%d:%s", trade.Contract.ConID, trade.Contract.Symbol)
			pos, ok := byCon[key]
			if !ok {
				pos = &Position{Account: "SIM", Contract: trade.Contract}
				byCon[key] = pos
			}
			pos.Quantity += qty
			pos.AvgCost = trade.Status.AvgFillPrice
		}
		out := make([]Position, 0, len(byCon))
		for _, pos := range byCon {
			out = append(out, *pos)
		}
		return out
	})
}

// AccountValues returns a fixed simulated account summary.
func (b *SimulatedBroker) AccountValues(ctx context.Context) ([]AccountValue, error) {
	return snapshotRequest(ctx, b, func() []AccountValue {
		return []AccountValue{
			{Account: "SIM", Tag: "NetLiquidation", Value: "1000000", Currency: "USD"},
			{Account: "SIM", Tag: "BuyingPower", Value: "4000000", Currency: "USD"},
		}
	})
}

// snapshotRequest marshals the fetch onto the driver goroutine and waits
// under ctx for the reply.
func snapshotRequest[T any](ctx context.Context, b *SimulatedBroker, fetch func() []T) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reply := make(chan []T, 1)
	select {
	case b.cmds <- func() { reply <- fetch() }:
	case <-b.quit:
		return nil, fmt.Errorf("broker closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-reply:
		return out, nil
	case <-b.quit:
		return nil, fmt.Errorf("broker closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *SimulatedBroker) emitOpenOrder(trade Trade) {
	for _, h := range b.openOrderSubs {
		h(trade)
	}
}

func (b *SimulatedBroker) emitOrderStatus(trade Trade) {
	for _, h := range b.orderStatusSubs {
		h(trade)
	}
}

func (b *SimulatedBroker) emitExecution(trade Trade, exec Execution) {
	for _, h := range b.executionSubs {
		h(trade, exec)
	}
}

func (b *SimulatedBroker) emitCommission(report CommissionReport) {
	for _, h := range b.commissionSubs {
		h(report)
	}
}

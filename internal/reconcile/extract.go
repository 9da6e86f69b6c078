package reconcile

import (
	"strings"

	"github.com/ksred/ordersync-api/internal/feed"
	"github.com/ksred/ordersync-api/internal/types"
)

// mapBrokerStatus translates broker status strings into the statuses stored
// on order records. Unknown statuses pass through upper-cased so nothing the
// broker says is silently lost.
func mapBrokerStatus(status string) string {
	switch strings.ToLower(status) {
	case "pendingsubmit", "pending_submit":
		return types.StatusPendingSubmit
	case "presubmitted", "submitted":
		return types.StatusSubmitted
	case "filled":
		return types.StatusFilled
	case "cancelled", "apicancelled", "inactive":
		return types.StatusCancelled
	case "":
		return ""
	default:
		return strings.ToUpper(status)
	}
}

// priceForOrder picks the record price for a broker order: the limit price
// for limit orders, the stop trigger for stop orders, zero for market orders.
func priceForOrder(order feed.Order) float64 {
	switch order.OrderType {
	case "LMT":
		return order.LimitPrice
	case "STP":
		return order.AuxPrice
	default:
		return 0
	}
}

// orderFromTrade builds a fresh order record from a broker trade, used when
// adopting an order this process has never seen.
func orderFromTrade(trade feed.Trade) types.Order {
	status := mapBrokerStatus(trade.Status.Status)
	if status == "" {
		status = types.StatusSubmitted
	}

	return types.Order{
		BrokerOrderID: trade.Order.OrderID,
		PermID:        permID(trade),
		Symbol:        trade.Contract.Symbol,
		AssetClass:    trade.Contract.SecType,
		Side:          trade.Order.Action,
		Quantity:      trade.Order.TotalQuantity,
		OrderType:     trade.Order.OrderType,
		Price:         priceForOrder(trade.Order),
		TimeInForce:   trade.Order.TIF,
		Status:        status,
		FilledQty:     trade.Status.Filled,
		AvgPrice:      trade.Status.AvgFillPrice,
	}
}

// updateFromTrade builds the patch applied to an existing record. Identity
// fields are only ever set, never cleared: a report that omits a broker or
// perm id must not erase one learned earlier.
func updateFromTrade(trade feed.Trade, existing types.Order) types.OrderUpdate {
	update := types.OrderUpdate{}

	if id := trade.Order.OrderID; id > 0 && existing.BrokerOrderID != id {
		update.BrokerOrderID = &id
	}
	if id := permID(trade); id > 0 && existing.PermID != id {
		update.PermID = &id
	}

	// Descriptor fields merge set-only as well: a sparse report must not
	// blank out what an earlier, fuller one established.
	if symbol := trade.Contract.Symbol; symbol != "" && symbol != existing.Symbol {
		update.Symbol = &symbol
	}
	if secType := trade.Contract.SecType; secType != "" && secType != existing.AssetClass {
		update.AssetClass = &secType
	}
	if side := trade.Order.Action; side != "" && side != existing.Side {
		update.Side = &side
	}
	if orderType := trade.Order.OrderType; orderType != "" && orderType != existing.OrderType {
		update.OrderType = &orderType
	}
	if tif := trade.Order.TIF; tif != "" && tif != existing.TimeInForce {
		update.TimeInForce = &tif
	}

	if status := mapBrokerStatus(trade.Status.Status); status != "" && status != existing.Status {
		update.Status = &status
	}
	if filled := trade.Status.Filled; filled > 0 && filled != existing.FilledQty {
		update.FilledQty = &filled
	}
	if avg := trade.Status.AvgFillPrice; avg > 0 && avg != existing.AvgPrice {
		update.AvgPrice = &avg
	}
	if price := priceForOrder(trade.Order); price > 0 && price != existing.Price {
		update.Price = &price
	}
	if qty := trade.Order.TotalQuantity; qty > 0 && qty != existing.Quantity {
		update.Quantity = &qty
	}

	return update
}

// permID prefers the order's perm id but falls back to the status report's,
// since brokers populate them at different lifecycle points.
func permID(trade feed.Trade) int64 {
	if trade.Order.PermID > 0 {
		return trade.Order.PermID
	}
	return trade.Status.PermID
}

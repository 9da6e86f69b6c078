package types

import (
	"fmt"
	"strings"
	"time"
)

// Event types appended to the change log. The replicator dispatches on these;
// unknown values are forward-compatible and must never stall the stream.
const (
	EventOrderAdded      = "order_added"
	EventOrderUpdated    = "order_updated"
	EventFillAdded       = "fill_added"
	EventPositionUpsert  = "position_upserted"
	EventPositionDeleted = "position_deleted"
	EventAccountValueSet = "account_value_set"
	EventAuditLog        = "audit_log"
)

// Order statuses as normalized from the broker feed.
const (
	StatusPendingSubmit = "PENDING_SUBMIT"
	StatusSubmitted     = "SUBMITTED"
	StatusFilled        = "FILLED"
	StatusCancelled     = "CANCELLED"
)

// Order is the authoritative in-memory order record.
//
// BrokerOrderID is the broker's connection-scoped id; it is only meaningful
// when positive (externally originated orders can report zero or negative).
// PermID is the broker's permanent id, stable once assigned.
type Order struct {
	OrderID       int64     `json:"order_id"`
	BrokerOrderID int64     `json:"broker_order_id,omitempty"`
	PermID        int64     `json:"perm_id,omitempty"`
	AssetClass    string    `json:"asset_class,omitempty"` // STK or OPT
	Symbol        string    `json:"symbol,omitempty"`
	Side          string    `json:"side,omitempty"` // BUY or SELL
	Quantity      float64   `json:"quantity,omitempty"`
	OrderType     string    `json:"order_type,omitempty"` // MKT, LMT, STP
	Price         float64   `json:"price,omitempty"`
	TimeInForce   string    `json:"tif,omitempty"`
	Status        string    `json:"status,omitempty"`
	FilledQty     float64   `json:"filled_qty,omitempty"`
	AvgPrice      float64   `json:"avg_price,omitempty"`
	Commission    float64   `json:"commission,omitempty"`
	CommissionCcy string    `json:"commission_currency,omitempty"`
	RealizedPnL   float64   `json:"realized_pnl,omitempty"`
	Message       string    `json:"message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OrderUpdate is a merge patch for an Order. Nil fields are left untouched;
// set fields overwrite. Setting BrokerOrderID or PermID to zero removes the
// corresponding secondary index mapping without installing a new one.
type OrderUpdate struct {
	BrokerOrderID *int64
	PermID        *int64
	AssetClass    *string
	Symbol        *string
	Side          *string
	Quantity      *float64
	OrderType     *string
	Price         *float64
	TimeInForce   *string
	Status        *string
	FilledQty     *float64
	AvgPrice      *float64
	Commission    *float64
	CommissionCcy *string
	RealizedPnL   *float64
	Message       *string
}

// IsZero reports whether the patch sets no fields at all.
func (u OrderUpdate) IsZero() bool {
	return u == OrderUpdate{}
}

// Fill is an immutable execution record tied to an order. FilledQty and
// AvgPrice double as aggregate hints folded into the parent order when set.
type Fill struct {
	FillID        int64     `json:"fill_id"`
	OrderID       int64     `json:"order_id"`
	ExecID        string    `json:"exec_id,omitempty"`
	Price         float64   `json:"price,omitempty"`
	FilledQty     float64   `json:"filled_qty,omitempty"`
	AvgPrice      float64   `json:"avg_price,omitempty"`
	Symbol        string    `json:"symbol,omitempty"`
	Side          string    `json:"side,omitempty"`
	Time          string    `json:"time,omitempty"` // broker-provided text timestamp
	BrokerOrderID int64     `json:"broker_order_id,omitempty"`
	PermID        int64     `json:"perm_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Position is keyed by PositionKey; quantity zero means the position is gone.
type Position struct {
	Account  string  `json:"account"`
	ConID    int64   `json:"con_id,omitempty"`
	Symbol   string  `json:"symbol,omitempty"`
	SecType  string  `json:"sec_type,omitempty"`
	Exchange string  `json:"exchange,omitempty"`
	Quantity float64 `json:"quantity"`
	AvgCost  float64 `json:"avg_cost"`
}

// AccountValue is a last-write-wins metric keyed by (account, tag, currency).
// Value stays a string as delivered by the broker.
type AccountValue struct {
	Account  string `json:"account"`
	Tag      string `json:"tag"`
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

// LogEntry is one element of the append-only change log. Payload carries
// small reference data (ids), never a full snapshot.
type LogEntry struct {
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"ts"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
}

// PositionKey derives the stable identity for a position: the broker contract
// id when available, else a composite of symbol/type/exchange plus account.
func PositionKey(conID int64, symbol, secType, exchange, account string) string {
	if conID > 0 {
		return fmt.Sprintf("%d:%s", conID, account)
	}
	return fmt.Sprintf("%s:%s:%s:%s",
		strings.ToUpper(symbol), secType, strings.ToUpper(exchange), account)
}

// AccountValueKey builds the composite key for an account value record.
func AccountValueKey(account, tag, currency string) string {
	return account + ":" + tag + ":" + currency
}

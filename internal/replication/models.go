package replication

import (
	"time"
)

// CheckpointSentinel is the last_seq value of a fresh checkpoint, one before
// the first real sequence number.
const CheckpointSentinel = -1

// Order is the durable order row, keyed by the internal order id and
// idempotently upserted from the in-memory snapshot.
type Order struct {
	OrderID       int64   `gorm:"primaryKey" json:"order_id"`
	BrokerOrderID int64   `gorm:"index" json:"broker_order_id"`
	PermID        int64   `json:"perm_id"`
	AssetClass    string  `gorm:"size:8;index" json:"asset_class"`
	Symbol        string  `gorm:"size:32;index" json:"symbol"`
	Side          string  `gorm:"size:8;index" json:"side"`
	Quantity      float64 `json:"quantity"`
	OrderType     string  `gorm:"size:8" json:"order_type"`
	Price         float64 `json:"price"`
	TimeInForce   string  `gorm:"size:8" json:"tif"`
	Status        string  `gorm:"size:32;index" json:"status"`
	AvgPrice      float64 `json:"avg_price"`
	FilledQty     float64 `json:"filled_qty"`
	Commission    float64 `json:"commission"`
	CommissionCcy string  `gorm:"size:8" json:"commission_currency"`
	RealizedPnL   float64 `json:"realized_pnl"`
	Message       string  `json:"message"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

// Fill is the durable fill row. The composite unique index on
// (order_id, exec_id) is what makes replay of fill_added events idempotent.
type Fill struct {
	FillID        int64   `gorm:"primaryKey;autoIncrement" json:"fill_id"`
	OrderID       int64   `gorm:"uniqueIndex:idx_fills_order_exec" json:"order_id"`
	ExecID        string  `gorm:"size:64;uniqueIndex:idx_fills_order_exec" json:"exec_id"`
	Price         float64 `json:"price"`
	FilledQty     float64 `json:"filled_qty"`
	Symbol        string  `gorm:"size:32" json:"symbol"`
	Side          string  `gorm:"size:8" json:"side"`
	Time          string  `gorm:"size:64;index" json:"time"`
	BrokerOrderID int64   `gorm:"index" json:"broker_order_id"`
	PermID        int64   `json:"perm_id"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (Fill) TableName() string { return "fills" }

// AuditLog is an append-only durable row carrying the raw event payload as a
// JSON string.
type AuditLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SeqHint   int64     `gorm:"index" json:"seq_hint"`
	EventType string    `gorm:"size:64;index" json:"event_type"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_log" }

// Checkpoint records the last fully applied log sequence per worker. It only
// ever advances, and only inside the same transaction as the writes it
// certifies.
type Checkpoint struct {
	WorkerID  string    `gorm:"primaryKey;size:64" json:"worker_id"`
	LastSeq   int64     `gorm:"default:-1" json:"last_seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Checkpoint) TableName() string { return "outbox_checkpoints" }

package types

import "time"

// OrderHandle is returned to API callers after placing an order. It carries
// the internal id plus whatever broker metadata was known at submission.
type OrderHandle struct {
	OrderID       int64     `json:"order_id"`
	BrokerOrderID int64     `json:"broker_order_id,omitempty"`
	PermID        int64     `json:"perm_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// PlaceOrderRequest is the API request body for order submission.
type PlaceOrderRequest struct {
	Symbol      string  `json:"symbol" binding:"required"`
	Side        string  `json:"side" binding:"required"`
	Quantity    float64 `json:"quantity" binding:"required,gt=0"`
	OrderType   string  `json:"order_type"`
	Price       float64 `json:"price"`
	TimeInForce string  `json:"tif"`
	AssetClass  string  `json:"asset_class"`
}

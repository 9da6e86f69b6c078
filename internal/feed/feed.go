// Package feed defines the broker event feed: the wire-shaped types a broker
// connection emits and the simulated broker used for local development and
// tests. All callbacks fire on the feed's single driver goroutine, so
// handlers never race each other.
package feed

// Contract identifies a tradable instrument.
type Contract struct {
	ConID    int64  `json:"con_id"`
	Symbol   string `json:"symbol"`
	SecType  string `json:"sec_type"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

// Order is the broker-side order record.
type Order struct {
	OrderID       int64   `json:"order_id"`
	PermID        int64   `json:"perm_id"`
	Action        string  `json:"action"` // BUY or SELL
	TotalQuantity float64 `json:"total_quantity"`
	OrderType     string  `json:"order_type"` // MKT, LMT, STP
	LimitPrice    float64 `json:"limit_price"`
	AuxPrice      float64 `json:"aux_price"`
	TIF           string  `json:"tif"`
}

// OrderStatus carries the broker's live view of an order's progress.
type OrderStatus struct {
	Status       string  `json:"status"`
	Filled       float64 `json:"filled"`
	Remaining    float64 `json:"remaining"`
	AvgFillPrice float64 `json:"avg_fill_price"`
	PermID       int64   `json:"perm_id"`
}

// Trade bundles a contract, its order and the latest status, mirroring what
// a broker reports for each working order.
type Trade struct {
	Contract Contract    `json:"contract"`
	Order    Order       `json:"order"`
	Status   OrderStatus `json:"status"`
}

// Execution is a single fill event. ExecID is the broker's globally unique
// execution identifier.
type Execution struct {
	ExecID  string  `json:"exec_id"`
	OrderID int64   `json:"order_id"`
	PermID  int64   `json:"perm_id"`
	Side    string  `json:"side"`
	Shares  float64 `json:"shares"`
	Price   float64 `json:"price"`
	Time    string  `json:"time"`
}

// CommissionReport arrives after an execution, keyed by the same exec id.
type CommissionReport struct {
	ExecID      string  `json:"exec_id"`
	Commission  float64 `json:"commission"`
	Currency    string  `json:"currency"`
	RealizedPNL float64 `json:"realized_pnl"`
}

// Position is an account-level holding snapshot row.
type Position struct {
	Account  string   `json:"account"`
	Contract Contract `json:"contract"`
	Quantity float64  `json:"quantity"`
	AvgCost  float64  `json:"avg_cost"`
}

// AccountValue is a single account summary tag.
type AccountValue struct {
	Account  string `json:"account"`
	Tag      string `json:"tag"`
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

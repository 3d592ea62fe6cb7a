package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the side of an order (buy or sell).
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType represents the type of an order (limit or market).
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus represents the current status of an order.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the status is final. Terminal statuses never change.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// Order is the ledger's view of an order. The ledger generates the ID on
// insert; after that, only the matching engine writes Status and
// FilledQuantity.
type Order struct {
	ID             int64            `json:"id" db:"id"`
	ClientID       string           `json:"client_id" db:"client_id"`
	Instrument     string           `json:"instrument" db:"instrument"`
	Side           Side             `json:"side" db:"side"`
	Type           OrderType        `json:"type" db:"type"`
	Price          *decimal.Decimal `json:"price,omitempty" db:"price"`
	Quantity       decimal.Decimal  `json:"quantity" db:"quantity"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity" db:"filled_quantity"`
	Status         OrderStatus      `json:"status" db:"status"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Trade records an execution between two orders.
type Trade struct {
	ID          int64           `json:"id" db:"id"`
	Instrument  string          `json:"instrument" db:"instrument"`
	BuyOrderID  int64           `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID int64           `json:"sell_order_id" db:"sell_order_id"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	ExecutedAt  time.Time       `json:"executed_at" db:"executed_at"`
}

// DetailedTrade is a trade joined with the counterparties' client ids.
type DetailedTrade struct {
	Trade
	BuyerClientID  string `json:"buyer_client_id" db:"buyer_client_id"`
	SellerClientID string `json:"seller_client_id" db:"seller_client_id"`
}

// Submission is a validated order submission. Price is present iff the
// submission is a limit order.
type Submission struct {
	ClientID       string           `json:"client_id"`
	Instrument     string           `json:"instrument"`
	Side           Side             `json:"side"`
	Type           OrderType        `json:"type"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	Quantity       decimal.Decimal  `json:"quantity"`
	IdempotencyKey string           `json:"idempotency_key"`
}

// RestingOrder is the book's in-memory state for an order resting on a price
// level. Remaining is always > 0 while the order is in the book.
type RestingOrder struct {
	OrderID     int64           `json:"order_id"`
	ClientID    string          `json:"client_id"`
	Side        Side            `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Remaining   decimal.Decimal `json:"remaining"`
	FilledTotal decimal.Decimal `json:"filled_total"`
	CreatedAt   time.Time       `json:"created_at"`
}

// JobKind discriminates the two job variants.
type JobKind string

const (
	JobSubmit JobKind = "submit"
	JobCancel JobKind = "cancel"
)

// Job is one unit of work for the matching engine. Submit jobs carry the full
// persisted order snapshot; cancel jobs carry only the order id.
type Job struct {
	Kind    JobKind `json:"kind"`
	Order   *Order  `json:"order,omitempty"`
	OrderID int64   `json:"order_id,omitempty"`
}

// BookLevel is one aggregated price level in an order book snapshot.
// Cumulative is the running sum of Quantity within the returned window.
type BookLevel struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Cumulative decimal.Decimal `json:"cumulative"`
}

// BookSnapshot is a point-in-time view of the top of the book.
// Asks are ascending by price, bids descending; empty levels are filtered.
type BookSnapshot struct {
	Instrument string      `json:"instrument"`
	Asks       []BookLevel `json:"asks"`
	Bids       []BookLevel `json:"bids"`
}

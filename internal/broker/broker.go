// Package broker defines the brokerage gateway used to quote, place,
// replace and cancel equity limit orders.
package broker

import (
	"context"
	"time"
)

// Side of an order leg.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the closed set of order states the bot reacts to.
type OrderStatus string

const (
	StatusWorking  OrderStatus = "WORKING"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusQueued   OrderStatus = "QUEUED"
)

// Terminal reports whether the order can no longer fill.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Quote is the latest level-one data for a symbol.
type Quote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// OrderRequest describes a limit order to place, or the shape of a
// replacement for an existing order.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Quantity   float64
	LimitPrice float64
}

// Order is the brokerage's view of an order.
type Order struct {
	ID             int64
	Symbol         string
	Side           Side
	Status         OrderStatus
	Price          float64
	Quantity       float64
	FilledQuantity float64
	EnteredTime    time.Time
	CloseTime      time.Time
}

// Position is an open long position reported by the account endpoint.
type Position struct {
	Symbol       string
	LongQuantity float64
	AveragePrice float64
}

// Access is a bearer token and its expiry.
type Access struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry"`
}

// refreshMargin is how close to expiry a token is considered stale.
const refreshMargin = 5 * time.Minute

// NeedsRefresh reports whether the token must be refreshed before use.
func (a Access) NeedsRefresh(now time.Time) bool {
	return a.Token == "" || a.Expiry.IsZero() || !now.Before(a.Expiry.Add(-refreshMargin))
}

// Credentials identify the brokerage account and app.
type Credentials struct {
	ClientID     string
	RefreshToken string
	AccountID    string
}

// Gateway is the brokerage surface the coordinator depends on. Every
// method can fail or time out; callers treat failures as transient and
// retry on the next cycle.
type Gateway interface {
	Name() string

	// RefreshAccess exchanges the refresh token for a fresh access token.
	RefreshAccess(ctx context.Context) (Access, error)

	// GetQuotes fetches level-one quotes for the given symbols. Symbols
	// missing from the result simply had no quote available.
	GetQuotes(ctx context.Context, token string, symbols []string) (map[string]Quote, error)

	// PlaceOrder submits a limit order and returns the venue order ID.
	PlaceOrder(ctx context.Context, token string, req OrderRequest) (int64, error)

	// ReplaceOrder cancels orderID and places req in one operation,
	// returning the new order ID.
	ReplaceOrder(ctx context.Context, token string, orderID int64, req OrderRequest) (int64, error)

	// CancelOrder cancels a working order.
	CancelOrder(ctx context.Context, token string, orderID int64) error

	// GetOrderStatus looks up a single order.
	GetOrderStatus(ctx context.Context, token string, orderID int64) (Order, error)

	// GetAccount returns open positions and all order strategies for the
	// account, used by startup recovery.
	GetAccount(ctx context.Context, token string) ([]Position, []Order, error)
}

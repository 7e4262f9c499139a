// Package engine holds the pure order decision logic for the grid
// strategy. Nothing here performs I/O or locking: the coordinator calls
// Plan/Should functions with the book lock held to extract a decision,
// executes the brokerage call unlocked, then re-acquires the lock and
// calls the matching Apply function to commit the state delta.
package engine

import (
	"errors"
	"math"
	"time"

	"github.com/amirphl/grid-trader/internal/broker"
	"github.com/amirphl/grid-trader/internal/ticker"
)

var (
	// ErrBuyWorking means a limit buy is already outstanding.
	ErrBuyWorking = errors.New("buy order already working")

	// ErrPositionFull means the ticker has reached its consecutive-buy
	// ceiling without an intervening full sell.
	ErrPositionFull = errors.New("max consecutive buys reached")

	// ErrInsufficientFunds means the reserved balance cannot cover the
	// next grid buy. Callers surface this as a low-funds alert.
	ErrInsufficientFunds = errors.New("insufficient balance for next buy")
)

// Round rounds a price to the symbol's allowed digits (2 for >$1
// symbols, 4 for sub-dollar ones).
func Round(price float64, digits int) float64 {
	pow := math.Pow(10, float64(digits))
	return math.Round(price*pow) / pow
}

// BuyPrice computes the next grid buy price for the ticker:
// re-entry below the last full sale, a grid step below the previous
// buy, or the configured first buy.
func BuyPrice(ts *ticker.TickerState) float64 {
	var price float64
	switch {
	case ts.StockOwned == 0 && ts.PreviousSell > 0:
		price = ts.PreviousSell * (1 - ts.NewBuyProportion)
	case ts.StockOwned > 0:
		price = ts.PreviousBuy * (1 - ts.BuyProportion)
	default:
		price = ts.FirstBuyPrice
	}
	return Round(price, ts.MaxDigits)
}

// SellPrice is the take-profit level: the proportional markup over the
// average cost basis, rounded to the symbol's digits.
func SellPrice(ts *ticker.TickerState) float64 {
	return Round(ts.AverageBuy*(1+ts.SellProportion), ts.MaxDigits)
}

// BuyPlan is a computed limit buy ready to send.
type BuyPlan struct {
	Price    float64
	Quantity float64
}

// PlanBuy decides whether a new limit buy is due and at what price.
func PlanBuy(ts *ticker.TickerState) (BuyPlan, error) {
	if ts.LimitBuyID != 0 {
		return BuyPlan{}, ErrBuyWorking
	}
	if ts.StockOwned >= ts.OrderQuantity*float64(ts.MaxBuys) {
		return BuyPlan{}, ErrPositionFull
	}
	price := BuyPrice(ts)
	if ts.AvailableBalance <= price*ts.OrderQuantity {
		return BuyPlan{}, ErrInsufficientFunds
	}
	return BuyPlan{Price: price, Quantity: ts.OrderQuantity}, nil
}

// ApplyBuyPlaced commits a successful buy placement: debit the reserved
// balance, clear the re-entry reference, record the working order.
func ApplyBuyPlaced(ts *ticker.TickerState, orderID int64, price float64) {
	ts.AvailableBalance -= price * ts.OrderQuantity
	ts.PreviousSell = 0
	ts.LimitBuyID = orderID
	ts.LimitBuyPrice = price
}

// ShouldTrackBuy reports whether the working buy plausibly filled: the
// bid dropped to or below its limit price. The quote is advisory; the
// order status query is the source of truth.
func ShouldTrackBuy(ts *ticker.TickerState) bool {
	return ts.LimitBuyPrice > 0 && ts.BidPrice <= ts.LimitBuyPrice
}

// ShouldTrackSell reports whether the working sell plausibly filled:
// the ask rose to or above its limit price.
func ShouldTrackSell(ts *ticker.TickerState) bool {
	return ts.LimitSellPrice > 0 && ts.AskPrice >= ts.LimitSellPrice
}

// ApplyBuyFill commits a filled buy: clear the working order, advance
// the lifetime counter and recompute the quantity-weighted cost basis.
func ApplyBuyFill(ts *ticker.TickerState, o broker.Order, at time.Time) {
	ts.LimitBuyID = 0
	ts.LimitBuyPrice = 0
	ts.StockBought += o.Quantity
	ts.PreviousBuy = o.Price
	ts.AverageBuy = (ts.AverageBuy*ts.StockOwned + o.Price*o.Quantity) / (ts.StockOwned + o.Quantity)
	ts.StockOwned += o.Quantity
	ts.LastFillTime = at
}

// SellPlan is a computed limit sell covering the whole position.
type SellPlan struct {
	Price    float64
	Quantity float64
}

// ShouldPlaceSell reports whether a take-profit sell is due.
func ShouldPlaceSell(ts *ticker.TickerState) bool {
	return ts.StockOwned > 0 && ts.LimitSellID == 0
}

// NeedsSellReplace reports whether the working sell's price no longer
// matches the take-profit level, e.g. after an additional buy fill
// moved the average.
func NeedsSellReplace(ts *ticker.TickerState) bool {
	return ts.StockOwned > 0 && ts.LimitSellID != 0 && ts.LimitSellPrice != SellPrice(ts)
}

// PlanSell computes the sell covering the current position.
func PlanSell(ts *ticker.TickerState) SellPlan {
	return SellPlan{Price: SellPrice(ts), Quantity: ts.StockOwned}
}

// ApplySellPlaced records the working sell order. The watermark resets
// with it: a fresh or replacement order's filled quantity restarts at
// zero, and the shares sold under the old order were already credited.
func ApplySellPlaced(ts *ticker.TickerState, orderID int64, price float64) {
	ts.LimitSellID = orderID
	ts.LimitSellPrice = price
	ts.LastFillQuantity = 0
}

// ApplySellFill commits the observed state of the working sell order.
//
// A FILLED order liquidates the position: the remaining quantity beyond
// the partial-fill watermark is credited, the purchase state resets and
// the fill price becomes the re-entry reference. A still-working order
// with filledQuantity above the watermark credits only the delta, so
// repeated polls of the same partial fill never double-count.
func ApplySellFill(ts *ticker.TickerState, o broker.Order, at time.Time) {
	if o.Status == broker.StatusFilled {
		delta := o.Quantity - ts.LastFillQuantity
		ts.LimitSellID = 0
		ts.LimitSellPrice = 0
		ts.StockSold += delta
		ts.PreviousBuy = 0
		ts.AverageBuy = 0
		ts.PreviousSell = o.Price
		ts.StockOwned = 0
		ts.AvailableBalance += o.Price * delta
		ts.LastFillQuantity = 0
		ts.LastFillTime = at
		return
	}
	if o.FilledQuantity > ts.LastFillQuantity {
		delta := o.FilledQuantity - ts.LastFillQuantity
		ts.StockOwned -= delta
		ts.StockSold += delta
		ts.AvailableBalance += delta * o.Price
		ts.LastFillQuantity = o.FilledQuantity
		ts.LastFillTime = at
	}
}

// ShouldCancelBuy reports whether the working buy's grid price went
// stale because a full sell just completed; the buy is canceled so the
// next cycle re-places it against the new reference price.
func ShouldCancelBuy(ts *ticker.TickerState) bool {
	return ts.PreviousSell > 0 && ts.LimitBuyID > 0
}

// ApplyBuyCanceled commits a successful cancel: refund the debit and
// clear the working order.
func ApplyBuyCanceled(ts *ticker.TickerState) {
	ts.AvailableBalance += ts.LimitBuyPrice * ts.OrderQuantity
	ts.LimitBuyID = 0
	ts.LimitBuyPrice = 0
}

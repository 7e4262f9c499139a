// Package recovery rebuilds ticker state from the brokerage account
// after a restart without a usable snapshot.
package recovery

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/amirphl/grid-trader/internal/broker"
	"github.com/amirphl/grid-trader/internal/journal"
	"github.com/amirphl/grid-trader/internal/ratelimit"
	"github.com/amirphl/grid-trader/internal/ticker"
)

// Reconciler queries account positions and working orders and overlays
// them onto a freshly configured book. The account is authoritative for
// what is owned and what is resting; the previous-buy reference price
// is not recoverable from the account and gets estimated from the
// average cost and the position depth.
type Reconciler struct {
	gw      broker.Gateway
	limiter *ratelimit.Limiter
	journal journal.Journaler

	now func() time.Time
}

func New(gw broker.Gateway, limiter *ratelimit.Limiter, j journal.Journaler) *Reconciler {
	return &Reconciler{gw: gw, limiter: limiter, journal: j, now: time.Now}
}

// Reconcile overwrites the book's per-ticker position and order fields
// with what the account reports. Configured strategy parameters and the
// per-symbol allocation are kept; the available balance becomes the
// allocation minus the cost of held shares and resting buys.
func (r *Reconciler) Reconcile(ctx context.Context, book *ticker.Book) error {
	token := book.Access().Token

	slot := r.limiter.Acquire()
	positions, orders, err := r.gw.GetAccount(ctx, token)
	r.limiter.Record(slot)
	if err != nil {
		return fmt.Errorf("recovery: get account: %w", err)
	}

	bySymbol := make(map[string]broker.Position, len(positions))
	for _, p := range positions {
		bySymbol[p.Symbol] = p
	}
	working := make(map[string][]broker.Order)
	for _, o := range orders {
		if !o.Status.Terminal() {
			working[o.Symbol] = append(working[o.Symbol], o)
		}
	}

	symbols := book.Symbols()

	book.Lock()
	defer book.Unlock()

	for _, sym := range symbols {
		ts := book.State(sym)
		allocation := ts.AvailableBalance

		ts.LimitBuyID = 0
		ts.LimitBuyPrice = 0
		ts.LimitSellID = 0
		ts.LimitSellPrice = 0
		ts.LastFillQuantity = 0
		ts.StockOwned = 0
		ts.AverageBuy = 0
		ts.PreviousBuy = 0
		ts.PreviousSell = 0

		if p, ok := bySymbol[sym]; ok && p.LongQuantity > 0 {
			ts.StockOwned = p.LongQuantity
			ts.AverageBuy = p.AveragePrice
			ts.PreviousBuy = estimatePreviousBuy(p.LongQuantity, p.AveragePrice, ts.OrderQuantity, ts.BuyProportion)
			allocation -= p.LongQuantity * p.AveragePrice
		}

		for _, o := range working[sym] {
			switch o.Side {
			case broker.SideBuy:
				if ts.LimitBuyID != 0 {
					log.Printf("Reconcile | %s: multiple working buys, keeping %d and ignoring %d", sym, ts.LimitBuyID, o.ID)
					continue
				}
				ts.LimitBuyID = o.ID
				ts.LimitBuyPrice = o.Price
				allocation -= o.Price * o.Quantity
			case broker.SideSell:
				if ts.LimitSellID != 0 {
					log.Printf("Reconcile | %s: multiple working sells, keeping %d and ignoring %d", sym, ts.LimitSellID, o.ID)
					continue
				}
				ts.LimitSellID = o.ID
				ts.LimitSellPrice = o.Price
				// Already-filled shares are absent from the position, so
				// only the watermark carries over.
				ts.LastFillQuantity = o.FilledQuantity
			}
		}

		if allocation < 0 {
			log.Printf("Reconcile | %s: account holds more than the configured allocation covers (short %.2f)", sym, -allocation)
			allocation = 0
		}
		ts.AvailableBalance = allocation

		log.Printf("Reconcile | %s: owned=%.0f avg=%.4f buy=%d sell=%d balance=%.2f",
			sym, ts.StockOwned, ts.AverageBuy, ts.LimitBuyID, ts.LimitSellID, ts.AvailableBalance)
	}

	if r.journal != nil {
		if err := r.journal.LogEvent(ctx, journal.Event{
			Time:        r.now(),
			Type:        "recovery",
			Description: "rebuilt ticker state from account",
			Data:        map[string]any{"positions": len(positions), "working_orders": len(orders)},
		}); err != nil {
			log.Printf("Reconcile | failed to journal recovery: %v", err)
		}
	}
	return nil
}

// estimatePreviousBuy guesses the last grid buy price from the position
// depth. One order deep, the average is the last buy. Deeper positions
// bought on the way down, so the last buy sits under the average; the
// further down the grid, the closer to a full step below.
func estimatePreviousBuy(owned, average, orderQuantity, buyProportion float64) float64 {
	switch {
	case owned <= orderQuantity:
		return average
	case owned > 2*orderQuantity:
		return average * (1 - buyProportion)
	default:
		return average * (1 - buyProportion/2)
	}
}

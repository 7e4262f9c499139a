// Package coordinator runs the grid trading cycle over all tickers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/amirphl/grid-trader/internal/broker"
	"github.com/amirphl/grid-trader/internal/engine"
	"github.com/amirphl/grid-trader/internal/journal"
	"github.com/amirphl/grid-trader/internal/metrics"
	"github.com/amirphl/grid-trader/internal/notifier"
	"github.com/amirphl/grid-trader/internal/ratelimit"
	"github.com/amirphl/grid-trader/internal/store"
	"github.com/amirphl/grid-trader/internal/ticker"
)

// Config for the trading coordinator.
type Config struct {
	OpenTime  string // "04:00", includes extended hours
	CloseTime string // "17:00"
	Location  *time.Location
}

// Coordinator drives the trading cycle: refresh credentials, update
// quotes, place buys, track fills, place or replace sells, cancel stale
// buys. Decisions are extracted from the book under its lock, brokerage
// I/O runs unlocked and rate-limited, and the resulting delta is applied
// back under the lock after re-validating its precondition. A failed
// call is recorded as a transient cycle error and retried next cycle;
// only a stop request ends the loop.
type Coordinator struct {
	book    *ticker.Book
	gw      broker.Gateway
	limiter *ratelimit.Limiter
	storage store.Storage
	notify  notifier.Notifier
	gate    hoursGate

	// alerted throttles repeat notifications per symbol and kind.
	alerted map[string]time.Time

	// Injected for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(book *ticker.Book, gw broker.Gateway, limiter *ratelimit.Limiter, storage store.Storage, notify notifier.Notifier, cfg Config) (*Coordinator, error) {
	if cfg.OpenTime == "" {
		cfg.OpenTime = "04:00"
	}
	if cfg.CloseTime == "" {
		cfg.CloseTime = "17:00"
	}
	gate, err := newHoursGate(cfg.OpenTime, cfg.CloseTime, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	if notify == nil {
		notify = notifier.Noop{}
	}
	return &Coordinator{
		book:    book,
		gw:      gw,
		limiter: limiter,
		storage: storage,
		notify:  notify,
		gate:    gate,
		alerted: make(map[string]time.Time),
		now:     time.Now,
		sleep:   sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Coordinator) stopped(ctx context.Context) bool {
	return ctx.Err() != nil || c.book.Halted()
}

// Run drives trading until the context is canceled or a stop reason is
// recorded. It reconciles all working orders and persists a snapshot at
// the end of every session window and once more on the way out.
func (c *Coordinator) Run(ctx context.Context) error {
	log.Printf("Run | starting coordinator for %d tickers", len(c.book.Symbols()))

	for !c.stopped(ctx) {
		c.book.ResetCycleErrors()

		if wait := c.gate.untilOpen(c.now()); wait > 0 {
			log.Printf("Run | outside trading hours, sleeping %v until next open", wait.Round(time.Second))
			if !c.sleep(ctx, wait) {
				break
			}
		}

		for c.gate.inHours(c.now()) && !c.stopped(ctx) {
			c.refreshAccess(ctx)
			c.quotesStep(ctx)
			c.buyStep(ctx)
			c.trackStep(ctx)
			c.sellStep(ctx)
			c.cancelStep(ctx)
			c.alertStep()
			metrics.Cycles.Inc()
		}

		// Session window over (or stopping): bring every working order
		// up to date and persist.
		end := context.WithoutCancel(ctx)
		c.refreshAccess(end)
		c.reconcileAll(end)
		c.persist(end)
	}

	if reasons := c.book.StopReasons(); len(reasons) > 0 {
		log.Printf("Run | coordinator stopped: %v", reasons)
	} else {
		log.Printf("Run | coordinator stopped: %v", ctx.Err())
	}
	return nil
}

// call gates one brokerage operation through the rate limiter and
// stamps the slot afterward.
func (c *Coordinator) call(op string, fn func() error) error {
	slot := c.limiter.Acquire()
	err := fn()
	c.limiter.Record(slot)
	if err != nil {
		metrics.APIErrors.WithLabelValues(op).Inc()
	}
	return err
}

func (c *Coordinator) token() string { return c.book.Access().Token }

func (c *Coordinator) refreshAccess(ctx context.Context) {
	access := c.book.Access()
	if !access.NeedsRefresh(c.now()) {
		return
	}
	var fresh broker.Access
	err := c.call("access", func() error {
		var err error
		fresh, err = c.gw.RefreshAccess(ctx)
		return err
	})
	if err != nil {
		c.book.AddCycleError(fmt.Sprintf("could not refresh access token: %v", err))
		return
	}
	c.book.SetAccess(fresh)
}

func (c *Coordinator) quotesStep(ctx context.Context) {
	symbols := c.book.Symbols()
	if len(symbols) == 0 {
		return
	}
	token := c.token()

	var quotes map[string]broker.Quote
	err := c.call("quotes", func() error {
		var err error
		quotes, err = c.gw.GetQuotes(ctx, token, symbols)
		return err
	})
	if err != nil {
		c.book.AddCycleError(fmt.Sprintf("could not get quotes: %v", err))
		return
	}

	for _, sym := range symbols {
		if q, ok := quotes[sym]; ok {
			c.book.UpdateQuote(sym, q.Bid, q.Ask)
		}
	}
}

// buyStep makes sure each ticker without a working buy gets one, funds
// permitting.
func (c *Coordinator) buyStep(ctx context.Context) {
	for _, sym := range c.book.Symbols() {
		if c.stopped(ctx) {
			return
		}

		c.book.Lock()
		ts := c.book.State(sym)
		plan, err := engine.PlanBuy(ts)
		c.book.Unlock()
		if err != nil {
			continue // working buy, full position or low funds; alertStep reports the latter
		}

		token := c.token()
		var orderID int64
		callErr := c.call("place", func() error {
			var err error
			orderID, err = c.gw.PlaceOrder(ctx, token, broker.OrderRequest{
				Symbol: sym, Side: broker.SideBuy, Quantity: plan.Quantity, LimitPrice: plan.Price,
			})
			return err
		})
		if callErr != nil {
			c.book.AddCycleError(fmt.Sprintf("could not place buy order for %s at price %v: %v", sym, plan.Price, callErr))
			continue
		}

		c.book.Lock()
		ts = c.book.State(sym)
		if ts.LimitBuyID == 0 {
			engine.ApplyBuyPlaced(ts, orderID, plan.Price)
			metrics.OrdersPlaced.WithLabelValues(string(broker.SideBuy)).Inc()
			metrics.AvailableBalance.WithLabelValues(sym).Set(ts.AvailableBalance)
		} else {
			// Single-writer discipline should make this unreachable.
			c.book.AddCycleError(fmt.Sprintf("buy order %d for %s placed while another was working", orderID, sym))
		}
		c.book.Unlock()

		log.Printf("buyStep | %s: placed limit buy %d at %v", sym, orderID, plan.Price)
	}
}

// trackStep reconciles at most one working order per ticker per cycle:
// the buy if the bid crossed its price, otherwise the sell if the ask
// crossed. The status query is the source of truth; the quote only
// decides which order is worth a rate-limiter slot.
func (c *Coordinator) trackStep(ctx context.Context) {
	for _, sym := range c.book.Symbols() {
		if c.stopped(ctx) {
			return
		}

		c.book.Lock()
		ts := c.book.State(sym)
		var orderID int64
		var side broker.Side
		if engine.ShouldTrackBuy(ts) {
			orderID, side = ts.LimitBuyID, broker.SideBuy
		} else if engine.ShouldTrackSell(ts) {
			orderID, side = ts.LimitSellID, broker.SideSell
		}
		c.book.Unlock()

		if orderID != 0 {
			c.reconcileOrder(ctx, sym, side, orderID)
		}
	}
}

// reconcileOrder queries one working order and applies its fill state.
func (c *Coordinator) reconcileOrder(ctx context.Context, sym string, side broker.Side, orderID int64) {
	token := c.token()
	var o broker.Order
	err := c.call("status", func() error {
		var err error
		o, err = c.gw.GetOrderStatus(ctx, token, orderID)
		return err
	})
	if err != nil {
		c.book.AddCycleError(fmt.Sprintf("could not get %s order %d for %s: %v", side, orderID, sym, err))
		return
	}

	now := c.now()
	var filled, partial bool
	var fillQty float64

	c.book.Lock()
	ts := c.book.State(sym)
	switch side {
	case broker.SideBuy:
		// The order may have been replaced or canceled while unlocked.
		if ts.LimitBuyID == orderID && o.Status == broker.StatusFilled {
			engine.ApplyBuyFill(ts, o, now)
			filled = true
			fillQty = o.Quantity
		}
	case broker.SideSell:
		if ts.LimitSellID == orderID {
			before := ts.LastFillQuantity
			engine.ApplySellFill(ts, o, now)
			filled = o.Status == broker.StatusFilled
			partial = !filled && ts.LastFillQuantity > before
			fillQty = o.Quantity
		}
	}
	if filled || partial {
		metrics.Fills.WithLabelValues(string(side)).Inc()
		metrics.AvailableBalance.WithLabelValues(sym).Set(ts.AvailableBalance)
		metrics.StockOwned.WithLabelValues(sym).Set(ts.StockOwned)
	}
	c.book.Unlock()

	if filled {
		log.Printf("reconcileOrder | %s: %s order %d filled at %v", sym, side, orderID, o.Price)
		if err := c.storage.RecordFill(ctx, store.Fill{
			OrderID: orderID, Symbol: sym, Side: side,
			Price: o.Price, Quantity: fillQty,
			PlacedAt: o.EnteredTime, FilledAt: now,
		}); err != nil {
			log.Printf("reconcileOrder | failed to record fill for %s order %d: %v", sym, orderID, err)
		}
		c.logEvent(ctx, "order", string(side)+"_filled", map[string]any{
			"symbol": sym, "order_id": orderID, "price": o.Price, "quantity": fillQty,
		})
	} else if partial {
		c.logEvent(ctx, "order", "sell_partial_fill", map[string]any{
			"symbol": sym, "order_id": orderID, "filled_quantity": o.FilledQuantity,
		})
	}
}

// sellStep places the take-profit sell for any ticker holding stock and
// replaces it when the average buy moved underneath it.
func (c *Coordinator) sellStep(ctx context.Context) {
	for _, sym := range c.book.Symbols() {
		if c.stopped(ctx) {
			return
		}

		c.book.Lock()
		ts := c.book.State(sym)
		var plan engine.SellPlan
		var replaceID int64
		place := false
		if engine.ShouldPlaceSell(ts) {
			plan = engine.PlanSell(ts)
			place = true
		} else if engine.NeedsSellReplace(ts) {
			plan = engine.PlanSell(ts)
			replaceID = ts.LimitSellID
		}
		c.book.Unlock()

		switch {
		case place:
			c.placeSell(ctx, sym, plan)
		case replaceID != 0:
			c.replaceSell(ctx, sym, replaceID, plan)
		}
	}
}

func (c *Coordinator) placeSell(ctx context.Context, sym string, plan engine.SellPlan) {
	token := c.token()
	var orderID int64
	err := c.call("place", func() error {
		var err error
		orderID, err = c.gw.PlaceOrder(ctx, token, broker.OrderRequest{
			Symbol: sym, Side: broker.SideSell, Quantity: plan.Quantity, LimitPrice: plan.Price,
		})
		return err
	})
	if err != nil {
		c.book.AddCycleError(fmt.Sprintf("could not place sell order for %s at price %v: %v", sym, plan.Price, err))
		return
	}

	c.book.Lock()
	ts := c.book.State(sym)
	if ts.LimitSellID == 0 {
		engine.ApplySellPlaced(ts, orderID, plan.Price)
		metrics.OrdersPlaced.WithLabelValues(string(broker.SideSell)).Inc()
	} else {
		c.book.AddCycleError(fmt.Sprintf("sell order %d for %s placed while another was working", orderID, sym))
	}
	c.book.Unlock()

	log.Printf("placeSell | %s: placed limit sell %d at %v", sym, orderID, plan.Price)
}

func (c *Coordinator) replaceSell(ctx context.Context, sym string, oldID int64, plan engine.SellPlan) {
	token := c.token()
	var orderID int64
	err := c.call("replace", func() error {
		var err error
		orderID, err = c.gw.ReplaceOrder(ctx, token, oldID, broker.OrderRequest{
			Symbol: sym, Side: broker.SideSell, Quantity: plan.Quantity, LimitPrice: plan.Price,
		})
		return err
	})
	if err != nil {
		// The old order may have filled underneath the replace; read it
		// back instead of silently dropping it.
		c.book.AddCycleError(fmt.Sprintf("could not replace sell order %d for %s at price %v: %v", oldID, sym, plan.Price, err))
		c.reconcileOrder(ctx, sym, broker.SideSell, oldID)
		return
	}

	c.book.Lock()
	ts := c.book.State(sym)
	if ts.LimitSellID == oldID {
		engine.ApplySellPlaced(ts, orderID, plan.Price)
		metrics.Replaces.Inc()
	}
	c.book.Unlock()

	log.Printf("replaceSell | %s: replaced sell %d with %d at %v", sym, oldID, orderID, plan.Price)
}

// cancelStep cancels the working buy of any ticker whose sell just
// completed, so the next cycle re-places it at the new reference price.
func (c *Coordinator) cancelStep(ctx context.Context) {
	for _, sym := range c.book.Symbols() {
		if c.stopped(ctx) {
			return
		}

		c.book.Lock()
		ts := c.book.State(sym)
		var orderID int64
		if engine.ShouldCancelBuy(ts) {
			orderID = ts.LimitBuyID
		}
		c.book.Unlock()
		if orderID == 0 {
			continue
		}

		token := c.token()
		err := c.call("cancel", func() error {
			return c.gw.CancelOrder(ctx, token, orderID)
		})
		if err != nil {
			c.book.AddCycleError(fmt.Sprintf("could not cancel buy order %d for %s: %v", orderID, sym, err))
			continue
		}

		c.book.Lock()
		ts = c.book.State(sym)
		if ts.LimitBuyID == orderID {
			engine.ApplyBuyCanceled(ts)
			metrics.Cancels.Inc()
			metrics.AvailableBalance.WithLabelValues(sym).Set(ts.AvailableBalance)
		}
		c.book.Unlock()

		log.Printf("cancelStep | %s: canceled stale buy %d", sym, orderID)
	}
}

// alertStep notifies about tickers that cannot fund their next buy or
// have not traded for a while. One alert per symbol and kind per day.
func (c *Coordinator) alertStep() {
	now := c.now()
	snap := c.book.Snapshot()
	for _, sym := range snap.Symbols {
		ts := snap.Tickers[sym]

		if ts.LimitBuyID == 0 {
			if _, err := engine.PlanBuy(&ts); errors.Is(err, engine.ErrInsufficientFunds) {
				price := engine.BuyPrice(&ts)
				c.alertOnce("funds:"+sym, now, notifier.LowFundsMessage(sym, ts.AvailableBalance, price*ts.OrderQuantity))
			}
		}
		if !ts.LastFillTime.IsZero() && now.Sub(ts.LastFillTime) > notifier.StaleAfter {
			c.alertOnce("stale:"+sym, now, notifier.StaleTickerMessage(sym, ts.LastFillTime))
		}
	}
}

func (c *Coordinator) alertOnce(key string, now time.Time, msg string) {
	if last, ok := c.alerted[key]; ok && now.Sub(last) < 24*time.Hour {
		return
	}
	c.alerted[key] = now
	if err := c.notify.SendWithRetry(msg); err != nil {
		log.Printf("alertOnce | failed to send notification: %v", err)
	}
}

// reconcileAll brings every working order up to date regardless of
// quote crossings. Runs at the end of a session window.
func (c *Coordinator) reconcileAll(ctx context.Context) {
	for _, sym := range c.book.Symbols() {
		c.book.Lock()
		ts := c.book.State(sym)
		buyID, sellID := ts.LimitBuyID, ts.LimitSellID
		c.book.Unlock()

		if buyID != 0 {
			c.reconcileOrder(ctx, sym, broker.SideBuy, buyID)
		}
		if sellID != 0 {
			c.reconcileOrder(ctx, sym, broker.SideSell, sellID)
		}
	}
}

// persist writes the session snapshot, including the rate limiter's
// call times so a restart stays inside the provider's limit.
func (c *Coordinator) persist(ctx context.Context) {
	snap := c.book.Snapshot()
	snap.RateSlots = c.limiter.Slots()
	if err := c.storage.SaveSnapshot(ctx, snap); err != nil {
		log.Printf("persist | failed to save snapshot: %v", err)
		c.book.AddCycleError(fmt.Sprintf("could not save snapshot: %v", err))
		return
	}
	log.Printf("persist | snapshot saved (%d tickers)", len(snap.Symbols))
}

func (c *Coordinator) logEvent(ctx context.Context, typ, desc string, data map[string]any) {
	if err := c.storage.LogEvent(ctx, journal.Event{
		Time:        c.now(),
		Type:        typ,
		Description: desc,
		Data:        data,
	}); err != nil {
		log.Printf("logEvent | failed to journal %s/%s: %v", typ, desc, err)
	}
}

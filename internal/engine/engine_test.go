package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/grid-trader/internal/broker"
	"github.com/amirphl/grid-trader/internal/ticker"
)

func newTicker() *ticker.TickerState {
	return &ticker.TickerState{
		Symbol:           "NAIL",
		FirstBuyPrice:    10,
		BuyProportion:    0.05,
		SellProportion:   0.02,
		NewBuyProportion: 0.03,
		OrderQuantity:    10,
		MaxBuys:          3,
		MaxDigits:        2,
		AvailableBalance: 1000,
	}
}

func fill(price, qty float64) broker.Order {
	return broker.Order{Status: broker.StatusFilled, Price: price, Quantity: qty}
}

func TestBuyPriceRules(t *testing.T) {
	ts := newTicker()

	t.Run("first buy", func(t *testing.T) {
		assert.Equal(t, 10.0, BuyPrice(ts))
	})

	t.Run("grid step below previous buy", func(t *testing.T) {
		ts := newTicker()
		ts.StockOwned = 10
		ts.AverageBuy = 10
		ts.PreviousBuy = 10
		assert.Equal(t, 9.5, BuyPrice(ts))
	})

	t.Run("re-entry below previous sell", func(t *testing.T) {
		ts := newTicker()
		ts.PreviousSell = 10
		assert.Equal(t, 9.7, BuyPrice(ts))
	})

	t.Run("rounding respects max digits", func(t *testing.T) {
		ts := newTicker()
		ts.StockOwned = 10
		ts.AverageBuy = 9.49
		ts.PreviousBuy = 9.49
		// 9.49 * 0.95 = 9.0155 -> 9.02
		assert.Equal(t, 9.02, BuyPrice(ts))
	})
}

func TestPlanBuyGuards(t *testing.T) {
	t.Run("working buy blocks", func(t *testing.T) {
		ts := newTicker()
		ts.LimitBuyID = 1
		ts.LimitBuyPrice = 10
		_, err := PlanBuy(ts)
		require.ErrorIs(t, err, ErrBuyWorking)
	})

	t.Run("position full blocks", func(t *testing.T) {
		ts := newTicker()
		ts.StockOwned = 30 // 3 * OrderQuantity
		ts.AverageBuy = 9.5
		ts.PreviousBuy = 9
		_, err := PlanBuy(ts)
		require.ErrorIs(t, err, ErrPositionFull)
	})

	t.Run("insufficient funds blocks", func(t *testing.T) {
		ts := newTicker()
		ts.AvailableBalance = 99 // next buy costs 100
		_, err := PlanBuy(ts)
		require.ErrorIs(t, err, ErrInsufficientFunds)
	})

	t.Run("plan carries price and quantity", func(t *testing.T) {
		ts := newTicker()
		plan, err := PlanBuy(ts)
		require.NoError(t, err)
		assert.Equal(t, BuyPlan{Price: 10, Quantity: 10}, plan)
	})
}

func TestAverageBuyMath(t *testing.T) {
	ts := newTicker()

	ApplyBuyFill(ts, fill(10, 10), time.Now())
	assert.Equal(t, 10.0, ts.AverageBuy)
	assert.Equal(t, 10.0, ts.StockOwned)

	ApplyBuyFill(ts, fill(12, 10), time.Now())
	assert.Equal(t, 11.0, ts.AverageBuy)
	assert.Equal(t, 20.0, ts.StockOwned)
	assert.Equal(t, 20.0, ts.StockBought)
	assert.Equal(t, 12.0, ts.PreviousBuy)
}

// End-to-end grid scenario: second buy at the grid step, average
// recalculated, sell placed at the rounded take-profit, full fill
// resets the position.
func TestGridScenario(t *testing.T) {
	ts := newTicker()

	// First buy placed and filled at 10.
	plan, err := PlanBuy(ts)
	require.NoError(t, err)
	ApplyBuyPlaced(ts, 1, plan.Price)
	assert.Equal(t, 900.0, ts.AvailableBalance)
	ApplyBuyFill(ts, fill(10, 10), time.Now())

	// Price drops to 9.49; the grid buy was waiting at 9.50.
	plan, err = PlanBuy(ts)
	require.NoError(t, err)
	assert.Equal(t, 9.5, plan.Price)
	ApplyBuyPlaced(ts, 2, plan.Price)
	ApplyBuyFill(ts, fill(9.5, 10), time.Now())
	assert.Equal(t, 9.75, ts.AverageBuy)

	// Take-profit: 9.75 * 1.02 = 9.945 -> 9.95 at two digits.
	require.True(t, ShouldPlaceSell(ts))
	sp := PlanSell(ts)
	assert.Equal(t, 9.95, sp.Price)
	assert.Equal(t, 20.0, sp.Quantity)
	ApplySellPlaced(ts, 3, sp.Price)

	// Full fill resets the position and records the re-entry reference.
	before := ts.AvailableBalance
	ApplySellFill(ts, fill(9.95, 20), time.Now())
	assert.Equal(t, 0.0, ts.StockOwned)
	assert.Equal(t, 0.0, ts.AverageBuy)
	assert.Equal(t, 0.0, ts.PreviousBuy)
	assert.Equal(t, 9.95, ts.PreviousSell)
	assert.Equal(t, int64(0), ts.LimitSellID)
	assert.InDelta(t, before+9.95*20, ts.AvailableBalance, 1e-9)
	require.NoError(t, ts.Validate())
}

func TestNeedsSellReplaceAfterAverageMoves(t *testing.T) {
	ts := newTicker()
	ApplyBuyFill(ts, fill(10, 10), time.Now())
	sp := PlanSell(ts)
	ApplySellPlaced(ts, 5, sp.Price) // 10.20

	assert.False(t, NeedsSellReplace(ts))

	ApplyBuyFill(ts, fill(9.5, 10), time.Now())
	assert.True(t, NeedsSellReplace(ts), "average moved, sell is stale")
	assert.Equal(t, 9.95, SellPrice(ts))
}

func TestPartialFillWatermark(t *testing.T) {
	ts := newTicker()
	ApplyBuyFill(ts, fill(10, 10), time.Now())
	ApplySellPlaced(ts, 9, 10.2)

	partial := broker.Order{Status: broker.StatusWorking, Price: 10.2, Quantity: 10, FilledQuantity: 4}
	ApplySellFill(ts, partial, time.Now())
	assert.Equal(t, 6.0, ts.StockOwned)
	assert.Equal(t, 4.0, ts.StockSold)
	assert.Equal(t, 4.0, ts.LastFillQuantity)
	credited := ts.AvailableBalance

	// Re-polling the same partial state must be a no-op.
	ApplySellFill(ts, partial, time.Now())
	assert.Equal(t, 6.0, ts.StockOwned)
	assert.Equal(t, 4.0, ts.StockSold)
	assert.Equal(t, credited, ts.AvailableBalance)

	// Completion credits only the remaining quantity.
	ApplySellFill(ts, broker.Order{Status: broker.StatusFilled, Price: 10.2, Quantity: 10, FilledQuantity: 10}, time.Now())
	assert.Equal(t, 0.0, ts.StockOwned)
	assert.Equal(t, 10.0, ts.StockSold)
	assert.InDelta(t, credited+6*10.2, ts.AvailableBalance, 1e-9)
	assert.Equal(t, 0.0, ts.LastFillQuantity)
}

// A replacement sell is a brand-new order at the venue, so its fill
// count restarts at zero. Shares partially filled under the old order
// must not be subtracted again when the replacement completes.
func TestSellReplaceAfterPartialFill(t *testing.T) {
	ts := newTicker()

	plan, err := PlanBuy(ts)
	require.NoError(t, err)
	ApplyBuyPlaced(ts, 1, plan.Price)
	ApplyBuyFill(ts, fill(10, 10), time.Now())

	sp := PlanSell(ts)
	ApplySellPlaced(ts, 2, sp.Price) // 10.20

	// 4 of 10 fill before the grid buy drags the average down.
	ApplySellFill(ts, broker.Order{Status: broker.StatusWorking, Price: 10.2, Quantity: 10, FilledQuantity: 4}, time.Now())
	assert.Equal(t, 6.0, ts.StockOwned)

	plan, err = PlanBuy(ts)
	require.NoError(t, err)
	ApplyBuyPlaced(ts, 3, plan.Price) // 9.50
	ApplyBuyFill(ts, fill(9.5, 10), time.Now())
	assert.Equal(t, 16.0, ts.StockOwned)

	require.True(t, NeedsSellReplace(ts))
	sp = PlanSell(ts)
	assert.Equal(t, 9.88, sp.Price)
	assert.Equal(t, 16.0, sp.Quantity)
	ApplySellPlaced(ts, 4, sp.Price)
	assert.Equal(t, 0.0, ts.LastFillQuantity, "replacement starts with nothing filled")

	ApplySellFill(ts, fill(9.88, 16), time.Now())
	assert.Equal(t, 0.0, ts.StockOwned)
	assert.Equal(t, 20.0, ts.StockSold)
	// 1000 - 100 - 95 + 4*10.20 + 16*9.88
	assert.InDelta(t, 1003.88, ts.AvailableBalance, 1e-9)
	require.NoError(t, ts.Validate())
}

// Money conservation: any sequence of place, cancel and fill operations
// leaves balance = initial - debits + refunds + credits.
func TestBalanceConservation(t *testing.T) {
	ts := newTicker()
	initial := ts.AvailableBalance

	plan, err := PlanBuy(ts)
	require.NoError(t, err)
	ApplyBuyPlaced(ts, 1, plan.Price)
	debit := plan.Price * plan.Quantity

	ApplyBuyFill(ts, fill(plan.Price, plan.Quantity), time.Now())

	sp := PlanSell(ts)
	ApplySellPlaced(ts, 2, sp.Price)

	// A stale grid buy goes out and comes back via cancel.
	plan2, err := PlanBuy(ts)
	require.NoError(t, err)
	ApplyBuyPlaced(ts, 3, plan2.Price)
	debit2 := plan2.Price * plan2.Quantity

	ApplySellFill(ts, fill(sp.Price, sp.Quantity), time.Now())
	credit := sp.Price * sp.Quantity

	require.True(t, ShouldCancelBuy(ts), "sell completion makes the buy stale")
	ApplyBuyCanceled(ts)
	refund := debit2

	assert.InDelta(t, initial-debit-debit2+credit+refund, ts.AvailableBalance, 1e-9)
	assert.InDelta(t, initial-debit+credit, ts.AvailableBalance, 1e-9)
	require.NoError(t, ts.Validate())
	assert.GreaterOrEqual(t, ts.AvailableBalance, 0.0)
}

func TestTrackTriggers(t *testing.T) {
	ts := newTicker()
	ts.LimitBuyID = 1
	ts.LimitBuyPrice = 9.5
	ts.BidPrice = 9.51
	assert.False(t, ShouldTrackBuy(ts))
	ts.BidPrice = 9.5
	assert.True(t, ShouldTrackBuy(ts))

	ts.LimitSellID = 2
	ts.LimitSellPrice = 10.2
	ts.AskPrice = 10.19
	assert.False(t, ShouldTrackSell(ts))
	ts.AskPrice = 10.2
	assert.True(t, ShouldTrackSell(ts))
}

func TestApplyBuyPlacedClearsReentryReference(t *testing.T) {
	ts := newTicker()
	ts.PreviousSell = 10
	plan, err := PlanBuy(ts)
	require.NoError(t, err)
	assert.Equal(t, 9.7, plan.Price)
	ApplyBuyPlaced(ts, 11, plan.Price)
	assert.Equal(t, 0.0, ts.PreviousSell)
	assert.Equal(t, int64(11), ts.LimitBuyID)
}

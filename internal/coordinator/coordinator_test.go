package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/grid-trader/internal/broker"
	"github.com/amirphl/grid-trader/internal/notifier"
	"github.com/amirphl/grid-trader/internal/ratelimit"
	"github.com/amirphl/grid-trader/internal/store"
	"github.com/amirphl/grid-trader/internal/ticker"
)

type recordingNotifier struct {
	messages []string
}

func (r *recordingNotifier) Send(msg string) error          { r.messages = append(r.messages, msg); return nil }
func (r *recordingNotifier) SendWithRetry(msg string) error { return r.Send(msg) }

type harness struct {
	coord *Coordinator
	book  *ticker.Book
	gw    *broker.MockGateway
	mem   *store.MemoryStore
	note  *recordingNotifier
	now   time.Time
}

// Tuesday, well inside regular trading hours.
var tradingDay = time.Date(2026, time.March, 3, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()

	book := ticker.NewBook()
	require.NoError(t, book.Add(ticker.Params{
		Symbol:           "MTDR",
		FirstBuyPrice:    9.91,
		Balance:          1000,
		BuyProportion:    0.04,
		SellProportion:   0.035,
		NewBuyProportion: 0.02,
	}, 3))
	book.SetAccess(broker.Access{Token: "test-token", Expiry: tradingDay.Add(24 * time.Hour)})

	gw := broker.NewMockGateway()
	mem := store.NewMemory()
	note := &recordingNotifier{}

	// A wide limiter keeps every slot zero so tests never sleep.
	coord, err := New(book, gw, ratelimit.New(100), mem, note, Config{
		OpenTime: "04:00", CloseTime: "17:00", Location: time.UTC,
	})
	require.NoError(t, err)

	h := &harness{coord: coord, book: book, gw: gw, mem: mem, note: note, now: tradingDay}
	coord.now = func() time.Time { return h.now }
	coord.sleep = func(ctx context.Context, d time.Duration) bool { return false }
	return h
}

func (h *harness) state() ticker.TickerState {
	h.book.Lock()
	defer h.book.Unlock()
	return *h.book.State("MTDR")
}

func TestFullTradeCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gw.SetQuote("MTDR", 9.91, 9.92)
	h.coord.quotesStep(ctx)

	// Cycle 1: the first grid buy goes out at the configured entry price.
	h.coord.buyStep(ctx)
	buyID := h.gw.LastOrderID()
	ts := h.state()
	assert.Equal(t, buyID, ts.LimitBuyID)
	assert.InDelta(t, 9.91, ts.LimitBuyPrice, 1e-9)
	assert.InDelta(t, 1000-9.91*32, ts.AvailableBalance, 1e-9)
	assert.InDelta(t, 32, ts.OrderQuantity, 1e-9)

	// The bid drops through the buy, the broker fills it.
	h.gw.FillOrder(buyID)
	h.gw.SetQuote("MTDR", 9.80, 9.81)
	h.coord.quotesStep(ctx)
	h.coord.trackStep(ctx)
	ts = h.state()
	assert.Zero(t, ts.LimitBuyID)
	assert.InDelta(t, 32, ts.StockOwned, 1e-9)
	assert.InDelta(t, 9.91, ts.AverageBuy, 1e-9)

	// Cycle 2: the take-profit sell rests above the average, and a new
	// grid buy rests a step below the previous one.
	h.coord.sellStep(ctx)
	sellID := h.gw.LastOrderID()
	ts = h.state()
	assert.Equal(t, sellID, ts.LimitSellID)
	assert.InDelta(t, 10.26, ts.LimitSellPrice, 1e-9) // 9.91 * 1.035 rounded

	h.coord.buyStep(ctx)
	buyID2 := h.gw.LastOrderID()
	ts = h.state()
	assert.Equal(t, buyID2, ts.LimitBuyID)
	assert.InDelta(t, 9.51, ts.LimitBuyPrice, 1e-9) // 9.91 * 0.96 rounded

	// The market rallies through the sell instead.
	h.gw.FillOrder(sellID)
	h.gw.SetQuote("MTDR", 10.28, 10.30)
	h.coord.quotesStep(ctx)
	h.coord.trackStep(ctx)
	ts = h.state()
	assert.Zero(t, ts.LimitSellID)
	assert.Zero(t, ts.StockOwned)
	assert.Zero(t, ts.AverageBuy)
	assert.InDelta(t, 10.26, ts.PreviousSell, 1e-9)

	// Cycle 3: the leftover grid buy is stale now; cancel refunds it.
	h.coord.cancelStep(ctx)
	ts = h.state()
	assert.Zero(t, ts.LimitBuyID)
	if canceled, ok := h.gw.Order(buyID2); assert.True(t, ok) {
		assert.Equal(t, broker.StatusCanceled, canceled.Status)
	}

	// Money conservation: the round trip banked exactly the grid profit.
	assert.InDelta(t, 1000+(10.26-9.91)*32, ts.AvailableBalance, 1e-9)

	// Cycle 4: re-entry below the completed sale.
	h.coord.buyStep(ctx)
	ts = h.state()
	assert.InDelta(t, 10.05, ts.LimitBuyPrice, 1e-9) // 10.26 * 0.98 rounded
	assert.Zero(t, ts.PreviousSell)

	fills := h.mem.Fills()
	require.Len(t, fills, 2)
	assert.Equal(t, broker.SideBuy, fills[0].Side)
	assert.Equal(t, broker.SideSell, fills[1].Side)
	assert.Empty(t, h.book.CycleErrors())
}

func TestPlaceFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gw.SetQuote("MTDR", 9.91, 9.92)
	h.gw.FailNext("place", errors.New("503 from broker"))

	h.coord.buyStep(ctx)
	ts := h.state()
	assert.Zero(t, ts.LimitBuyID)
	assert.InDelta(t, 1000, ts.AvailableBalance, 1e-9)
	assert.Len(t, h.book.CycleErrors(), 1)

	// The next cycle simply tries again.
	h.coord.buyStep(ctx)
	ts = h.state()
	assert.NotZero(t, ts.LimitBuyID)
	assert.Equal(t, 2, h.gw.PlaceCalls)
}

func TestSellReplacedWhenAverageMoves(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gw.SeedOrder(broker.Order{
		ID: 500, Symbol: "MTDR", Side: broker.SideSell,
		Status: broker.StatusWorking, Price: 10.26, Quantity: 32,
	})
	h.book.Lock()
	ts := h.book.State("MTDR")
	ts.StockOwned = 64
	ts.AverageBuy = 9.71 // a second, cheaper buy filled under the resting sell
	ts.PreviousBuy = 9.51
	ts.LimitSellID = 500
	ts.LimitSellPrice = 10.26
	h.book.Unlock()

	h.coord.sellStep(ctx)
	st := h.state()
	assert.Equal(t, 1, h.gw.ReplaceCalls)
	assert.Equal(t, h.gw.LastOrderID(), st.LimitSellID)
	assert.InDelta(t, 10.05, st.LimitSellPrice, 1e-9) // 9.71 * 1.035 rounded
}

func TestReplaceFailureFallsBackToStatusRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The sell filled just before the replace reached the broker.
	h.gw.SeedOrder(broker.Order{
		ID: 500, Symbol: "MTDR", Side: broker.SideSell,
		Status: broker.StatusFilled, Price: 10.26, Quantity: 32, FilledQuantity: 32,
	})
	h.book.Lock()
	ts := h.book.State("MTDR")
	ts.AvailableBalance = 400
	ts.StockOwned = 32
	ts.AverageBuy = 9.71
	ts.PreviousBuy = 9.51
	ts.LimitSellID = 500
	ts.LimitSellPrice = 10.26
	h.book.Unlock()

	h.gw.FailNext("replace", errors.New("order not replaceable"))
	h.coord.sellStep(ctx)

	st := h.state()
	assert.Zero(t, st.LimitSellID)
	assert.Zero(t, st.StockOwned)
	assert.InDelta(t, 400+10.26*32, st.AvailableBalance, 1e-9)
	assert.NotEmpty(t, h.book.CycleErrors())
}

func TestPartialSellFillKeepsOrderWorking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gw.SeedOrder(broker.Order{
		ID: 500, Symbol: "MTDR", Side: broker.SideSell,
		Status: broker.StatusWorking, Price: 10.26, Quantity: 32, FilledQuantity: 10,
	})
	h.book.Lock()
	ts := h.book.State("MTDR")
	ts.AvailableBalance = 400
	ts.StockOwned = 32
	ts.AverageBuy = 9.91
	ts.PreviousBuy = 9.91
	ts.LimitSellID = 500
	ts.LimitSellPrice = 10.26
	h.book.Unlock()
	h.gw.SetQuote("MTDR", 10.27, 10.28)

	h.coord.quotesStep(ctx)
	h.coord.trackStep(ctx)
	st := h.state()
	assert.Equal(t, int64(500), st.LimitSellID)
	assert.InDelta(t, 10, st.LastFillQuantity, 1e-9)
	assert.InDelta(t, 22, st.StockOwned, 1e-9)
	assert.InDelta(t, 400+10.26*10, st.AvailableBalance, 1e-9)

	// Seeing the same partial again must not credit twice.
	h.coord.trackStep(ctx)
	st = h.state()
	assert.InDelta(t, 400+10.26*10, st.AvailableBalance, 1e-9)
}

func TestHaltStopsSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gw.SetQuote("MTDR", 9.91, 9.92)
	h.book.Halt("operator stop")

	h.coord.buyStep(ctx)
	assert.Zero(t, h.gw.PlaceCalls)
	assert.Zero(t, h.state().LimitBuyID)
}

func TestRunPersistsSnapshotAtSessionEnd(t *testing.T) {
	h := newHarness(t)

	// Each clock read advances one minute; the session closes soon after
	// the loop starts, then the overnight sleep is interrupted.
	base := time.Date(2026, time.March, 3, 16, 55, 0, 0, time.UTC)
	calls := 0
	h.coord.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Minute)
	}
	h.gw.SetQuote("MTDR", 9.91, 9.92)
	h.book.SetAccess(broker.Access{Token: "test-token", Expiry: base.Add(24 * time.Hour)})

	require.NoError(t, h.coord.Run(context.Background()))

	assert.Greater(t, h.gw.PlaceCalls, 0)
	snap, err := h.mem.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Contains(t, snap.Symbols, "MTDR")
	assert.NotZero(t, snap.Tickers["MTDR"].LimitBuyID)
}

func TestLowFundsAlertThrottled(t *testing.T) {
	h := newHarness(t)

	h.book.Lock()
	ts := h.book.State("MTDR")
	ts.AvailableBalance = 5 // cannot fund 32 shares at any grid price
	h.book.Unlock()

	h.coord.alertStep()
	h.coord.alertStep()
	assert.Len(t, h.note.messages, 1)

	h.now = h.now.Add(25 * time.Hour)
	h.coord.alertStep()
	assert.Len(t, h.note.messages, 2)
}

func TestStaleTickerAlert(t *testing.T) {
	h := newHarness(t)

	h.book.Lock()
	ts := h.book.State("MTDR")
	ts.LimitBuyID = 900
	ts.LimitBuyPrice = 9.91
	ts.LastFillTime = h.now.Add(-notifier.StaleAfter - time.Hour)
	h.book.Unlock()

	h.coord.alertStep()
	require.Len(t, h.note.messages, 1)
	assert.Contains(t, h.note.messages[0], "MTDR")
}

package ticker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/grid-trader/internal/broker"
)

func TestAddDerivesOrderQuantity(t *testing.T) {
	b := NewBook()
	err := b.Add(Params{
		Symbol:         "MTDR",
		FirstBuyPrice:  9.91,
		Balance:        1000,
		BuyProportion:  0.045,
		SellProportion: 0.035,
	}, 3)
	require.NoError(t, err)

	b.Lock()
	ts := b.State("MTDR")
	b.Unlock()

	// floor(1000 / (9.91 * 1.035 * 3)) = floor(32.49...) = 32
	assert.Equal(t, float64(32), ts.OrderQuantity)
	assert.Equal(t, 3, ts.MaxBuys)
	assert.Equal(t, 2, ts.MaxDigits)
}

func TestAddSubDollarGetsFourDigits(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Add(Params{
		Symbol:         "NOVN",
		FirstBuyPrice:  0.49,
		Balance:        1000,
		SellProportion: 0.015,
	}, 3))

	b.Lock()
	ts := b.State("NOVN")
	b.Unlock()
	assert.Equal(t, 4, ts.MaxDigits)
}

func TestAddRejectsDuplicateAndUnfundable(t *testing.T) {
	b := NewBook()
	p := Params{Symbol: "NAIL", FirstBuyPrice: 28.71, Balance: 1000, SellProportion: 0.06}
	require.NoError(t, b.Add(p, 3))

	if err := b.Add(p, 3); err == nil {
		t.Error("expected duplicate symbol error")
	}

	tiny := Params{Symbol: "HXL", FirstBuyPrice: 500, Balance: 100, SellProportion: 0.035}
	if err := b.Add(tiny, 3); err == nil {
		t.Error("expected unfundable balance error")
	}
}

func TestValidateCatchesTornState(t *testing.T) {
	ts := TickerState{Symbol: "SVC", AvailableBalance: 100}
	require.NoError(t, ts.Validate())

	torn := ts
	torn.LimitBuyID = 42
	assert.Error(t, torn.Validate(), "buy id without price")

	torn = ts
	torn.StockOwned = 10
	assert.Error(t, torn.Validate(), "owned without average")

	torn = ts
	torn.AvailableBalance = -1
	assert.Error(t, torn.Validate())
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Add(Params{Symbol: "BIMI", FirstBuyPrice: 2.83, Balance: 1000, SellProportion: 0.02}, 3))
	b.SetAccess(broker.Access{Token: "tok", Expiry: time.Now().Add(time.Hour)})

	snap := b.Snapshot()

	b.Lock()
	b.State("BIMI").AvailableBalance = 1
	b.Unlock()

	assert.Equal(t, float64(1000), snap.Tickers["BIMI"].AvailableBalance,
		"snapshot must not observe later mutation")
	assert.Equal(t, []string{"BIMI"}, snap.Symbols)
	assert.Equal(t, "tok", snap.Access.Token)
}

func TestFromSnapshotRoundTrip(t *testing.T) {
	b := NewBook()
	require.NoError(t, b.Add(Params{Symbol: "SGBX", FirstBuyPrice: 2.73, Balance: 1000, SellProportion: 0.02}, 3))
	b.Lock()
	ts := b.State("SGBX")
	ts.LimitBuyID = 7001
	ts.LimitBuyPrice = 2.73
	ts.StockBought = 122
	b.Unlock()

	restored := FromSnapshot(b.Snapshot())
	restored.Lock()
	got := restored.State("SGBX")

	require.NotNil(t, got)
	assert.Equal(t, int64(7001), got.LimitBuyID)
	assert.Equal(t, 2.73, got.LimitBuyPrice)
	assert.Equal(t, float64(122), got.StockBought)
	restored.Unlock()

	assert.Equal(t, []string{"SGBX"}, restored.Symbols())
}

func TestHaltAndCycleErrors(t *testing.T) {
	b := NewBook()
	assert.False(t, b.Halted())
	b.Halt("user asked to stop bot")
	assert.True(t, b.Halted())
	assert.Equal(t, []string{"user asked to stop bot"}, b.StopReasons())

	b.AddCycleError("could not get quotes")
	assert.Equal(t, []string{"could not get quotes"}, b.CycleErrors())
	b.ResetCycleErrors()
	assert.Empty(t, b.CycleErrors())
}

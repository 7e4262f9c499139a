// Package ticker
package ticker

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/amirphl/grid-trader/internal/broker"
)

// TickerState is the per-symbol trading record. All mutation happens
// inside the book's critical sections; the coordinator is the single
// writer, the control channel and stores read deep copies.
type TickerState struct {
	Symbol string `json:"symbol"`

	// Strategy parameters, immutable after creation.
	FirstBuyPrice    float64 `json:"first_buy_price"`
	BuyProportion    float64 `json:"buy_proportion"`
	SellProportion   float64 `json:"sell_proportion"`
	NewBuyProportion float64 `json:"new_buy_proportion"`
	OrderQuantity    float64 `json:"order_quantity"`
	MaxBuys          int     `json:"max_buys"`
	MaxDigits        int     `json:"max_digits"`

	// Money reserved for this symbol. Debited on buy placement, credited
	// on cancel and on sell fills. Never negative.
	AvailableBalance float64 `json:"available_balance"`

	// Running purchase state since the last full liquidation.
	PreviousBuy float64 `json:"previous_buy"`
	AverageBuy  float64 `json:"average_buy"`
	StockOwned  float64 `json:"stock_owned"`

	// Last full-liquidation sale price; nonzero only between that sale
	// and the next buy placement.
	PreviousSell float64 `json:"previous_sell"`

	// Partial-fill watermark for the working sell order.
	LastFillQuantity float64 `json:"last_fill_quantity"`

	// The single working order per side; 0 means none outstanding.
	LimitBuyID     int64   `json:"limit_buy_id"`
	LimitBuyPrice  float64 `json:"limit_buy_price"`
	LimitSellID    int64   `json:"limit_sell_id"`
	LimitSellPrice float64 `json:"limit_sell_price"`

	// Last observed quote, advisory only.
	BidPrice float64 `json:"bid_price"`
	AskPrice float64 `json:"ask_price"`

	// Lifetime counters.
	StockBought float64 `json:"stock_bought"`
	StockSold   float64 `json:"stock_sold"`

	// When the last buy or sell fill was observed, for stale alerts.
	LastFillTime time.Time `json:"last_fill_time"`
}

// Validate checks the record's invariants.
func (t *TickerState) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("ticker: empty symbol")
	}
	if t.AvailableBalance < 0 {
		return fmt.Errorf("ticker %s: negative available balance %f", t.Symbol, t.AvailableBalance)
	}
	if (t.LimitBuyID == 0) != (t.LimitBuyPrice == 0) {
		return fmt.Errorf("ticker %s: buy id/price mismatch (%d, %f)", t.Symbol, t.LimitBuyID, t.LimitBuyPrice)
	}
	if (t.LimitSellID == 0) != (t.LimitSellPrice == 0) {
		return fmt.Errorf("ticker %s: sell id/price mismatch (%d, %f)", t.Symbol, t.LimitSellID, t.LimitSellPrice)
	}
	if (t.StockOwned == 0) != (t.AverageBuy == 0) {
		return fmt.Errorf("ticker %s: owned/average mismatch (%f, %f)", t.Symbol, t.StockOwned, t.AverageBuy)
	}
	if t.StockBought < 0 || t.StockSold < 0 {
		return fmt.Errorf("ticker %s: negative lifetime counter", t.Symbol)
	}
	return nil
}

// Params configures a new ticker.
type Params struct {
	Symbol           string  `yaml:"symbol"`
	FirstBuyPrice    float64 `yaml:"first_buy_price"`
	Balance          float64 `yaml:"balance"`
	BuyProportion    float64 `yaml:"buy_proportion"`
	SellProportion   float64 `yaml:"sell_proportion"`
	NewBuyProportion float64 `yaml:"new_buy_proportion"`
	MaxDigits        int     `yaml:"max_digits"`
	MaxBuys          int     `yaml:"max_buys"` // 0 means the book default
}

// OrderQuantity derives the fixed share count per transaction: the
// balance split so that MaxBuys grid buys (each sold at the take-profit
// level) fit inside it.
func (p Params) OrderQuantity(maxBuys int) float64 {
	return math.Floor(p.Balance / (p.FirstBuyPrice * (1 + p.SellProportion) * float64(maxBuys)))
}

// Snapshot is a consistent deep copy of the whole session, fit for
// persistence and display.
type Snapshot struct {
	Taken       time.Time              `json:"taken"`
	Symbols     []string               `json:"symbols"`
	Tickers     map[string]TickerState `json:"tickers"`
	Access      broker.Access          `json:"access"`
	RateSlots   []time.Time            `json:"rate_slots"`
	Recovered   bool                   `json:"recovered"`
	CycleErrors []string               `json:"cycle_errors,omitempty"`
}

// Book holds every TickerState plus the session fields behind a single
// lock. The coordinator holds the lock across a logical step; readers
// (control channel, stores) take the same lock through Snapshot.
type Book struct {
	mu sync.Mutex

	symbols []string // insertion order = configuration order
	states  map[string]*TickerState

	access      broker.Access
	cycleErrs   []string
	stopReasons []string
	recovered   bool
}

func NewBook() *Book {
	return &Book{states: make(map[string]*TickerState)}
}

// FromSnapshot rebuilds a book from a persisted snapshot.
func FromSnapshot(s Snapshot) *Book {
	b := NewBook()
	b.access = s.Access
	b.recovered = s.Recovered
	for _, sym := range s.Symbols {
		if ts, ok := s.Tickers[sym]; ok {
			copied := ts
			b.symbols = append(b.symbols, sym)
			b.states[sym] = &copied
		}
	}
	return b
}

// Add creates a TickerState from params. defaultMaxBuys applies when the
// params leave MaxBuys zero.
func (b *Book) Add(p Params, defaultMaxBuys int) error {
	if p.Symbol == "" {
		return fmt.Errorf("book: empty symbol")
	}
	maxBuys := p.MaxBuys
	if maxBuys == 0 {
		maxBuys = defaultMaxBuys
	}
	if maxBuys <= 0 {
		return fmt.Errorf("book: ticker %s needs a positive max buys", p.Symbol)
	}
	if p.FirstBuyPrice <= 0 || p.Balance <= 0 {
		return fmt.Errorf("book: ticker %s needs positive first buy price and balance", p.Symbol)
	}

	qty := p.OrderQuantity(maxBuys)
	if qty < 1 {
		return fmt.Errorf("book: ticker %s balance %.2f cannot fund a single share across %d buys", p.Symbol, p.Balance, maxBuys)
	}

	maxDigits := p.MaxDigits
	if maxDigits == 0 {
		// Venue tick-size proxy: sub-dollar symbols quote in 4 digits.
		maxDigits = 2
		if p.FirstBuyPrice < 1 {
			maxDigits = 4
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.states[p.Symbol]; exists {
		return fmt.Errorf("book: ticker %s already exists", p.Symbol)
	}
	b.symbols = append(b.symbols, p.Symbol)
	b.states[p.Symbol] = &TickerState{
		Symbol:           p.Symbol,
		FirstBuyPrice:    p.FirstBuyPrice,
		BuyProportion:    p.BuyProportion,
		SellProportion:   p.SellProportion,
		NewBuyProportion: p.NewBuyProportion,
		OrderQuantity:    qty,
		MaxBuys:          maxBuys,
		MaxDigits:        maxDigits,
		AvailableBalance: p.Balance,
	}
	return nil
}

// Lock acquires the book lock. Steps that read or mutate ticker state
// must run between Lock and Unlock.
func (b *Book) Lock() { b.mu.Lock() }

func (b *Book) Unlock() { b.mu.Unlock() }

// State returns the mutable record for a symbol. The caller must hold
// the book lock.
func (b *Book) State(symbol string) *TickerState { return b.states[symbol] }

// Symbols returns the configured symbols in insertion order.
func (b *Book) Symbols() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.symbols))
	copy(out, b.symbols)
	return out
}

func (b *Book) Access() broker.Access {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.access
}

func (b *Book) SetAccess(a broker.Access) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.access = a
}

// AddCycleError records a transient API error for the current cycle.
func (b *Book) AddCycleError(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cycleErrs = append(b.cycleErrs, msg)
}

func (b *Book) ResetCycleErrors() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cycleErrs = nil
}

func (b *Book) CycleErrors() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.cycleErrs))
	copy(out, b.cycleErrs)
	return out
}

// Halt records a fatal stop reason. The coordinator observes it at its
// next step boundary; in-flight I/O is allowed to finish.
func (b *Book) Halt(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopReasons = append(b.stopReasons, reason)
}

func (b *Book) Halted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.stopReasons) > 0
}

func (b *Book) StopReasons() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.stopReasons))
	copy(out, b.stopReasons)
	return out
}

func (b *Book) SetRecovered(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recovered = v
}

// Snapshot returns a consistent deep copy of the session.
func (b *Book) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Taken:     time.Now(),
		Symbols:   make([]string, len(b.symbols)),
		Tickers:   make(map[string]TickerState, len(b.states)),
		Access:    b.access,
		Recovered: b.recovered,
	}
	copy(s.Symbols, b.symbols)
	for sym, ts := range b.states {
		s.Tickers[sym] = *ts
	}
	if len(b.cycleErrs) > 0 {
		s.CycleErrors = make([]string, len(b.cycleErrs))
		copy(s.CycleErrors, b.cycleErrs)
	}
	return s
}

// UpdateQuote stores the latest bid/ask for a symbol. Used by both the
// polled quote step and the streaming feed.
func (b *Book) UpdateQuote(symbol string, bid, ask float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ts, ok := b.states[symbol]; ok {
		ts.BidPrice = bid
		ts.AskPrice = ask
	}
}

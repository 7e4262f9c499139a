package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockGateway is an in-memory Gateway for tests. Orders rest as WORKING
// until a test fills or cancels them; any call can be made to fail once
// via FailNext.
type MockGateway struct {
	mu sync.Mutex

	quotes    map[string]Quote
	orders    map[int64]Order
	positions []Position
	nextID    int64

	failNext map[string]error

	PlaceCalls   int
	ReplaceCalls int
	CancelCalls  int
	StatusCalls  int
	QuoteCalls   int
}

func NewMockGateway() *MockGateway {
	return &MockGateway{
		quotes:   make(map[string]Quote),
		orders:   make(map[int64]Order),
		nextID:   1000,
		failNext: make(map[string]error),
	}
}

func (m *MockGateway) Name() string { return "mock" }

// FailNext makes the next call of the given op ("quotes", "place",
// "replace", "cancel", "status", "account", "access") return err.
func (m *MockGateway) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = err
}

func (m *MockGateway) takeFailure(op string) error {
	if err, ok := m.failNext[op]; ok {
		delete(m.failNext, op)
		return err
	}
	return nil
}

// SetQuote sets the level-one data returned for a symbol.
func (m *MockGateway) SetQuote(symbol string, bid, ask float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[symbol] = Quote{Symbol: symbol, Bid: bid, Ask: ask}
}

// FillOrder marks an order fully filled at its limit price.
func (m *MockGateway) FillOrder(orderID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[orderID]
	o.Status = StatusFilled
	o.FilledQuantity = o.Quantity
	o.CloseTime = time.Now()
	m.orders[orderID] = o
}

// PartialFillOrder records qty shares filled without closing the order.
func (m *MockGateway) PartialFillOrder(orderID int64, qty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[orderID]
	o.FilledQuantity = qty
	m.orders[orderID] = o
}

// SetPositions sets what GetAccount reports.
func (m *MockGateway) SetPositions(positions ...Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// SeedOrder installs an order directly, for recovery tests.
func (m *MockGateway) SeedOrder(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
}

// LastOrderID returns the most recently assigned order ID.
func (m *MockGateway) LastOrderID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID
}

func (m *MockGateway) Order(orderID int64) (Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	return o, ok
}

func (m *MockGateway) RefreshAccess(ctx context.Context) (Access, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("access"); err != nil {
		return Access{}, err
	}
	return Access{Token: "mock-token", Expiry: time.Now().Add(30 * time.Minute)}, nil
}

func (m *MockGateway) GetQuotes(ctx context.Context, token string, symbols []string) (map[string]Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QuoteCalls++
	if err := m.takeFailure("quotes"); err != nil {
		return nil, err
	}
	out := make(map[string]Quote, len(symbols))
	for _, s := range symbols {
		if q, ok := m.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (m *MockGateway) PlaceOrder(ctx context.Context, token string, req OrderRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PlaceCalls++
	if err := m.takeFailure("place"); err != nil {
		return 0, err
	}
	m.nextID++
	m.orders[m.nextID] = Order{
		ID:          m.nextID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Status:      StatusWorking,
		Price:       req.LimitPrice,
		Quantity:    req.Quantity,
		EnteredTime: time.Now(),
	}
	return m.nextID, nil
}

func (m *MockGateway) ReplaceOrder(ctx context.Context, token string, orderID int64, req OrderRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReplaceCalls++
	if err := m.takeFailure("replace"); err != nil {
		return 0, err
	}
	old, ok := m.orders[orderID]
	if !ok {
		return 0, fmt.Errorf("mock: replace unknown order %d", orderID)
	}
	old.Status = StatusCanceled
	m.orders[orderID] = old

	m.nextID++
	m.orders[m.nextID] = Order{
		ID:          m.nextID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Status:      StatusWorking,
		Price:       req.LimitPrice,
		Quantity:    req.Quantity,
		EnteredTime: time.Now(),
	}
	return m.nextID, nil
}

func (m *MockGateway) CancelOrder(ctx context.Context, token string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelCalls++
	if err := m.takeFailure("cancel"); err != nil {
		return err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("mock: cancel unknown order %d", orderID)
	}
	o.Status = StatusCanceled
	o.CloseTime = time.Now()
	m.orders[orderID] = o
	return nil
}

func (m *MockGateway) GetOrderStatus(ctx context.Context, token string, orderID int64) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusCalls++
	if err := m.takeFailure("status"); err != nil {
		return Order{}, err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("mock: unknown order %d", orderID)
	}
	return o, nil
}

func (m *MockGateway) GetAccount(ctx context.Context, token string) ([]Position, []Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("account"); err != nil {
		return nil, nil, err
	}
	positions := make([]Position, len(m.positions))
	copy(positions, m.positions)
	orders := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		orders = append(orders, o)
	}
	return positions, orders, nil
}

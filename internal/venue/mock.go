package venue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockAdapter simulates a venue for dry-run mode and tests. Submitted orders
// fill after a short configurable delay; failures and timeouts can be
// injected per call.
type MockAdapter struct {
	name    string
	mu      sync.Mutex
	prices  map[string]float64
	open    map[string]OrderRequest
	pos     map[string]float64
	seq     int64
	fills   chan FillEvent
	updates chan OrderUpdate
	closed  bool

	// Injection knobs for tests
	FillDelay      time.Duration
	FailSubmits    int  // next N submits fail with ErrUnavailable
	TimeoutSubmits int  // next N submits fail with ErrTimeout
	HoldFills      bool // accepted orders stay open until ReleaseFills
	FailCancels    int  // next N cancels fail with ErrUnavailable

	equity float64
	cash   float64
}

// NewMockAdapter creates a simulated venue with realistic reference prices
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{
		name: name,
		prices: map[string]float64{
			"BTCUSDT": 60000.00,
			"ETHUSDT": 3900.00,
			"SOLUSDT": 220.00,
			"BNBUSDT": 710.00,
			"XRPUSDT": 2.35,
		},
		open:      make(map[string]OrderRequest),
		pos:       make(map[string]float64),
		fills:     make(chan FillEvent, 256),
		updates:   make(chan OrderUpdate, 64),
		FillDelay: 5 * time.Millisecond,
		equity:    1_000_000,
		cash:      1_000_000,
	}
}

// Name returns the venue identifier
func (m *MockAdapter) Name() string {
	return m.name
}

// SetPrice sets the simulated reference price for a symbol
func (m *MockAdapter) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// Price returns the simulated reference price with a small random walk
func (m *MockAdapter) Price(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	if !ok {
		return 0
	}
	p *= 1 + (rand.Float64()-0.5)*0.0002
	m.prices[symbol] = p
	return p
}

// SubmitOrder accepts the order and schedules a full fill unless a failure
// has been injected.
func (m *MockAdapter) SubmitOrder(ctx context.Context, req OrderRequest) (*Ack, error) {
	m.mu.Lock()
	if m.TimeoutSubmits > 0 {
		m.TimeoutSubmits--
		m.mu.Unlock()
		return nil, ErrTimeout
	}
	if m.FailSubmits > 0 {
		m.FailSubmits--
		m.mu.Unlock()
		return nil, ErrUnavailable
	}
	m.open[req.OrderID] = req
	hold := m.HoldFills
	m.mu.Unlock()

	if !hold {
		go m.fill(req)
	}

	return &Ack{
		VenueOrderRef: "mock-" + uuid.New().String()[:8],
		AcceptedAt:    time.Now(),
	}, nil
}

func (m *MockAdapter) fill(req OrderRequest) {
	time.Sleep(m.FillDelay)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, stillOpen := m.open[req.OrderID]; !stillOpen {
		m.mu.Unlock()
		return
	}
	delete(m.open, req.OrderID)

	price := m.prices[req.Symbol]
	if req.Price != nil {
		price = *req.Price
	}
	m.seq++
	ev := FillEvent{
		FillID:      uuid.New().String(),
		OrderID:     req.OrderID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Quantity:    req.Quantity,
		Price:       price,
		FeeCurrency: "USDT",
		FeeAmount:   req.Quantity * price * 0.0004,
		Seq:         m.seq,
		ExecutedAt:  time.Now(),
	}
	if req.Side == "BUY" {
		m.pos[req.Symbol] += req.Quantity
	} else {
		m.pos[req.Symbol] -= req.Quantity
	}
	m.mu.Unlock()

	m.fills <- ev
}

// EmitFill pushes one execution onto the fill stream without closing the
// order, used by tests that need partial fills. FillID and Seq are assigned
// if unset.
func (m *MockAdapter) EmitFill(ev FillEvent) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if ev.FillID == "" {
		ev.FillID = uuid.New().String()
	}
	if ev.Seq == 0 {
		m.seq++
		ev.Seq = m.seq
	}
	if ev.ExecutedAt.IsZero() {
		ev.ExecutedAt = time.Now()
	}
	if ev.Side == "BUY" {
		m.pos[ev.Symbol] += ev.Quantity
	} else {
		m.pos[ev.Symbol] -= ev.Quantity
	}
	m.mu.Unlock()

	m.fills <- ev
}

// ReleaseFills fills every held open order, used by tests with HoldFills
func (m *MockAdapter) ReleaseFills() {
	m.mu.Lock()
	var held []OrderRequest
	for _, req := range m.open {
		held = append(held, req)
	}
	m.HoldFills = false
	m.mu.Unlock()

	for _, req := range held {
		m.fill(req)
	}
}

// CancelOrder removes a working order
func (m *MockAdapter) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCancels > 0 {
		m.FailCancels--
		return ErrUnavailable
	}
	delete(m.open, orderID)
	return nil
}

// Fills returns the execution stream
func (m *MockAdapter) Fills() <-chan FillEvent {
	return m.fills
}

// Updates returns the order-status stream
func (m *MockAdapter) Updates() <-chan OrderUpdate {
	return m.updates
}

func (m *MockAdapter) emitUpdate(orderID, status, reason string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	req, ok := m.open[orderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.open, orderID)
	m.mu.Unlock()

	m.updates <- OrderUpdate{OrderID: orderID, Symbol: req.Symbol, Status: status, Reason: reason}
}

// CancelFromVenue reports a venue-side cancel of a held order, used by tests
func (m *MockAdapter) CancelFromVenue(orderID string) {
	m.emitUpdate(orderID, "CANCELED", "canceled at venue")
}

// ExpireOrder reports a time-in-force expiry of a held order, used by tests
func (m *MockAdapter) ExpireOrder(orderID string) {
	m.emitUpdate(orderID, "EXPIRED", "time in force lapsed")
}

// QueryOpenOrders returns the simulated working set
func (m *MockAdapter) QueryOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var orders []OpenOrder
	for id, req := range m.open {
		orders = append(orders, OpenOrder{
			OrderID:      id,
			Symbol:       req.Symbol,
			Side:         req.Side,
			Quantity:     req.Quantity,
			RemainingQty: req.Quantity,
		})
	}
	return orders, nil
}

// QueryPositions returns the simulated net positions
func (m *MockAdapter) QueryPositions(ctx context.Context) ([]PositionReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reports []PositionReport
	for symbol, qty := range m.pos {
		if qty != 0 {
			reports = append(reports, PositionReport{Symbol: symbol, NetQty: qty})
		}
	}
	return reports, nil
}

// QueryBalance returns the simulated account balance
func (m *MockAdapter) QueryBalance(ctx context.Context) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Balance{Equity: m.equity, Cash: m.cash}, nil
}

// Close shuts the fill stream down
func (m *MockAdapter) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.fills)
		close(m.updates)
	}
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marlin/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimBroker)(nil)

// FillMode controls how the simulator fills accepted orders.
type FillMode int

const (
	// FillImmediate fills the whole order as soon as it is accepted.
	FillImmediate FillMode = iota
	// FillPartial fills half the order (rounded down, at least one share)
	// on accept; the rest fills on the next GetTodayOrders poll.
	FillPartial
	// FillNever leaves orders acknowledged and unfilled.
	FillNever
)

// SimBroker implements the Broker interface in memory for paper trading and
// tests. It tracks cash and positions, de-duplicates submissions by client
// order ID, and supports failure injection for transport and rejection
// paths.
type SimBroker struct {
	mu        sync.Mutex
	connected bool

	cash      decimal.Decimal
	positions map[string]*domain.Position
	orders    map[string]*domain.Order // keyed by broker order ID
	byClient  map[string]string        // client order ID -> broker order ID

	fillMode FillMode
	// failures counts down transport errors to inject before submissions
	// succeed. rejectReason, when set, rejects every submission.
	failures     int
	rejectReason string
	// hang, when set, blocks submissions until the context expires.
	hang bool
}

// NewSimBroker creates a simulator with 1,000,000 cash and immediate fills.
func NewSimBroker() *SimBroker {
	return &SimBroker{
		cash:      decimal.NewFromInt(1_000_000),
		positions: make(map[string]*domain.Position),
		orders:    make(map[string]*domain.Order),
		byClient:  make(map[string]string),
	}
}

// Name returns "sim".
func (b *SimBroker) Name() string { return "sim" }

// Connect marks the session as established.
func (b *SimBroker) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

// Disconnect tears the session down.
func (b *SimBroker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
}

// ---------------------------------------------------------------------------
// Test configuration
// ---------------------------------------------------------------------------

// SetCash overrides the simulated cash balance.
func (b *SimBroker) SetCash(cash decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cash = cash
}

// SetPosition seeds a holding.
func (b *SimBroker) SetPosition(symbol string, qty int64, avgCost, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[symbol] = &domain.Position{
		Symbol:       symbol,
		Qty:          qty,
		AvgCost:      avgCost,
		CurrentPrice: price,
		UpdatedAt:    time.Now(),
	}
}

// SetFillMode selects the fill behavior for subsequent submissions.
func (b *SimBroker) SetFillMode(m FillMode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillMode = m
}

// FailNext injects n transport failures before submissions succeed again.
func (b *SimBroker) FailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = n
}

// RejectWith makes every subsequent submission fail with a broker-level
// rejection carrying the given reason. Empty clears the injection.
func (b *SimBroker) RejectWith(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectReason = reason
}

// HangSubmissions makes Buy/Sell block until the caller's context expires,
// simulating a hung broker call.
func (b *SimBroker) HangSubmissions(hang bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hang = hang
}

// SubmitCount returns how many orders the broker has accepted.
func (b *SimBroker) SubmitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// ---------------------------------------------------------------------------
// Trading operations
// ---------------------------------------------------------------------------

// Buy submits a simulated buy order.
func (b *SimBroker) Buy(ctx context.Context, symbol string, qty int64, price decimal.Decimal, clientOrderID string) (*Ack, error) {
	return b.submit(ctx, symbol, domain.SideBuy, qty, price, clientOrderID)
}

// Sell submits a simulated sell order.
func (b *SimBroker) Sell(ctx context.Context, symbol string, qty int64, price decimal.Decimal, clientOrderID string) (*Ack, error) {
	return b.submit(ctx, symbol, domain.SideSell, qty, price, clientOrderID)
}

func (b *SimBroker) submit(ctx context.Context, symbol string, side domain.Side, qty int64, price decimal.Decimal, clientOrderID string) (*Ack, error) {
	b.mu.Lock()

	if !b.connected {
		b.mu.Unlock()
		return nil, &ConnectionError{Op: "submit", Err: ErrNotConnected}
	}
	if b.hang {
		b.mu.Unlock()
		<-ctx.Done()
		return nil, &ConnectionError{Op: "submit", Err: ctx.Err()}
	}
	if b.failures > 0 {
		b.failures--
		b.mu.Unlock()
		return nil, &ConnectionError{Op: "submit", Err: errors.New("simulated transport failure")}
	}
	if b.rejectReason != "" {
		reason := b.rejectReason
		b.mu.Unlock()
		return nil, &RejectionError{Reason: reason}
	}

	// De-duplicate retried submissions by client order ID.
	if existing, ok := b.byClient[clientOrderID]; ok {
		b.mu.Unlock()
		return &Ack{BrokerOrderID: existing}, nil
	}

	if qty <= 0 {
		b.mu.Unlock()
		return nil, &RejectionError{Reason: fmt.Sprintf("invalid quantity %d", qty)}
	}
	if side == domain.SideSell {
		pos := b.positions[symbol]
		if pos == nil || pos.Qty < qty {
			b.mu.Unlock()
			return nil, &RejectionError{Reason: fmt.Sprintf("insufficient position in %s", symbol)}
		}
	}

	now := time.Now()
	brokerID := "sim-" + uuid.NewString()
	order := &domain.Order{
		ID:            clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		LimitPrice:    price,
		Status:        domain.OrderStatusAcknowledged,
		BrokerOrderID: brokerID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	b.orders[brokerID] = order
	b.byClient[clientOrderID] = brokerID

	switch b.fillMode {
	case FillImmediate:
		b.fill(order, qty, price)
	case FillPartial:
		half := qty / 2
		if half == 0 {
			half = 1
		}
		b.fill(order, half, price)
	}

	b.mu.Unlock()
	return &Ack{BrokerOrderID: brokerID}, nil
}

// fill applies a fill to the order and to the simulated account. Caller
// holds the mutex.
func (b *SimBroker) fill(order *domain.Order, qty int64, price decimal.Decimal) {
	if price.IsZero() {
		// Market order: fill at the last known mark, or 100 as a default.
		if pos, ok := b.positions[order.Symbol]; ok && !pos.CurrentPrice.IsZero() {
			price = pos.CurrentPrice
		} else {
			price = decimal.NewFromInt(100)
		}
	}

	order.FilledQty += qty
	order.FilledAvgPrice = price
	if order.FilledQty >= order.Qty {
		order.Status = domain.OrderStatusFilled
	} else {
		order.Status = domain.OrderStatusPartiallyFilled
	}
	order.UpdatedAt = time.Now()

	notional := price.Mul(decimal.NewFromInt(qty))
	pos := b.positions[order.Symbol]
	if order.Side == domain.SideBuy {
		b.cash = b.cash.Sub(notional)
		if pos == nil {
			pos = &domain.Position{Symbol: order.Symbol}
			b.positions[order.Symbol] = pos
		}
		oldCost := pos.AvgCost.Mul(decimal.NewFromInt(pos.Qty))
		pos.Qty += qty
		pos.AvgCost = oldCost.Add(notional).DivRound(decimal.NewFromInt(pos.Qty), 8)
		pos.CurrentPrice = price
		pos.UpdatedAt = time.Now()
	} else {
		b.cash = b.cash.Add(notional)
		pos.Qty -= qty
		pos.CurrentPrice = price
		pos.UpdatedAt = time.Now()
		if pos.Qty == 0 {
			delete(b.positions, order.Symbol)
		}
	}
}

// CancelOrder cancels an open simulated order.
func (b *SimBroker) CancelOrder(_ context.Context, brokerOrderID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return false, &ConnectionError{Op: "cancel", Err: ErrNotConnected}
	}
	order, ok := b.orders[brokerOrderID]
	if !ok {
		return false, nil
	}
	if order.Status.Terminal() {
		return false, nil
	}
	order.Status = domain.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	return true, nil
}

// GetPositions returns copies of all simulated positions.
func (b *SimBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, &ConnectionError{Op: "get_positions", Err: ErrNotConnected}
	}
	positions := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		positions = append(positions, *p)
	}
	return positions, nil
}

// GetAccount returns the simulated account snapshot.
func (b *SimBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, &ConnectionError{Op: "get_account", Err: ErrNotConnected}
	}
	marketValue := decimal.Zero
	for _, p := range b.positions {
		marketValue = marketValue.Add(p.MarketValue())
	}
	return &domain.AccountInfo{
		Cash:           b.cash,
		MarketValue:    marketValue,
		Equity:         b.cash.Add(marketValue),
		LastReconciled: time.Now(),
	}, nil
}

// GetTodayOrders returns copies of all simulated orders. Partially filled
// orders complete their remaining quantity on each poll, modelling fills
// that land between polls.
func (b *SimBroker) GetTodayOrders(_ context.Context) ([]domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, &ConnectionError{Op: "get_today_orders", Err: ErrNotConnected}
	}

	if b.fillMode == FillPartial {
		for _, o := range b.orders {
			if o.Status == domain.OrderStatusPartiallyFilled {
				b.fill(o, o.Qty-o.FilledQty, o.FilledAvgPrice)
			}
		}
	}

	orders := make([]domain.Order, 0, len(b.orders))
	for _, o := range b.orders {
		orders = append(orders, *o)
	}
	return orders, nil
}

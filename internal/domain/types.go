// Package domain defines the core types shared across the trading engine:
// signals, orders, positions, account state, and risk decisions.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// Side is the direction of a signal or order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus is the lifecycle state of an order. Transitions are monotonic:
// once an order reaches a terminal status it never leaves it.
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "created"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusAcknowledged    OrderStatus = "acknowledged"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusBrokerError     OrderStatus = "broker_error"
)

// Terminal reports whether the status is terminal.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusBrokerError:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// transition. Terminal states absorb: nothing leaves them. Cancellation is
// reachable from any non-terminal state, and broker_error from any state
// that is not already terminal.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case OrderStatusCancelled, OrderStatusBrokerError:
		return true
	}
	switch s {
	case OrderStatusCreated:
		return next == OrderStatusSubmitted
	case OrderStatusSubmitted:
		return next == OrderStatusAcknowledged || next == OrderStatusRejected
	case OrderStatusAcknowledged:
		return next == OrderStatusPartiallyFilled || next == OrderStatusFilled
	case OrderStatusPartiallyFilled:
		return next == OrderStatusPartiallyFilled || next == OrderStatusFilled
	}
	return false
}

// ---------------------------------------------------------------------------
// Signal
// ---------------------------------------------------------------------------

// Signal is an externally produced trading instruction. A signal is immutable
// once ingested and is consumed at most once; its ID is the idempotency key
// for order creation.
type Signal struct {
	ID             string
	Symbol         string
	Side           Side
	TargetQty      int64
	TargetWeight   decimal.Decimal // optional fraction of equity; zero when unset
	SuggestedPrice decimal.Decimal // optional limit price; zero means market
	Source         string
	Reason         string

	// Protective marks engine-generated stop-loss / take-profit signals,
	// which bypass the entry-side risk rules.
	Protective bool

	Executed   bool
	Skipped    bool
	SkipReason string
	OrderID    string

	SourceTime time.Time
	CreatedAt  time.Time
	ExecutedAt time.Time
}

// Pending reports whether the signal is still awaiting execution.
func (s *Signal) Pending() bool {
	return !s.Executed && !s.Skipped
}

// MarkExecuted records the order created from this signal.
func (s *Signal) MarkExecuted(orderID string, at time.Time) {
	s.Executed = true
	s.OrderID = orderID
	s.ExecutedAt = at
}

// MarkSkipped records a risk rejection outcome.
func (s *Signal) MarkSkipped(reason string) {
	s.Skipped = true
	s.SkipReason = reason
}

// ---------------------------------------------------------------------------
// Order
// ---------------------------------------------------------------------------

// Order is a broker-bound instruction derived from an approved signal (or
// entered manually, in which case SignalID is empty). The order's ID doubles
// as the client order ID tagged onto every broker submission so the adapter
// can de-duplicate retried submissions. Orders are owned by the lifecycle
// state machine; all other components treat them as read-only.
type Order struct {
	ID       string
	SignalID string
	Symbol   string
	Side     Side
	Qty      int64
	// LimitPrice is the exact limit price; zero means a market order.
	LimitPrice decimal.Decimal
	Status     OrderStatus

	BrokerOrderID  string
	FilledQty      int64
	FilledAvgPrice decimal.Decimal
	// Reason carries the broker rejection text verbatim, or the engine's
	// failure note for broker_error orders.
	Reason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UnfilledQty returns the quantity not yet filled.
func (o *Order) UnfilledQty() int64 {
	return o.Qty - o.FilledQty
}

// Active reports whether the order is live at the broker (acknowledged or
// partially filled).
func (o *Order) Active() bool {
	return o.Status == OrderStatusAcknowledged || o.Status == OrderStatusPartiallyFilled
}

// Notional returns the order's limit notional value (price × quantity).
// Market orders have no notional until filled.
func (o *Order) Notional() decimal.Decimal {
	return o.LimitPrice.Mul(decimal.NewFromInt(o.Qty))
}

// ---------------------------------------------------------------------------
// Position
// ---------------------------------------------------------------------------

// Position is a per-symbol holding. Owned by the ledger; mutated only by
// confirmed fills or broker reconciliation, never by risk evaluation.
type Position struct {
	Symbol       string
	Qty          int64
	AvgCost      decimal.Decimal
	CurrentPrice decimal.Decimal
	UpdatedAt    time.Time
}

// MarketValue returns quantity × current price.
func (p Position) MarketValue() decimal.Decimal {
	return p.CurrentPrice.Mul(decimal.NewFromInt(p.Qty))
}

// CostValue returns quantity × average cost.
func (p Position) CostValue() decimal.Decimal {
	return p.AvgCost.Mul(decimal.NewFromInt(p.Qty))
}

// ProfitLoss returns the unrealized P&L amount.
func (p Position) ProfitLoss() decimal.Decimal {
	return p.MarketValue().Sub(p.CostValue())
}

// ProfitLossRatio returns unrealized P&L as a fraction of cost. Positions
// with zero cost report zero.
func (p Position) ProfitLossRatio() decimal.Decimal {
	cost := p.CostValue()
	if cost.IsZero() {
		return decimal.Zero
	}
	return p.ProfitLoss().DivRound(cost, 8)
}

// ---------------------------------------------------------------------------
// Account
// ---------------------------------------------------------------------------

// AccountInfo is a snapshot of account-level financial state.
type AccountInfo struct {
	Cash           decimal.Decimal
	Equity         decimal.Decimal
	MarketValue    decimal.Decimal
	LastReconciled time.Time
}

// ---------------------------------------------------------------------------
// Risk decision
// ---------------------------------------------------------------------------

// Decision is the recorded outcome of one risk evaluation. Every evaluation
// produces a decision, approved or not, and decisions are persisted for
// audit.
type Decision struct {
	ID        string
	SignalID  string
	Symbol    string
	Side      Side
	Approved  bool
	// RequestedQty is the quantity the signal asked for; Qty is the approved
	// (possibly clipped) quantity. Qty is zero for rejections.
	RequestedQty int64
	Qty          int64
	// Rule names the rule that rejected or clipped the signal, or "all" for
	// a clean pass. Threshold is the computed limit the rule applied.
	Rule      string
	Reason    string
	Threshold decimal.Decimal
	CreatedAt time.Time
}

// Clipped reports whether the approved quantity was reduced.
func (d Decision) Clipped() bool {
	return d.Approved && d.Qty < d.RequestedQty
}

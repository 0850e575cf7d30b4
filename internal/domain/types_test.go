package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{
		OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusBrokerError,
	}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}

	live := []OrderStatus{
		OrderStatusCreated, OrderStatusSubmitted, OrderStatusAcknowledged, OrderStatusPartiallyFilled,
	}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusCreated, OrderStatusSubmitted, true},
		{OrderStatusCreated, OrderStatusAcknowledged, false},
		{OrderStatusCreated, OrderStatusCancelled, true},
		{OrderStatusSubmitted, OrderStatusAcknowledged, true},
		{OrderStatusSubmitted, OrderStatusRejected, true},
		{OrderStatusSubmitted, OrderStatusFilled, false},
		{OrderStatusAcknowledged, OrderStatusPartiallyFilled, true},
		{OrderStatusAcknowledged, OrderStatusFilled, true},
		{OrderStatusAcknowledged, OrderStatusSubmitted, false},
		{OrderStatusPartiallyFilled, OrderStatusPartiallyFilled, true},
		{OrderStatusPartiallyFilled, OrderStatusFilled, true},
		{OrderStatusPartiallyFilled, OrderStatusCancelled, true},
		{OrderStatusAcknowledged, OrderStatusBrokerError, true},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTerminalStatesAbsorb(t *testing.T) {
	all := []OrderStatus{
		OrderStatusCreated, OrderStatusSubmitted, OrderStatusAcknowledged,
		OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled,
		OrderStatusRejected, OrderStatusBrokerError,
	}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			if from.CanTransition(to) {
				t.Errorf("terminal state %s allows transition to %s", from, to)
			}
		}
	}
}

func TestPositionMath(t *testing.T) {
	p := Position{
		Symbol:       "AAPL",
		Qty:          100,
		AvgCost:      decimal.RequireFromString("150.00"),
		CurrentPrice: decimal.RequireFromString("165.00"),
	}

	if got, want := p.MarketValue(), decimal.RequireFromString("16500"); !got.Equal(want) {
		t.Errorf("MarketValue = %s, want %s", got, want)
	}
	if got, want := p.CostValue(), decimal.RequireFromString("15000"); !got.Equal(want) {
		t.Errorf("CostValue = %s, want %s", got, want)
	}
	if got, want := p.ProfitLoss(), decimal.RequireFromString("1500"); !got.Equal(want) {
		t.Errorf("ProfitLoss = %s, want %s", got, want)
	}
	if got, want := p.ProfitLossRatio(), decimal.RequireFromString("0.1"); !got.Equal(want) {
		t.Errorf("ProfitLossRatio = %s, want %s", got, want)
	}

	// Zero-cost position reports zero ratio rather than dividing by zero.
	empty := Position{Symbol: "MSFT"}
	if !empty.ProfitLossRatio().IsZero() {
		t.Errorf("empty position ProfitLossRatio = %s, want 0", empty.ProfitLossRatio())
	}
}

func TestSignalLifecycle(t *testing.T) {
	sig := Signal{
		ID:        "sig-1",
		Symbol:    "AAPL",
		Side:      SideBuy,
		TargetQty: 100,
		CreatedAt: time.Now(),
	}

	if !sig.Pending() {
		t.Error("new signal should be pending")
	}

	sig.MarkExecuted("ord-1", time.Now())
	if sig.Pending() {
		t.Error("executed signal should not be pending")
	}
	if sig.OrderID != "ord-1" {
		t.Errorf("OrderID = %q, want %q", sig.OrderID, "ord-1")
	}

	skipped := Signal{ID: "sig-2", Symbol: "TSLA", Side: SideBuy}
	skipped.MarkSkipped("daily loss limit reached")
	if skipped.Pending() {
		t.Error("skipped signal should not be pending")
	}
	if skipped.SkipReason == "" {
		t.Error("skipped signal should carry a reason")
	}
}

func TestOrderHelpers(t *testing.T) {
	o := Order{
		ID:         "ord-1",
		Symbol:     "AAPL",
		Side:       SideBuy,
		Qty:        500,
		LimitPrice: decimal.RequireFromString("100"),
		Status:     OrderStatusAcknowledged,
		FilledQty:  200,
	}

	if got := o.UnfilledQty(); got != 300 {
		t.Errorf("UnfilledQty = %d, want 300", got)
	}
	if !o.Active() {
		t.Error("acknowledged order should be active")
	}
	if got, want := o.Notional(), decimal.RequireFromString("50000"); !got.Equal(want) {
		t.Errorf("Notional = %s, want %s", got, want)
	}

	o.Status = OrderStatusFilled
	if o.Active() {
		t.Error("filled order should not be active")
	}
}

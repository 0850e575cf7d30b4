package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marlin/internal/domain"
)

func connectedSim(t *testing.T) *SimBroker {
	t.Helper()
	b := NewSimBroker()
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return b
}

func TestSimBrokerRequiresConnection(t *testing.T) {
	b := NewSimBroker()
	_, err := b.Buy(context.Background(), "AAPL", 10, decimal.NewFromInt(100), "c1")
	if err == nil {
		t.Fatal("Buy before Connect should fail")
	}
	if !IsRetryable(err) {
		t.Errorf("not-connected error should be a retryable connection error, got %v", err)
	}
}

func TestSimBrokerBuyAndFill(t *testing.T) {
	b := connectedSim(t)
	ctx := context.Background()

	ack, err := b.Buy(ctx, "AAPL", 100, decimal.NewFromInt(150), "c1")
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if ack.BrokerOrderID == "" {
		t.Fatal("ack missing broker order ID")
	}

	positions, err := b.GetPositions(ctx)
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 1 || positions[0].Qty != 100 {
		t.Fatalf("positions = %+v, want one AAPL position of 100", positions)
	}

	acct, err := b.GetAccount(ctx)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	wantCash := decimal.NewFromInt(1_000_000 - 15_000)
	if !acct.Cash.Equal(wantCash) {
		t.Errorf("cash = %s, want %s", acct.Cash, wantCash)
	}
	// Equity is unchanged by a fill at the fill price.
	if !acct.Equity.Equal(decimal.NewFromInt(1_000_000)) {
		t.Errorf("equity = %s, want 1000000", acct.Equity)
	}
}

func TestSimBrokerClientOrderIDDedup(t *testing.T) {
	b := connectedSim(t)
	ctx := context.Background()

	ack1, err := b.Buy(ctx, "AAPL", 10, decimal.NewFromInt(100), "dup-1")
	if err != nil {
		t.Fatalf("first Buy: %v", err)
	}
	ack2, err := b.Buy(ctx, "AAPL", 10, decimal.NewFromInt(100), "dup-1")
	if err != nil {
		t.Fatalf("second Buy: %v", err)
	}
	if ack1.BrokerOrderID != ack2.BrokerOrderID {
		t.Errorf("duplicate submission created a second order: %s vs %s", ack1.BrokerOrderID, ack2.BrokerOrderID)
	}
	if got := b.SubmitCount(); got != 1 {
		t.Errorf("SubmitCount = %d, want 1", got)
	}
}

func TestSimBrokerRejectsOversell(t *testing.T) {
	b := connectedSim(t)
	_, err := b.Sell(context.Background(), "AAPL", 10, decimal.NewFromInt(100), "c1")
	if err == nil {
		t.Fatal("Sell without position should be rejected")
	}
	if _, ok := IsRejection(err); !ok {
		t.Errorf("oversell should be a rejection, got %v", err)
	}
}

func TestSimBrokerFailureInjection(t *testing.T) {
	b := connectedSim(t)
	ctx := context.Background()
	b.FailNext(2)

	for i := 0; i < 2; i++ {
		_, err := b.Buy(ctx, "AAPL", 1, decimal.NewFromInt(100), "c1")
		if err == nil {
			t.Fatalf("attempt %d: expected injected failure", i+1)
		}
		if !IsRetryable(err) {
			t.Fatalf("attempt %d: injected failure should be retryable, got %v", i+1, err)
		}
	}

	if _, err := b.Buy(ctx, "AAPL", 1, decimal.NewFromInt(100), "c1"); err != nil {
		t.Fatalf("third attempt should succeed, got %v", err)
	}
}

func TestSimBrokerRejectionInjection(t *testing.T) {
	b := connectedSim(t)
	b.RejectWith("insufficient buying power")

	_, err := b.Buy(context.Background(), "AAPL", 1, decimal.NewFromInt(100), "c1")
	reason, ok := IsRejection(err)
	if !ok {
		t.Fatalf("expected rejection, got %v", err)
	}
	if reason != "insufficient buying power" {
		t.Errorf("reason = %q, want verbatim injected reason", reason)
	}
	if IsRetryable(err) {
		t.Error("rejection must not be retryable")
	}
}

func TestSimBrokerHangRespectsContext(t *testing.T) {
	b := connectedSim(t)
	b.HangSubmissions(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := b.Buy(ctx, "AAPL", 1, decimal.NewFromInt(100), "c1")
	if err == nil {
		t.Fatal("hung submission should fail once the context expires")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded in chain", err)
	}
	if time.Since(start) > time.Second {
		t.Error("submission did not respect the context deadline")
	}
}

func TestSimBrokerPartialFillCompletesOnPoll(t *testing.T) {
	b := connectedSim(t)
	b.SetFillMode(FillPartial)
	ctx := context.Background()

	ack, err := b.Buy(ctx, "AAPL", 100, decimal.NewFromInt(50), "c1")
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}

	orders, err := b.GetTodayOrders(ctx)
	if err != nil {
		t.Fatalf("GetTodayOrders: %v", err)
	}
	var found *domain.Order
	for i := range orders {
		if orders[i].BrokerOrderID == ack.BrokerOrderID {
			found = &orders[i]
		}
	}
	if found == nil {
		t.Fatal("submitted order not in today's orders")
	}
	if found.Status != domain.OrderStatusFilled || found.FilledQty != 100 {
		t.Errorf("after poll: status=%s filled=%d, want filled/100", found.Status, found.FilledQty)
	}
}

func TestSimBrokerCancel(t *testing.T) {
	b := connectedSim(t)
	b.SetFillMode(FillNever)
	ctx := context.Background()

	ack, err := b.Buy(ctx, "AAPL", 10, decimal.NewFromInt(100), "c1")
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}

	ok, err := b.CancelOrder(ctx, ack.BrokerOrderID)
	if err != nil || !ok {
		t.Fatalf("CancelOrder = (%v, %v), want (true, nil)", ok, err)
	}

	// A second cancel is a no-op on the terminal order.
	ok, err = b.CancelOrder(ctx, ack.BrokerOrderID)
	if err != nil {
		t.Fatalf("second CancelOrder: %v", err)
	}
	if ok {
		t.Error("cancel of a terminal order should report false")
	}
}

func TestAlpacaBrokerName(t *testing.T) {
	b := NewAlpacaBroker("key", "secret", "https://paper-api.alpaca.markets")
	if got := b.Name(); got != "alpaca" {
		t.Errorf("AlpacaBroker.Name() = %q, want %q", got, "alpaca")
	}
}

func TestWithSessionDisconnects(t *testing.T) {
	b := NewSimBroker()
	err := WithSession(context.Background(), b, func(br Broker) error {
		if _, err := br.GetAccount(context.Background()); err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("WithSession err = %v, want boom", err)
	}
	// Session must be released even though fn failed.
	if _, err := b.GetAccount(context.Background()); err == nil {
		t.Error("broker still connected after WithSession returned")
	}
}

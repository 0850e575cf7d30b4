package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"marlin/internal/broker"
	"marlin/internal/domain"
	"marlin/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLifecycle(t *testing.T, b broker.Broker) (*Lifecycle, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewLifecycle(b, s, testLogger(), time.Second, 3, 0), s
}

func newTestOrder(t *testing.T, lc *Lifecycle, side domain.Side, qty int64, price string) *domain.Order {
	t.Helper()
	sig := &domain.Signal{ID: "sig-1", Symbol: "AAPL", Side: side, TargetQty: qty}
	order, err := lc.NewOrder(context.Background(), sig, qty, dec(price))
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	return order
}

func TestSubmitAcknowledgedThenFilled(t *testing.T) {
	b := broker.NewSimBroker()
	b.Connect(context.Background())
	lc, _ := newLifecycle(t, b)
	ctx := context.Background()

	order := newTestOrder(t, lc, domain.SideBuy, 100, "150")
	if err := lc.Submit(ctx, order); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if order.Status != domain.OrderStatusAcknowledged || order.BrokerOrderID == "" {
		t.Fatalf("after submit: %+v, want acknowledged with broker ID", order)
	}

	fills, err := lc.SyncFills(ctx)
	if err != nil {
		t.Fatalf("SyncFills: %v", err)
	}
	if len(fills) != 1 || fills[0].Qty != 100 {
		t.Fatalf("fills = %+v, want one delta of 100", fills)
	}
	if !fills[0].Price.Equal(dec("150")) {
		t.Errorf("fill price = %s, want 150", fills[0].Price)
	}
	if fills[0].Order.Status != domain.OrderStatusFilled {
		t.Errorf("status = %s, want filled", fills[0].Order.Status)
	}

	// A second sync observes no new delta.
	fills, err = lc.SyncFills(ctx)
	if err != nil {
		t.Fatalf("second SyncFills: %v", err)
	}
	if len(fills) != 0 {
		t.Errorf("repeated sync produced duplicate fills: %+v", fills)
	}
}

func TestSyncChargesIncrementalFillPrice(t *testing.T) {
	b := broker.NewSimBroker()
	b.Connect(context.Background())
	lc, _ := newLifecycle(t, b)
	ctx := context.Background()

	order := newTestOrder(t, lc, domain.SideBuy, 200, "20")
	if err := lc.Transition(ctx, order, domain.OrderStatusSubmitted, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := lc.Transition(ctx, order, domain.OrderStatusAcknowledged, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	// First partial: 100 shares at an average of 10.
	fill, err := lc.applyRemote(ctx, order, &domain.Order{
		ID: order.ID, FilledQty: 100, FilledAvgPrice: dec("10"),
		Status: domain.OrderStatusPartiallyFilled,
	})
	if err != nil {
		t.Fatalf("applyRemote: %v", err)
	}
	if fill == nil || fill.Qty != 100 || !fill.Price.Equal(dec("10")) {
		t.Fatalf("first fill = %+v, want 100 at 10", fill)
	}

	// Completion at a cumulative average of 15: the second 100 shares cost
	// 20 each, not the reported average.
	fill, err = lc.applyRemote(ctx, order, &domain.Order{
		ID: order.ID, FilledQty: 200, FilledAvgPrice: dec("15"),
		Status: domain.OrderStatusFilled,
	})
	if err != nil {
		t.Fatalf("applyRemote: %v", err)
	}
	if fill == nil || fill.Qty != 100 {
		t.Fatalf("second fill = %+v, want a delta of 100", fill)
	}
	if !fill.Price.Equal(dec("20")) {
		t.Errorf("second fill price = %s, want the incremental 20", fill.Price)
	}

	// The summed deltas cost exactly what the broker charged overall.
	total := dec("10").Mul(dec("100")).Add(fill.Price.Mul(dec("100")))
	if !total.Equal(dec("15").Mul(dec("200"))) {
		t.Errorf("applied cost = %s, broker charged 3000", total)
	}
}

func TestSubmitRetriesTransportFailures(t *testing.T) {
	b := broker.NewSimBroker()
	b.Connect(context.Background())
	b.FailNext(2)
	lc, _ := newLifecycle(t, b)

	order := newTestOrder(t, lc, domain.SideBuy, 10, "100")
	if err := lc.Submit(context.Background(), order); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if order.Status != domain.OrderStatusAcknowledged {
		t.Errorf("status = %s, want acknowledged after retries", order.Status)
	}
	if got := b.SubmitCount(); got != 1 {
		t.Errorf("SubmitCount = %d, want exactly one accepted order", got)
	}
}

func TestSubmitRejectionIsTerminal(t *testing.T) {
	b := broker.NewSimBroker()
	b.Connect(context.Background())
	b.RejectWith("insufficient buying power")
	lc, s := newLifecycle(t, b)
	ctx := context.Background()

	order := newTestOrder(t, lc, domain.SideBuy, 10, "100")
	if err := lc.Submit(ctx, order); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if order.Status != domain.OrderStatusRejected {
		t.Fatalf("status = %s, want rejected", order.Status)
	}
	if order.Reason != "insufficient buying power" {
		t.Errorf("reason = %q, want the broker text verbatim", order.Reason)
	}

	// The terminal status is persisted.
	stored, err := s.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if stored.Status != domain.OrderStatusRejected {
		t.Errorf("stored status = %s, want rejected", stored.Status)
	}
}

func TestSubmitBudgetExhaustedIsBrokerError(t *testing.T) {
	b := broker.NewSimBroker()
	b.Connect(context.Background())
	b.FailNext(10)
	lc, _ := newLifecycle(t, b)

	order := newTestOrder(t, lc, domain.SideBuy, 10, "100")
	if err := lc.Submit(context.Background(), order); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if order.Status != domain.OrderStatusBrokerError {
		t.Fatalf("status = %s, want broker_error", order.Status)
	}
	if !strings.Contains(order.Reason, "3 attempts") {
		t.Errorf("reason = %q, should record the exhausted budget", order.Reason)
	}
}

func TestSubmitTimeoutCountsAsTransportFailure(t *testing.T) {
	b := broker.NewSimBroker()
	b.Connect(context.Background())
	b.HangSubmissions(true)
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	lc := NewLifecycle(b, s, testLogger(), 20*time.Millisecond, 2, 0)

	sig := &domain.Signal{ID: "sig-1", Symbol: "AAPL", Side: domain.SideBuy, TargetQty: 10}
	order, err := lc.NewOrder(context.Background(), sig, 10, dec("100"))
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}

	start := time.Now()
	if err := lc.Submit(context.Background(), order); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if order.Status != domain.OrderStatusBrokerError {
		t.Fatalf("status = %s, want broker_error after timeouts", order.Status)
	}
	if time.Since(start) > time.Second {
		t.Error("hung broker calls must be bounded by the call timeout")
	}
}

func TestCancelBeforeSubmission(t *testing.T) {
	b := broker.NewSimBroker()
	b.Connect(context.Background())
	lc, _ := newLifecycle(t, b)

	order := newTestOrder(t, lc, domain.SideBuy, 10, "100")
	fill, err := lc.Cancel(context.Background(), order)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if fill != nil {
		t.Errorf("unexpected fill from a never-submitted order: %+v", fill)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", order.Status)
	}
	if got := b.SubmitCount(); got != 0 {
		t.Errorf("broker saw %d submissions, want none", got)
	}
}

func TestCancelOpenOrder(t *testing.T) {
	b := broker.NewSimBroker()
	b.Connect(context.Background())
	b.SetFillMode(broker.FillNever)
	lc, _ := newLifecycle(t, b)
	ctx := context.Background()

	order := newTestOrder(t, lc, domain.SideBuy, 10, "100")
	if err := lc.Submit(ctx, order); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	fill, err := lc.Cancel(ctx, order)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if fill != nil {
		t.Errorf("unexpected fill: %+v", fill)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", order.Status)
	}
}

func TestCancelFillWins(t *testing.T) {
	b := broker.NewSimBroker()
	b.Connect(context.Background())
	lc, _ := newLifecycle(t, b)
	ctx := context.Background()

	// Immediate fill mode: by the time the cancel arrives, the order is
	// already filled broker-side.
	order := newTestOrder(t, lc, domain.SideBuy, 100, "150")
	if err := lc.Submit(ctx, order); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	fill, err := lc.Cancel(ctx, order)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if fill == nil || fill.Qty != 100 {
		t.Fatalf("fill = %+v, want the raced fill of 100", fill)
	}
	if order.Status != domain.OrderStatusFilled {
		t.Errorf("status = %s, fill must win over cancellation", order.Status)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	b := broker.NewSimBroker()
	b.Connect(context.Background())
	lc, _ := newLifecycle(t, b)

	order := newTestOrder(t, lc, domain.SideBuy, 10, "100")
	err := lc.Transition(context.Background(), order, domain.OrderStatusFilled, "")
	if err == nil {
		t.Fatal("created -> filled must be rejected")
	}
	if order.Status != domain.OrderStatusCreated {
		t.Errorf("status mutated on an illegal transition: %s", order.Status)
	}
}

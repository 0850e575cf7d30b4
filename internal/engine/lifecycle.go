package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marlin/internal/broker"
	"marlin/internal/domain"
	"marlin/internal/store"
	"marlin/internal/util"
)

// Fill is one fill delta observed by the lifecycle machine, ready to be
// applied to the ledger.
type Fill struct {
	Order *domain.Order
	Qty   int64
	Price decimal.Decimal
}

// Lifecycle owns every Order mutation. Orders move only through legal status
// transitions; an illegal transition is an error, never a silent reorder.
type Lifecycle struct {
	broker broker.Broker
	orders store.OrderStore
	log    *slog.Logger

	timeout       time.Duration
	retryAttempts int
	retryBaseWait time.Duration
}

// NewLifecycle creates the lifecycle machine for the given broker and order
// store. timeout bounds each broker call; retryAttempts and retryBaseWait
// shape the submission retry schedule for transport failures.
func NewLifecycle(b broker.Broker, orders store.OrderStore, log *slog.Logger,
	timeout time.Duration, retryAttempts int, retryBaseWait time.Duration) *Lifecycle {
	return &Lifecycle{
		broker:        b,
		orders:        orders,
		log:           log,
		timeout:       timeout,
		retryAttempts: retryAttempts,
		retryBaseWait: retryBaseWait,
	}
}

// NewOrder creates a persisted order in the created state. The order's ID is
// assigned here and doubles as the broker client order ID, so retried
// submissions de-duplicate broker-side.
func (lc *Lifecycle) NewOrder(ctx context.Context, sig *domain.Signal, qty int64, price decimal.Decimal) (*domain.Order, error) {
	now := time.Now()
	order := &domain.Order{
		ID:         uuid.NewString(),
		SignalID:   sig.ID,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Qty:        qty,
		LimitPrice: price,
		Status:     domain.OrderStatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := lc.orders.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persisting order for signal %s: %w", sig.ID, err)
	}
	return order, nil
}

// Transition moves the order to next and persists it. Reason is recorded on
// the order when non-empty.
func (lc *Lifecycle) Transition(ctx context.Context, order *domain.Order, next domain.OrderStatus, reason string) error {
	if !order.Status.CanTransition(next) {
		return fmt.Errorf("order %s: illegal transition %s -> %s", order.ID, order.Status, next)
	}
	order.Status = next
	if reason != "" {
		order.Reason = reason
	}
	order.UpdatedAt = time.Now()
	return lc.orders.UpdateOrder(ctx, order)
}

// Submit sends a created order to the broker. Transport failures are retried
// with exponential backoff; the order stays created between attempts so a
// restart can resume it. A broker rejection is terminal with the broker's
// reason verbatim. When the retry budget runs out the order moves to
// broker_error for operator review.
func (lc *Lifecycle) Submit(ctx context.Context, order *domain.Order) error {
	if order.Status != domain.OrderStatusCreated {
		return fmt.Errorf("order %s: submit from status %s", order.ID, order.Status)
	}

	var ack *broker.Ack
	err := util.RetryIf(ctx, lc.retryAttempts, lc.retryBaseWait, func() error {
		callCtx, cancel := context.WithTimeout(ctx, lc.timeout)
		defer cancel()

		var err error
		if order.Side == domain.SideBuy {
			ack, err = lc.broker.Buy(callCtx, order.Symbol, order.Qty, order.LimitPrice, order.ID)
		} else {
			ack, err = lc.broker.Sell(callCtx, order.Symbol, order.Qty, order.LimitPrice, order.ID)
		}
		if err != nil {
			lc.log.Warn("order submission attempt failed",
				"order_id", order.ID, "symbol", order.Symbol, "error", err)
		}
		return err
	}, broker.IsRetryable)

	if err != nil {
		if reason, rejected := broker.IsRejection(err); rejected {
			order.Status = domain.OrderStatusSubmitted
			if terr := lc.Transition(ctx, order, domain.OrderStatusRejected, reason); terr != nil {
				return terr
			}
			lc.log.Info("order rejected by broker",
				"order_id", order.ID, "symbol", order.Symbol, "reason", reason)
			return nil
		}
		// Retry budget exhausted on transport failures.
		if terr := lc.Transition(ctx, order, domain.OrderStatusBrokerError,
			fmt.Sprintf("submission failed after %d attempts: %v", lc.retryAttempts, err)); terr != nil {
			return terr
		}
		lc.log.Error("order moved to broker_error",
			"order_id", order.ID, "symbol", order.Symbol, "error", err)
		return nil
	}

	order.Status = domain.OrderStatusSubmitted
	order.BrokerOrderID = ack.BrokerOrderID
	if err := lc.Transition(ctx, order, domain.OrderStatusAcknowledged, ""); err != nil {
		return err
	}
	lc.log.Info("order acknowledged",
		"order_id", order.ID, "symbol", order.Symbol,
		"side", order.Side, "qty", order.Qty, "broker_order_id", ack.BrokerOrderID)
	return nil
}

// SyncFills polls the broker's view of today's orders and folds it into the
// active local orders. Fill quantities only ever grow; the returned deltas
// are what the caller applies to the ledger. Broker-side cancellations and
// rejections observed during the poll are folded in as well.
func (lc *Lifecycle) SyncFills(ctx context.Context) ([]Fill, error) {
	active, err := lc.orders.ListActiveOrders(ctx)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, lc.timeout)
	defer cancel()
	brokerOrders, err := lc.broker.GetTodayOrders(callCtx)
	if err != nil {
		return nil, err
	}
	byClientID := make(map[string]*domain.Order, len(brokerOrders))
	for i := range brokerOrders {
		byClientID[brokerOrders[i].ID] = &brokerOrders[i]
	}

	var fills []Fill
	for i := range active {
		order := &active[i]
		remote, ok := byClientID[order.ID]
		if !ok {
			continue
		}
		fill, err := lc.applyRemote(ctx, order, remote)
		if err != nil {
			return fills, err
		}
		if fill != nil {
			fills = append(fills, *fill)
		}
	}
	return fills, nil
}

// applyRemote folds one broker-reported order state into the local order and
// returns the fill delta, if any.
func (lc *Lifecycle) applyRemote(ctx context.Context, order *domain.Order, remote *domain.Order) (*Fill, error) {
	var fill *Fill
	delta := remote.FilledQty - order.FilledQty
	if delta > 0 {
		price := order.LimitPrice
		if !remote.FilledAvgPrice.IsZero() {
			// The broker reports a cumulative average over all filled shares.
			// Recover the incremental cost of just the new shares so the
			// ledger is charged what the broker actually charged.
			newCost := remote.FilledAvgPrice.Mul(decimal.NewFromInt(remote.FilledQty))
			oldCost := order.FilledAvgPrice.Mul(decimal.NewFromInt(order.FilledQty))
			price = newCost.Sub(oldCost).DivRound(decimal.NewFromInt(delta), 8)
			order.FilledAvgPrice = remote.FilledAvgPrice
		} else if !order.FilledAvgPrice.IsZero() {
			price = order.FilledAvgPrice
		}
		order.FilledQty = remote.FilledQty
		fill = &Fill{Order: order, Qty: delta, Price: price}
	}

	next := order.Status
	switch remote.Status {
	case domain.OrderStatusFilled:
		next = domain.OrderStatusFilled
	case domain.OrderStatusPartiallyFilled:
		next = domain.OrderStatusPartiallyFilled
	case domain.OrderStatusCancelled:
		next = domain.OrderStatusCancelled
	case domain.OrderStatusRejected:
		// A late broker rejection of an acknowledged order is an error
		// state for the engine, not a clean rejection.
		next = domain.OrderStatusBrokerError
	}

	if next != order.Status {
		if !order.Status.CanTransition(next) {
			return fill, fmt.Errorf("order %s: broker state %s unreachable from %s",
				order.ID, next, order.Status)
		}
		if err := lc.Transition(ctx, order, next, remote.Reason); err != nil {
			return fill, err
		}
		lc.log.Info("order status synced",
			"order_id", order.ID, "symbol", order.Symbol,
			"status", next, "filled_qty", order.FilledQty)
	} else if fill != nil {
		order.UpdatedAt = time.Now()
		if err := lc.orders.UpdateOrder(ctx, order); err != nil {
			return fill, err
		}
	}
	return fill, nil
}

// Cancel requests cancellation of an order. Orders never submitted cancel
// locally without a broker call. For live orders the broker confirms first
// and the order is re-synced afterwards: a fill that raced the cancellation
// wins, and the returned delta carries it.
func (lc *Lifecycle) Cancel(ctx context.Context, order *domain.Order) (*Fill, error) {
	switch {
	case order.Status == domain.OrderStatusCreated:
		return nil, lc.Transition(ctx, order, domain.OrderStatusCancelled, "cancelled before submission")
	case order.Status.Terminal():
		return nil, fmt.Errorf("order %s: already terminal (%s)", order.ID, order.Status)
	}

	callCtx, cancel := context.WithTimeout(ctx, lc.timeout)
	defer cancel()
	if _, err := lc.broker.CancelOrder(callCtx, order.BrokerOrderID); err != nil {
		return nil, fmt.Errorf("cancelling order %s: %w", order.ID, err)
	}

	// Re-sync this order so a fill that landed before the cancellation is
	// recorded instead of lost.
	brokerOrders, err := lc.broker.GetTodayOrders(callCtx)
	if err != nil {
		return nil, err
	}
	for i := range brokerOrders {
		if brokerOrders[i].ID == order.ID {
			return lc.applyRemote(ctx, order, &brokerOrders[i])
		}
	}

	// Broker no longer reports the order; treat the confirmed cancel as
	// final.
	return nil, lc.Transition(ctx, order, domain.OrderStatusCancelled, "")
}

// Package store defines storage interfaces for persisting and retrieving
// domain objects such as signals, orders, and risk decisions.
package store

import (
	"context"
	"errors"
	"time"

	"marlin/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// SignalStore persists and retrieves trading signals.
type SignalStore interface {
	// SaveSignal inserts a signal. Inserting an ID that already exists is a
	// no-op, so a re-fetched batch never duplicates signals.
	SaveSignal(ctx context.Context, signal *domain.Signal) error

	// GetSignal retrieves a single signal by its ID.
	GetSignal(ctx context.Context, id string) (*domain.Signal, error)

	// ListSignals returns the most recent signals, up to limit. With
	// pendingOnly set, only signals neither executed nor skipped are
	// returned, oldest first.
	ListSignals(ctx context.Context, pendingOnly bool, limit int) ([]domain.Signal, error)

	// UpdateSignal persists the executed/skipped outcome of a signal.
	UpdateSignal(ctx context.Context, signal *domain.Signal) error
}

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// SaveOrder inserts a new order into storage.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// GetOrderBySignal retrieves the order created from a signal, if any.
	GetOrderBySignal(ctx context.Context, signalID string) (*domain.Order, error)

	// ListOrders returns all orders matching the given status, or every
	// order when status is empty. Newest first.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)

	// ListActiveOrders returns orders still live at the broker (submitted,
	// acknowledged, or partially filled), for resumption after restart.
	ListActiveOrders(ctx context.Context) ([]domain.Order, error)

	// UpdateOrder persists changes to an existing order.
	UpdateOrder(ctx context.Context, order *domain.Order) error
}

// DecisionStore records risk evaluation outcomes for audit.
type DecisionStore interface {
	// SaveDecision appends a risk decision.
	SaveDecision(ctx context.Context, decision *domain.Decision) error

	// ListDecisions returns decisions made at or after since, newest first,
	// up to limit.
	ListDecisions(ctx context.Context, since time.Time, limit int) ([]domain.Decision, error)
}

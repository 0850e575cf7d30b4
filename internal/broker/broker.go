// Package broker defines the broker capability contract consumed by the
// execution engine and provides the Alpaca and simulator adapters.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"marlin/internal/domain"
)

// Ack is a broker acknowledgement of a submitted order.
type Ack struct {
	BrokerOrderID string
}

// Broker abstracts the brokerage operations the engine depends on. Calls are
// blocking I/O and may be slow or unreliable; callers bound them with a
// context deadline. Buy and Sell are not assumed idempotent at the transport
// layer, so every submission carries a client order ID the adapter may use
// for de-duplication.
type Broker interface {
	// Name returns the adapter identifier (e.g. "alpaca", "sim").
	Name() string

	// Connect establishes the broker session. Must be called before any
	// trading operation.
	Connect(ctx context.Context) error

	// Disconnect releases the broker session. Safe to call when not
	// connected.
	Disconnect()

	// Buy submits a buy order. A zero price means a market order.
	Buy(ctx context.Context, symbol string, qty int64, price decimal.Decimal, clientOrderID string) (*Ack, error)

	// Sell submits a sell order, symmetric to Buy.
	Sell(ctx context.Context, symbol string, qty int64, price decimal.Decimal, clientOrderID string) (*Ack, error)

	// CancelOrder requests cancellation of an open order by its broker ID.
	// The returned bool reports whether the broker accepted the request.
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)

	// GetPositions returns all positions held at the brokerage.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetAccount returns a snapshot of the account's financial state.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)

	// GetTodayOrders returns the current day's orders as the broker sees
	// them, used to drive fill synchronization and duplicate detection.
	GetTodayOrders(ctx context.Context) ([]domain.Order, error)
}

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

// ErrNotConnected is returned by trading calls made before Connect.
var ErrNotConnected = errors.New("broker: not connected")

// ConnectionError is a transport-level failure: the broker was unreachable
// or the call timed out. Connection errors are retryable.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker: %s: connection error: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RejectionError is a broker-level business rejection. Terminal: the order
// will not be retried, and Reason is stored on the order verbatim.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("broker: order rejected: %s", e.Reason)
}

// IsRetryable reports whether err is a transport failure worth retrying.
// Broker-level rejections and context cancellation are not retryable.
func IsRetryable(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsRejection reports whether err is a broker-level business rejection, and
// returns the verbatim rejection reason when it is.
func IsRejection(err error) (string, bool) {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}

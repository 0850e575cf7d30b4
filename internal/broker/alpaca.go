package broker

import (
	"context"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"marlin/internal/domain"
	"marlin/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements the Broker interface against the Alpaca trading
// API. The Alpaca SDK is synchronous and does not accept contexts, so the
// adapter checks the caller's context before each call; the engine's broker
// timeout still bounds the overall operation.
type AlpacaBroker struct {
	client    *alpaca.Client
	cal       *util.TradingCalendar
	connected bool
}

// NewAlpacaBroker creates an AlpacaBroker for the given credentials. An
// empty baseURL uses the SDK default (paper endpoint is selected via
// configuration).
func NewAlpacaBroker(apiKey, apiSecret, baseURL string) *AlpacaBroker {
	opts := alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if baseURL != "" {
		opts.BaseURL = baseURL
	}
	return &AlpacaBroker{
		client: alpaca.NewClient(opts),
		cal:    util.NewTradingCalendar(),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string { return "alpaca" }

// Connect verifies credentials by fetching the account once.
func (b *AlpacaBroker) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Op: "connect", Err: err}
	}
	if _, err := b.client.GetAccount(); err != nil {
		return &ConnectionError{Op: "connect", Err: err}
	}
	b.connected = true
	return nil
}

// Disconnect marks the session closed. The Alpaca REST client holds no
// persistent connection to release.
func (b *AlpacaBroker) Disconnect() {
	b.connected = false
}

// Buy submits a buy order via the Alpaca API.
func (b *AlpacaBroker) Buy(ctx context.Context, symbol string, qty int64, price decimal.Decimal, clientOrderID string) (*Ack, error) {
	return b.submit(ctx, symbol, alpaca.Buy, qty, price, clientOrderID)
}

// Sell submits a sell order via the Alpaca API.
func (b *AlpacaBroker) Sell(ctx context.Context, symbol string, qty int64, price decimal.Decimal, clientOrderID string) (*Ack, error) {
	return b.submit(ctx, symbol, alpaca.Sell, qty, price, clientOrderID)
}

func (b *AlpacaBroker) submit(ctx context.Context, symbol string, side alpaca.Side, qty int64, price decimal.Decimal, clientOrderID string) (*Ack, error) {
	if !b.connected {
		return nil, &ConnectionError{Op: "submit", Err: ErrNotConnected}
	}
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Op: "submit", Err: err}
	}

	qtyDec := decimal.NewFromInt(qty)
	req := alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &qtyDec,
		Side:          side,
		TimeInForce:   alpaca.Day,
		Type:          alpaca.Market,
		ClientOrderID: clientOrderID,
	}
	if !price.IsZero() {
		req.Type = alpaca.Limit
		req.LimitPrice = &price
	}

	order, err := b.client.PlaceOrder(req)
	if err != nil {
		return nil, classifySubmitError(err)
	}
	return &Ack{BrokerOrderID: order.ID}, nil
}

// classifySubmitError maps Alpaca API errors onto the engine's taxonomy.
// The SDK surfaces HTTP-level business rejections as *alpaca.APIError;
// anything else is treated as a transport failure.
func classifySubmitError(err error) error {
	var apiErr *alpaca.APIError
	if ok := asAPIError(err, &apiErr); ok {
		// 4xx responses are business rejections; 5xx are broker-side
		// transients.
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return &RejectionError{Reason: apiErr.Message}
		}
	}
	return &ConnectionError{Op: "submit", Err: err}
}

func asAPIError(err error, target **alpaca.APIError) bool {
	for err != nil {
		if ae, ok := err.(*alpaca.APIError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CancelOrder requests cancellation of an open order.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	if !b.connected {
		return false, &ConnectionError{Op: "cancel", Err: ErrNotConnected}
	}
	if err := ctx.Err(); err != nil {
		return false, &ConnectionError{Op: "cancel", Err: err}
	}
	if err := b.client.CancelOrder(brokerOrderID); err != nil {
		var apiErr *alpaca.APIError
		if asAPIError(err, &apiErr) && apiErr.StatusCode == 422 {
			// Order is no longer cancellable (already filled or done).
			return false, nil
		}
		return false, &ConnectionError{Op: "cancel", Err: err}
	}
	return true, nil
}

// GetPositions returns the account's open positions.
func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if !b.connected {
		return nil, &ConnectionError{Op: "get_positions", Err: ErrNotConnected}
	}
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Op: "get_positions", Err: err}
	}

	alpacaPositions, err := b.client.GetPositions()
	if err != nil {
		return nil, &ConnectionError{Op: "get_positions", Err: err}
	}

	positions := make([]domain.Position, 0, len(alpacaPositions))
	for _, p := range alpacaPositions {
		pos := domain.Position{
			Symbol:    p.Symbol,
			Qty:       p.Qty.IntPart(),
			AvgCost:   p.AvgEntryPrice,
			UpdatedAt: time.Now(),
		}
		if p.CurrentPrice != nil {
			pos.CurrentPrice = *p.CurrentPrice
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// GetAccount returns the account snapshot.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	if !b.connected {
		return nil, &ConnectionError{Op: "get_account", Err: ErrNotConnected}
	}
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Op: "get_account", Err: err}
	}

	acct, err := b.client.GetAccount()
	if err != nil {
		return nil, &ConnectionError{Op: "get_account", Err: err}
	}
	return &domain.AccountInfo{
		Cash:           acct.Cash,
		Equity:         acct.Equity,
		MarketValue:    acct.Equity.Sub(acct.Cash),
		LastReconciled: time.Now(),
	}, nil
}

// GetTodayOrders returns the day's orders mapped into domain orders. The
// engine matches them back to its own orders by client order ID.
func (b *AlpacaBroker) GetTodayOrders(ctx context.Context) ([]domain.Order, error) {
	if !b.connected {
		return nil, &ConnectionError{Op: "get_today_orders", Err: ErrNotConnected}
	}
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Op: "get_today_orders", Err: err}
	}

	// "Today" means the Eastern trading day, not the UTC one, or evening
	// polls would cross the date line.
	dayStart := b.cal.DayStart(time.Now())
	alpacaOrders, err := b.client.GetOrders(alpaca.GetOrdersRequest{
		Status: "all",
		After:  dayStart,
		Limit:  500,
	})
	if err != nil {
		return nil, &ConnectionError{Op: "get_today_orders", Err: err}
	}

	orders := make([]domain.Order, 0, len(alpacaOrders))
	for _, o := range alpacaOrders {
		order := domain.Order{
			ID:            o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          domain.Side(o.Side),
			Status:        mapAlpacaStatus(string(o.Status)),
			BrokerOrderID: o.ID,
			FilledQty:     o.FilledQty.IntPart(),
			CreatedAt:     o.CreatedAt,
			UpdatedAt:     o.UpdatedAt,
		}
		if o.Qty != nil {
			order.Qty = o.Qty.IntPart()
		}
		if o.LimitPrice != nil {
			order.LimitPrice = *o.LimitPrice
		}
		if o.FilledAvgPrice != nil {
			order.FilledAvgPrice = *o.FilledAvgPrice
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// mapAlpacaStatus maps Alpaca order status strings onto the engine's
// lifecycle states.
func mapAlpacaStatus(status string) domain.OrderStatus {
	switch strings.ToLower(status) {
	case "new", "accepted", "pending_new":
		return domain.OrderStatusAcknowledged
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "pending_cancel", "expired":
		return domain.OrderStatusCancelled
	case "rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusAcknowledged
	}
}

// Package signal fetches trading signals from external providers and maps
// them into domain signals ready for persistence.
package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marlin/internal/domain"
)

// Provider produces trading signals from an external source.
type Provider interface {
	// Name identifies the provider in logs and signal records.
	Name() string

	// FetchSignals returns the provider's current batch of signals. The
	// same signal may appear in consecutive batches; callers de-duplicate
	// by signal ID.
	FetchSignals(ctx context.Context) ([]domain.Signal, error)
}

// Compile-time interface check.
var _ Provider = (*HTTPProvider)(nil)

// wireSignal is the JSON shape the signal endpoint serves. Prices come as
// strings to preserve exact decimals.
type wireSignal struct {
	ID         string `json:"id"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Qty        int64  `json:"qty"`
	Weight     string `json:"weight"`
	Price      string `json:"price"`
	Reason     string `json:"reason"`
	SourceTime string `json:"source_time"` // RFC 3339
}

// HTTPProvider pulls signals from a JSON endpoint.
type HTTPProvider struct {
	name   string
	client *resty.Client
}

// NewHTTPProvider creates an HTTPProvider for the given endpoint. token, when
// non-empty, is sent as a bearer token. Transport-level retries are handled
// by the resty client; business retries are the caller's concern.
func NewHTTPProvider(name, url, token string, timeout time.Duration) *HTTPProvider {
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &HTTPProvider{name: name, client: client}
}

// Name returns the provider name.
func (p *HTTPProvider) Name() string { return p.name }

// FetchSignals fetches and decodes the current signal batch.
func (p *HTTPProvider) FetchSignals(ctx context.Context) ([]domain.Signal, error) {
	var wire []wireSignal
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&wire).
		Get("")
	if err != nil {
		return nil, fmt.Errorf("fetching signals from %s: %w", p.name, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("fetching signals from %s: status %d", p.name, resp.StatusCode())
	}

	now := time.Now()
	signals := make([]domain.Signal, 0, len(wire))
	for _, w := range wire {
		sig, err := p.mapSignal(w, now)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

func (p *HTTPProvider) mapSignal(w wireSignal, now time.Time) (domain.Signal, error) {
	var side domain.Side
	switch w.Side {
	case "buy":
		side = domain.SideBuy
	case "sell":
		side = domain.SideSell
	default:
		return domain.Signal{}, fmt.Errorf("signal %q: unknown side %q", w.ID, w.Side)
	}

	sig := domain.Signal{
		ID:        w.ID,
		Symbol:    w.Symbol,
		Side:      side,
		TargetQty: w.Qty,
		Source:    p.name,
		Reason:    w.Reason,
		CreatedAt: now,
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.Symbol == "" {
		return domain.Signal{}, fmt.Errorf("signal %q: missing symbol", sig.ID)
	}
	if w.Weight != "" {
		weight, err := decimal.NewFromString(w.Weight)
		if err != nil {
			return domain.Signal{}, fmt.Errorf("signal %q: bad weight %q", sig.ID, w.Weight)
		}
		sig.TargetWeight = weight
	}
	if w.Price != "" {
		price, err := decimal.NewFromString(w.Price)
		if err != nil {
			return domain.Signal{}, fmt.Errorf("signal %q: bad price %q", sig.ID, w.Price)
		}
		sig.SuggestedPrice = price
	}
	if w.SourceTime != "" {
		ts, err := time.Parse(time.RFC3339, w.SourceTime)
		if err != nil {
			return domain.Signal{}, fmt.Errorf("signal %q: bad source_time %q", sig.ID, w.SourceTime)
		}
		sig.SourceTime = ts
	}
	return sig, nil
}

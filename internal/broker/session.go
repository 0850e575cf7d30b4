package broker

import (
	"context"
	"fmt"

	"marlin/internal/config"
)

// New selects and constructs the broker adapter named by the configuration.
// Adapters are interchangeable behind the Broker interface; nothing in the
// engine inspects the concrete type.
func New(cfg *config.Config) (Broker, error) {
	switch cfg.Broker.Adapter {
	case "alpaca":
		if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
			return nil, fmt.Errorf("broker: alpaca adapter requires api_key and api_secret")
		}
		return NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL), nil
	case "sim":
		return NewSimBroker(), nil
	default:
		return nil, fmt.Errorf("broker: unknown adapter %q", cfg.Broker.Adapter)
	}
}

// WithSession runs fn inside a connected broker session, guaranteeing
// Disconnect on every exit path including panics and fn errors.
func WithSession(ctx context.Context, b Broker, fn func(Broker) error) error {
	if err := b.Connect(ctx); err != nil {
		return err
	}
	defer b.Disconnect()
	return fn(b)
}

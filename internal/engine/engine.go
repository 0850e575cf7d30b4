package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"marlin/internal/broker"
	"marlin/internal/config"
	"marlin/internal/domain"
	"marlin/internal/ledger"
	"marlin/internal/signal"
	"marlin/internal/store"
	"marlin/internal/util"
)

// Stores bundles the persistence interfaces the engine needs.
type Stores struct {
	Signals   store.SignalStore
	Orders    store.OrderStore
	Decisions store.DecisionStore
}

// Engine is the execution orchestrator: it drives signals through risk
// evaluation and the order lifecycle against the broker, keeps the ledger
// current, and backs every CLI operation.
type Engine struct {
	broker    broker.Broker
	stores    Stores
	archive   *store.ParquetArchive
	ledger    *ledger.Ledger
	risk      *RiskManager
	lifecycle *Lifecycle
	provider  signal.Provider
	fetchRate *util.RateLimiter
	log       *slog.Logger

	maxWorkers int
	batchLimit int

	// symLocks serializes all work on one symbol; distinct symbols run
	// concurrently on the worker pool.
	mu       sync.Mutex
	symLocks map[string]*sync.Mutex

	// halted symbols stopped trading after a ledger invariant violation and
	// need operator attention.
	halted map[string]string

	// syncMu serializes fill syncs so the same broker-reported delta is
	// never applied to the ledger twice.
	syncMu sync.Mutex
}

// New creates an Engine wired with the given dependencies. provider and
// archive may be nil when signal fetching or decision archiving is not
// configured.
func New(cfg *config.Config, b broker.Broker, stores Stores, archive *store.ParquetArchive,
	provider signal.Provider, log *slog.Logger) *Engine {
	led := ledger.New(decimal.NewFromFloat(cfg.Trading.ReconcileTolerance))
	return &Engine{
		broker:  b,
		stores:  stores,
		archive: archive,
		ledger:  led,
		risk:    NewRiskManager(cfg.Risk),
		lifecycle: NewLifecycle(b, stores.Orders, log,
			cfg.Trading.BrokerTimeout.Std(),
			cfg.Trading.RetryAttempts,
			cfg.Trading.RetryBaseWait.Std()),
		provider:   provider,
		fetchRate:  util.NewRateLimiter(cfg.Signals.FetchPerMin),
		log:        log,
		maxWorkers: cfg.Trading.MaxWorkers,
		batchLimit: cfg.Signals.FetchBatchLimit,
		symLocks:   make(map[string]*sync.Mutex),
		halted:     make(map[string]string),
	}
}

// Ledger exposes the engine's ledger for the trader loop's price marks.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

func (e *Engine) symbolLock(symbol string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.symLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		e.symLocks[symbol] = l
	}
	return l
}

func (e *Engine) haltSymbol(symbol, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted[symbol] = reason
}

// HaltedSymbols returns the symbols halted by invariant violations, with the
// reason each was halted.
func (e *Engine) HaltedSymbols() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.halted))
	for k, v := range e.halted {
		out[k] = v
	}
	return out
}

func (e *Engine) isHalted(symbol string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reason, ok := e.halted[symbol]
	return reason, ok
}

// ---------------------------------------------------------------------------
// Signal ingestion
// ---------------------------------------------------------------------------

// FetchSignals pulls the provider's current batch and persists it. Signals
// already seen (by ID) are ignored. Returns the number of new signals.
func (e *Engine) FetchSignals(ctx context.Context) (int, error) {
	if e.provider == nil {
		return 0, errors.New("no signal provider configured")
	}
	if err := e.fetchRate.Wait(ctx); err != nil {
		return 0, err
	}

	signals, err := e.provider.FetchSignals(ctx)
	if err != nil {
		return 0, err
	}

	saved := 0
	for i := range signals {
		sig := &signals[i]
		if _, err := e.stores.Signals.GetSignal(ctx, sig.ID); err == nil {
			continue
		}
		if err := e.stores.Signals.SaveSignal(ctx, sig); err != nil {
			return saved, fmt.Errorf("persisting signal %s: %w", sig.ID, err)
		}
		saved++
	}
	e.log.Info("signals fetched", "provider", e.provider.Name(),
		"received", len(signals), "new", saved)
	return saved, nil
}

// ListSignals returns stored signals, optionally only those still pending.
func (e *Engine) ListSignals(ctx context.Context, pendingOnly bool, limit int) ([]domain.Signal, error) {
	return e.stores.Signals.ListSignals(ctx, pendingOnly, limit)
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// ExecuteSignals runs the pending signal backlog through risk evaluation and
// order submission. Protective stop-loss/take-profit signals generated from
// the current ledger run first. Work on one symbol is strictly serialized in
// arrival order; distinct symbols run concurrently on a bounded pool. With
// dryRun set the full evaluation path runs but nothing is persisted and no
// broker order is placed.
func (e *Engine) ExecuteSignals(ctx context.Context, dryRun bool) error {
	if err := e.ensureReconciled(ctx); err != nil {
		return err
	}

	pending, err := e.stores.Signals.ListSignals(ctx, true, e.batchLimit)
	if err != nil {
		return err
	}

	protective := e.risk.ProtectiveSignals(e.ledger.Snapshot())
	if !dryRun {
		for i := range protective {
			if err := e.stores.Signals.SaveSignal(ctx, &protective[i]); err != nil {
				return fmt.Errorf("persisting protective signal: %w", err)
			}
		}
	}

	// Group by symbol, protective signals ahead of the user backlog.
	groups := make(map[string][]domain.Signal)
	var symbols []string
	add := func(sig domain.Signal) {
		if _, seen := groups[sig.Symbol]; !seen {
			symbols = append(symbols, sig.Symbol)
		}
		groups[sig.Symbol] = append(groups[sig.Symbol], sig)
	}
	for _, sig := range protective {
		add(sig)
	}
	for _, sig := range pending {
		add(sig)
	}
	if len(groups) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxWorkers)
	for _, symbol := range symbols {
		group := groups[symbol]
		g.Go(func() error {
			lock := e.symbolLock(symbol)
			lock.Lock()
			defer lock.Unlock()
			return e.executeSymbol(gctx, symbol, group, dryRun)
		})
	}
	return g.Wait()
}

// executeSymbol runs one symbol's signals in order. The caller holds the
// symbol lock. Only one order per symbol is put in flight per pass; signals
// behind a still-active order stay pending for the next pass.
func (e *Engine) executeSymbol(ctx context.Context, symbol string, signals []domain.Signal, dryRun bool) error {
	for i := range signals {
		if err := ctx.Err(); err != nil {
			return err
		}
		sig := &signals[i]

		if reason, halted := e.isHalted(symbol); halted {
			e.log.Warn("symbol halted, signal deferred",
				"symbol", symbol, "signal_id", sig.ID, "halt_reason", reason)
			return nil
		}

		// Idempotency: a signal that already produced an order is finished,
		// whatever the in-memory flags say.
		if existing, err := e.stores.Orders.GetOrderBySignal(ctx, sig.ID); err == nil {
			if sig.Pending() && !dryRun {
				sig.MarkExecuted(existing.ID, time.Now())
				if err := e.stores.Signals.UpdateSignal(ctx, sig); err != nil {
					return err
				}
			}
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		inFlight, err := e.executeSignal(ctx, sig, dryRun)
		if err != nil {
			return err
		}
		if inFlight {
			// At most one live order per symbol; the rest of the backlog
			// waits for the next pass.
			return nil
		}
	}
	return nil
}

// executeSignal evaluates and, when approved, submits one signal. It reports
// whether the resulting order is still live at the broker.
func (e *Engine) executeSignal(ctx context.Context, sig *domain.Signal, dryRun bool) (bool, error) {
	decision := e.risk.EvaluateSignal(sig, e.ledger.Snapshot())

	if dryRun {
		e.log.Info("dry-run decision",
			"signal_id", sig.ID, "symbol", sig.Symbol, "side", sig.Side,
			"approved", decision.Approved, "qty", decision.Qty,
			"rule", decision.Rule, "reason", decision.Reason)
		return false, nil
	}

	if err := e.recordDecision(ctx, &decision); err != nil {
		return false, err
	}

	if !decision.Approved {
		sig.MarkSkipped(fmt.Sprintf("%s: %s", decision.Rule, decision.Reason))
		if err := e.stores.Signals.UpdateSignal(ctx, sig); err != nil {
			return false, err
		}
		e.log.Info("signal rejected by risk",
			"signal_id", sig.ID, "symbol", sig.Symbol,
			"rule", decision.Rule, "reason", decision.Reason)
		return false, nil
	}
	if decision.Clipped() {
		e.log.Info("signal quantity clipped",
			"signal_id", sig.ID, "symbol", sig.Symbol,
			"requested", decision.RequestedQty, "approved", decision.Qty,
			"rule", decision.Rule)
	}

	order, err := e.lifecycle.NewOrder(ctx, sig, decision.Qty, sig.SuggestedPrice)
	if err != nil {
		return false, err
	}
	sig.MarkExecuted(order.ID, time.Now())
	if err := e.stores.Signals.UpdateSignal(ctx, sig); err != nil {
		return false, err
	}

	if err := e.lifecycle.Submit(ctx, order); err != nil {
		return false, err
	}
	if !order.Status.Terminal() {
		// Pull any immediate fill so the ledger reflects it before the next
		// signal is evaluated.
		if err := e.SyncOrders(ctx); err != nil {
			e.log.Warn("post-submit sync failed", "order_id", order.ID, "error", err)
		}
		if refreshed, err := e.stores.Orders.GetOrder(ctx, order.ID); err == nil {
			order = refreshed
		}
	}
	return order.Active(), nil
}

func (e *Engine) recordDecision(ctx context.Context, d *domain.Decision) error {
	if err := e.stores.Decisions.SaveDecision(ctx, d); err != nil {
		return fmt.Errorf("persisting decision for signal %s: %w", d.SignalID, err)
	}
	if e.archive != nil {
		if err := e.archive.ArchiveDecisions([]domain.Decision{*d}); err != nil {
			e.log.Warn("decision archive write failed", "decision_id", d.ID, "error", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Manual order operations
// ---------------------------------------------------------------------------

// SubmitOrder places a manual order. It runs the same risk evaluation as a
// signal: nothing reaches the broker unevaluated.
func (e *Engine) SubmitOrder(ctx context.Context, symbol string, side domain.Side, qty int64, price decimal.Decimal) (*domain.Order, error) {
	if err := e.ensureReconciled(ctx); err != nil {
		return nil, err
	}
	if reason, halted := e.isHalted(symbol); halted {
		return nil, fmt.Errorf("symbol %s is halted: %s", symbol, reason)
	}

	sig := &domain.Signal{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		Side:           side,
		TargetQty:      qty,
		SuggestedPrice: price,
		Source:         "manual",
		SourceTime:     time.Now(),
		CreatedAt:      time.Now(),
	}
	if err := e.stores.Signals.SaveSignal(ctx, sig); err != nil {
		return nil, err
	}

	lock := e.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	decision := e.risk.EvaluateSignal(sig, e.ledger.Snapshot())
	if err := e.recordDecision(ctx, &decision); err != nil {
		return nil, err
	}
	if !decision.Approved {
		sig.MarkSkipped(fmt.Sprintf("%s: %s", decision.Rule, decision.Reason))
		if err := e.stores.Signals.UpdateSignal(ctx, sig); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("rejected by %s: %s", decision.Rule, decision.Reason)
	}

	order, err := e.lifecycle.NewOrder(ctx, sig, decision.Qty, price)
	if err != nil {
		return nil, err
	}
	sig.MarkExecuted(order.ID, time.Now())
	if err := e.stores.Signals.UpdateSignal(ctx, sig); err != nil {
		return nil, err
	}
	if err := e.lifecycle.Submit(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// CancelOrder cancels an order by ID. A fill that raced the cancellation is
// applied to the ledger.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := e.stores.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	lock := e.symbolLock(order.Symbol)
	lock.Lock()
	defer lock.Unlock()
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	fill, err := e.lifecycle.Cancel(ctx, order)
	if err != nil {
		return nil, err
	}
	if fill != nil {
		e.applyFill(*fill)
	}
	return order, nil
}

// ListOrders returns stored orders, optionally filtered by status.
func (e *Engine) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	return e.stores.Orders.ListOrders(ctx, status)
}

// ---------------------------------------------------------------------------
// Ledger-facing operations
// ---------------------------------------------------------------------------

// SyncOrders polls broker fills into active orders and applies the deltas to
// the ledger.
func (e *Engine) SyncOrders(ctx context.Context) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	fills, err := e.lifecycle.SyncFills(ctx)
	for _, fill := range fills {
		e.applyFill(fill)
	}
	return err
}

func (e *Engine) applyFill(fill Fill) {
	if err := e.ledger.ApplyFill(fill.Order, fill.Qty, fill.Price); err != nil {
		if errors.Is(err, ledger.ErrInvariant) {
			e.haltSymbol(fill.Order.Symbol, err.Error())
			e.log.Error("ledger invariant violation, symbol halted",
				"symbol", fill.Order.Symbol, "order_id", fill.Order.ID, "error", err)
			return
		}
		e.log.Error("fill not applied",
			"symbol", fill.Order.Symbol, "order_id", fill.Order.ID, "error", err)
	}
}

// Reconcile replaces the ledger's view with broker truth and logs every
// discrepancy found.
func (e *Engine) Reconcile(ctx context.Context) ([]ledger.Discrepancy, error) {
	account, err := e.broker.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return nil, err
	}

	report := e.ledger.Reconcile(account, positions)
	for _, d := range report {
		e.log.Warn("reconciliation discrepancy", "detail", d.String())
	}
	return report, nil
}

// ensureReconciled seeds the ledger from the broker on first use.
func (e *Engine) ensureReconciled(ctx context.Context) error {
	if !e.ledger.Snapshot().Reconciled.IsZero() {
		return nil
	}
	_, err := e.Reconcile(ctx)
	return err
}

// ListPositions returns the ledger's current holdings.
func (e *Engine) ListPositions(ctx context.Context) ([]domain.Position, error) {
	if err := e.ensureReconciled(ctx); err != nil {
		return nil, err
	}
	snap := e.ledger.Snapshot()
	positions := make([]domain.Position, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		positions = append(positions, p)
	}
	return positions, nil
}

// GetAccount returns the ledger's account view.
func (e *Engine) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	if err := e.ensureReconciled(ctx); err != nil {
		return nil, err
	}
	snap := e.ledger.Snapshot()
	return &domain.AccountInfo{
		Cash:           snap.Cash,
		Equity:         snap.Equity,
		MarketValue:    snap.MarketValue,
		LastReconciled: snap.Reconciled,
	}, nil
}

// CheckRisk reports the account's standing against every risk rule.
func (e *Engine) CheckRisk(ctx context.Context) ([]Alert, error) {
	if err := e.ensureReconciled(ctx); err != nil {
		return nil, err
	}
	return e.risk.CheckAll(e.ledger.Snapshot()), nil
}

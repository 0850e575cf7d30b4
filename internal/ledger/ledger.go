// Package ledger maintains the engine's authoritative in-process view of
// cash and per-symbol holdings. The ledger is seeded from and periodically
// reconciled against broker-reported truth; outside reconciliation, only
// confirmed fills mutate it.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marlin/internal/domain"
)

// ErrInvariant marks an engine-applied delta that would corrupt the ledger
// (negative cash or negative position quantity). The ledger is left
// unchanged; the orchestrator halts the affected symbol for operator review.
var ErrInvariant = errors.New("ledger: invariant violation")

// Discrepancy is one delta found during reconciliation where broker truth
// disagreed with the ledger beyond tolerance. Broker truth always wins;
// discrepancies are reported, never silently absorbed.
type Discrepancy struct {
	// Field is "cash" or "position".
	Field    string
	Symbol   string
	Ledger   decimal.Decimal
	Broker   decimal.Decimal
	Observed time.Time
}

func (d Discrepancy) String() string {
	if d.Field == "cash" {
		return fmt.Sprintf("cash: ledger=%s broker=%s", d.Ledger, d.Broker)
	}
	return fmt.Sprintf("position %s: ledger=%s broker=%s", d.Symbol, d.Ledger, d.Broker)
}

// Snapshot is a consistent, immutable read of ledger state taken under a
// single lock acquisition, so cash and positions always belong to the same
// instant.
type Snapshot struct {
	Cash          decimal.Decimal
	Equity        decimal.Decimal
	MarketValue   decimal.Decimal
	Positions     map[string]domain.Position
	RealizedPL    decimal.Decimal
	InitialEquity decimal.Decimal
	Reconciled    time.Time
}

// Position returns the snapshot's holding for a symbol, if any.
func (s Snapshot) Position(symbol string) (domain.Position, bool) {
	p, ok := s.Positions[symbol]
	return p, ok
}

// PositionCount returns the number of distinct non-zero holdings.
func (s Snapshot) PositionCount() int {
	n := 0
	for _, p := range s.Positions {
		if p.Qty > 0 {
			n++
		}
	}
	return n
}

// DayLossRatio returns the day's loss (realized plus unrealized) as a
// fraction of the session's initial equity. Gains produce a negative value.
// Zero when no baseline has been recorded yet.
func (s Snapshot) DayLossRatio() decimal.Decimal {
	if s.InitialEquity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return s.InitialEquity.Sub(s.Equity).DivRound(s.InitialEquity, 8)
}

// Ledger is the account/position ledger. All mutation goes through
// ApplyFill and Reconcile; readers use Snapshot.
type Ledger struct {
	mu            sync.RWMutex
	cash          decimal.Decimal
	positions     map[string]*domain.Position
	realizedPL    decimal.Decimal
	initialEquity decimal.Decimal
	reconciled    time.Time
	// tolerance is the reconciliation reporting threshold for cash deltas;
	// position quantity deltas are always reported.
	tolerance decimal.Decimal
}

// New creates an empty ledger with the given reconciliation tolerance.
func New(tolerance decimal.Decimal) *Ledger {
	return &Ledger{
		positions: make(map[string]*domain.Position),
		tolerance: tolerance,
	}
}

// ApplyFill applies a confirmed fill atomically to cash and the position.
// Buys spend cash and raise the position at a recomputed average cost;
// sells release cash and realize P&L against the average cost. A delta that
// would drive cash or quantity negative returns ErrInvariant and leaves the
// ledger untouched.
func (l *Ledger) ApplyFill(order *domain.Order, fillQty int64, fillPrice decimal.Decimal) error {
	if fillQty <= 0 {
		return fmt.Errorf("ledger: fill quantity %d must be positive", fillQty)
	}
	if fillPrice.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("ledger: fill price %s must be positive", fillPrice)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	notional := fillPrice.Mul(decimal.NewFromInt(fillQty))
	pos := l.positions[order.Symbol]

	switch order.Side {
	case domain.SideBuy:
		newCash := l.cash.Sub(notional)
		if newCash.IsNegative() {
			return fmt.Errorf("%w: buy %s of %s would leave cash %s",
				ErrInvariant, notional, order.Symbol, newCash)
		}
		if pos == nil {
			pos = &domain.Position{Symbol: order.Symbol}
			l.positions[order.Symbol] = pos
		}
		oldCost := pos.AvgCost.Mul(decimal.NewFromInt(pos.Qty))
		pos.Qty += fillQty
		pos.AvgCost = oldCost.Add(notional).DivRound(decimal.NewFromInt(pos.Qty), 8)
		pos.CurrentPrice = fillPrice
		pos.UpdatedAt = time.Now()
		l.cash = newCash

	case domain.SideSell:
		if pos == nil || pos.Qty < fillQty {
			held := int64(0)
			if pos != nil {
				held = pos.Qty
			}
			return fmt.Errorf("%w: sell %d of %s exceeds held %d",
				ErrInvariant, fillQty, order.Symbol, held)
		}
		l.realizedPL = l.realizedPL.Add(
			fillPrice.Sub(pos.AvgCost).Mul(decimal.NewFromInt(fillQty)))
		pos.Qty -= fillQty
		pos.CurrentPrice = fillPrice
		pos.UpdatedAt = time.Now()
		if pos.Qty == 0 {
			delete(l.positions, order.Symbol)
		}
		l.cash = l.cash.Add(notional)

	default:
		return fmt.Errorf("ledger: unknown order side %q", order.Side)
	}

	return nil
}

// MarkPrice updates the mark used for a position's unrealized P&L. No-op
// for symbols the ledger does not hold.
func (l *Ledger) MarkPrice(symbol string, price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos, ok := l.positions[symbol]; ok {
		pos.CurrentPrice = price
		pos.UpdatedAt = time.Now()
	}
}

// Reconcile replaces the ledger's view with broker truth and reports every
// delta exceeding tolerance. It is the one place ledger state may move
// backward (a fill the engine missed, an externally entered trade). The
// first reconciliation of a session records the day's initial equity as the
// daily-loss baseline.
func (l *Ledger) Reconcile(account *domain.AccountInfo, positions []domain.Position) []Discrepancy {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	var report []Discrepancy

	if l.cash.Sub(account.Cash).Abs().GreaterThan(l.tolerance) && !l.reconciled.IsZero() {
		report = append(report, Discrepancy{
			Field:    "cash",
			Ledger:   l.cash,
			Broker:   account.Cash,
			Observed: now,
		})
	}

	brokerBySymbol := make(map[string]domain.Position, len(positions))
	for _, p := range positions {
		brokerBySymbol[p.Symbol] = p
	}

	if !l.reconciled.IsZero() {
		for symbol, held := range l.positions {
			bp, ok := brokerBySymbol[symbol]
			if !ok {
				report = append(report, Discrepancy{
					Field:    "position",
					Symbol:   symbol,
					Ledger:   decimal.NewFromInt(held.Qty),
					Broker:   decimal.Zero,
					Observed: now,
				})
				continue
			}
			if bp.Qty != held.Qty {
				report = append(report, Discrepancy{
					Field:    "position",
					Symbol:   symbol,
					Ledger:   decimal.NewFromInt(held.Qty),
					Broker:   decimal.NewFromInt(bp.Qty),
					Observed: now,
				})
			}
		}
		for symbol, bp := range brokerBySymbol {
			if _, ok := l.positions[symbol]; !ok {
				report = append(report, Discrepancy{
					Field:    "position",
					Symbol:   symbol,
					Ledger:   decimal.Zero,
					Broker:   decimal.NewFromInt(bp.Qty),
					Observed: now,
				})
			}
		}
	}

	// Adopt broker truth wholesale.
	l.cash = account.Cash
	l.positions = make(map[string]*domain.Position, len(positions))
	for _, p := range positions {
		p := p
		p.UpdatedAt = now
		l.positions[p.Symbol] = &p
	}
	if l.initialEquity.IsZero() {
		l.initialEquity = account.Equity
	}
	l.reconciled = now

	return report
}

// Snapshot returns a consistent copy of the ledger for risk evaluation.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	positions := make(map[string]domain.Position, len(l.positions))
	marketValue := decimal.Zero
	for symbol, p := range l.positions {
		positions[symbol] = *p
		marketValue = marketValue.Add(p.MarketValue())
	}

	return Snapshot{
		Cash:          l.cash,
		MarketValue:   marketValue,
		Equity:        l.cash.Add(marketValue),
		Positions:     positions,
		RealizedPL:    l.realizedPL,
		InitialEquity: l.initialEquity,
		Reconciled:    l.reconciled,
	}
}

// ResetDay clears the realized P&L counter and re-bases the daily-loss
// baseline on the current equity. Called at the start of each trading day.
func (l *Ledger) ResetDay() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.realizedPL = decimal.Zero
	marketValue := decimal.Zero
	for _, p := range l.positions {
		marketValue = marketValue.Add(p.MarketValue())
	}
	l.initialEquity = l.cash.Add(marketValue)
}

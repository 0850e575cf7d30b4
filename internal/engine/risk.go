// Package engine coordinates signal execution: risk evaluation, the order
// lifecycle state machine, and the orchestrator that drives signals through
// both against a broker.
package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marlin/internal/config"
	"marlin/internal/domain"
	"marlin/internal/ledger"
)

// Rule names recorded on decisions and alerts.
const (
	RuleMaxPositions     = "max_positions"
	RuleMaxOrderNotional = "max_order_notional"
	RuleMaxWeight        = "max_position_weight"
	RuleAvailableCash    = "available_cash"
	RuleMaxDailyLoss     = "max_daily_loss"
	RuleStopLoss         = "stop_loss"
	RuleTakeProfit       = "take_profit"
	RuleAll              = "all"
)

// RiskManager evaluates signals against the configured rule set. Evaluation
// is pure: it reads a ledger snapshot and never mutates account state.
type RiskManager struct {
	enabled      bool
	maxWeight    decimal.Decimal
	maxDailyLoss decimal.Decimal
	stopLoss     decimal.Decimal
	takeProfit   decimal.Decimal
	maxPositions int
	maxNotional  decimal.Decimal
}

// NewRiskManager creates a RiskManager from the configured rule set.
func NewRiskManager(cfg config.RiskConfig) *RiskManager {
	return &RiskManager{
		enabled:      cfg.Enabled,
		maxWeight:    decimal.NewFromFloat(cfg.MaxPositionWeight),
		maxDailyLoss: decimal.NewFromFloat(cfg.MaxDailyLossPct),
		stopLoss:     decimal.NewFromFloat(cfg.StopLossPct),
		takeProfit:   decimal.NewFromFloat(cfg.TakeProfitPct),
		maxPositions: cfg.MaxPositions,
		maxNotional:  decimal.NewFromFloat(cfg.MaxOrderNotional),
	}
}

// EvaluateSignal runs the ordered rule chain for one signal against a ledger
// snapshot and returns the decision: approved (possibly with a clipped
// quantity) or rejected with the rule that fired. Rules short-circuit in
// order: position count, order notional, position weight, available cash,
// daily loss. Sell signals reduce exposure and are subject only to the
// notional cap; protective signals bypass the chain entirely.
func (rm *RiskManager) EvaluateSignal(sig *domain.Signal, snap ledger.Snapshot) domain.Decision {
	d := domain.Decision{
		ID:           uuid.NewString(),
		SignalID:     sig.ID,
		Symbol:       sig.Symbol,
		Side:         sig.Side,
		RequestedQty: sig.TargetQty,
		CreatedAt:    time.Now(),
	}

	approve := func(qty int64, rule string, threshold decimal.Decimal, reason string) domain.Decision {
		d.Approved = true
		d.Qty = qty
		d.Rule = rule
		d.Threshold = threshold
		d.Reason = reason
		return d
	}
	reject := func(rule string, threshold decimal.Decimal, reason string) domain.Decision {
		d.Approved = false
		d.Qty = 0
		d.Rule = rule
		d.Threshold = threshold
		d.Reason = reason
		return d
	}

	if !rm.enabled {
		return approve(sig.TargetQty, RuleAll, decimal.Zero, "risk checks disabled")
	}
	if sig.Protective {
		return approve(sig.TargetQty, RuleAll, decimal.Zero, "protective signal")
	}
	if sig.TargetQty <= 0 {
		return reject(RuleAll, decimal.Zero, fmt.Sprintf("invalid quantity %d", sig.TargetQty))
	}

	qty := sig.TargetQty
	price := sig.SuggestedPrice
	clippedBy := ""
	clipThreshold := decimal.Zero

	// 1. Position count: only buys that would open a new symbol.
	if sig.Side == domain.SideBuy {
		if _, held := snap.Position(sig.Symbol); !held && snap.PositionCount() >= rm.maxPositions {
			return reject(RuleMaxPositions, decimal.NewFromInt(int64(rm.maxPositions)),
				fmt.Sprintf("%d positions held, limit %d", snap.PositionCount(), rm.maxPositions))
		}
	}

	// Market orders carry no price; the notional, weight, and cash rules
	// need one and are skipped.
	if !price.IsZero() {
		// 2. Single-order notional cap, both sides: clip down, never up.
		if price.Mul(decimal.NewFromInt(qty)).GreaterThan(rm.maxNotional) {
			qty = rm.maxNotional.Div(price).IntPart()
			if qty <= 0 {
				return reject(RuleMaxOrderNotional, rm.maxNotional,
					fmt.Sprintf("price %s exceeds the %s notional cap for a single share", price, rm.maxNotional))
			}
			clippedBy = RuleMaxOrderNotional
			clipThreshold = rm.maxNotional
		}

		if sig.Side == domain.SideBuy {
			// 3. Position weight: the resulting holding must stay within
			// maxWeight of equity.
			allowed := rm.maxWeight.Mul(snap.Equity)
			if pos, held := snap.Position(sig.Symbol); held {
				allowed = allowed.Sub(pos.MarketValue())
			}
			maxQty := int64(0)
			if allowed.IsPositive() {
				maxQty = allowed.Div(price).IntPart()
			}
			if qty > maxQty {
				if maxQty <= 0 {
					return reject(RuleMaxWeight, rm.maxWeight,
						fmt.Sprintf("%s already at or above %s of equity", sig.Symbol, rm.maxWeight))
				}
				qty = maxQty
				clippedBy = RuleMaxWeight
				clipThreshold = rm.maxWeight
			}

			// 4. Available cash: a buy must be payable from settled cash, or
			// the fill would breach the ledger's non-negative cash invariant.
			affordable := int64(0)
			if snap.Cash.IsPositive() {
				affordable = snap.Cash.Div(price).IntPart()
			}
			if qty > affordable {
				if affordable <= 0 {
					return reject(RuleAvailableCash, snap.Cash,
						fmt.Sprintf("cash %s cannot cover a share at %s", snap.Cash, price))
				}
				qty = affordable
				clippedBy = RuleAvailableCash
				clipThreshold = snap.Cash
			}
		}
	}

	// 5. Daily loss: once breached, no new buys for the rest of the day.
	if sig.Side == domain.SideBuy {
		if loss := snap.DayLossRatio(); loss.GreaterThanOrEqual(rm.maxDailyLoss) {
			return reject(RuleMaxDailyLoss, rm.maxDailyLoss,
				fmt.Sprintf("day loss %s at or above limit %s", loss, rm.maxDailyLoss))
		}
	}

	if clippedBy != "" {
		return approve(qty, clippedBy, clipThreshold,
			fmt.Sprintf("quantity clipped from %d to %d", sig.TargetQty, qty))
	}
	return approve(qty, RuleAll, decimal.Zero, "")
}

// ProtectiveSignals sweeps the snapshot for positions breaching the
// stop-loss or take-profit thresholds and returns sell-all signals for them.
// The generated signals are marked protective and bypass the entry rules.
// Positions without a mark price are skipped.
func (rm *RiskManager) ProtectiveSignals(snap ledger.Snapshot) []domain.Signal {
	if !rm.enabled {
		return nil
	}

	now := time.Now()
	var out []domain.Signal
	for _, pos := range snap.Positions {
		if pos.Qty <= 0 || pos.CurrentPrice.IsZero() {
			continue
		}
		plr := pos.ProfitLossRatio()

		var reason string
		switch {
		case plr.LessThanOrEqual(rm.stopLoss.Neg()):
			reason = fmt.Sprintf("%s: %s down %s, stop loss at %s",
				RuleStopLoss, pos.Symbol, plr.Neg(), rm.stopLoss)
		case plr.GreaterThanOrEqual(rm.takeProfit):
			reason = fmt.Sprintf("%s: %s up %s, take profit at %s",
				RuleTakeProfit, pos.Symbol, plr, rm.takeProfit)
		default:
			continue
		}

		out = append(out, domain.Signal{
			ID:         uuid.NewString(),
			Symbol:     pos.Symbol,
			Side:       domain.SideSell,
			TargetQty:  pos.Qty,
			Source:     "risk",
			Reason:     reason,
			Protective: true,
			SourceTime: now,
			CreatedAt:  now,
		})
	}
	return out
}

// Alert is one finding from a full risk sweep of the account.
type Alert struct {
	Rule    string
	Symbol  string
	Message string
}

// CheckAll reports the account's current standing against every rule: the
// daily loss budget plus per-position stop-loss, take-profit, and weight
// checks. An empty report means all rules pass.
func (rm *RiskManager) CheckAll(snap ledger.Snapshot) []Alert {
	if !rm.enabled {
		return nil
	}

	var alerts []Alert
	if loss := snap.DayLossRatio(); loss.GreaterThanOrEqual(rm.maxDailyLoss) {
		alerts = append(alerts, Alert{
			Rule:    RuleMaxDailyLoss,
			Message: fmt.Sprintf("day loss %s at or above limit %s", loss, rm.maxDailyLoss),
		})
	}
	if snap.PositionCount() >= rm.maxPositions {
		alerts = append(alerts, Alert{
			Rule:    RuleMaxPositions,
			Message: fmt.Sprintf("%d positions held, limit %d", snap.PositionCount(), rm.maxPositions),
		})
	}

	for _, pos := range snap.Positions {
		if pos.Qty <= 0 || pos.CurrentPrice.IsZero() {
			continue
		}
		plr := pos.ProfitLossRatio()
		if plr.LessThanOrEqual(rm.stopLoss.Neg()) {
			alerts = append(alerts, Alert{
				Rule:    RuleStopLoss,
				Symbol:  pos.Symbol,
				Message: fmt.Sprintf("down %s, stop loss at %s", plr.Neg(), rm.stopLoss),
			})
		}
		if plr.GreaterThanOrEqual(rm.takeProfit) {
			alerts = append(alerts, Alert{
				Rule:    RuleTakeProfit,
				Symbol:  pos.Symbol,
				Message: fmt.Sprintf("up %s, take profit at %s", plr, rm.takeProfit),
			})
		}
		if !snap.Equity.IsZero() {
			weight := pos.MarketValue().DivRound(snap.Equity, 8)
			if weight.GreaterThan(rm.maxWeight) {
				alerts = append(alerts, Alert{
					Rule:    RuleMaxWeight,
					Symbol:  pos.Symbol,
					Message: fmt.Sprintf("weight %s above limit %s", weight, rm.maxWeight),
				})
			}
		}
	}
	return alerts
}

package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/mm-riskcore/internal/guard"
	"github.com/atmx/mm-riskcore/internal/ledger"
	"github.com/atmx/mm-riskcore/internal/market"
	"github.com/atmx/mm-riskcore/internal/metrics"
	"github.com/atmx/mm-riskcore/internal/model"
)

// ErrInvalidFill is returned for fills with no size or an unknown leg.
var ErrInvalidFill = errors.New("gateway: invalid fill")

// InvariantHook runs after a violation has been logged and emitted. The
// order that caused it is already in flight; a hook can only react.
type InvariantHook func(k market.Key, report ledger.InvariantReport)

// Halter stops trading. *breaker.Breaker satisfies it.
type Halter interface {
	Halt(reason string)
}

// HaltOnViolation returns a hook that halts trading on any violation.
func HaltOnViolation(h Halter) InvariantHook {
	return func(market.Key, ledger.InvariantReport) {
		h.Halt(model.EventInvariantViolation)
	}
}

// assertInvariants checks k and reports violations. It never changes state
// and never rolls anything back.
func (g *Gateway) assertInvariants(k market.Key, runID, stage string) ledger.InvariantReport {
	rep := g.ledger.AssertInvariants(k)
	if rep.Valid {
		return rep
	}

	metrics.InvariantViolations.Inc()
	g.logger.Error(model.EventInvariantViolation,
		"market_id", k.MarketID,
		"asset", k.Asset,
		"stage", stage,
		"violations", rep.Violations,
		"run_id", runID,
	)
	g.emit(k, model.EventInvariantViolation, stage, runID, map[string]any{
		"violations": rep.Violations,
	})
	if g.hook != nil {
		g.hook(k, rep)
	}
	return rep
}

// OnFillUpdateInvariants applies a fill notification: it moves filled BUY
// shares from open to position (SELL fills reduce the position), updates the
// one-sided freeze, persists the position and runs the invariant check. It
// must be called for every fill.
//
// Counter underflows are floored at zero, logged and returned; the rest of
// the update still happens.
func (g *Gateway) OnFillUpdateInvariants(ctx context.Context, f model.Fill) error {
	if !f.Size.IsPositive() || !f.Outcome.Valid() || (f.Side != model.Buy && f.Side != model.Sell) {
		return fmt.Errorf("%w: size %s outcome %q side %q", ErrInvalidFill, f.Size, f.Outcome, f.Side)
	}
	if f.At.IsZero() {
		f.At = g.now()
	}
	k := market.NewKey(f.MarketID, f.Asset)
	runID := g.runIDFor(ctx)

	var errs []error
	if f.Side == model.Sell {
		if err := g.ledger.ReducePosition(k, f.Outcome, f.Size); err != nil {
			errs = append(errs, err)
		}
	} else {
		if err := g.ledger.ApplyBuyFill(k, f.Outcome, f.Size, f.Price); err != nil {
			metrics.ReservationErrors.WithLabelValues("fill").Inc()
			errs = append(errs, err)
		}
	}
	for _, err := range errs {
		g.logger.Warn("fill accounting mismatch",
			"market_id", k.MarketID,
			"asset", k.Asset,
			"outcome", f.Outcome,
			"side", f.Side,
			"size", f.Size.String(),
			"err", err,
			"run_id", runID,
		)
	}

	e, _ := g.ledger.Snapshot(k)
	g.updateFreeze(k, e, runID)

	if g.kpi != nil {
		g.kpi.RecordFill(f)
	}
	g.savePosition(ctx, e)
	g.assertInvariants(k, runID, "fill")

	return errors.Join(errs...)
}

// OnOrderClosed releases the unfilled open shares of a BUY order that was
// cancelled or expired on the venue.
func (g *Gateway) OnOrderClosed(ctx context.Context, marketID, asset string, o model.Outcome, unfilled decimal.Decimal) error {
	k := market.NewKey(marketID, asset)
	runID := g.runIDFor(ctx)

	err := g.ledger.OnOrderClosed(k, o, unfilled)
	if err != nil {
		metrics.ReservationErrors.WithLabelValues("close").Inc()
		g.logger.Warn("order close accounting mismatch",
			"market_id", k.MarketID,
			"asset", k.Asset,
			"outcome", o,
			"size", unfilled.String(),
			"err", err,
			"run_id", runID,
		)
	}
	g.assertInvariants(k, runID, "close")
	return err
}

func (g *Gateway) updateFreeze(k market.Key, e ledger.Entry, runID string) {
	tr, st := g.guard.UpdateFreeze(k, e.PositionUp, e.PositionDown)
	if tr == guard.NoChange {
		return
	}
	metrics.FreezeTransitions.WithLabelValues(tr.String()).Inc()

	data := map[string]any{
		"position_up":   e.PositionUp.String(),
		"position_down": e.PositionDown.String(),
	}
	if tr == guard.Activated {
		data["dominant_side"] = st.DominantSide
		g.logger.Warn(model.EventFreezeActivated,
			"market_id", k.MarketID,
			"asset", k.Asset,
			"dominant_side", st.DominantSide,
			"position_up", e.PositionUp.String(),
			"position_down", e.PositionDown.String(),
			"run_id", runID,
		)
		g.emit(k, model.EventFreezeActivated, string(st.DominantSide), runID, data)
		return
	}
	g.logger.Info(model.EventFreezeCleared,
		"market_id", k.MarketID,
		"asset", k.Asset,
		"position_up", e.PositionUp.String(),
		"position_down", e.PositionDown.String(),
		"run_id", runID,
	)
	g.emit(k, model.EventFreezeCleared, "PAIRED", runID, data)
}

func (g *Gateway) savePosition(ctx context.Context, e ledger.Entry) {
	if g.positions == nil {
		return
	}
	err := g.positions.SavePosition(ctx, model.PositionSnapshot{
		MarketID:  e.MarketID,
		Asset:     e.Asset,
		Up:        e.PositionUp,
		Down:      e.PositionDown,
		UpdatedAt: g.now().UTC(),
	})
	if err != nil {
		g.logger.Warn("position persist failed",
			"market_id", e.MarketID, "asset", e.Asset, "err", err)
	}
}

// Precheck is a dry-run admission answer. Nothing is reserved.
type Precheck struct {
	Allowed    bool                   `json:"allowed"`
	Reason     string                 `json:"reason,omitempty"`
	Size       decimal.Decimal        `json:"size"`
	Clamped    bool                   `json:"clamped"`
	Freeze     guard.FreezeState      `json:"freeze"`
	Cap        ledger.CapCheck        `json:"cap"`
	Invariants ledger.InvariantReport `json:"invariants"`
	Cpp        guard.CppResult        `json:"cpp"`
}

// CheckAllInvariants runs the same checks as PlaceOrderWithCaps without
// reserving, submitting, logging or recording anything. Used for shadow
// evaluation.
func (g *Gateway) CheckAllInvariants(o model.Order) Precheck {
	k := market.NewKey(o.MarketID, o.Asset)
	o.Asset = k.Asset

	p := Precheck{
		Size:       decimal.Zero,
		Invariants: g.ledger.AssertInvariants(k),
		Cpp:        g.Cpp(k),
	}
	if msg := validate(o); msg != "" {
		p.Reason = ReasonInvalidOrder
		return p
	}

	requested := o.Size
	if o.Side == model.Buy {
		fc := g.guard.CheckFreeze(k, o)
		p.Freeze = fc.State
		if fc.Blocked {
			p.Reason = fc.Reason
			return p
		}
		if fc.MaxSize != nil && requested.GreaterThan(*fc.MaxSize) {
			requested = *fc.MaxSize
			p.Reason = ReasonDeepEdgeMicroAdd
		}
	} else {
		p.Freeze, _ = g.guard.State(k)
	}

	p.Cap = g.ledger.CheckCapWithEffectiveExposure(k, o.Outcome, o.Side, requested)
	if p.Cap.Blocked {
		p.Reason = p.Cap.BlockReason
		return p
	}
	p.Allowed = true
	p.Size = p.Cap.ClampedQty
	p.Clamped = p.Size.LessThan(o.Size)
	if p.Cap.ClampReason != "" {
		p.Reason = p.Cap.ClampReason
	}
	return p
}

// Cpp returns k's paired-only combined price from the ledger's cost basis.
func (g *Gateway) Cpp(k market.Key) guard.CppResult {
	e, _ := g.ledger.Snapshot(k)
	return guard.CalculateCppPairedOnly(guard.CppInput{
		UpShares:          e.PositionUp,
		DownShares:        e.PositionDown,
		AvgUpPriceCents:   e.AvgPriceCents(model.Up),
		AvgDownPriceCents: e.AvgPriceCents(model.Down),
	})
}

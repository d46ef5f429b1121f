package gateway

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/atmx/mm-riskcore/internal/guard"
	"github.com/atmx/mm-riskcore/internal/ledger"
	"github.com/atmx/mm-riskcore/internal/market"
	"github.com/atmx/mm-riskcore/internal/marketlock"
	"github.com/atmx/mm-riskcore/internal/model"
)

// Placer places orders for one market while its lock is held.
type Placer interface {
	PlaceOrderWithCaps(ctx context.Context, o model.Order) model.OrderResult
}

type lockedPlacer struct {
	g        *Gateway
	k        market.Key
	acq      marketlock.Acquisition
	released atomic.Bool
}

func (p *lockedPlacer) PlaceOrderWithCaps(ctx context.Context, o model.Order) model.OrderResult {
	if p.released.Load() {
		return failed(o, model.FailureInvalidOrder, "market lock already released")
	}
	if !p.acq.Held() {
		return failed(o, model.FailureInvalidOrder, "market lock no longer held")
	}
	if market.NewKey(o.MarketID, o.Asset) != p.k {
		return failed(o, model.FailureInvalidOrder, "order is for a different market than the held lock")
	}
	return p.g.PlaceOrderWithCaps(ctx, o)
}

// RunLocked runs one evaluate-and-place cycle under the market lock. fn gets
// a Placer bound to the market that stops working once fn returns or the
// lock is taken away (market cleared, stale clear). When the lock is busy
// the tick is dropped and marketlock.ErrLocked is returned.
func (g *Gateway) RunLocked(ctx context.Context, marketID, asset, caller string, fn func(ctx context.Context, p Placer) error) error {
	k := market.NewKey(marketID, asset)
	return g.locks.WithAcquisition(ctx, k, caller, func(ctx context.Context, acq marketlock.Acquisition) error {
		p := &lockedPlacer{g: g, k: k, acq: acq}
		defer p.released.Store(true)
		return fn(ctx, p)
	})
}

// Locks exposes the lock registry for callers that manage locks directly.
func (g *Gateway) Locks() *marketlock.Mutex {
	return g.locks
}

// ClearMarket forgets everything about k: ledger counters, freeze state,
// audit trail, stored position and any held lock. Called when a market
// expires or settles.
func (g *Gateway) ClearMarket(ctx context.Context, k market.Key) {
	e, tracked := g.ledger.Snapshot(k)

	g.ledger.ClearMarket(k)
	g.guard.Clear(k)
	g.audit.clear(k)
	released := g.locks.ForceRelease(k, "market cleared")
	g.logs.Forget(k.String() + "|")

	if g.positions != nil {
		if err := g.positions.DeletePosition(ctx, k.MarketID, k.Asset); err != nil {
			g.logger.Warn("position delete failed",
				"market_id", k.MarketID, "asset", k.Asset, "err", err)
		}
	}

	g.logger.Info("market cleared",
		"market_id", k.MarketID,
		"asset", k.Asset,
		"tracked", tracked,
		"lock_released", released,
	)
	g.emit(k, model.EventMarketCleared, "", g.runID, map[string]any{
		"position_up":   e.PositionUp.String(),
		"position_down": e.PositionDown.String(),
		"open_up":       e.OpenUp.String(),
		"open_down":     e.OpenDown.String(),
		"pending_up":    e.PendingUp.String(),
		"pending_down":  e.PendingDown.String(),
	})
}

// SyncPositions loads stored positions into the ledger and rebuilds freeze
// state from them. Called once at startup.
func (g *Gateway) SyncPositions(ctx context.Context) (int, error) {
	if g.positions == nil {
		return 0, nil
	}
	snaps, err := g.positions.LoadPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load positions: %w", err)
	}

	n := 0
	for _, s := range snaps {
		k := market.NewKey(s.MarketID, s.Asset)
		if err := g.ledger.SyncPosition(k, s.Up, s.Down); err != nil {
			g.logger.Warn("skipping stored position",
				"market_id", s.MarketID, "asset", s.Asset, "err", err)
			continue
		}
		g.track(k)
		e, _ := g.ledger.Snapshot(k)
		g.updateFreeze(k, e, g.runID)
		g.assertInvariants(k, g.runID, "sync")
		n++
	}
	g.logger.Info("positions synced", "count", n)
	return n, nil
}

// ExposureView is the operator view of one market.
type ExposureView struct {
	Entry    ledger.Entry             `json:"entry"`
	Exposure ledger.EffectiveExposure `json:"effective_exposure"`
	Frozen   bool                     `json:"frozen"`
	Freeze   guard.FreezeState        `json:"freeze"`
	Cpp      guard.CppResult          `json:"cpp"`
	Lock     marketlock.LockState     `json:"lock"`
	Tracked  bool                     `json:"tracked"`
}

// Exposure assembles the current view of k.
func (g *Gateway) Exposure(k market.Key) ExposureView {
	e, tracked := g.ledger.Snapshot(k)
	st, frozen := g.guard.State(k)
	lock, _ := g.locks.State(k)
	return ExposureView{
		Entry:    e,
		Exposure: g.ledger.GetEffectiveExposure(k),
		Frozen:   frozen,
		Freeze:   st,
		Cpp:      g.Cpp(k),
		Lock:     lock,
		Tracked:  tracked,
	}
}

// Invariants runs the invariant check for k without side effects.
func (g *Gateway) Invariants(k market.Key) ledger.InvariantReport {
	return g.ledger.AssertInvariants(k)
}

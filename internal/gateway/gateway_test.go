package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/mm-riskcore/internal/breaker"
	"github.com/atmx/mm-riskcore/internal/events"
	"github.com/atmx/mm-riskcore/internal/guard"
	"github.com/atmx/mm-riskcore/internal/ledger"
	"github.com/atmx/mm-riskcore/internal/market"
	"github.com/atmx/mm-riskcore/internal/marketlock"
	"github.com/atmx/mm-riskcore/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const marketID = "btc-updown-15m-1760000000"

var key = market.NewKey(marketID, "BTC")

// scriptedExec answers submissions with fn, or accepts everything.
type scriptedExec struct {
	mu    sync.Mutex
	calls []model.Submission
	fn    func(s model.Submission) (model.ExecutionResult, error)
}

func (e *scriptedExec) SubmitOrder(_ context.Context, s model.Submission) (model.ExecutionResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, s)
	n := len(e.calls)
	e.mu.Unlock()
	if e.fn != nil {
		return e.fn(s)
	}
	return model.ExecutionResult{Success: true, OrderID: fmt.Sprintf("ord-%d", n), FilledSize: decimal.Zero, Status: "live"}, nil
}

func (e *scriptedExec) Calls() []model.Submission {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Submission(nil), e.calls...)
}

type fakeKPI struct {
	mu     sync.Mutex
	fills  []model.Fill
	hedges []breaker.HedgeRecord
}

func (f *fakeKPI) RecordFill(fl model.Fill) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fills = append(f.fills, fl)
}

func (f *fakeKPI) RecordHedge(h breaker.HedgeRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hedges = append(f.hedges, h)
}

type memPositions struct {
	mu    sync.Mutex
	snaps map[market.Key]model.PositionSnapshot
}

func newMemPositions(snaps ...model.PositionSnapshot) *memPositions {
	m := &memPositions{snaps: make(map[market.Key]model.PositionSnapshot)}
	for _, s := range snaps {
		m.snaps[market.NewKey(s.MarketID, s.Asset)] = s
	}
	return m
}

func (m *memPositions) SavePosition(_ context.Context, p model.PositionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[market.NewKey(p.MarketID, p.Asset)] = p
	return nil
}

func (m *memPositions) LoadPositions(context.Context) ([]model.PositionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PositionSnapshot
	for _, s := range m.snaps {
		out = append(out, s)
	}
	return out, nil
}

func (m *memPositions) DeletePosition(_ context.Context, marketID, asset string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, market.NewKey(marketID, asset))
	return nil
}

type fixture struct {
	gw     *Gateway
	ledger *ledger.Ledger
	guard  *guard.Guard
	exec   *scriptedExec
	rec    *events.Recorder
	kpi    *fakeKPI
	pos    *memPositions
}

func newFixture(t *testing.T, mutate ...func(*Options, *guard.FreezeConfig)) *fixture {
	t.Helper()
	f := &fixture{
		ledger: ledger.New(ledger.DefaultLimits()),
		exec:   &scriptedExec{},
		rec:    events.NewRecorder(),
		kpi:    &fakeKPI{},
		pos:    newMemPositions(),
	}
	opts := Options{Executor: f.exec, Sink: f.rec, KPI: f.kpi, Positions: f.pos}
	fc := guard.DefaultFreezeConfig()
	for _, m := range mutate {
		m(&opts, &fc)
	}
	f.guard = guard.New(fc)

	gw, err := New(f.ledger, f.guard, marketlock.New(marketlock.DefaultConfig(), nil, f.rec), opts)
	require.NoError(t, err)
	f.gw = gw
	return f
}

func buy(o model.Outcome, size float64) model.Order {
	return model.Order{
		MarketID: marketID,
		Asset:    "btc",
		TokenID:  "tok-" + string(o),
		Outcome:  o,
		Side:     model.Buy,
		Price:    d(0.48),
		Size:     d(size),
		Type:     model.OrderGTC,
		Intent:   model.IntentEntry,
	}
}

func sell(o model.Outcome, size float64) model.Order {
	ord := buy(o, size)
	ord.Side = model.Sell
	ord.Intent = model.IntentExit
	return ord
}

func fill(o model.Outcome, size float64) model.Fill {
	return model.Fill{MarketID: marketID, Asset: "BTC", Outcome: o, Side: model.Buy, Size: d(size), Price: d(0.48), IsMaker: true, FeeKnown: true}
}

func TestNew_RequiresExecutor(t *testing.T) {
	_, err := New(ledger.New(ledger.DefaultLimits()), guard.New(guard.DefaultFreezeConfig()), nil, Options{})
	assert.ErrorIs(t, err, ErrNoExecutor)
}

func TestPlaceBuy_PromotesOnSuccess(t *testing.T) {
	f := newFixture(t)
	res := f.gw.PlaceOrderWithCaps(context.Background(), buy(model.Up, 20))

	require.True(t, res.Success)
	assert.NoError(t, ResultErr(res))
	assert.True(t, res.Size.Equal(d(20)))
	assert.False(t, res.Clamped)

	e, _ := f.ledger.Snapshot(key)
	assert.True(t, e.OpenUp.Equal(d(20)), "open_up=%s", e.OpenUp)
	assert.True(t, e.PendingUp.IsZero(), "pending must be promoted")

	attempts := f.gw.Attempts(key)
	require.Len(t, attempts, 1)
	assert.Equal(t, model.DecisionPlace, attempts[0].Decision)
	assert.Nil(t, attempts[0].ClampedQty)
	assert.Len(t, f.rec.OfType(model.EventOrderPlaced), 1)
	assert.Len(t, f.rec.OfType(model.EventOrderAttempt), 1)
}

func TestPlaceBuy_ClampsToSideCap(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.IncrementPosition(key, model.Up, d(90), d(0.5)))

	res := f.gw.PlaceOrderWithCaps(context.Background(), buy(model.Up, 20))
	require.True(t, res.Success)
	assert.True(t, res.Clamped)
	assert.True(t, res.Size.Equal(d(10)))
	assert.True(t, res.OriginalSize.Equal(d(20)))
	assert.Equal(t, ledger.ReasonSideCap, res.Detail)

	calls := f.exec.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Size.Equal(d(10)), "executor must see the clamped size")

	attempts := f.gw.Attempts(key)
	require.Len(t, attempts, 1)
	assert.Equal(t, model.DecisionClamp, attempts[0].Decision)
	require.NotNil(t, attempts[0].ClampedQty)
	assert.True(t, attempts[0].ClampedQty.Equal(d(10)))

	evs := f.rec.OfType(model.EventOrderClamped)
	require.Len(t, evs, 1)
	assert.Equal(t, ledger.ReasonSideCap, evs[0].ReasonCode)
}

func TestPlaceBuy_BlockedWhenFull(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.SyncPosition(key, d(100), d(100)))

	res := f.gw.PlaceOrderWithCaps(context.Background(), buy(model.Up, 5))
	assert.False(t, res.Success)
	assert.Equal(t, model.FailureCapBlocked, res.FailureReason)
	assert.True(t, res.Size.IsZero())
	assert.ErrorIs(t, ResultErr(res), ErrCapBlocked)
	assert.Empty(t, f.exec.Calls(), "blocked orders never reach the executor")

	evs := f.rec.OfType(model.EventOrderCapBlocked)
	require.Len(t, evs, 1)
	assert.Equal(t, ledger.ReasonSideCap, evs[0].ReasonCode)

	e, _ := f.ledger.Snapshot(key)
	assert.True(t, e.PendingUp.IsZero())
}

func TestPlaceBuy_PendingCountsAgainstCap(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	f.exec.fn = func(s model.Submission) (model.ExecutionResult, error) {
		entered <- struct{}{}
		<-release
		return model.ExecutionResult{Success: true, OrderID: "slow"}, nil
	}

	done := make(chan model.OrderResult)
	go func() { done <- f.gw.PlaceOrderWithCaps(context.Background(), buy(model.Up, 80)) }()
	<-entered

	// The first order is still in flight: its 80 shares are pending.
	ex := f.ledger.GetEffectiveExposure(key)
	assert.True(t, ex.EffectiveUp.Equal(d(80)))

	f.exec.fn = nil
	second := f.gw.PlaceOrderWithCaps(context.Background(), buy(model.Up, 80))
	assert.True(t, second.Size.Equal(d(20)), "second order must see pending shares, got %s", second.Size)

	close(release)
	first := <-done
	assert.True(t, first.Success)

	e, _ := f.ledger.Snapshot(key)
	assert.True(t, e.OpenUp.Equal(d(100)))
	assert.True(t, e.PendingUp.IsZero())
}

func TestPlaceBuy_RejectReleasesReservation(t *testing.T) {
	f := newFixture(t)
	f.exec.fn = func(model.Submission) (model.ExecutionResult, error) {
		return model.ExecutionResult{Success: false, FailureReason: model.FailureNoLiquidity}, nil
	}

	res := f.gw.PlaceOrderWithCaps(context.Background(), buy(model.Up, 20))
	assert.False(t, res.Success)
	assert.Equal(t, model.FailureNoLiquidity, res.FailureReason)
	assert.ErrorIs(t, ResultErr(res), ErrSubmissionRejected)

	e, _ := f.ledger.Snapshot(key)
	assert.True(t, e.PendingUp.IsZero())
	assert.True(t, e.OpenUp.IsZero())
	assert.Len(t, f.rec.OfType(model.EventOrderFailed), 1)
}

func TestPlaceBuy_SubmitErrorReleasesReservation(t *testing.T) {
	f := newFixture(t)
	f.exec.fn = func(model.Submission) (model.ExecutionResult, error) {
		return model.ExecutionResult{}, errors.New("connection reset")
	}

	res := f.gw.PlaceOrderWithCaps(context.Background(), buy(model.Down, 20))
	assert.False(t, res.Success)
	assert.Equal(t, model.FailureUnknown, res.FailureReason)
	assert.Contains(t, res.SubmitError, "connection reset")
	assert.ErrorIs(t, ResultErr(res), ErrSubmissionFailed)

	e, _ := f.ledger.Snapshot(key)
	assert.True(t, e.PendingDown.IsZero())
	assert.True(t, e.OpenDown.IsZero())
}

func TestPlaceBuy_ExecutorPanicReleasesReservation(t *testing.T) {
	f := newFixture(t)
	f.exec.fn = func(model.Submission) (model.ExecutionResult, error) {
		panic("nil pointer in client")
	}

	var res model.OrderResult
	require.NotPanics(t, func() {
		res = f.gw.PlaceOrderWithCaps(context.Background(), buy(model.Up, 20))
	})
	assert.Equal(t, model.FailureUnknown, res.FailureReason)

	e, _ := f.ledger.Snapshot(key)
	assert.True(t, e.PendingUp.IsZero())
}

func TestPlaceOrder_InvalidOrder(t *testing.T) {
	f := newFixture(t)
	o := buy(model.Up, 0)
	res := f.gw.PlaceOrderWithCaps(context.Background(), o)
	assert.Equal(t, model.FailureInvalidOrder, res.FailureReason)
	assert.ErrorIs(t, ResultErr(res), ErrInvalidOrder)
	assert.Empty(t, f.exec.Calls())

	attempts := f.gw.Attempts(key)
	require.Len(t, attempts, 1)
	assert.Equal(t, ReasonInvalidOrder, attempts[0].Reason)
}

func TestPlaceSell_ClampsToHeldWithoutReservation(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.SyncPosition(key, d(0), d(10)))

	res := f.gw.PlaceOrderWithCaps(context.Background(), sell(model.Down, 30))
	require.True(t, res.Success)
	assert.True(t, res.Clamped)
	assert.True(t, res.Size.Equal(d(10)))
	assert.Equal(t, ledger.ReasonNoPosition, res.Detail)

	e, _ := f.ledger.Snapshot(key)
	assert.True(t, e.PendingDown.IsZero(), "sells never reserve")
	assert.True(t, e.OpenDown.IsZero())
}

func TestPlaceSell_NothingHeld(t *testing.T) {
	f := newFixture(t)
	res := f.gw.PlaceOrderWithCaps(context.Background(), sell(model.Up, 5))
	assert.Equal(t, model.FailureCapBlocked, res.FailureReason)
	assert.Equal(t, ledger.ReasonNoPosition, res.Detail)
	assert.Empty(t, f.exec.Calls())
}

func TestFreeze_ActivatesAndClearsThroughFills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.gw.PlaceOrderWithCaps(ctx, buy(model.Up, 25)).Success)
	require.NoError(t, f.gw.OnFillUpdateInvariants(ctx, fill(model.Up, 25)))

	evs := f.rec.OfType(model.EventFreezeActivated)
	require.Len(t, evs, 1)
	assert.Equal(t, string(model.Up), evs[0].ReasonCode)

	blocked := f.gw.PlaceOrderWithCaps(ctx, buy(model.Up, 5))
	assert.Equal(t, model.FailureFreezeBlocked, blocked.FailureReason)
	assert.ErrorIs(t, ResultErr(blocked), ErrFreezeBlocked)
	assert.Len(t, f.rec.OfType(model.EventOrderFreezeBlocked), 1)

	hedge := buy(model.Up, 5)
	hedge.Intent = model.IntentHedge
	assert.True(t, f.gw.PlaceOrderWithCaps(ctx, hedge).Success, "HEDGE intent is never frozen")

	sellUp := f.gw.PlaceOrderWithCaps(ctx, sell(model.Up, 5))
	assert.True(t, sellUp.Success, "SELL is never frozen")

	require.True(t, f.gw.PlaceOrderWithCaps(ctx, buy(model.Down, 22)).Success)
	require.NoError(t, f.gw.OnFillUpdateInvariants(ctx, fill(model.Down, 22)))
	assert.Len(t, f.rec.OfType(model.EventFreezeCleared), 1)

	assert.True(t, f.gw.PlaceOrderWithCaps(ctx, buy(model.Up, 5)).Success, "paired position unfreezes")
}

func TestFreeze_DeepEdgeMicroAdd(t *testing.T) {
	f := newFixture(t, func(_ *Options, fc *guard.FreezeConfig) {
		fc.AllowOneSidedAddIfDeepEdge = true
		fc.DeepEdgeThreshold = d(0.9)
	})
	ctx := context.Background()
	require.NoError(t, f.ledger.SyncPosition(key, d(25), d(0)))
	f.guard.UpdateFreeze(key, d(25), d(0))

	o := buy(model.Up, 20)
	deep := d(0.85)
	o.CombinedAsk = &deep
	res := f.gw.PlaceOrderWithCaps(ctx, o)
	require.True(t, res.Success)
	assert.True(t, res.Size.Equal(d(5)))
	assert.True(t, res.Clamped)
	assert.Equal(t, ReasonDeepEdgeMicroAdd, res.Detail)
}

func TestOnFill_UpdatesPositionAndCpp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.gw.PlaceOrderWithCaps(ctx, buy(model.Up, 10)).Success)
	require.True(t, f.gw.PlaceOrderWithCaps(ctx, buy(model.Down, 10)).Success)
	require.NoError(t, f.gw.OnFillUpdateInvariants(ctx, fill(model.Up, 10)))

	df := fill(model.Down, 10)
	df.Price = d(0.47)
	require.NoError(t, f.gw.OnFillUpdateInvariants(ctx, df))

	e, _ := f.ledger.Snapshot(key)
	assert.True(t, e.PositionUp.Equal(d(10)))
	assert.True(t, e.OpenUp.IsZero())

	cpp := f.gw.Cpp(key)
	require.True(t, cpp.IsValid)
	assert.True(t, cpp.CppPairedOnlyCents.Equal(d(95)), "cpp=%s", cpp.CppPairedOnlyCents)

	assert.Len(t, f.kpi.fills, 2)
	stored, err := f.pos.LoadPositions(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Down.Equal(d(10)))
}

func TestOnFill_SellReducesPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.SyncPosition(key, d(30), d(30)))

	sf := fill(model.Up, 10)
	sf.Side = model.Sell
	require.NoError(t, f.gw.OnFillUpdateInvariants(ctx, sf))

	e, _ := f.ledger.Snapshot(key)
	assert.True(t, e.PositionUp.Equal(d(20)))
}

func TestOnFill_Overfill(t *testing.T) {
	f := newFixture(t)
	err := f.gw.OnFillUpdateInvariants(context.Background(), fill(model.Up, 5))
	assert.ErrorIs(t, err, ledger.ErrOpenUnderflow)

	e, _ := f.ledger.Snapshot(key)
	assert.True(t, e.OpenUp.IsZero())
	assert.True(t, e.PositionUp.Equal(d(5)), "position still reflects the fill")
}

func TestOnFill_Invalid(t *testing.T) {
	f := newFixture(t)
	err := f.gw.OnFillUpdateInvariants(context.Background(), fill(model.Up, 0))
	assert.ErrorIs(t, err, ErrInvalidFill)
}

func TestConcurrentBuys_NeverExceedCaps(t *testing.T) {
	f := newFixture(t)
	f.exec.fn = func(model.Submission) (model.ExecutionResult, error) {
		time.Sleep(time.Millisecond)
		return model.ExecutionResult{Success: true, OrderID: "x"}, nil
	}

	var placed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := buy(model.Up, 7)
			if i%2 == 1 {
				o.Outcome = model.Down
			}
			res := f.gw.PlaceOrderWithCaps(context.Background(), o)
			if res.Success {
				placed.Add(res.Size.IntPart())
			}
		}(i)
	}
	wg.Wait()

	e, _ := f.ledger.Snapshot(key)
	assert.True(t, e.OpenUp.Equal(d(100)), "open_up=%s", e.OpenUp)
	assert.True(t, e.OpenDown.Equal(d(100)), "open_down=%s", e.OpenDown)
	assert.True(t, e.PendingUp.IsZero())
	assert.True(t, e.PendingDown.IsZero())
	assert.EqualValues(t, 200, placed.Load())
	assert.True(t, f.gw.Invariants(key).Valid)
	assert.Empty(t, f.rec.OfType(model.EventInvariantViolation))
}

func TestRunLocked_SecondCycleDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inside := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.gw.RunLocked(ctx, marketID, "BTC", "tick-1", func(ctx context.Context, p Placer) error {
			close(inside)
			<-finish
			return nil
		})
	}()
	<-inside

	ran := false
	err := f.gw.RunLocked(ctx, marketID, "btc", "tick-2", func(ctx context.Context, p Placer) error {
		ran = true
		p.PlaceOrderWithCaps(ctx, buy(model.Up, 10))
		return nil
	})
	assert.ErrorIs(t, err, marketlock.ErrLocked)
	assert.Contains(t, err.Error(), "LOCKED by tick-1")
	assert.False(t, ran)

	_, tracked := f.ledger.Snapshot(key)
	assert.False(t, tracked, "dropped tick must not touch the ledger")

	close(finish)
	require.NoError(t, <-done)
}

func TestRunLocked_PlacerScopedToLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var leaked Placer
	err := f.gw.RunLocked(ctx, marketID, "BTC", "tick", func(ctx context.Context, p Placer) error {
		leaked = p
		other := buy(model.Up, 5)
		other.MarketID = "eth-updown-15m-1760000000"
		res := p.PlaceOrderWithCaps(ctx, other)
		assert.Equal(t, model.FailureInvalidOrder, res.FailureReason)

		res = p.PlaceOrderWithCaps(ctx, buy(model.Up, 5))
		assert.True(t, res.Success)
		return nil
	})
	require.NoError(t, err)

	res := leaked.PlaceOrderWithCaps(ctx, buy(model.Up, 5))
	assert.Equal(t, model.FailureInvalidOrder, res.FailureReason, "placer must not outlive the lock")
	assert.Len(t, f.exec.Calls(), 1)
}

func TestRunLocked_PropagatesError(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("strategy failed")
	err := f.gw.RunLocked(context.Background(), marketID, "BTC", "tick", func(context.Context, Placer) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	st, _ := f.gw.Locks().State(key)
	assert.False(t, st.Locked)
}

type halter struct{ reasons []string }

func (h *halter) Halt(reason string) { h.reasons = append(h.reasons, reason) }

func TestInvariantViolation_HookAndEvent(t *testing.T) {
	h := &halter{}
	f := newFixture(t, func(o *Options, _ *guard.FreezeConfig) {
		o.InvariantHook = HaltOnViolation(h)
	})
	f.pos.snaps[key] = model.PositionSnapshot{MarketID: marketID, Asset: "BTC", Up: d(150), Down: d(0)}

	n, err := f.gw.SyncPositions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	evs := f.rec.OfType(model.EventInvariantViolation)
	require.Len(t, evs, 1)
	assert.Equal(t, "sync", evs[0].ReasonCode)
	assert.Equal(t, []string{model.EventInvariantViolation}, h.reasons)
}

func TestSyncPositions_RebuildsFreeze(t *testing.T) {
	f := newFixture(t)
	f.pos.snaps[key] = model.PositionSnapshot{MarketID: marketID, Asset: "BTC", Up: d(0), Down: d(30)}

	_, err := f.gw.SyncPositions(context.Background())
	require.NoError(t, err)

	st, frozen := f.guard.State(key)
	assert.True(t, frozen)
	assert.Equal(t, model.Down, st.DominantSide)
}

func TestCheckAllInvariants_DryRun(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.SyncPosition(key, d(90), d(40)))

	p := f.gw.CheckAllInvariants(buy(model.Up, 20))
	assert.True(t, p.Allowed)
	assert.True(t, p.Clamped)
	assert.True(t, p.Size.Equal(d(10)))
	assert.Equal(t, ledger.ReasonSideCap, p.Reason)
	assert.True(t, p.Invariants.Valid)
	assert.True(t, p.Cpp.IsValid, "both legs held")

	e, _ := f.ledger.Snapshot(key)
	assert.True(t, e.PendingUp.IsZero(), "dry run must not reserve")
	assert.Empty(t, f.exec.Calls())
	assert.Empty(t, f.gw.Attempts(key))
}

func TestClearMarket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.gw.PlaceOrderWithCaps(ctx, buy(model.Up, 25)).Success)
	require.NoError(t, f.gw.OnFillUpdateInvariants(ctx, fill(model.Up, 25)))
	acq := f.gw.Locks().TryAcquire(key, "stuck")
	require.True(t, acq.Acquired)

	f.gw.ClearMarket(ctx, key)

	_, tracked := f.ledger.Snapshot(key)
	assert.False(t, tracked)
	_, frozen := f.guard.State(key)
	assert.False(t, frozen)
	assert.Empty(t, f.gw.Attempts(key))
	st, _ := f.gw.Locks().State(key)
	assert.False(t, st.Locked)
	stored, _ := f.pos.LoadPositions(ctx)
	assert.Empty(t, stored)
	assert.Len(t, f.rec.OfType(model.EventMarketCleared), 1)
}

func TestHedgeOutcomesFeedKPI(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h := buy(model.Down, 10)
	h.Intent = model.IntentHedge
	h.TriggeredAt = time.Now().Add(-time.Second)
	require.True(t, f.gw.PlaceOrderWithCaps(ctx, h).Success)

	f.exec.fn = func(model.Submission) (model.ExecutionResult, error) {
		return model.ExecutionResult{FailureReason: model.FailureNoLiquidity}, nil
	}
	f.gw.PlaceOrderWithCaps(ctx, h)
	f.gw.PlaceOrderWithCaps(ctx, buy(model.Up, 5)) // entries are not hedges

	require.Len(t, f.kpi.hedges, 2)
	assert.True(t, f.kpi.hedges[0].Success)
	assert.GreaterOrEqual(t, f.kpi.hedges[0].Lag, time.Second)
	assert.False(t, f.kpi.hedges[1].Success)
}

func TestRunIDFromContext(t *testing.T) {
	f := newFixture(t)
	ctx := WithRunID(context.Background(), "run-42")
	f.gw.PlaceOrderWithCaps(ctx, buy(model.Up, 5))
	f.gw.PlaceOrderWithCaps(context.Background(), buy(model.Up, 5))

	attempts := f.gw.Attempts(key)
	require.Len(t, attempts, 2)
	assert.Equal(t, "run-42", attempts[0].RunID)
	assert.Equal(t, f.gw.RunID(), attempts[1].RunID)
}

func TestAuditTrailBounded(t *testing.T) {
	f := newFixture(t, func(o *Options, _ *guard.FreezeConfig) { o.AuditSize = 3 })
	for i := 0; i < 5; i++ {
		f.gw.PlaceOrderWithCaps(context.Background(), buy(model.Up, 1))
	}
	assert.Len(t, f.gw.Attempts(key), 3)
}

func TestResultErr(t *testing.T) {
	cases := []struct {
		res  model.OrderResult
		want error
	}{
		{model.OrderResult{ExecutionResult: model.ExecutionResult{FailureReason: model.FailureCapBlocked}}, ErrCapBlocked},
		{model.OrderResult{ExecutionResult: model.ExecutionResult{FailureReason: model.FailureFreezeBlocked}}, ErrFreezeBlocked},
		{model.OrderResult{ExecutionResult: model.ExecutionResult{FailureReason: model.FailureAuth}}, ErrSubmissionRejected},
		{model.OrderResult{ExecutionResult: model.ExecutionResult{FailureReason: model.FailureUnknown}, SubmitError: "eof"}, ErrSubmissionFailed},
		{model.OrderResult{ExecutionResult: model.ExecutionResult{FailureReason: model.FailureInvalidOrder}}, ErrInvalidOrder},
	}
	for _, c := range cases {
		assert.ErrorIs(t, ResultErr(c.res), c.want)
	}
	assert.NoError(t, ResultErr(model.OrderResult{ExecutionResult: model.ExecutionResult{Success: true}}))
}

func TestOnOrderClosed_ReleasesOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.gw.PlaceOrderWithCaps(ctx, buy(model.Up, 30)).Success)

	require.NoError(t, f.gw.OnOrderClosed(ctx, marketID, "btc", model.Up, d(30)))
	x := f.ledger.GetEffectiveExposure(key)
	assert.True(t, x.Effective(model.Up).IsZero())

	// Room is available again for a full-size add.
	res := f.gw.PlaceOrderWithCaps(ctx, buy(model.Up, 100))
	require.True(t, res.Success)
	assert.False(t, res.Clamped)
}

func TestOnOrderClosed_Underflow(t *testing.T) {
	f := newFixture(t)
	err := f.gw.OnOrderClosed(context.Background(), marketID, "BTC", model.Down, d(5))
	assert.ErrorIs(t, err, ledger.ErrOpenUnderflow)
	assert.Empty(t, f.rec.OfType(model.EventInvariantViolation))
}

func TestPlace_TracksMarketExpiry(t *testing.T) {
	reg := market.NewRegistry()
	f := newFixture(t, func(o *Options, _ *guard.FreezeConfig) { o.Markets = reg })

	f.gw.PlaceOrderWithCaps(context.Background(), buy(model.Up, 5))
	assert.Equal(t, 1, reg.Len())

	// 1760000000 + 15m is long past; a sweep clears the market.
	sw := &market.Sweeper{Registry: reg, OnExpire: func(k market.Key) { f.gw.ClearMarket(context.Background(), k) }}
	cleared := sw.Sweep()
	require.Len(t, cleared, 1)
	assert.Equal(t, key, cleared[0])
	_, tracked := f.ledger.Snapshot(key)
	assert.False(t, tracked)
}

func TestRunLocked_PlacerRevokedByClearMarket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.gw.RunLocked(ctx, marketID, "BTC", "tick-1", func(ctx context.Context, p Placer) error {
		f.gw.ClearMarket(ctx, key)

		res := p.PlaceOrderWithCaps(ctx, buy(model.Up, 10))
		assert.Equal(t, model.FailureInvalidOrder, res.FailureReason)
		assert.Contains(t, res.Detail, "no longer held")

		var nested bool
		err := f.gw.RunLocked(ctx, marketID, "BTC", "tick-2", func(ctx context.Context, p2 Placer) error {
			nested = true
			assert.True(t, p2.PlaceOrderWithCaps(ctx, buy(model.Up, 5)).Success)

			res := p.PlaceOrderWithCaps(ctx, buy(model.Up, 10))
			assert.Equal(t, model.FailureInvalidOrder, res.FailureReason, "old placer must not ride the new lock")
			return nil
		})
		require.NoError(t, err)
		assert.True(t, nested)
		return nil
	})
	require.NoError(t, err)

	assert.Len(t, f.exec.Calls(), 1)
	e, _ := f.ledger.Snapshot(key)
	assert.True(t, e.OpenUp.Equal(d(5)), "open_up=%s", e.OpenUp)
}

// countLogs counts JSON log lines with the given message.
func countLogs(t *testing.T, buf *bytes.Buffer, msg string) int {
	t.Helper()
	n := 0
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		if rec["msg"] == msg {
			n++
		}
	}
	return n
}

func TestLogThrottle_ZeroDisables(t *testing.T) {
	cases := []struct {
		name     string
		throttle time.Duration
		want     int
	}{
		{"zero logs every block", 0, 3},
		{"negative uses default window", -1, 1},
		{"explicit window", time.Minute, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			f := newFixture(t, func(o *Options, _ *guard.FreezeConfig) {
				o.Logger = slog.New(slog.NewJSONHandler(&buf, nil))
				o.LogThrottle = c.throttle
			})
			for i := 0; i < 3; i++ {
				res := f.gw.PlaceOrderWithCaps(context.Background(), sell(model.Up, 5))
				require.Equal(t, model.FailureCapBlocked, res.FailureReason)
			}
			assert.Equal(t, c.want, countLogs(t, &buf, model.EventOrderCapBlocked))
		})
	}
}

func TestBlockedHedgesFeedKPI(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.SyncPosition(key, d(100), d(0)))

	capped := buy(model.Up, 10)
	capped.Intent = model.IntentHedge
	capped.TriggeredAt = time.Now().Add(-2 * time.Second)
	res := f.gw.PlaceOrderWithCaps(ctx, capped)
	require.Equal(t, model.FailureCapBlocked, res.FailureReason)

	noPos := sell(model.Down, 5)
	noPos.Intent = model.IntentHedge
	res = f.gw.PlaceOrderWithCaps(ctx, noPos)
	require.Equal(t, model.FailureCapBlocked, res.FailureReason)

	f.gw.PlaceOrderWithCaps(ctx, buy(model.Up, 10)) // blocked entry, not a hedge

	assert.Empty(t, f.exec.Calls())
	require.Len(t, f.kpi.hedges, 2)
	assert.False(t, f.kpi.hedges[0].Success)
	assert.GreaterOrEqual(t, f.kpi.hedges[0].Lag, 2*time.Second)
	assert.False(t, f.kpi.hedges[1].Success)
}

func TestBlockedHedgesTripBreaker(t *testing.T) {
	br := breaker.New(breaker.DefaultConfig(), breaker.NewMode(), nil, events.Nop{})
	f := newFixture(t, func(o *Options, _ *guard.FreezeConfig) { o.KPI = br })
	ctx := context.Background()
	require.NoError(t, f.ledger.SyncPosition(key, d(100), d(0)))

	for i := 0; i < 10; i++ {
		h := buy(model.Up, 5)
		h.Intent = model.IntentHedge
		f.gw.PlaceOrderWithCaps(ctx, h)
	}
	assert.Equal(t, model.ModeHedgeOnly, br.Mode().Get())
}

func TestFillsRacingPlacementsKeepInvariants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.gw.PlaceOrderWithCaps(ctx, buy(model.Up, 100)).Success)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			assert.NoError(t, f.gw.OnFillUpdateInvariants(ctx, fill(model.Up, 1)))
		}
	}()
	go func() {
		defer wg.Done()
		o := buy(model.Up, 1)
		o.Intent = model.IntentHedge
		for i := 0; i < 200; i++ {
			f.gw.PlaceOrderWithCaps(ctx, o)
		}
	}()
	wg.Wait()

	assert.Empty(t, f.rec.OfType(model.EventInvariantViolation))
	assert.Len(t, f.exec.Calls(), 1, "the leg was full the whole time")
	e, _ := f.ledger.Snapshot(key)
	assert.True(t, e.PositionUp.Equal(d(100)), "position_up=%s", e.PositionUp)
	assert.True(t, e.OpenUp.IsZero(), "open_up=%s", e.OpenUp)
}

func TestClearMarket_ForgetsOnlyItsOwnLogThrottle(t *testing.T) {
	var buf bytes.Buffer
	f := newFixture(t, func(o *Options, _ *guard.FreezeConfig) {
		o.Logger = slog.New(slog.NewJSONHandler(&buf, nil))
		o.LogThrottle = time.Hour
	})
	ctx := context.Background()
	other := sell(model.Up, 5)
	other.Asset = "BTCX"

	block := func() {
		require.Equal(t, model.FailureCapBlocked, f.gw.PlaceOrderWithCaps(ctx, sell(model.Up, 5)).FailureReason)
		require.Equal(t, model.FailureCapBlocked, f.gw.PlaceOrderWithCaps(ctx, other).FailureReason)
	}
	block()
	require.Equal(t, 2, countLogs(t, &buf, model.EventOrderCapBlocked))

	f.gw.ClearMarket(ctx, key)
	block()
	assert.Equal(t, 3, countLogs(t, &buf, model.EventOrderCapBlocked), "only the cleared market logs again")
}

// Package gateway is the single entry point for placing orders.
//
// Every order goes through PlaceOrderWithCaps, which checks the one-sided
// freeze, clamps against effective exposure, reserves pending shares,
// submits, and resolves the reservation exactly once. The execution client
// is held privately; strategy code only ever sees a Placer.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/mm-riskcore/internal/breaker"
	"github.com/atmx/mm-riskcore/internal/events"
	"github.com/atmx/mm-riskcore/internal/guard"
	"github.com/atmx/mm-riskcore/internal/ledger"
	"github.com/atmx/mm-riskcore/internal/market"
	"github.com/atmx/mm-riskcore/internal/marketlock"
	"github.com/atmx/mm-riskcore/internal/metrics"
	"github.com/atmx/mm-riskcore/internal/model"
	"github.com/atmx/mm-riskcore/internal/throttle"
)

var (
	ErrNoExecutor         = errors.New("gateway: executor is required")
	ErrInvalidOrder       = errors.New("gateway: invalid order")
	ErrCapBlocked         = errors.New("gateway: blocked by share caps")
	ErrFreezeBlocked      = errors.New("gateway: blocked by one-sided freeze")
	ErrSubmissionFailed   = errors.New("gateway: order submission failed")
	ErrSubmissionRejected = errors.New("gateway: order rejected by execution venue")
)

const (
	// ReasonDeepEdgeMicroAdd is the clamp reason when a frozen dominant-side
	// add was let through by the deep-edge exception at a reduced size.
	ReasonDeepEdgeMicroAdd = "DEEP_EDGE_MICRO_ADD"
	ReasonInvalidOrder     = "INVALID_ORDER"
)

// Executor submits orders to the execution venue.
type Executor interface {
	SubmitOrder(ctx context.Context, s model.Submission) (model.ExecutionResult, error)
}

// KPIRecorder receives fills and hedge outcomes. *breaker.Breaker satisfies it.
type KPIRecorder interface {
	RecordFill(f model.Fill)
	RecordHedge(h breaker.HedgeRecord)
}

// PositionStore persists authoritative positions across restarts.
type PositionStore interface {
	SavePosition(ctx context.Context, p model.PositionSnapshot) error
	LoadPositions(ctx context.Context) ([]model.PositionSnapshot, error)
	DeletePosition(ctx context.Context, marketID, asset string) error
}

// Options configures a Gateway. Executor is required.
type Options struct {
	Executor      Executor
	Sink          events.Sink
	Logger        *slog.Logger
	KPI           KPIRecorder
	Positions     PositionStore
	InvariantHook InvariantHook
	// Markets, when set, tracks the expiry of every up/down market the
	// gateway sees so a sweeper can clear it.
	Markets *market.Registry
	// LogThrottle limits repeated logs per (market, reason). Zero disables
	// throttling; a negative value selects the 5s default.
	LogThrottle time.Duration
	// AuditSize bounds the in-memory attempt trail per market.
	AuditSize int
}

// Gateway wires the ledger, guard and market locks around an executor.
type Gateway struct {
	ledger    *ledger.Ledger
	guard     *guard.Guard
	locks     *marketlock.Mutex
	exec      Executor
	sink      events.Sink
	kpi       KPIRecorder
	positions PositionStore
	hook      InvariantHook
	markets   *market.Registry
	logger    *slog.Logger
	logs      *throttle.Throttle
	audit     *auditTrail
	runID     string
	now       func() time.Time
}

// New creates a gateway. A nil locks gets a default lock registry.
func New(l *ledger.Ledger, g *guard.Guard, locks *marketlock.Mutex, opts Options) (*Gateway, error) {
	if opts.Executor == nil {
		return nil, ErrNoExecutor
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = events.Nop{}
	}
	if opts.LogThrottle < 0 {
		opts.LogThrottle = 5 * time.Second
	}
	if locks == nil {
		locks = marketlock.New(marketlock.DefaultConfig(), opts.Logger, opts.Sink)
	}

	return &Gateway{
		ledger:    l,
		guard:     g,
		locks:     locks,
		exec:      opts.Executor,
		sink:      opts.Sink,
		kpi:       opts.KPI,
		positions: opts.Positions,
		hook:      opts.InvariantHook,
		markets:   opts.Markets,
		logger:    opts.Logger,
		logs:      throttle.New(opts.LogThrottle),
		audit:     newAuditTrail(opts.AuditSize),
		runID:     uuid.NewString(),
		now:       time.Now,
	}, nil
}

// RunID is the process-level run id used when the context carries none.
func (g *Gateway) RunID() string {
	return g.runID
}

type runIDKey struct{}

// WithRunID tags ctx with a strategy run id recorded in the audit trail.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFrom returns the run id carried by ctx, if any.
func RunIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok && id != ""
}

func (g *Gateway) runIDFor(ctx context.Context) string {
	if id, ok := RunIDFrom(ctx); ok {
		return id
	}
	return g.runID
}

// ResultErr maps a failed OrderResult to one of the package sentinels for
// errors.Is checks. It returns nil for a successful result.
func ResultErr(r model.OrderResult) error {
	if r.Success {
		return nil
	}
	var base error
	switch {
	case r.SubmitError != "":
		return fmt.Errorf("%w: %s", ErrSubmissionFailed, r.SubmitError)
	case r.FailureReason == model.FailureCapBlocked:
		base = ErrCapBlocked
	case r.FailureReason == model.FailureFreezeBlocked:
		base = ErrFreezeBlocked
	case r.FailureReason == model.FailureInvalidOrder:
		base = ErrInvalidOrder
	default:
		base = ErrSubmissionRejected
	}
	if r.Detail != "" {
		return fmt.Errorf("%w: %s", base, r.Detail)
	}
	if r.FailureReason != model.FailureNone {
		return fmt.Errorf("%w: %s", base, r.FailureReason)
	}
	return base
}

func validate(o model.Order) string {
	switch {
	case o.MarketID == "" || o.Asset == "":
		return "market_id and asset are required"
	case !o.Outcome.Valid():
		return "outcome must be UP or DOWN"
	case o.Side != model.Buy && o.Side != model.Sell:
		return "side must be BUY or SELL"
	case !o.Size.IsPositive():
		return "size must be positive"
	case !o.Price.IsPositive():
		return "price must be positive"
	}
	return ""
}

// PlaceOrderWithCaps admits, submits and accounts for one order.
//
// BUY orders are checked against the one-sided freeze, clamped and reserved
// against effective exposure, submitted, and the reservation is promoted on
// success or released on rejection or error. SELL orders are clamped to the
// held position and submitted without a reservation.
//
// Blocks and venue failures come back as a failed result, never as a panic
// or error; use ResultErr to classify them.
func (g *Gateway) PlaceOrderWithCaps(ctx context.Context, o model.Order) model.OrderResult {
	k := market.NewKey(o.MarketID, o.Asset)
	o.Asset = k.Asset
	runID := g.runIDFor(ctx)

	if msg := validate(o); msg != "" {
		g.recordAttempt(k, o, model.DecisionBlock, nil, ReasonInvalidOrder, runID)
		g.logThrottled(k, ReasonInvalidOrder, slog.LevelWarn, "order rejected before admission",
			"reason", msg, "run_id", runID)
		return failed(o, model.FailureInvalidOrder, msg)
	}
	g.track(k)

	if o.Side == model.Sell {
		return g.placeSell(ctx, k, o, runID)
	}
	return g.placeBuy(ctx, k, o, runID)
}

// track registers k's expiry when its market id is an up/down slug.
func (g *Gateway) track(k market.Key) {
	if g.markets == nil {
		return
	}
	if w, err := market.ParseSlug(k.MarketID); err == nil {
		g.markets.Track(k, w.End)
	}
}

func (g *Gateway) placeBuy(ctx context.Context, k market.Key, o model.Order, runID string) model.OrderResult {
	requested := o.Size

	fc := g.guard.CheckFreeze(k, o)
	if fc.Blocked {
		g.logThrottled(k, fc.Reason, slog.LevelWarn, "order blocked by one-sided freeze",
			"outcome", o.Outcome,
			"intent", o.Intent,
			"size", o.Size.String(),
			"dominant_side", fc.State.DominantSide,
			"run_id", runID,
		)
		g.emit(k, model.EventOrderFreezeBlocked, fc.Reason, runID, map[string]any{
			"outcome":       o.Outcome,
			"intent":        o.Intent,
			"requested_qty": o.Size.String(),
			"dominant_side": fc.State.DominantSide,
		})
		g.recordAttempt(k, o, model.DecisionBlock, nil, fc.Reason, runID)
		g.observeHedge(k, o, false, 0)
		return failed(o, model.FailureFreezeBlocked, fc.Reason)
	}
	microAdd := false
	if fc.MaxSize != nil && requested.GreaterThan(*fc.MaxSize) {
		requested = *fc.MaxSize
		microAdd = true
	}

	check := g.ledger.TryReserve(k, o.Outcome, requested)
	if check.Blocked {
		g.logThrottled(k, check.BlockReason, slog.LevelWarn, model.EventOrderCapBlocked,
			"outcome", o.Outcome,
			"requested_qty", o.Size.String(),
			"effective_up", check.Exposure.EffectiveUp.String(),
			"effective_down", check.Exposure.EffectiveDown.String(),
			"reason", check.BlockReason,
			"run_id", runID,
		)
		g.emit(k, model.EventOrderCapBlocked, check.BlockReason, runID, capData(o, check))
		g.recordAttempt(k, o, model.DecisionBlock, nil, check.BlockReason, runID)
		g.observeHedge(k, o, false, 0)
		return failed(o, model.FailureCapBlocked, check.BlockReason)
	}

	size := check.ClampedQty
	clampReason := check.ClampReason
	if microAdd && clampReason == "" {
		clampReason = ReasonDeepEdgeMicroAdd
	}
	clamped := size.LessThan(o.Size)
	g.admitted(k, o, size, clamped, clampReason, runID, capData(o, check))

	res, err := g.submit(ctx, k, o, size)
	if err != nil {
		g.resolve(k, o.Outcome, size, false, runID)
		g.assertInvariants(k, runID, "submit_error")
		return g.submitFailed(k, o, size, clamped, clampReason, runID, err)
	}
	if !res.Success {
		g.resolve(k, o.Outcome, size, false, runID)
		g.assertInvariants(k, runID, "rejected")
		return g.rejected(k, o, res, size, clamped, clampReason, runID)
	}

	g.resolve(k, o.Outcome, size, true, runID)
	g.assertInvariants(k, runID, "placed")
	return g.placed(k, o, res, size, clamped, clampReason, runID)
}

func (g *Gateway) placeSell(ctx context.Context, k market.Key, o model.Order, runID string) model.OrderResult {
	e, _ := g.ledger.Snapshot(k)
	cr := guard.ClampOrderToCaps(guard.ClampInput{
		CurrentUp:     e.PositionUp,
		CurrentDown:   e.PositionDown,
		RequestedSize: o.Size,
		Side:          model.Sell,
		Outcome:       o.Outcome,
	}, g.ledger.Limits())

	data := map[string]any{
		"outcome":       o.Outcome,
		"side":          o.Side,
		"requested_qty": o.Size.String(),
		"held":          e.Position(o.Outcome).String(),
	}
	if cr.Blocked {
		g.logThrottled(k, cr.Reason, slog.LevelWarn, model.EventOrderCapBlocked,
			"outcome", o.Outcome,
			"side", o.Side,
			"requested_qty", o.Size.String(),
			"reason", cr.Reason,
			"run_id", runID,
		)
		g.emit(k, model.EventOrderCapBlocked, cr.Reason, runID, data)
		g.recordAttempt(k, o, model.DecisionBlock, nil, cr.Reason, runID)
		g.observeHedge(k, o, false, 0)
		return failed(o, model.FailureCapBlocked, cr.Reason)
	}

	size := cr.AllowedSize
	data["clamped_qty"] = size.String()
	g.admitted(k, o, size, cr.Clamped, cr.Reason, runID, data)

	res, err := g.submit(ctx, k, o, size)
	if err != nil {
		return g.submitFailed(k, o, size, cr.Clamped, cr.Reason, runID, err)
	}
	if !res.Success {
		return g.rejected(k, o, res, size, cr.Clamped, cr.Reason, runID)
	}
	return g.placed(k, o, res, size, cr.Clamped, cr.Reason, runID)
}

// admitted logs the clamp (if any) and records the attempt.
func (g *Gateway) admitted(k market.Key, o model.Order, size decimal.Decimal, clamped bool, reason, runID string, data map[string]any) {
	if !clamped {
		g.recordAttempt(k, o, model.DecisionPlace, nil, "WITHIN_CAPS", runID)
		return
	}
	g.logThrottled(k, model.EventOrderClamped+"|"+reason, slog.LevelInfo, model.EventOrderClamped,
		"outcome", o.Outcome,
		"side", o.Side,
		"requested_qty", o.Size.String(),
		"clamped_qty", size.String(),
		"reason", reason,
		"run_id", runID,
	)
	g.emit(k, model.EventOrderClamped, reason, runID, data)
	g.recordAttempt(k, o, model.DecisionClamp, &size, reason, runID)
}

// submit calls the executor, converting a panic into an error so the
// reservation is still released.
func (g *Gateway) submit(ctx context.Context, k market.Key, o model.Order, size decimal.Decimal) (res model.ExecutionResult, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
		latency := time.Since(start)
		outcome := "success"
		switch {
		case err != nil:
			outcome = "error"
		case !res.Success:
			outcome = "rejected"
		}
		metrics.OrderSubmitLatency.WithLabelValues(outcome).Observe(latency.Seconds())
		g.observeHedge(k, o, err == nil && res.Success, latency)
	}()

	return g.exec.SubmitOrder(ctx, model.Submission{
		TokenID: o.TokenID,
		Side:    o.Side,
		Price:   o.Price,
		Size:    size,
		Type:    o.Type,
		Intent:  o.Intent,
	})
}

// observeHedge feeds HEDGE outcomes to the KPI recorder. A hedge blocked
// before submission counts as failed. Lag runs from the triggering fill when
// known, otherwise it is the submit latency.
func (g *Gateway) observeHedge(k market.Key, o model.Order, ok bool, latency time.Duration) {
	if g.kpi == nil || o.Intent != model.IntentHedge {
		return
	}
	lag := latency
	if !o.TriggeredAt.IsZero() {
		lag = g.now().Sub(o.TriggeredAt)
	}
	g.kpi.RecordHedge(breaker.HedgeRecord{
		MarketID: k.MarketID,
		Asset:    k.Asset,
		Success:  ok,
		Lag:      lag,
		At:       g.now(),
	})
}

// resolve settles a BUY reservation exactly once.
func (g *Gateway) resolve(k market.Key, o model.Outcome, size decimal.Decimal, promote bool, runID string) {
	var err error
	op := "reject"
	if promote {
		op = "promote"
		err = g.ledger.PromoteToOpen(k, o, size)
	} else {
		err = g.ledger.OnRejectPending(k, o, size)
	}
	if err != nil {
		metrics.ReservationErrors.WithLabelValues(op).Inc()
		g.logger.Error("reservation resolve failed",
			"market_id", k.MarketID,
			"asset", k.Asset,
			"outcome", o,
			"size", size.String(),
			"op", op,
			"err", err,
			"run_id", runID,
		)
	}
}

func (g *Gateway) submitFailed(k market.Key, o model.Order, size decimal.Decimal, clamped bool, reason, runID string, err error) model.OrderResult {
	g.logger.Error("order submission failed",
		"market_id", k.MarketID,
		"asset", k.Asset,
		"outcome", o.Outcome,
		"side", o.Side,
		"size", size.String(),
		"err", err,
		"run_id", runID,
	)
	g.emit(k, model.EventOrderFailed, string(model.FailureUnknown), runID, map[string]any{
		"outcome": o.Outcome,
		"side":    o.Side,
		"size":    size.String(),
		"error":   err.Error(),
	})
	r := annotate(model.ExecutionResult{FailureReason: model.FailureUnknown}, o, size, clamped, reason)
	r.SubmitError = err.Error()
	return r
}

func (g *Gateway) rejected(k market.Key, o model.Order, res model.ExecutionResult, size decimal.Decimal, clamped bool, reason, runID string) model.OrderResult {
	g.logThrottled(k, "REJECTED|"+string(res.FailureReason), slog.LevelWarn, "order rejected by venue",
		"outcome", o.Outcome,
		"side", o.Side,
		"size", size.String(),
		"failure_reason", res.FailureReason,
		"status", res.Status,
		"run_id", runID,
	)
	g.emit(k, model.EventOrderFailed, string(res.FailureReason), runID, map[string]any{
		"outcome": o.Outcome,
		"side":    o.Side,
		"size":    size.String(),
		"status":  res.Status,
	})
	return annotate(res, o, size, clamped, reason)
}

func (g *Gateway) placed(k market.Key, o model.Order, res model.ExecutionResult, size decimal.Decimal, clamped bool, reason, runID string) model.OrderResult {
	g.logger.Info("order placed",
		"market_id", k.MarketID,
		"asset", k.Asset,
		"order_id", res.OrderID,
		"outcome", o.Outcome,
		"side", o.Side,
		"intent", o.Intent,
		"price", o.Price.String(),
		"size", size.String(),
		"clamped", clamped,
		"run_id", runID,
	)
	g.emit(k, model.EventOrderPlaced, "", runID, map[string]any{
		"order_id":    res.OrderID,
		"outcome":     o.Outcome,
		"side":        o.Side,
		"intent":      o.Intent,
		"price":       o.Price.String(),
		"size":        size.String(),
		"filled_size": res.FilledSize.String(),
		"clamped":     clamped,
	})
	return annotate(res, o, size, clamped, reason)
}

func annotate(res model.ExecutionResult, o model.Order, size decimal.Decimal, clamped bool, reason string) model.OrderResult {
	r := model.OrderResult{
		ExecutionResult: res,
		Size:            size,
		OriginalSize:    o.Size,
		Clamped:         clamped,
	}
	if clamped {
		r.Detail = reason
	}
	return r
}

func failed(o model.Order, reason model.FailureReason, detail string) model.OrderResult {
	return model.OrderResult{
		ExecutionResult: model.ExecutionResult{FailureReason: reason},
		Size:            decimal.Zero,
		OriginalSize:    o.Size,
		Detail:          detail,
	}
}

func capData(o model.Order, c ledger.CapCheck) map[string]any {
	return map[string]any{
		"outcome":         o.Outcome,
		"side":            o.Side,
		"intent":          o.Intent,
		"requested_qty":   o.Size.String(),
		"clamped_qty":     c.ClampedQty.String(),
		"effective_up":    c.Exposure.EffectiveUp.String(),
		"effective_down":  c.Exposure.EffectiveDown.String(),
		"remaining_total": c.Exposure.RemainingTotal.String(),
	}
}

func (g *Gateway) emit(k market.Key, eventType, reason, runID string, data map[string]any) {
	g.sink.Record(model.Event{
		Type:       eventType,
		MarketID:   k.MarketID,
		Asset:      k.Asset,
		Timestamp:  g.now().UTC(),
		RunID:      runID,
		ReasonCode: reason,
		Data:       data,
	})
}

func (g *Gateway) logThrottled(k market.Key, reason string, level slog.Level, msg string, args ...any) {
	ok, suppressed := g.logs.Allow(k.String() + "|" + reason)
	if !ok {
		return
	}
	args = append(args, "market_id", k.MarketID, "asset", k.Asset)
	if suppressed > 0 {
		args = append(args, "suppressed", suppressed)
	}
	g.logger.Log(context.Background(), level, msg, args...)
}

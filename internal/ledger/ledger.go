// Package ledger tracks per-market share exposure for the market maker.
//
// Every (market, asset) key holds position, open-order and pending-order
// shares for both legs. Caps are enforced against effective exposure
// (position + open + pending), never raw position, so two evaluation
// cycles that both read a stale position cannot over-commit between them.
//
// State is sharded per key: each entry has its own mutex and the key map is
// only write-locked to create or drop entries, so markets never contend
// with each other.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/mm-riskcore/internal/market"
	"github.com/atmx/mm-riskcore/internal/model"
)

var (
	// ErrInvalidQty is returned for zero, negative or unknown-leg requests.
	ErrInvalidQty = errors.New("ledger: quantity must be positive")

	// ErrPendingUnderflow is returned when a reservation is resolved for more
	// shares than are pending. It usually means a double resolve.
	ErrPendingUnderflow = errors.New("ledger: pending shares underflow")

	// ErrOpenUnderflow is returned when more open shares are released than
	// are resting. The open count is floored at zero.
	ErrOpenUnderflow = errors.New("ledger: open shares underflow")

	// ErrPositionUnderflow is returned when a sell fill exceeds the held
	// position. The position is floored at zero.
	ErrPositionUnderflow = errors.New("ledger: position underflow")
)

// Block and clamp reasons reported by CheckCapWithEffectiveExposure.
const (
	ReasonSideCap    = "SIDE_CAP_REACHED"
	ReasonTotalCap   = "TOTAL_CAP_REACHED"
	ReasonNoPosition = "NO_POSITION_TO_SELL"
	ReasonInvalidQty = "INVALID_QTY"
)

// Limits are the hard share caps.
type Limits struct {
	MaxSharesPerSide        decimal.Decimal
	MaxTotalSharesPerMarket decimal.Decimal
}

// DefaultLimits returns 100 shares per side and 200 per market.
func DefaultLimits() Limits {
	return Limits{
		MaxSharesPerSide:        decimal.NewFromInt(100),
		MaxTotalSharesPerMarket: decimal.NewFromInt(200),
	}
}

// Entry is a copy of one key's counters.
type Entry struct {
	MarketID     string          `json:"market_id"`
	Asset        string          `json:"asset"`
	PositionUp   decimal.Decimal `json:"position_up"`
	PositionDown decimal.Decimal `json:"position_down"`
	OpenUp       decimal.Decimal `json:"open_up"`
	OpenDown     decimal.Decimal `json:"open_down"`
	PendingUp    decimal.Decimal `json:"pending_up"`
	PendingDown  decimal.Decimal `json:"pending_down"`
	CostUp       decimal.Decimal `json:"cost_up"`   // cumulative cost of held UP shares
	CostDown     decimal.Decimal `json:"cost_down"` // cumulative cost of held DOWN shares
	LastUpdated  time.Time       `json:"last_updated"`
}

// Position returns the held shares on one leg.
func (e *Entry) Position(o model.Outcome) decimal.Decimal {
	if o == model.Up {
		return e.PositionUp
	}
	return e.PositionDown
}

// AvgPriceCents returns the average entry price of one leg in cents, or
// zero when the leg holds nothing.
func (e *Entry) AvgPriceCents(o model.Outcome) decimal.Decimal {
	pos, cost := e.PositionUp, e.CostUp
	if o == model.Down {
		pos, cost = e.PositionDown, e.CostDown
	}
	if !pos.IsPositive() {
		return decimal.Zero
	}
	return cost.Div(pos).Mul(decimal.NewFromInt(100)).Round(4)
}

func (e *Entry) counters(o model.Outcome) (pos, open, pending *decimal.Decimal) {
	if o == model.Up {
		return &e.PositionUp, &e.OpenUp, &e.PendingUp
	}
	return &e.PositionDown, &e.OpenDown, &e.PendingDown
}

func (e *Entry) cost(o model.Outcome) *decimal.Decimal {
	if o == model.Up {
		return &e.CostUp
	}
	return &e.CostDown
}

// EffectiveExposure is derived from an entry and the limits; never stored.
type EffectiveExposure struct {
	EffectiveUp    decimal.Decimal `json:"effective_up"`
	EffectiveDown  decimal.Decimal `json:"effective_down"`
	RemainingUp    decimal.Decimal `json:"remaining_up"`
	RemainingDown  decimal.Decimal `json:"remaining_down"`
	RemainingTotal decimal.Decimal `json:"remaining_total"`
}

// Effective returns effective exposure of one leg.
func (x EffectiveExposure) Effective(o model.Outcome) decimal.Decimal {
	if o == model.Up {
		return x.EffectiveUp
	}
	return x.EffectiveDown
}

// Remaining returns remaining side capacity of one leg.
func (x EffectiveExposure) Remaining(o model.Outcome) decimal.Decimal {
	if o == model.Up {
		return x.RemainingUp
	}
	return x.RemainingDown
}

// CapCheck is the admission answer for one requested order.
type CapCheck struct {
	Blocked     bool              `json:"blocked"`
	BlockReason string            `json:"block_reason,omitempty"`
	ClampReason string            `json:"clamp_reason,omitempty"`
	Requested   decimal.Decimal   `json:"requested_qty"`
	ClampedQty  decimal.Decimal   `json:"clamped_qty"`
	Exposure    EffectiveExposure `json:"effective_exposure"`
}

// Clamped reports whether the allowed size is below the request.
func (c CapCheck) Clamped() bool {
	return !c.Blocked && c.ClampedQty.LessThan(c.Requested)
}

// InvariantReport is the result of AssertInvariants.
type InvariantReport struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations,omitempty"`
}

type slot struct {
	mu   sync.Mutex
	e    Entry
	dead bool // set when the key was cleared while a caller held the pointer
}

// Ledger is the exposure ledger. The zero value is not usable; use New.
type Ledger struct {
	limits  Limits
	now     func() time.Time
	mu      sync.RWMutex
	entries map[market.Key]*slot
}

// New creates an empty ledger with the given caps.
func New(limits Limits) *Ledger {
	return &Ledger{
		limits:  limits,
		now:     time.Now,
		entries: make(map[market.Key]*slot),
	}
}

// Limits returns the configured caps.
func (l *Ledger) Limits() Limits {
	return l.limits
}

// lookup returns the slot for k, creating it when create is set.
func (l *Ledger) lookup(k market.Key, create bool) *slot {
	l.mu.RLock()
	s := l.entries[k]
	l.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s = l.entries[k]; s == nil {
		s = &slot{e: Entry{MarketID: k.MarketID, Asset: k.Asset}}
		l.entries[k] = s
	}
	return s
}

// mutate runs fn with exclusive access to k's entry, creating it lazily.
func (l *Ledger) mutate(k market.Key, fn func(e *Entry) error) error {
	for {
		s := l.lookup(k, true)
		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}
		err := fn(&s.e)
		s.e.LastUpdated = l.now()
		s.mu.Unlock()
		return err
	}
}

// read copies k's entry. Missing keys read as all zero.
func (l *Ledger) read(k market.Key) Entry {
	s := l.lookup(k, false)
	if s == nil {
		return Entry{MarketID: k.MarketID, Asset: k.Asset}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.e
}

// Snapshot returns a copy of k's counters and whether the key is tracked.
func (l *Ledger) Snapshot(k market.Key) (Entry, bool) {
	s := l.lookup(k, false)
	if s == nil {
		return Entry{MarketID: k.MarketID, Asset: k.Asset}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.e, !s.dead
}

// Keys lists every tracked key in stable order.
func (l *Ledger) Keys() []market.Key {
	l.mu.RLock()
	keys := make([]market.Key, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	l.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// GetEffectiveExposure computes effective exposure for k.
func (l *Ledger) GetEffectiveExposure(k market.Key) EffectiveExposure {
	e := l.read(k)
	return l.exposure(&e)
}

func (l *Ledger) exposure(e *Entry) EffectiveExposure {
	up := e.PositionUp.Add(e.OpenUp).Add(e.PendingUp)
	down := e.PositionDown.Add(e.OpenDown).Add(e.PendingDown)
	return EffectiveExposure{
		EffectiveUp:    up,
		EffectiveDown:  down,
		RemainingUp:    l.limits.MaxSharesPerSide.Sub(up),
		RemainingDown:  l.limits.MaxSharesPerSide.Sub(down),
		RemainingTotal: l.limits.MaxTotalSharesPerMarket.Sub(up.Add(down)),
	}
}

// CheckCapWithEffectiveExposure clamps a requested order against k's
// effective exposure without mutating anything.
//
// BUY:  clamped = max(0, min(requested, remainingSide, remainingTotal))
// SELL: clamped = min(requested, position on that leg); never goes short.
func (l *Ledger) CheckCapWithEffectiveExposure(k market.Key, o model.Outcome, side model.Side, qty decimal.Decimal) CapCheck {
	e := l.read(k)
	return l.check(&e, o, side, qty)
}

func (l *Ledger) check(e *Entry, o model.Outcome, side model.Side, qty decimal.Decimal) CapCheck {
	exp := l.exposure(e)
	c := CapCheck{Requested: qty, ClampedQty: decimal.Zero, Exposure: exp}

	if !qty.IsPositive() || !o.Valid() {
		c.Blocked = true
		c.BlockReason = ReasonInvalidQty
		return c
	}

	if side == model.Sell {
		held := e.Position(o)
		if !held.IsPositive() {
			c.Blocked = true
			c.BlockReason = ReasonNoPosition
			return c
		}
		c.ClampedQty = decimal.Min(qty, held)
		if c.ClampedQty.LessThan(qty) {
			c.ClampReason = ReasonNoPosition
		}
		return c
	}

	// The side limit binds on ties so the reason names the tighter cap.
	remSide := exp.Remaining(o)
	bound, reason := remSide, ReasonSideCap
	if exp.RemainingTotal.LessThan(remSide) {
		bound, reason = exp.RemainingTotal, ReasonTotalCap
	}

	c.ClampedQty = decimal.Max(decimal.Zero, decimal.Min(qty, bound))
	if !c.ClampedQty.IsPositive() {
		c.Blocked = true
		c.BlockReason = reason
		c.ClampedQty = decimal.Zero
		return c
	}
	if c.ClampedQty.LessThan(qty) {
		c.ClampReason = reason
	}
	return c
}

// TryReserve checks a BUY against the caps and reserves the clamped size as
// pending in one critical section. A blocked check reserves nothing.
// Every non-blocked result must later be resolved exactly once with
// PromoteToOpen or OnRejectPending for ClampedQty shares.
func (l *Ledger) TryReserve(k market.Key, o model.Outcome, qty decimal.Decimal) CapCheck {
	var c CapCheck
	_ = l.mutate(k, func(e *Entry) error {
		c = l.check(e, o, model.Buy, qty)
		if c.Blocked {
			return nil
		}
		_, _, pending := e.counters(o)
		*pending = pending.Add(c.ClampedQty)
		c.Exposure = l.exposure(e)
		return nil
	})
	return c
}

// ReservePending holds qty shares as pending before submission. It does not
// check caps; callers check first or use TryReserve.
func (l *Ledger) ReservePending(k market.Key, o model.Outcome, qty decimal.Decimal) error {
	if !qty.IsPositive() || !o.Valid() {
		return ErrInvalidQty
	}
	return l.mutate(k, func(e *Entry) error {
		_, _, pending := e.counters(o)
		*pending = pending.Add(qty)
		return nil
	})
}

// PromoteToOpen moves qty shares from pending to open once the venue
// acknowledged the order.
func (l *Ledger) PromoteToOpen(k market.Key, o model.Outcome, qty decimal.Decimal) error {
	if !qty.IsPositive() || !o.Valid() {
		return ErrInvalidQty
	}
	return l.mutate(k, func(e *Entry) error {
		_, open, pending := e.counters(o)
		if pending.LessThan(qty) {
			return fmt.Errorf("%w: promote %s %s, pending %s", ErrPendingUnderflow, o, qty, pending)
		}
		*pending = pending.Sub(qty)
		*open = open.Add(qty)
		return nil
	})
}

// OnRejectPending releases a reservation that never became an order.
func (l *Ledger) OnRejectPending(k market.Key, o model.Outcome, qty decimal.Decimal) error {
	if !qty.IsPositive() || !o.Valid() {
		return ErrInvalidQty
	}
	return l.mutate(k, func(e *Entry) error {
		_, _, pending := e.counters(o)
		if pending.LessThan(qty) {
			return fmt.Errorf("%w: release %s %s, pending %s", ErrPendingUnderflow, o, qty, pending)
		}
		*pending = pending.Sub(qty)
		return nil
	})
}

// OnFill reduces open shares by a filled quantity. Position is updated
// separately with IncrementPosition; fill handlers use ApplyBuyFill.
func (l *Ledger) OnFill(k market.Key, o model.Outcome, qty decimal.Decimal) error {
	return l.releaseOpen(k, o, qty)
}

// OnOrderClosed releases the unfilled remainder of a cancelled or expired
// resting order.
func (l *Ledger) OnOrderClosed(k market.Key, o model.Outcome, qty decimal.Decimal) error {
	return l.releaseOpen(k, o, qty)
}

func (l *Ledger) releaseOpen(k market.Key, o model.Outcome, qty decimal.Decimal) error {
	if !qty.IsPositive() || !o.Valid() {
		return ErrInvalidQty
	}
	return l.mutate(k, func(e *Entry) error {
		return takeOpen(e, o, qty)
	})
}

// takeOpen subtracts qty from open, flooring at zero.
func takeOpen(e *Entry, o model.Outcome, qty decimal.Decimal) error {
	_, open, _ := e.counters(o)
	if open.LessThan(qty) {
		prev := *open
		*open = decimal.Zero
		return fmt.Errorf("%w: release %s %s, open %s", ErrOpenUnderflow, o, qty, prev)
	}
	*open = open.Sub(qty)
	return nil
}

// IncrementPosition adds filled shares to the held position at price
// (0–1 per share). A zero price leaves the cost basis unchanged.
func (l *Ledger) IncrementPosition(k market.Key, o model.Outcome, qty, price decimal.Decimal) error {
	if !qty.IsPositive() || !o.Valid() {
		return ErrInvalidQty
	}
	return l.mutate(k, func(e *Entry) error {
		addPosition(e, o, qty, price)
		return nil
	})
}

func addPosition(e *Entry, o model.Outcome, qty, price decimal.Decimal) {
	pos, _, _ := e.counters(o)
	*pos = pos.Add(qty)
	if price.IsPositive() {
		cost := e.cost(o)
		*cost = cost.Add(qty.Mul(price))
	}
}

// ApplyBuyFill moves filled BUY shares from open to position in one step, so
// no reader or reservation ever sees the shares counted twice or not at all.
// On an overfill open is floored at zero and ErrOpenUnderflow is returned;
// the position is still credited.
func (l *Ledger) ApplyBuyFill(k market.Key, o model.Outcome, qty, price decimal.Decimal) error {
	if !qty.IsPositive() || !o.Valid() {
		return ErrInvalidQty
	}
	return l.mutate(k, func(e *Entry) error {
		err := takeOpen(e, o, qty)
		addPosition(e, o, qty, price)
		return err
	})
}

// ReducePosition removes sold shares, keeping the average price of the rest.
func (l *Ledger) ReducePosition(k market.Key, o model.Outcome, qty decimal.Decimal) error {
	if !qty.IsPositive() || !o.Valid() {
		return ErrInvalidQty
	}
	return l.mutate(k, func(e *Entry) error {
		pos := e.Position(o)
		var err error
		next := pos.Sub(qty)
		if next.IsNegative() {
			err = fmt.Errorf("%w: sell %s %s, held %s", ErrPositionUnderflow, o, qty, pos)
			next = decimal.Zero
		}
		setPosition(e, o, next, pos)
		return err
	})
}

// SyncPosition overwrites held positions with an authoritative snapshot,
// for example after a restart. Open and pending counters are kept.
func (l *Ledger) SyncPosition(k market.Key, up, down decimal.Decimal) error {
	if up.IsNegative() || down.IsNegative() {
		return ErrInvalidQty
	}
	return l.mutate(k, func(e *Entry) error {
		setPosition(e, model.Up, up, e.PositionUp)
		setPosition(e, model.Down, down, e.PositionDown)
		return nil
	})
}

// setPosition sets a leg's position and rescales its cost basis so the
// average price is unchanged.
func setPosition(e *Entry, o model.Outcome, next, prev decimal.Decimal) {
	pos, _, _ := e.counters(o)
	cost := e.cost(o)
	switch {
	case !next.IsPositive():
		*cost = decimal.Zero
	case prev.IsPositive():
		*cost = cost.Div(prev).Mul(next)
	default:
		*cost = decimal.Zero
	}
	*pos = next
}

// ClearMarket drops every counter for k (market expired or settled).
func (l *Ledger) ClearMarket(k market.Key) {
	l.mu.Lock()
	s := l.entries[k]
	delete(l.entries, k)
	l.mu.Unlock()

	if s != nil {
		s.mu.Lock()
		s.dead = true
		s.mu.Unlock()
	}
}

// AssertInvariants checks k's counters against the caps. It is diagnostic
// only and never changes state.
func (l *Ledger) AssertInvariants(k market.Key) InvariantReport {
	e := l.read(k)
	return l.assert(&e)
}

func (l *Ledger) assert(e *Entry) InvariantReport {
	var v []string

	fields := []struct {
		name string
		val  decimal.Decimal
	}{
		{"position_up", e.PositionUp}, {"position_down", e.PositionDown},
		{"open_up", e.OpenUp}, {"open_down", e.OpenDown},
		{"pending_up", e.PendingUp}, {"pending_down", e.PendingDown},
	}
	for _, f := range fields {
		if f.val.IsNegative() {
			v = append(v, fmt.Sprintf("%s negative: %s", f.name, f.val))
		}
	}

	exp := l.exposure(e)
	if exp.EffectiveUp.GreaterThan(l.limits.MaxSharesPerSide) {
		v = append(v, fmt.Sprintf("effective_up %s > max per side %s", exp.EffectiveUp, l.limits.MaxSharesPerSide))
	}
	if exp.EffectiveDown.GreaterThan(l.limits.MaxSharesPerSide) {
		v = append(v, fmt.Sprintf("effective_down %s > max per side %s", exp.EffectiveDown, l.limits.MaxSharesPerSide))
	}
	total := exp.EffectiveUp.Add(exp.EffectiveDown)
	if total.GreaterThan(l.limits.MaxTotalSharesPerMarket) {
		v = append(v, fmt.Sprintf("effective_total %s > max per market %s", total, l.limits.MaxTotalSharesPerMarket))
	}

	return InvariantReport{Valid: len(v) == 0, Violations: v}
}

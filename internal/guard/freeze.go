package guard

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/mm-riskcore/internal/market"
	"github.com/atmx/mm-riskcore/internal/model"
)

// ReasonFreezeBlocked is reported when a dominant-side add is refused.
const ReasonFreezeBlocked = "ADD_BLOCKED_ONE_SIDED_FREEZE"

// FreezeConfig tunes the one-sided freeze.
type FreezeConfig struct {
	// PairedMinShares is the smaller leg size required to call a position paired.
	PairedMinShares decimal.Decimal
	// PairedMaxImbalance bounds |up-down| as a fraction of the smaller leg.
	PairedMaxImbalance decimal.Decimal

	// AllowOneSidedAddIfDeepEdge lets a dominant-side add through when the
	// combined ask is below DeepEdgeThreshold. Off by default.
	AllowOneSidedAddIfDeepEdge bool
	DeepEdgeThreshold          decimal.Decimal
	// MicroAddMaxShares caps the size of a deep-edge add.
	MicroAddMaxShares decimal.Decimal
}

// DefaultFreezeConfig pairs at 20 shares and 20% imbalance with the deep-edge
// exception disabled.
func DefaultFreezeConfig() FreezeConfig {
	return FreezeConfig{
		PairedMinShares:    decimal.NewFromInt(20),
		PairedMaxImbalance: decimal.NewFromFloat(0.2),
		MicroAddMaxShares:  decimal.NewFromInt(5),
	}
}

// FreezeState is the per-key freeze record. Absent means unfrozen.
type FreezeState struct {
	Frozen       bool          `json:"frozen"`
	DominantSide model.Outcome `json:"dominant_side"`
	FrozenAt     time.Time     `json:"frozen_at"`
}

// Transition describes what a position update did to the freeze state.
type Transition int

const (
	NoChange Transition = iota
	Activated
	Cleared
)

func (t Transition) String() string {
	switch t {
	case Activated:
		return "activated"
	case Cleared:
		return "cleared"
	default:
		return "none"
	}
}

// FreezeCheck is the answer for one order.
type FreezeCheck struct {
	Blocked bool
	Reason  string
	// MaxSize is set when a deep-edge exception lets the order through at a
	// reduced size.
	MaxSize *decimal.Decimal
	State   FreezeState
}

const shardCount = 32

type shard struct {
	mu     sync.Mutex
	states map[market.Key]FreezeState
}

// Guard holds the freeze state machine for every key.
type Guard struct {
	cfg    FreezeConfig
	now    func() time.Time
	shards [shardCount]shard
}

// New creates a guard.
func New(cfg FreezeConfig) *Guard {
	g := &Guard{cfg: cfg, now: time.Now}
	for i := range g.shards {
		g.shards[i].states = make(map[market.Key]FreezeState)
	}
	return g
}

// Config returns the freeze configuration.
func (g *Guard) Config() FreezeConfig {
	return g.cfg
}

func (g *Guard) shardFor(k market.Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(k.String()))
	return &g.shards[h.Sum32()%shardCount]
}

// IsPaired reports whether both legs are large and balanced enough:
// min(up,down) >= PairedMinShares and |up-down| <= PairedMaxImbalance*min.
func (g *Guard) IsPaired(up, down decimal.Decimal) bool {
	lo := decimal.Min(up, down)
	if lo.LessThan(g.cfg.PairedMinShares) {
		return false
	}
	return up.Sub(down).Abs().LessThanOrEqual(lo.Mul(g.cfg.PairedMaxImbalance))
}

// UpdateFreeze feeds the post-fill position into the state machine.
//
//	UNFROZEN -> FROZEN(dominant)  when min(up,down) == 0 and max(up,down) > 0
//	FROZEN   -> UNFROZEN          when the position is paired
//
// A fully flat position also drops any freeze.
func (g *Guard) UpdateFreeze(k market.Key, up, down decimal.Decimal) (Transition, FreezeState) {
	s := g.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, frozen := s.states[k]
	lo, hi := decimal.Min(up, down), decimal.Max(up, down)

	switch {
	case !hi.IsPositive():
		if frozen {
			delete(s.states, k)
			return Cleared, FreezeState{}
		}
		return NoChange, FreezeState{}

	case !lo.IsPositive():
		dominant := model.Up
		if down.GreaterThan(up) {
			dominant = model.Down
		}
		if frozen && cur.DominantSide == dominant {
			return NoChange, cur
		}
		next := FreezeState{Frozen: true, DominantSide: dominant, FrozenAt: g.now()}
		s.states[k] = next
		return Activated, next

	case frozen && g.IsPaired(up, down):
		delete(s.states, k)
		return Cleared, FreezeState{}
	}

	return NoChange, cur
}

// State returns k's freeze state and whether it is frozen.
func (g *Guard) State(k market.Key) (FreezeState, bool) {
	s := g.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[k]
	return st, ok
}

// Clear drops k's freeze state (market expired or settled).
func (g *Guard) Clear(k market.Key) {
	s := g.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, k)
}

// CheckFreeze decides whether an order may add exposure while k is frozen.
// SELL orders and HEDGE-intent BUYs are never blocked; neither are BUYs of
// the non-dominant leg.
func (g *Guard) CheckFreeze(k market.Key, o model.Order) FreezeCheck {
	st, frozen := g.State(k)
	if !frozen || o.Side != model.Buy || o.Intent == model.IntentHedge || o.Outcome != st.DominantSide {
		return FreezeCheck{State: st}
	}

	if g.deepEdge(o) {
		fc := FreezeCheck{State: st}
		if g.cfg.MicroAddMaxShares.IsPositive() {
			limit := g.cfg.MicroAddMaxShares
			fc.MaxSize = &limit
		}
		return fc
	}

	return FreezeCheck{Blocked: true, Reason: ReasonFreezeBlocked, State: st}
}

func (g *Guard) deepEdge(o model.Order) bool {
	if !g.cfg.AllowOneSidedAddIfDeepEdge || !g.cfg.DeepEdgeThreshold.IsPositive() || o.CombinedAsk == nil {
		return false
	}
	return o.CombinedAsk.LessThan(g.cfg.DeepEdgeThreshold)
}

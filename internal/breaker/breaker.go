// Package breaker tracks execution-quality KPIs over rolling windows and
// downgrades the process-wide trading mode when one of them breaches.
//
// The breaker only ever moves FULL -> HEDGE_ONLY on its own. HALTED and the
// way back to FULL are operator actions (Halt, Resume).
package breaker

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmx/mm-riskcore/internal/events"
	"github.com/atmx/mm-riskcore/internal/metrics"
	"github.com/atmx/mm-riskcore/internal/model"
)

// KPI names used in breach reasons and metric labels.
const (
	KPIHedgeSuccessRate = "hedge_success_rate"
	KPIMedianHedgeLag   = "median_hedge_lag"
	KPIP90HedgeLag      = "p90_hedge_lag"
	KPIMakerRatio       = "maker_ratio"
	KPIFeeCompleteness  = "fee_completeness"
)

// Config holds the KPI thresholds. A zero threshold disables that KPI.
type Config struct {
	WindowSize          int
	MinHedgeSamples     int
	MinHedgeSuccessRate float64
	MaxMedianHedgeLag   time.Duration
	MaxP90HedgeLag      time.Duration
	MinFillSamples      int
	MinMakerRatio       float64
	MinFeeCompleteness  float64
}

// DefaultConfig judges the last 20 hedges and fills, requires 5 samples
// before judging anything, and leaves maker ratio and fee completeness off.
func DefaultConfig() Config {
	return Config{
		WindowSize:          20,
		MinHedgeSamples:     5,
		MinHedgeSuccessRate: 0.8,
		MaxMedianHedgeLag:   2 * time.Second,
		MaxP90HedgeLag:      5 * time.Second,
		MinFillSamples:      5,
	}
}

// Mode is the shared trading-mode handle. The strategy loop reads it before
// every evaluation; only the Breaker writes it.
type Mode struct {
	v atomic.Int32
}

// NewMode returns a handle in FULL mode.
func NewMode() *Mode {
	return &Mode{}
}

// Get returns the current mode.
func (m *Mode) Get() model.TradingMode {
	return model.TradingMode(m.v.Load())
}

// EntriesAllowed is true only in FULL mode.
func (m *Mode) EntriesAllowed() bool {
	return m.Get() == model.ModeFull
}

// HedgesAllowed is true unless trading is halted.
func (m *Mode) HedgesAllowed() bool {
	return m.Get() != model.ModeHalted
}

func (m *Mode) set(next model.TradingMode) model.TradingMode {
	return model.TradingMode(m.v.Swap(int32(next)))
}

// HedgeRecord is the outcome of one hedge attempt. Lag is the time from the
// fill that required the hedge to the hedge being acknowledged.
type HedgeRecord struct {
	MarketID string
	Asset    string
	Success  bool
	Lag      time.Duration
	At       time.Time
}

type fillRecord struct {
	maker    bool
	feeKnown bool
}

// Snapshot is the current KPI view.
type Snapshot struct {
	Mode             string    `json:"mode"`
	ModeReason       string    `json:"mode_reason,omitempty"`
	ModeChangedAt    time.Time `json:"mode_changed_at,omitempty"`
	HedgeSamples     int       `json:"hedge_samples"`
	HedgeSuccessRate float64   `json:"hedge_success_rate"`
	MedianHedgeLagMs int64     `json:"median_hedge_lag_ms"`
	P90HedgeLagMs    int64     `json:"p90_hedge_lag_ms"`
	FillSamples      int       `json:"fill_samples"`
	MakerRatio       float64   `json:"maker_ratio"`
	TakerRatio       float64   `json:"taker_ratio"`
	FeeCompleteness  float64   `json:"fee_completeness"`
	Breaches         []string  `json:"breaches,omitempty"`
}

// Breaker is the KPI tracker.
type Breaker struct {
	cfg    Config
	mode   *Mode
	logger *slog.Logger
	sink   events.Sink
	now    func() time.Time

	mu        sync.Mutex
	hedges    []HedgeRecord
	fills     []fillRecord
	breaches  []string
	reason    string
	changedAt time.Time
}

// New creates a breaker writing to mode. logger and sink may be nil.
func New(cfg Config, mode *Mode, logger *slog.Logger, sink events.Sink) *Breaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if mode == nil {
		mode = NewMode()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = events.Nop{}
	}
	metrics.TradingMode.Set(float64(mode.Get()))
	return &Breaker{
		cfg:    cfg,
		mode:   mode,
		logger: logger,
		sink:   sink,
		now:    time.Now,
	}
}

// Mode returns the handle the breaker writes to.
func (b *Breaker) Mode() *Mode {
	return b.mode
}

// AreEntriesAllowed reports whether new exposure may be opened.
func (b *Breaker) AreEntriesAllowed() bool {
	return b.mode.EntriesAllowed()
}

// AreHedgesAllowed reports whether hedge orders may be placed.
func (b *Breaker) AreHedgesAllowed() bool {
	return b.mode.HedgesAllowed()
}

// RecordFill adds a fill to the maker/fee window and re-evaluates.
func (b *Breaker) RecordFill(f model.Fill) {
	b.mu.Lock()
	b.fills = appendWindow(b.fills, fillRecord{maker: f.IsMaker, feeKnown: f.FeeKnown}, b.cfg.WindowSize)
	breaches := b.evaluateLocked()
	b.mu.Unlock()
	b.trip(breaches)
}

// RecordHedge adds a hedge outcome to the hedge window and re-evaluates.
func (b *Breaker) RecordHedge(h HedgeRecord) {
	if h.At.IsZero() {
		h.At = b.now()
	}
	b.mu.Lock()
	b.hedges = appendWindow(b.hedges, h, b.cfg.WindowSize)
	breaches := b.evaluateLocked()
	b.mu.Unlock()
	b.trip(breaches)
}

func appendWindow[T any](w []T, v T, size int) []T {
	w = append(w, v)
	if len(w) > size {
		w = append(w[:0:0], w[len(w)-size:]...)
	}
	return w
}

// evaluateLocked recomputes the breach list. b.mu must be held.
func (b *Breaker) evaluateLocked() []string {
	k := b.kpisLocked()
	var out []string

	if n := len(b.hedges); n >= b.cfg.MinHedgeSamples && n > 0 {
		if b.cfg.MinHedgeSuccessRate > 0 && k.HedgeSuccessRate < b.cfg.MinHedgeSuccessRate {
			out = append(out, KPIHedgeSuccessRate)
		}
	}
	if k.lagSamples >= b.cfg.MinHedgeSamples && k.lagSamples > 0 {
		if b.cfg.MaxMedianHedgeLag > 0 && k.median > b.cfg.MaxMedianHedgeLag {
			out = append(out, KPIMedianHedgeLag)
		}
		if b.cfg.MaxP90HedgeLag > 0 && k.p90 > b.cfg.MaxP90HedgeLag {
			out = append(out, KPIP90HedgeLag)
		}
	}
	if n := len(b.fills); n >= b.cfg.MinFillSamples && n > 0 {
		if b.cfg.MinMakerRatio > 0 && k.MakerRatio < b.cfg.MinMakerRatio {
			out = append(out, KPIMakerRatio)
		}
		if b.cfg.MinFeeCompleteness > 0 && k.FeeCompleteness < b.cfg.MinFeeCompleteness {
			out = append(out, KPIFeeCompleteness)
		}
	}

	b.breaches = out
	return out
}

type kpis struct {
	Snapshot
	lagSamples  int
	median, p90 time.Duration
}

func (b *Breaker) kpisLocked() kpis {
	var k kpis
	k.HedgeSamples = len(b.hedges)
	k.FillSamples = len(b.fills)

	var lags []time.Duration
	successes := 0
	for _, h := range b.hedges {
		if h.Success {
			successes++
			lags = append(lags, h.Lag)
		}
	}
	if k.HedgeSamples > 0 {
		k.HedgeSuccessRate = float64(successes) / float64(k.HedgeSamples)
	}
	if len(lags) > 0 {
		sort.Slice(lags, func(i, j int) bool { return lags[i] < lags[j] })
		k.lagSamples = len(lags)
		k.median = median(lags)
		k.p90 = percentile(lags, 0.9)
		k.MedianHedgeLagMs = k.median.Milliseconds()
		k.P90HedgeLagMs = k.p90.Milliseconds()
	}

	if k.FillSamples > 0 {
		makers, fees := 0, 0
		for _, f := range b.fills {
			if f.maker {
				makers++
			}
			if f.feeKnown {
				fees++
			}
		}
		n := float64(k.FillSamples)
		k.MakerRatio = float64(makers) / n
		k.TakerRatio = 1 - k.MakerRatio
		k.FeeCompleteness = float64(fees) / n
	}
	return k
}

// median of a sorted, non-empty slice.
func median(s []time.Duration) time.Duration {
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// percentile is nearest-rank on a sorted, non-empty slice.
func percentile(s []time.Duration, p float64) time.Duration {
	idx := int(math.Ceil(p*float64(len(s)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx]
}

// trip downgrades FULL to HEDGE_ONLY when there are breaches. Any other
// mode is left alone.
func (b *Breaker) trip(breaches []string) {
	if len(breaches) == 0 {
		return
	}
	if !b.mode.v.CompareAndSwap(int32(model.ModeFull), int32(model.ModeHedgeOnly)) {
		return
	}
	for _, kpi := range breaches {
		metrics.KPIBreaches.WithLabelValues(kpi).Inc()
	}
	b.changed(model.ModeFull, model.ModeHedgeOnly, "KPI_BREACH", breaches)
}

// Halt stops all trading until Resume. Operator only.
func (b *Breaker) Halt(reason string) {
	prev := b.mode.set(model.ModeHalted)
	if prev == model.ModeHalted {
		return
	}
	b.changed(prev, model.ModeHalted, reason, nil)
}

// Resume returns to FULL and clears the KPI windows, so the breaker does not
// trip again on the samples that caused the last trip. Operator only.
func (b *Breaker) Resume(reason string) {
	b.mu.Lock()
	b.hedges, b.fills, b.breaches = nil, nil, nil
	b.mu.Unlock()

	prev := b.mode.set(model.ModeFull)
	if prev == model.ModeFull {
		return
	}
	b.changed(prev, model.ModeFull, reason, nil)
}

func (b *Breaker) changed(from, to model.TradingMode, reason string, breaches []string) {
	now := b.now()
	b.mu.Lock()
	b.reason, b.changedAt = reason, now
	b.mu.Unlock()

	metrics.TradingMode.Set(float64(to))

	level := slog.LevelWarn
	if to == model.ModeFull {
		level = slog.LevelInfo
	}
	b.logger.Log(context.Background(), level, "trading mode changed",
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
		"breaches", breaches,
	)

	data := map[string]any{"from": from.String(), "to": to.String()}
	if len(breaches) > 0 {
		data["breaches"] = breaches
	}
	b.sink.Record(model.Event{
		Type:       model.EventTradingModeChanged,
		Timestamp:  now.UTC(),
		ReasonCode: reason,
		Data:       data,
	})
}

// Snapshot returns the current KPIs and mode.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := b.kpisLocked()
	s := k.Snapshot
	s.Mode = b.mode.Get().String()
	s.ModeReason = b.reason
	s.ModeChangedAt = b.changedAt
	if len(b.breaches) > 0 {
		s.Breaches = append([]string(nil), b.breaches...)
	}
	return s
}

// Package marketlock serializes evaluate-and-place cycles per market.
//
// Only one cycle may be in flight per (market, asset) key. A second attempt
// on a busy key is dropped, not queued, unless the debounce-once option is
// enabled, in which case exactly one caller per key may wait briefly for the
// holder to finish and retry once. Different keys never contend.
package marketlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/mm-riskcore/internal/events"
	"github.com/atmx/mm-riskcore/internal/market"
	"github.com/atmx/mm-riskcore/internal/metrics"
	"github.com/atmx/mm-riskcore/internal/model"
	"github.com/atmx/mm-riskcore/internal/throttle"
)

// ErrLocked is returned by WithMarketLock when the tick was dropped.
var ErrLocked = errors.New("marketlock: market is locked")

// Config tunes the lock registry.
type Config struct {
	// MaxLockHold bounds how long a lock may be held before the next
	// acquire attempt force-clears it.
	MaxLockHold time.Duration
	// LogThrottle limits acquire/skip/release logs per key.
	LogThrottle time.Duration
	// DebounceOnce lets one contended caller per key wait for a release and
	// retry once. Off by default.
	DebounceOnce bool
	DebounceWait time.Duration
}

// DefaultConfig holds locks for at most 30s and throttles logs to one per 5s.
func DefaultConfig() Config {
	return Config{
		MaxLockHold:  30 * time.Second,
		LogThrottle:  5 * time.Second,
		DebounceWait: 250 * time.Millisecond,
	}
}

// LockState is a copy of one key's lock record.
type LockState struct {
	Locked         bool      `json:"locked"`
	LockedAt       time.Time `json:"locked_at"`
	LockedBy       string    `json:"locked_by"`
	DebounceQueued bool      `json:"debounce_queued"`
}

type lock struct {
	mu       sync.Mutex
	state    LockState
	token    uint64
	released chan struct{}
}

// Acquisition is the result of TryAcquire.
type Acquisition struct {
	Acquired bool
	Reason   string
	release  func()
	held     func() bool
}

// Held reports whether this acquisition still owns the lock. It turns false
// after Release, ForceRelease or a stale clear handed the lock to someone
// else.
func (a Acquisition) Held() bool {
	return a.held != nil && a.held()
}

// Release frees the lock. It is safe to call more than once and is a no-op
// when the lock was not acquired or has been force-cleared since.
func (a Acquisition) Release() {
	if a.release != nil {
		a.release()
	}
}

// Mutex is the per-market lock registry.
type Mutex struct {
	cfg    Config
	logger *slog.Logger
	sink   events.Sink
	logs   *throttle.Throttle
	now    func() time.Time

	mu    sync.Mutex
	locks map[market.Key]*lock
	seq   uint64
}

// New creates a lock registry. sink may be nil.
func New(cfg Config, logger *slog.Logger, sink events.Sink) *Mutex {
	if cfg.MaxLockHold <= 0 {
		cfg.MaxLockHold = 30 * time.Second
	}
	if cfg.DebounceWait <= 0 {
		cfg.DebounceWait = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = events.Nop{}
	}
	return &Mutex{
		cfg:    cfg,
		logger: logger,
		sink:   sink,
		logs:   throttle.New(cfg.LogThrottle),
		now:    time.Now,
		locks:  make(map[market.Key]*lock),
	}
}

// entry returns the lock record for k, creating it on first use. Records
// are never deleted, only toggled.
func (m *Mutex) entry(k market.Key) (*lock, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	l, ok := m.locks[k]
	if !ok {
		l = &lock{}
		m.locks[k] = l
	}
	return l, m.seq
}

// TryAcquire takes k's lock for caller without waiting. If the lock is held
// it returns Acquired=false with reason "LOCKED by <holder>"; a lock held
// longer than MaxLockHold is cleared first and then granted.
func (m *Mutex) TryAcquire(k market.Key, caller string) Acquisition {
	l, token := m.entry(k)
	now := m.now()

	var stale *LockState
	var staleHeld time.Duration

	l.mu.Lock()
	if l.state.Locked {
		held := now.Sub(l.state.LockedAt)
		if held <= m.cfg.MaxLockHold {
			holder := l.state.LockedBy
			l.mu.Unlock()

			metrics.LockAttempts.WithLabelValues("contended").Inc()
			m.logThrottled(k, "skip", slog.LevelDebug, "market lock busy, tick dropped",
				"caller", caller, "holder", holder, "held_ms", held.Milliseconds())
			return Acquisition{Reason: "LOCKED by " + holder}
		}
		snapshot := l.state
		stale, staleHeld = &snapshot, held
		m.clearLocked(l)
	}

	l.state.Locked = true
	l.state.LockedAt = now
	l.state.LockedBy = caller
	l.token = token
	l.released = make(chan struct{})
	l.mu.Unlock()

	if stale != nil {
		m.staleCleared(k, *stale, staleHeld, caller)
	}
	metrics.LockAttempts.WithLabelValues("acquired").Inc()
	m.logThrottled(k, "acquire", slog.LevelDebug, "market lock acquired", "caller", caller)

	var once sync.Once
	held := func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.state.Locked && l.token == token
	}
	return Acquisition{
		Acquired: true,
		release:  func() { once.Do(func() { m.release(k, l, token, caller) }) },
		held:     held,
	}
}

func (m *Mutex) release(k market.Key, l *lock, token uint64, caller string) {
	l.mu.Lock()
	if !l.state.Locked || l.token != token {
		l.mu.Unlock()
		m.logger.Warn("market lock release ignored, lock was cleared",
			"market_id", k.MarketID, "asset", k.Asset, "caller", caller)
		return
	}
	held := m.now().Sub(l.state.LockedAt)
	m.clearLocked(l)
	l.mu.Unlock()

	metrics.LockHoldSeconds.Observe(held.Seconds())
	m.logThrottled(k, "release", slog.LevelDebug, "market lock released",
		"caller", caller, "held_ms", held.Milliseconds())
}

// clearLocked resets the record and wakes a debounced waiter. l.mu must be held.
func (m *Mutex) clearLocked(l *lock) {
	l.state.Locked = false
	l.state.LockedBy = ""
	l.state.LockedAt = time.Time{}
	l.token = 0
	if l.released != nil {
		close(l.released)
		l.released = nil
	}
}

func (m *Mutex) staleCleared(k market.Key, stale LockState, held time.Duration, caller string) {
	metrics.StaleLocksCleared.Inc()
	m.logger.Warn(model.EventStaleLockCleared,
		"market_id", k.MarketID,
		"asset", k.Asset,
		"holder", stale.LockedBy,
		"held_ms", held.Milliseconds(),
		"max_hold_ms", m.cfg.MaxLockHold.Milliseconds(),
		"caller", caller,
	)
	m.sink.Record(model.Event{
		Type:       model.EventStaleLockCleared,
		MarketID:   k.MarketID,
		Asset:      k.Asset,
		Timestamp:  m.now().UTC(),
		ReasonCode: "MAX_HOLD_EXCEEDED",
		Data: map[string]any{
			"holder":  stale.LockedBy,
			"held_ms": held.Milliseconds(),
			"caller":  caller,
		},
	})
}

// WithMarketLock runs fn while holding k's lock and always releases it,
// including when fn panics. It returns ErrLocked when the tick was dropped.
func (m *Mutex) WithMarketLock(ctx context.Context, k market.Key, caller string, fn func(ctx context.Context) error) error {
	return m.WithAcquisition(ctx, k, caller, func(ctx context.Context, _ Acquisition) error {
		return fn(ctx)
	})
}

// WithAcquisition is WithMarketLock for callers that need to check, while fn
// runs, whether the lock is still theirs.
func (m *Mutex) WithAcquisition(ctx context.Context, k market.Key, caller string, fn func(ctx context.Context, acq Acquisition) error) error {
	acq := m.TryAcquire(k, caller)
	if !acq.Acquired && m.cfg.DebounceOnce {
		acq = m.debounce(ctx, k, caller, acq)
	}
	if !acq.Acquired {
		return fmt.Errorf("%w: %s", ErrLocked, acq.Reason)
	}
	defer acq.Release()
	return fn(ctx, acq)
}

// debounce waits once for the holder to release, then retries. Only one
// caller per key may be queued; others are dropped immediately.
func (m *Mutex) debounce(ctx context.Context, k market.Key, caller string, first Acquisition) Acquisition {
	l, _ := m.entry(k)

	l.mu.Lock()
	if !l.state.Locked {
		l.mu.Unlock()
		return m.TryAcquire(k, caller)
	}
	if l.state.DebounceQueued || l.released == nil {
		l.mu.Unlock()
		metrics.LockAttempts.WithLabelValues("debounce_dropped").Inc()
		return first
	}
	l.state.DebounceQueued = true
	released := l.released
	l.mu.Unlock()

	timer := time.NewTimer(m.cfg.DebounceWait)
	defer timer.Stop()

	select {
	case <-released:
	case <-timer.C:
	case <-ctx.Done():
	}

	l.mu.Lock()
	l.state.DebounceQueued = false
	l.mu.Unlock()

	if ctx.Err() != nil {
		return first
	}
	metrics.LockAttempts.WithLabelValues("debounced").Inc()
	return m.TryAcquire(k, caller)
}

// ForceRelease clears k's lock regardless of holder, for example when the
// market expires. It reports whether a lock was held.
func (m *Mutex) ForceRelease(k market.Key, reason string) bool {
	m.mu.Lock()
	l, ok := m.locks[k]
	m.mu.Unlock()
	if !ok {
		return false
	}

	l.mu.Lock()
	wasLocked := l.state.Locked
	holder := l.state.LockedBy
	m.clearLocked(l)
	l.mu.Unlock()

	if wasLocked {
		m.logger.Info("market lock force released",
			"market_id", k.MarketID, "asset", k.Asset, "holder", holder, "reason", reason)
	}
	m.logs.Forget(k.String() + "|")
	return wasLocked
}

// State returns a copy of k's lock record and whether one exists.
func (m *Mutex) State(k market.Key) (LockState, bool) {
	m.mu.Lock()
	l, ok := m.locks[k]
	m.mu.Unlock()
	if !ok {
		return LockState{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, true
}

func (m *Mutex) logThrottled(k market.Key, event string, level slog.Level, msg string, args ...any) {
	ok, suppressed := m.logs.Allow(k.String() + "|" + event)
	if !ok {
		return
	}
	args = append(args, "market_id", k.MarketID, "asset", k.Asset)
	if suppressed > 0 {
		args = append(args, "suppressed", suppressed)
	}
	m.logger.Log(context.Background(), level, msg, args...)
}

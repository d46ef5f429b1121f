package market

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Registry tracks the expiry of every market the bot has touched.
type Registry struct {
	mu      sync.Mutex
	expires map[Key]time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{expires: make(map[Key]time.Time)}
}

// Track records (or moves) the expiry of a key.
func (r *Registry) Track(k Key, expiry time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expires[k] = expiry
}

// TrackWindow records a parsed window under its own key.
func (r *Registry) TrackWindow(w *Window) Key {
	k := w.Key()
	r.Track(k, w.End)
	return k
}

// Forget stops tracking a key.
func (r *Registry) Forget(k Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.expires, k)
}

// Len returns the number of tracked keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.expires)
}

// PopExpired removes and returns every key whose expiry is at or before now.
func (r *Registry) PopExpired(now time.Time) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Key
	for k, exp := range r.expires {
		if !exp.After(now) {
			out = append(out, k)
			delete(r.expires, k)
		}
	}
	return out
}

// Sweeper periodically clears expired markets.
type Sweeper struct {
	Registry *Registry
	Interval time.Duration
	// Grace delays clearing past the nominal end so late fills still land.
	Grace    time.Duration
	OnExpire func(Key)
	Logger   *slog.Logger
	Now      func() time.Time
}

// Run blocks until ctx is done. Must be called in a goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass and returns the keys it cleared.
func (s *Sweeper) Sweep() []Key {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	expired := s.Registry.PopExpired(now.Add(-s.Grace))
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, k := range expired {
		if s.OnExpire != nil {
			s.OnExpire(k)
		}
		logger.Info("market expired", "market_id", k.MarketID, "asset", k.Asset)
	}
	return expired
}

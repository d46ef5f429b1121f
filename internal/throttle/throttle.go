// Package throttle rate-limits repetitive log lines per key.
package throttle

import (
	"strings"
	"sync"
	"time"
)

// Throttle lets one event per key through per interval and counts the rest.
type Throttle struct {
	interval time.Duration
	now      func() time.Time

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	last       time.Time
	suppressed int
}

// New creates a throttle. A non-positive interval disables throttling.
func New(interval time.Duration) *Throttle {
	return &Throttle{interval: interval, now: time.Now, slots: make(map[string]*slot)}
}

// Allow reports whether key may log now. When it may, it also returns how
// many events were suppressed since the last allowed one.
func (t *Throttle) Allow(key string) (bool, int) {
	if t == nil || t.interval <= 0 {
		return true, 0
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.slots[key]
	if !ok {
		t.slots[key] = &slot{last: now}
		return true, 0
	}
	if now.Sub(s.last) < t.interval {
		s.suppressed++
		return false, 0
	}
	n := s.suppressed
	s.last, s.suppressed = now, 0
	return true, n
}

// Forget drops every slot whose key has the given prefix. End the prefix
// with the key separator so "m:BTC|" does not also match "m:BTCX|...".
func (t *Throttle) Forget(prefix string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.slots {
		if strings.HasPrefix(k, prefix) {
			delete(t.slots, k)
		}
	}
}

package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/atmx/mm-riskcore/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and paper runs. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	events    []model.Event
	attempts  []model.OrderAttempt
	positions map[string]model.PositionSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]model.PositionSnapshot),
	}
}

func positionID(marketID, asset string) string {
	return marketID + ":" + strings.ToUpper(asset)
}

func (s *MemoryStore) InsertEvent(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, marketID, asset string, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = listLimit(limit)
	var out []model.Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.events[i]
		if ev.MarketID == marketID && strings.EqualFold(ev.Asset, asset) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertAttempt(_ context.Context, a model.OrderAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *MemoryStore) ListAttempts(_ context.Context, marketID, asset string, limit int) ([]model.OrderAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = listLimit(limit)
	var out []model.OrderAttempt
	for i := len(s.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		a := s.attempts[i]
		if a.MarketID == marketID && strings.EqualFold(a.Asset, asset) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p model.PositionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Asset = strings.ToUpper(p.Asset)
	s.positions[positionID(p.MarketID, p.Asset)] = p
	return nil
}

func (s *MemoryStore) LoadPositions(_ context.Context) ([]model.PositionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.PositionSnapshot, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return positionID(out[i].MarketID, out[i].Asset) < positionID(out[j].MarketID, out[j].Asset)
	})
	return out, nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, marketID, asset string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, positionID(marketID, asset))
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/mm-riskcore/internal/model"
)

const positionsKey = "mm:positions"

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for positions. Writes go to the primary store first and then update
// the cache; events and attempts pass straight through.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) SavePosition(ctx context.Context, p model.PositionSnapshot) error {
	if err := s.primary.SavePosition(ctx, p); err != nil {
		return err
	}
	// A cache write failure only costs a primary read later.
	if data, err := json.Marshal(p); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, positionsKey, positionID(p.MarketID, p.Asset), data)
		pipe.Expire(ctx, positionsKey, s.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			slog.Debug("position cache write failed", "err", err)
		}
	}
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, marketID, asset string) error {
	if err := s.primary.DeletePosition(ctx, marketID, asset); err != nil {
		return err
	}
	s.rdb.HDel(ctx, positionsKey, positionID(marketID, asset))
	return nil
}

// --- Read-through ---

func (s *CachedStore) LoadPositions(ctx context.Context) ([]model.PositionSnapshot, error) {
	cached, err := s.rdb.HGetAll(ctx, positionsKey).Result()
	if err == nil && len(cached) > 0 {
		out := make([]model.PositionSnapshot, 0, len(cached))
		ok := true
		for _, v := range cached {
			var p model.PositionSnapshot
			if json.Unmarshal([]byte(v), &p) != nil {
				ok = false
				break
			}
			out = append(out, p)
		}
		if ok {
			return out, nil
		}
	}

	// Cache miss: read from primary and repopulate.
	positions, err := s.primary.LoadPositions(ctx)
	if err != nil {
		return nil, err
	}
	if len(positions) > 0 {
		fields := make([]any, 0, 2*len(positions))
		for _, p := range positions {
			if data, err := json.Marshal(p); err == nil {
				fields = append(fields, positionID(p.MarketID, p.Asset), data)
			}
		}
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, positionsKey)
		pipe.HSet(ctx, positionsKey, fields...)
		pipe.Expire(ctx, positionsKey, s.ttl)
		pipe.Exec(ctx)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertEvent(ctx context.Context, ev model.Event) error {
	return s.primary.InsertEvent(ctx, ev)
}

func (s *CachedStore) ListEvents(ctx context.Context, marketID, asset string, limit int) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, marketID, asset, limit)
}

func (s *CachedStore) InsertAttempt(ctx context.Context, a model.OrderAttempt) error {
	return s.primary.InsertAttempt(ctx, a)
}

func (s *CachedStore) ListAttempts(ctx context.Context, marketID, asset string, limit int) ([]model.OrderAttempt, error) {
	return s.primary.ListAttempts(ctx, marketID, asset, limit)
}

package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/mm-riskcore/internal/model"
)

// RedisBackend appends events to a capped Redis stream for dashboards and
// offline analysis.
type RedisBackend struct {
	rdb    redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisBackend creates a backend writing to stream, trimmed to roughly
// maxLen entries.
func NewRedisBackend(rdb redis.Cmdable, stream string, maxLen int64) *RedisBackend {
	if stream == "" {
		stream = "mm:risk-events"
	}
	if maxLen <= 0 {
		maxLen = 100_000
	}
	return &RedisBackend{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) Publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":      ev.Type,
			"market_id": ev.MarketID,
			"asset":     ev.Asset,
			"event":     data,
		},
	}).Err()
}

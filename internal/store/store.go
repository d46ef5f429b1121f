// Package store defines the persistence interface for the risk core.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for positions), and in-memory (for testing and paper runs).
package store

import (
	"context"

	"github.com/atmx/mm-riskcore/internal/model"
)

// Store is the persistence interface. Events and attempts are append-only;
// positions hold one row per (market, asset).
type Store interface {
	// --- Risk events ---

	// InsertEvent appends a risk event.
	InsertEvent(ctx context.Context, ev model.Event) error

	// ListEvents returns the newest events for a market, newest first.
	ListEvents(ctx context.Context, marketID, asset string, limit int) ([]model.Event, error)

	// --- Order attempts (audit trail) ---

	// InsertAttempt appends an immutable admission decision.
	InsertAttempt(ctx context.Context, a model.OrderAttempt) error

	// ListAttempts returns the newest attempts for a market, newest first.
	ListAttempts(ctx context.Context, marketID, asset string, limit int) ([]model.OrderAttempt, error)

	// --- Positions ---

	// SavePosition upserts the held position of a market.
	SavePosition(ctx context.Context, p model.PositionSnapshot) error

	// LoadPositions returns every stored position.
	LoadPositions(ctx context.Context) ([]model.PositionSnapshot, error)

	// DeletePosition drops a market's stored position.
	DeletePosition(ctx context.Context, marketID, asset string) error
}

const defaultListLimit = 100

func listLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/mm-riskcore/internal/model"
)

// Schema creates the tables PostgresStore uses. Share quantities are stored
// as NUMERIC for exact decimal precision.
const Schema = `
CREATE TABLE IF NOT EXISTS risk_events (
	id          BIGSERIAL PRIMARY KEY,
	event_type  TEXT        NOT NULL,
	market_id   TEXT        NOT NULL,
	asset       TEXT        NOT NULL,
	run_id      TEXT        NOT NULL DEFAULT '',
	reason_code TEXT        NOT NULL DEFAULT '',
	data        JSONB,
	ts          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS risk_events_market_idx ON risk_events (market_id, asset, ts DESC);

CREATE TABLE IF NOT EXISTS order_attempts (
	id            TEXT PRIMARY KEY,
	market_id     TEXT        NOT NULL,
	asset         TEXT        NOT NULL,
	outcome       TEXT        NOT NULL,
	side          TEXT        NOT NULL,
	requested_qty NUMERIC     NOT NULL,
	decision      TEXT        NOT NULL,
	clamped_qty   NUMERIC,
	reason        TEXT        NOT NULL,
	run_id        TEXT        NOT NULL,
	ts            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS order_attempts_market_idx ON order_attempts (market_id, asset, ts DESC);

CREATE TABLE IF NOT EXISTS positions (
	market_id  TEXT        NOT NULL,
	asset      TEXT        NOT NULL,
	up         NUMERIC     NOT NULL,
	down       NUMERIC     NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (market_id, asset)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, ev model.Event) error {
	var data []byte
	if len(ev.Data) > 0 {
		var err error
		if data, err = json.Marshal(ev.Data); err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_events (event_type, market_id, asset, run_id, reason_code, data, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.Type, ev.MarketID, ev.Asset, ev.RunID, ev.ReasonCode, data, ev.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, marketID, asset string, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_type, market_id, asset, run_id, reason_code, data, ts
		 FROM risk_events
		 WHERE market_id = $1 AND asset = upper($2)
		 ORDER BY ts DESC LIMIT $3`, marketID, asset, listLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var ev model.Event
		var data []byte
		if err := rows.Scan(&ev.Type, &ev.MarketID, &ev.Asset, &ev.RunID, &ev.ReasonCode, &data, &ev.Timestamp); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertAttempt(ctx context.Context, a model.OrderAttempt) error {
	var clamped *string
	if a.ClampedQty != nil {
		c := a.ClampedQty.String()
		clamped = &c
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO order_attempts (id, market_id, asset, outcome, side, requested_qty, decision, clamped_qty, reason, run_id, ts)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.MarketID, a.Asset, string(a.Outcome), string(a.Side),
		a.RequestedQty.String(), string(a.Decision), clamped,
		a.Reason, a.RunID, a.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListAttempts(ctx context.Context, marketID, asset string, limit int) ([]model.OrderAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, asset, outcome, side, requested_qty::TEXT, decision,
		        clamped_qty::TEXT, reason, run_id, ts
		 FROM order_attempts
		 WHERE market_id = $1 AND asset = upper($2)
		 ORDER BY ts DESC LIMIT $3`, marketID, asset, listLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OrderAttempt
	for rows.Next() {
		var a model.OrderAttempt
		var outcome, side, decision, requestedS string
		var clampedS *string
		if err := rows.Scan(&a.ID, &a.MarketID, &a.Asset, &outcome, &side, &requestedS,
			&decision, &clampedS, &a.Reason, &a.RunID, &a.Timestamp); err != nil {
			return nil, err
		}
		a.Outcome = model.Outcome(outcome)
		a.Side = model.Side(side)
		a.Decision = model.Decision(decision)
		a.RequestedQty, _ = decimal.NewFromString(requestedS)
		if clampedS != nil {
			c, _ := decimal.NewFromString(*clampedS)
			a.ClampedQty = &c
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SavePosition(ctx context.Context, p model.PositionSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (market_id, asset, up, down, updated_at)
		 VALUES ($1, upper($2), $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (market_id, asset)
		 DO UPDATE SET up = EXCLUDED.up, down = EXCLUDED.down, updated_at = EXCLUDED.updated_at`,
		p.MarketID, p.Asset, p.Up.String(), p.Down.String(), p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) LoadPositions(ctx context.Context) ([]model.PositionSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, asset, up::TEXT, down::TEXT, updated_at
		 FROM positions ORDER BY market_id, asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PositionSnapshot
	for rows.Next() {
		var p model.PositionSnapshot
		var upS, downS string
		if err := rows.Scan(&p.MarketID, &p.Asset, &upS, &downS, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Up, _ = decimal.NewFromString(upS)
		p.Down, _ = decimal.NewFromString(downS)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeletePosition(ctx context.Context, marketID, asset string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE market_id = $1 AND asset = upper($2)`, marketID, asset)
	return err
}

package gateway

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/mm-riskcore/internal/market"
	"github.com/atmx/mm-riskcore/internal/metrics"
	"github.com/atmx/mm-riskcore/internal/model"
)

const defaultAuditSize = 200

// auditTrail keeps the most recent attempts per key. Records are copied in
// and out, never mutated.
type auditTrail struct {
	mu    sync.Mutex
	size  int
	byKey map[market.Key][]model.OrderAttempt
}

func newAuditTrail(size int) *auditTrail {
	if size <= 0 {
		size = defaultAuditSize
	}
	return &auditTrail{size: size, byKey: make(map[market.Key][]model.OrderAttempt)}
}

func (a *auditTrail) append(k market.Key, at model.OrderAttempt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	trail := append(a.byKey[k], at)
	if len(trail) > a.size {
		trail = append(trail[:0:0], trail[len(trail)-a.size:]...)
	}
	a.byKey[k] = trail
}

func (a *auditTrail) list(k market.Key) []model.OrderAttempt {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.OrderAttempt, len(a.byKey[k]))
	copy(out, a.byKey[k])
	return out
}

func (a *auditTrail) clear(k market.Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byKey, k)
}

// Attempts returns the recent admission decisions for k, oldest first.
func (g *Gateway) Attempts(k market.Key) []model.OrderAttempt {
	return g.audit.list(k)
}

func (g *Gateway) recordAttempt(k market.Key, o model.Order, d model.Decision, clamped *decimal.Decimal, reason, runID string) {
	at := model.OrderAttempt{
		ID:           uuid.NewString(),
		MarketID:     k.MarketID,
		Asset:        k.Asset,
		Outcome:      o.Outcome,
		Side:         o.Side,
		RequestedQty: o.Size,
		Decision:     d,
		Reason:       reason,
		RunID:        runID,
		Timestamp:    g.now().UTC(),
	}
	if clamped != nil {
		c := *clamped
		at.ClampedQty = &c
	}

	g.audit.append(k, at)
	metrics.OrderDecisions.WithLabelValues(string(d), reason).Inc()
	g.emit(k, model.EventOrderAttempt, reason, runID, map[string]any{"attempt": at})
}

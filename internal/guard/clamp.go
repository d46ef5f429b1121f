// Package guard implements the hard invariants that sit in front of every
// order: share-cap clamping, the one-sided freeze state machine and the
// paired-only CPP metric.
package guard

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/mm-riskcore/internal/ledger"
	"github.com/atmx/mm-riskcore/internal/model"
)

// ClampInput describes an order against raw held shares.
type ClampInput struct {
	CurrentUp     decimal.Decimal
	CurrentDown   decimal.Decimal
	RequestedSize decimal.Decimal
	Side          model.Side
	Outcome       model.Outcome
}

// ClampResult is the answer of ClampOrderToCaps.
type ClampResult struct {
	AllowedSize decimal.Decimal `json:"allowed_size"`
	Clamped     bool            `json:"clamped"`
	Blocked     bool            `json:"blocked"`
	Reason      string          `json:"reason,omitempty"`
}

// ClampOrderToCaps clamps an order against raw positions only (no open or
// pending shares). The gateway uses it for SELL orders, where the shares are
// already held and cannot race; BUY orders go through the ledger's
// effective-exposure check instead.
func ClampOrderToCaps(in ClampInput, limits ledger.Limits) ClampResult {
	if !in.RequestedSize.IsPositive() || !in.Outcome.Valid() {
		return ClampResult{AllowedSize: decimal.Zero, Blocked: true, Reason: ledger.ReasonInvalidQty}
	}

	held := in.CurrentUp
	if in.Outcome == model.Down {
		held = in.CurrentDown
	}

	if in.Side == model.Sell {
		if !held.IsPositive() {
			return ClampResult{AllowedSize: decimal.Zero, Blocked: true, Reason: ledger.ReasonNoPosition}
		}
		allowed := decimal.Min(in.RequestedSize, held)
		r := ClampResult{AllowedSize: allowed, Clamped: allowed.LessThan(in.RequestedSize)}
		if r.Clamped {
			r.Reason = ledger.ReasonNoPosition
		}
		return r
	}

	remSide := limits.MaxSharesPerSide.Sub(held)
	remTotal := limits.MaxTotalSharesPerMarket.Sub(in.CurrentUp.Add(in.CurrentDown))
	bound, reason := remSide, ledger.ReasonSideCap
	if remTotal.LessThan(remSide) {
		bound, reason = remTotal, ledger.ReasonTotalCap
	}

	allowed := decimal.Max(decimal.Zero, decimal.Min(in.RequestedSize, bound))
	if !allowed.IsPositive() {
		return ClampResult{AllowedSize: decimal.Zero, Blocked: true, Reason: reason}
	}
	r := ClampResult{AllowedSize: allowed, Clamped: allowed.LessThan(in.RequestedSize)}
	if r.Clamped {
		r.Reason = reason
	}
	return r
}

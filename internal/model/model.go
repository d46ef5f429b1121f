// Package model defines the core domain types shared across the risk core.
// All share quantities and prices use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is one leg of a binary up/down market.
type Outcome string

const (
	Up   Outcome = "UP"
	Down Outcome = "DOWN"
)

// Opposite returns the other leg.
func (o Outcome) Opposite() Outcome {
	if o == Up {
		return Down
	}
	return Up
}

// Valid reports whether o is UP or DOWN.
func (o Outcome) Valid() bool {
	return o == Up || o == Down
}

// Side is the order direction.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Intent says why the strategy wants the order. Only HEDGE is treated
// specially (it is never blocked by a one-sided freeze).
type Intent string

const (
	IntentEntry   Intent = "ENTRY"
	IntentHedge   Intent = "HEDGE"
	IntentExit    Intent = "EXIT"
	IntentRebuild Intent = "REBUILD"
)

// OrderType mirrors the execution venue's time-in-force names.
type OrderType string

const (
	OrderGTC OrderType = "GTC"
	OrderFOK OrderType = "FOK"
	OrderFAK OrderType = "FAK"
)

// FailureReason enumerates why an order did not end up resting or filled.
type FailureReason string

const (
	FailureNone          FailureReason = ""
	FailureNoLiquidity   FailureReason = "no_liquidity"
	FailureCloudflare    FailureReason = "cloudflare"
	FailureAuth          FailureReason = "auth"
	FailureBalance       FailureReason = "balance"
	FailureNoOrderbook   FailureReason = "no_orderbook"
	FailureCapBlocked    FailureReason = "cap_blocked"
	FailureUnknown       FailureReason = "unknown"
	FailureFreezeBlocked FailureReason = "freeze_blocked"
	FailureInvalidOrder  FailureReason = "invalid_order"
)

// Order is what the strategy layer asks the gateway to place.
type Order struct {
	MarketID string          `json:"market_id"`
	Asset    string          `json:"asset"`
	TokenID  string          `json:"token_id"`
	Outcome  Outcome         `json:"outcome"`
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Size     decimal.Decimal `json:"size"`
	Type     OrderType       `json:"order_type"`
	Intent   Intent          `json:"intent"`

	// CombinedAsk is the sum of best UP and DOWN asks at evaluation time.
	// Only read by the freeze deep-edge exception; nil when unknown.
	CombinedAsk *decimal.Decimal `json:"combined_ask,omitempty"`

	// TriggeredAt is when the fill that made a HEDGE necessary arrived.
	// Used for hedge lag; zero means unknown.
	TriggeredAt time.Time `json:"triggered_at,omitempty"`
}

// Submission is the payload handed to the execution API.
type Submission struct {
	TokenID string          `json:"token_id"`
	Side    Side            `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Type    OrderType       `json:"order_type"`
	Intent  Intent          `json:"intent"`
}

// ExecutionResult is what the execution API reports back.
type ExecutionResult struct {
	Success       bool            `json:"success"`
	OrderID       string          `json:"order_id,omitempty"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	Status        string          `json:"status,omitempty"`
	FailureReason FailureReason   `json:"failure_reason,omitempty"`
}

// OrderResult is the gateway's answer: the execution result annotated with
// the admission decision.
type OrderResult struct {
	ExecutionResult
	Size         decimal.Decimal `json:"size"`
	OriginalSize decimal.Decimal `json:"original_size"`
	Clamped      bool            `json:"clamped"`
	Detail       string          `json:"detail,omitempty"`
	// SubmitError is set when the submission call itself failed (transport
	// error); FailureReason is then unknown.
	SubmitError string `json:"submit_error,omitempty"`
}

// Fill is a fill notification from the venue.
type Fill struct {
	MarketID string          `json:"market_id"`
	Asset    string          `json:"asset"`
	Outcome  Outcome         `json:"outcome"`
	Side     Side            `json:"side"`
	Size     decimal.Decimal `json:"size"`
	Price    decimal.Decimal `json:"price"`
	IsMaker  bool            `json:"is_maker"`
	FeeKnown bool            `json:"fee_known"`
	At       time.Time       `json:"at"`
}

// Decision is the admission outcome recorded in the audit trail.
type Decision string

const (
	DecisionPlace Decision = "place"
	DecisionClamp Decision = "clamp"
	DecisionBlock Decision = "block"
)

// OrderAttempt is an immutable audit record of one admission decision.
type OrderAttempt struct {
	ID           string           `json:"id" db:"id"`
	MarketID     string           `json:"market_id" db:"market_id"`
	Asset        string           `json:"asset" db:"asset"`
	Outcome      Outcome          `json:"outcome" db:"outcome"`
	Side         Side             `json:"side" db:"side"`
	RequestedQty decimal.Decimal  `json:"requested_qty" db:"requested_qty"`
	Decision     Decision         `json:"decision" db:"decision"`
	ClampedQty   *decimal.Decimal `json:"clamped_qty,omitempty" db:"clamped_qty"`
	Reason       string           `json:"reason" db:"reason"`
	RunID        string           `json:"run_id" db:"run_id"`
	Timestamp    time.Time        `json:"ts" db:"ts"`
}

// PositionSnapshot is an authoritative position used to reconcile the ledger.
type PositionSnapshot struct {
	MarketID  string          `json:"market_id" db:"market_id"`
	Asset     string          `json:"asset" db:"asset"`
	Up        decimal.Decimal `json:"up" db:"up"`
	Down      decimal.Decimal `json:"down" db:"down"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// TradingMode gates new exposure process-wide.
type TradingMode int32

const (
	ModeFull TradingMode = iota
	ModeHedgeOnly
	ModeHalted
)

func (m TradingMode) String() string {
	switch m {
	case ModeFull:
		return "FULL"
	case ModeHedgeOnly:
		return "HEDGE_ONLY"
	case ModeHalted:
		return "HALTED"
	default:
		return "UNKNOWN"
	}
}

// Event types emitted by the risk core.
const (
	EventOrderCapBlocked    = "ORDER_CAP_BLOCKED"
	EventOrderClamped       = "ORDER_CLAMPED"
	EventOrderFreezeBlocked = "ADD_BLOCKED_ONE_SIDED_FREEZE"
	EventOrderPlaced        = "ORDER_PLACED"
	EventOrderFailed        = "ORDER_FAILED"
	EventOrderAttempt       = "ORDER_ATTEMPT"
	EventFreezeActivated    = "ONE_SIDED_FREEZE_ACTIVATED"
	EventFreezeCleared      = "ONE_SIDED_FREEZE_CLEARED"
	EventInvariantViolation = "INVARIANT_VIOLATION"
	EventStaleLockCleared   = "STALE_LOCK_CLEARED"
	EventTradingModeChanged = "TRADING_MODE_CHANGED"
	EventMarketCleared      = "MARKET_CLEARED"
)

// Event is a best-effort telemetry record. Delivery is never guaranteed.
type Event struct {
	Type       string         `json:"event_type"`
	Asset      string         `json:"asset"`
	MarketID   string         `json:"market_id"`
	Timestamp  time.Time      `json:"ts"`
	RunID      string         `json:"run_id,omitempty"`
	ReasonCode string         `json:"reason_code,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

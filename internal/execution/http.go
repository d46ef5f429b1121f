// Package execution holds the clients that submit admitted orders to the
// execution venue. The gateway only sees them through gateway.Executor.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/mm-riskcore/internal/model"
)

// ErrNoBaseURL is returned when the HTTP client has nowhere to send orders.
var ErrNoBaseURL = errors.New("execution: base url is required")

// HTTPClient posts orders as JSON to an execution API sidecar.
type HTTPClient struct {
	base string
	hc   *http.Client
}

// NewHTTPClient creates a client for base (e.g. http://127.0.0.1:8787).
// A zero timeout defaults to 10s.
func NewHTTPClient(base string, timeout time.Duration) (*HTTPClient, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return nil, ErrNoBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		base: base,
		hc:   &http.Client{Timeout: timeout},
	}, nil
}

type orderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	model.Submission
}

type orderResponse struct {
	Success       bool            `json:"success"`
	OrderID       string          `json:"order_id"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	Status        string          `json:"status"`
	FailureReason string          `json:"failure_reason"`
	Error         string          `json:"error"`
}

// SubmitOrder posts s to /orders. Transport failures are returned as
// errors; venue refusals come back as a result with Success false.
func (c *HTTPClient) SubmitOrder(ctx context.Context, s model.Submission) (model.ExecutionResult, error) {
	body, err := json.Marshal(orderRequest{ClientOrderID: uuid.NewString(), Submission: s})
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("marshal order: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/orders", bytes.NewReader(body))
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("new order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mm-riskcore/execution")

	res, err := c.hc.Do(req)
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("submit order: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("read order response: %w", err)
	}

	var out orderResponse
	decodeErr := json.Unmarshal(raw, &out)
	if res.StatusCode >= 300 {
		reason := model.FailureReason(out.FailureReason)
		if decodeErr != nil || reason == model.FailureNone {
			reason = classify(res.StatusCode, string(raw))
		}
		return model.ExecutionResult{
			Success:       false,
			Status:        fmt.Sprintf("http_%d", res.StatusCode),
			FailureReason: reason,
		}, nil
	}
	if decodeErr != nil {
		return model.ExecutionResult{}, fmt.Errorf("decode order response: %w", decodeErr)
	}

	result := model.ExecutionResult{
		Success:    out.Success,
		OrderID:    out.OrderID,
		FilledSize: out.FilledSize,
		Status:     out.Status,
	}
	if !out.Success {
		result.FailureReason = model.FailureReason(out.FailureReason)
		if result.FailureReason == model.FailureNone {
			result.FailureReason = classify(res.StatusCode, out.Error)
		}
	}
	return result, nil
}

// classify maps an HTTP status and error text to a failure reason.
func classify(status int, text string) model.FailureReason {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "cloudflare"), strings.Contains(t, "cf-ray"):
		return model.FailureCloudflare
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return model.FailureAuth
	case strings.Contains(t, "balance"), strings.Contains(t, "allowance"):
		return model.FailureBalance
	case strings.Contains(t, "orderbook"), strings.Contains(t, "order book"):
		return model.FailureNoOrderbook
	case strings.Contains(t, "liquidity"), strings.Contains(t, "no match"):
		return model.FailureNoLiquidity
	default:
		return model.FailureUnknown
	}
}

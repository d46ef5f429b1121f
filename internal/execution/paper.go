package execution

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/atmx/mm-riskcore/internal/model"
)

// Paper accepts orders without sending them anywhere. GTC orders rest
// unfilled; FOK and FAK orders report a full fill. With FailWith set every
// order is refused with that reason.
type Paper struct {
	FailWith model.FailureReason

	mu        sync.Mutex
	submitted []model.Submission
}

// NewPaper creates a paper executor that accepts every order.
func NewPaper() *Paper {
	return &Paper{}
}

func (p *Paper) SubmitOrder(_ context.Context, s model.Submission) (model.ExecutionResult, error) {
	p.mu.Lock()
	p.submitted = append(p.submitted, s)
	fail := p.FailWith
	p.mu.Unlock()

	if fail != model.FailureNone {
		return model.ExecutionResult{Success: false, Status: "rejected", FailureReason: fail}, nil
	}
	res := model.ExecutionResult{
		Success: true,
		OrderID: "paper-" + uuid.NewString(),
		Status:  "live",
	}
	if s.Type == model.OrderFOK || s.Type == model.OrderFAK {
		res.FilledSize = s.Size
		res.Status = "matched"
	}
	return res, nil
}

// Submitted returns a copy of every submission seen so far.
func (p *Paper) Submitted() []model.Submission {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Submission, len(p.submitted))
	copy(out, p.submitted)
	return out
}

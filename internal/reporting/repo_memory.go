package reporting

import (
	"context"

	"vonage-outbound-otp/internal/calls"
)

// CallLister is satisfied by calls.Store.
type CallLister interface {
	List(ctx context.Context, limit int) ([]calls.Call, error)
}

// ListRepo aggregates in process over every record a CallLister returns.
// Use it with calls.MemoryStore, where listing without a limit is cheap.

type ListRepo struct {
	calls CallLister
}

func NewListRepo(l CallLister) *ListRepo { return &ListRepo{calls: l} }

func (r *ListRepo) Totals(ctx context.Context) (Totals, error) {
	rows, err := r.calls.List(ctx, 0)
	if err != nil {
		return Totals{}, err
	}

	var out Totals
	for _, c := range rows {
		out.TotalCalls++
		if c.Verified {
			out.VerifiedCalls++
		}
		if c.Duration != nil {
			out.DurationSum += int64(*c.Duration)
			out.DurationCount++
		}
		switch c.Status {
		case calls.StatusCompleted:
			out.CompletedCalls++
		case calls.StatusFailed, calls.StatusRejected:
			out.FailedCalls++
		}
	}
	return out, nil
}

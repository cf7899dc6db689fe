package reporting

import (
	"context"
	"errors"
)

// Repository abstracts data access for reporting.
// Implementations read call records only; they never write.

type Repository interface {
	Totals(ctx context.Context) (Totals, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if s.repo == nil {
		return Stats{}, errors.New("reporting: repository not configured")
	}

	t, err := s.repo.Totals(ctx)
	if err != nil {
		return Stats{}, err
	}

	out := Stats{
		TotalCalls:     t.TotalCalls,
		CompletedCalls: t.CompletedCalls,
		VerifiedCalls:  t.VerifiedCalls,
		FailedCalls:    t.FailedCalls,
	}
	if t.DurationCount > 0 {
		avg := float64(t.DurationSum) / float64(t.DurationCount)
		out.AvgDuration = &avg
	}
	return out, nil
}

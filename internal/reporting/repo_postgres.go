package reporting

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRepo aggregates directly over the calls table.

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Totals(ctx context.Context) (Totals, error) {
	const q = `
SELECT
  COUNT(*),
  COUNT(*) FILTER (WHERE status = 'completed'),
  COUNT(*) FILTER (WHERE verified),
  COUNT(*) FILTER (WHERE status IN ('failed', 'rejected')),
  COALESCE(SUM(duration), 0),
  COUNT(duration)
FROM calls
`
	var out Totals
	err := r.db.QueryRowContext(ctx, q).Scan(
		&out.TotalCalls,
		&out.CompletedCalls,
		&out.VerifiedCalls,
		&out.FailedCalls,
		&out.DurationSum,
		&out.DurationCount,
	)
	if err != nil {
		return Totals{}, fmt.Errorf("reporting: aggregate calls: %w", err)
	}
	return out, nil
}

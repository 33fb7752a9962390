package repository

import (
	"context"

	"chainledger/internal/models"
)

// GetQueryIntervals returns the recorded intervals for a fingerprint,
// ascending by start.
func (r *Repository) GetQueryIntervals(ctx context.Context, fingerprint string) ([]models.Interval, error) {
	rows, err := r.db.Query(ctx, `
		SELECT start_ts, end_ts FROM query_ranges
		WHERE fingerprint = $1 ORDER BY start_ts
	`, fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Interval
	for rows.Next() {
		var iv models.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

// SetQueryIntervals replaces the fingerprint's interval set atomically.
func (r *Repository) SetQueryIntervals(ctx context.Context, fingerprint string, intervals []models.Interval) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM query_ranges WHERE fingerprint = $1", fingerprint); err != nil {
		return err
	}
	for _, iv := range intervals {
		if _, err := tx.Exec(ctx, `
			INSERT INTO query_ranges (fingerprint, start_ts, end_ts) VALUES ($1, $2, $3)
		`, fingerprint, iv.Start, iv.End); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

package repository

import (
	"context"

	"chainledger/internal/models"
)

// AddAccounts registers tracked addresses. Re-adding an existing address
// updates its label but keeps the original row (and created_at).
func (r *Repository) AddAccounts(ctx context.Context, accounts []models.TrackedAccount) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, acc := range accounts {
		if _, err := tx.Exec(ctx, `
			INSERT INTO tracked_accounts (chain, address, canonical_address, label)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (chain, address) DO UPDATE SET label = EXCLUDED.label
		`, acc.Chain, acc.Address, acc.CanonicalAddress, acc.Label); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// RemoveAccount drops a tracked address and its query ranges. Raw
// transactions are preserved (another address may link to them); the
// conservative event cascade is handled by the caller.
func (r *Repository) RemoveAccount(ctx context.Context, chain models.Chain, address string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM tracked_accounts
		WHERE chain = $1 AND (address = $2 OR canonical_address = $2)
	`, chain, address); err != nil {
		return err
	}
	for _, fp := range []string{
		models.TxsFingerprint(chain, address),
		models.BalancesFingerprint(chain, address),
	} {
		if _, err := tx.Exec(ctx, "DELETE FROM query_ranges WHERE fingerprint = $1", fp); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// GetAccounts lists tracked addresses, optionally restricted to one chain.
func (r *Repository) GetAccounts(ctx context.Context, chain models.Chain) ([]models.TrackedAccount, error) {
	query := `SELECT chain, address, canonical_address, label, created_at
		FROM tracked_accounts`
	var args []any
	if chain != "" {
		query += " WHERE chain = $1"
		args = append(args, chain)
	}
	query += " ORDER BY chain, created_at"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TrackedAccount
	for rows.Next() {
		var acc models.TrackedAccount
		if err := rows.Scan(&acc.Chain, &acc.Address, &acc.CanonicalAddress, &acc.Label, &acc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// IgnoreActions marks external ids as excluded from accounting.
func (r *Repository) IgnoreActions(ctx context.Context, actions []models.IgnoredAction) error {
	for _, a := range actions {
		if _, err := r.db.Exec(ctx, `
			INSERT INTO ignored_actions (action_type, external_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, a.ActionType, a.ExternalID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) UnignoreActions(ctx context.Context, actions []models.IgnoredAction) error {
	for _, a := range actions {
		if _, err := r.db.Exec(ctx,
			"DELETE FROM ignored_actions WHERE action_type = $1 AND external_id = $2",
			a.ActionType, a.ExternalID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) ListIgnoredActions(ctx context.Context, actionType string) ([]models.IgnoredAction, error) {
	query := "SELECT action_type, external_id FROM ignored_actions"
	var args []any
	if actionType != "" {
		query += " WHERE action_type = $1"
		args = append(args, actionType)
	}
	query += " ORDER BY action_type, external_id"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.IgnoredAction
	for rows.Next() {
		var a models.IgnoredAction
		if err := rows.Scan(&a.ActionType, &a.ExternalID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

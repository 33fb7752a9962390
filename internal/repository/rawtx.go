package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"chainledger/internal/models"
	"chainledger/internal/ranges"
)

// scanRawTxs unmarshals payload_blob rows back into RawTransactions.
func scanRawTxs(rows pgx.Rows) ([]models.RawTransaction, error) {
	var out []models.RawTransaction
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var tx models.RawTransaction
		if err := json.Unmarshal(payload, &tx); err != nil {
			return nil, fmt.Errorf("corrupt raw tx payload: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// SaveRawTransactions persists a fetch result atomically: the raw txs, the
// address links for every tracked participant, and the query-range record for
// the fetched interval, all in one transaction so a crash never leaves a
// recorded range without its transactions. Duplicate txs are no-ops.
func (r *Repository) SaveRawTransactions(
	ctx context.Context,
	txs []models.RawTransaction,
	links map[string][]string, // tx_id -> tracked addresses appearing in it
	fingerprint string,
	fetched models.Interval,
) error {
	dbTx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer dbTx.Rollback(ctx)

	for i := range txs {
		tx := &txs[i]
		payload, err := json.Marshal(tx)
		if err != nil {
			return fmt.Errorf("marshal tx %s: %w", tx.TxID, err)
		}
		if _, err := dbTx.Exec(ctx, `
			INSERT INTO raw_transactions (chain, tx_id, block, timestamp_ms, fee, payload_blob)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (chain, tx_id) DO NOTHING
		`, tx.Chain, tx.TxID, tx.BlockHeight, tx.TimestampMs, tx.Fee(), payload); err != nil {
			return err
		}

		for _, addr := range links[tx.TxID] {
			if _, err := dbTx.Exec(ctx, `
				INSERT INTO raw_tx_links (chain, tx_id, address) VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING
			`, tx.Chain, tx.TxID, addr); err != nil {
				return err
			}
		}
	}

	if fingerprint != "" && fetched.End >= fetched.Start {
		known, err := queryIntervalsTx(ctx, dbTx, fingerprint)
		if err != nil {
			return err
		}
		merged := ranges.Merge(known, fetched)
		if _, err := dbTx.Exec(ctx, "DELETE FROM query_ranges WHERE fingerprint = $1", fingerprint); err != nil {
			return err
		}
		for _, iv := range merged {
			if _, err := dbTx.Exec(ctx, `
				INSERT INTO query_ranges (fingerprint, start_ts, end_ts) VALUES ($1, $2, $3)
			`, fingerprint, iv.Start, iv.End); err != nil {
				return err
			}
		}
	}

	return dbTx.Commit(ctx)
}

// queryIntervalsTx reads a fingerprint's intervals inside an open transaction.
func queryIntervalsTx(ctx context.Context, tx pgx.Tx, fingerprint string) ([]models.Interval, error) {
	rows, err := tx.Query(ctx, `
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

// GetRawTransactionsForAddress reads back the locally stored txs linked to an
// address, oldest first.
func (r *Repository) GetRawTransactionsForAddress(ctx context.Context, chain models.Chain, address string) ([]models.RawTransaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT t.payload_blob
		FROM raw_transactions t
		JOIN raw_tx_links l ON l.chain = t.chain AND l.tx_id = t.tx_id
		WHERE l.address = $1 AND t.chain = $2
		ORDER BY t.timestamp_ms, t.tx_id
	`, address, chain)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRawTxs(rows)
}

// GetUndecodedTransactions returns txs whose decoded_version is below the
// current decoder schema version. Bumping decoder.schema_version therefore
// forces a full re-decode.
func (r *Repository) GetUndecodedTransactions(ctx context.Context, schemaVersion, limit int) ([]models.RawTransaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT payload_blob FROM raw_transactions
		WHERE decoded_version < $1
		ORDER BY timestamp_ms, tx_id
		LIMIT $2
	`, schemaVersion, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRawTxs(rows)
}

// MarkDecoded stamps a tx with the schema version it was decoded under.
func (r *Repository) MarkDecoded(ctx context.Context, chain models.Chain, txID string, schemaVersion int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE raw_transactions SET decoded_version = $3
		WHERE chain = $1 AND tx_id = $2
	`, chain, txID, schemaVersion)
	return err
}

// PurgeChain is the admin "drop all data for chain X" operation: the only way
// raw transactions are ever destroyed.
func (r *Repository) PurgeChain(ctx context.Context, chain models.Chain) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		"DELETE FROM raw_tx_links WHERE chain = $1",
		"DELETE FROM raw_transactions WHERE chain = $1",
		"DELETE FROM history_events WHERE location = $1",
		"DELETE FROM query_ranges WHERE fingerprint LIKE 'txs:' || $1 || ':%' OR fingerprint LIKE 'balances:' || $1 || ':%'",
	} {
		if _, err := tx.Exec(ctx, stmt, chain); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

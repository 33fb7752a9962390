package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"chainledger/internal/models"
)

// InsertEvents appends history events with insert-or-ignore semantics on
// (event_identifier, sequence_index): re-decoding the same tx is idempotent.
// Returns the number actually inserted.
func (r *Repository) InsertEvents(ctx context.Context, events []models.HistoryEvent) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for i := range events {
		ev := &events[i]
		var extra []byte
		if ev.ExtraData != nil {
			extra, err = json.Marshal(ev.ExtraData)
			if err != nil {
				return 0, fmt.Errorf("marshal extra_data for %s/%d: %w", ev.Identifier, ev.Sequence, err)
			}
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO history_events (
				event_identifier, sequence_index, timestamp, location,
				event_type, event_subtype, asset, amount,
				location_label, notes, counterparty, address, extra_data, schema_version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (event_identifier, sequence_index) DO NOTHING
		`, ev.Identifier, ev.Sequence, ev.TimestampMs, ev.Location,
			ev.EventType, ev.Subtype, ev.Asset, ev.Amount,
			ev.LocationLabel, ev.Notes, ev.Counterparty, ev.Address, extra, ev.SchemaVersion)
		if err != nil {
			return 0, err
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return inserted, nil
}

func scanEvents(ctx context.Context, r *Repository, query string, args ...any) ([]models.HistoryEvent, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.HistoryEvent
	for rows.Next() {
		var ev models.HistoryEvent
		var extra []byte
		if err := rows.Scan(
			&ev.Identifier, &ev.Sequence, &ev.TimestampMs, &ev.Location,
			&ev.EventType, &ev.Subtype, &ev.Asset, &ev.Amount,
			&ev.LocationLabel, &ev.Notes, &ev.Counterparty, &ev.Address,
			&extra, &ev.SchemaVersion,
		); err != nil {
			return nil, err
		}
		if len(extra) > 0 {
			if err := json.Unmarshal(extra, &ev.ExtraData); err != nil {
				return nil, fmt.Errorf("corrupt extra_data for %s/%d: %w", ev.Identifier, ev.Sequence, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const eventColumns = `event_identifier, sequence_index, timestamp, location,
	event_type, event_subtype, asset, amount,
	location_label, notes, counterparty, address, extra_data, schema_version`

// GetEvents answers the filtered, ordered event query.
func (r *Repository) GetEvents(ctx context.Context, filter models.EventFilter) ([]models.HistoryEvent, error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Identifier != "" {
		conds = append(conds, "event_identifier = "+arg(filter.Identifier))
	}
	if filter.FromTs > 0 {
		conds = append(conds, "timestamp >= "+arg(filter.FromTs))
	}
	if filter.ToTs > 0 {
		conds = append(conds, "timestamp <= "+arg(filter.ToTs))
	}
	if filter.Chain != "" {
		conds = append(conds, "location = "+arg(filter.Chain))
	}
	if filter.Address != "" {
		conds = append(conds, "address = "+arg(filter.Address))
	}
	if filter.EventType != "" {
		conds = append(conds, "event_type = "+arg(filter.EventType))
	}

	query := "SELECT " + eventColumns + " FROM history_events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp, event_identifier, sequence_index"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}
	return scanEvents(ctx, r, query, args...)
}

// GetEventsByIdentifier fetches one logical operation's events in sequence
// order.
func (r *Repository) GetEventsByIdentifier(ctx context.Context, identifier string) ([]models.HistoryEvent, error) {
	return scanEvents(ctx, r, "SELECT "+eventColumns+` FROM history_events
		WHERE event_identifier = $1 ORDER BY sequence_index`, identifier)
}

// DeleteEventsByIdentifier removes one operation's events ahead of a
// re-decode. User-edited notes are returned so the caller can re-apply them
// (re-decoding preserves notes).
func (r *Repository) DeleteEventsByIdentifier(ctx context.Context, identifier string) (map[int]string, error) {
	notes := make(map[int]string)
	rows, err := r.db.Query(ctx, `
		SELECT sequence_index, notes FROM history_events
		WHERE event_identifier = $1 AND notes_edited
	`, identifier)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var seq int
		var n string
		if err := rows.Scan(&seq, &n); err != nil {
			rows.Close()
			return nil, err
		}
		notes[seq] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = r.db.Exec(ctx, "DELETE FROM history_events WHERE event_identifier = $1", identifier)
	return notes, err
}

// UpdateEventNotes edits the one mutable field of a history event.
func (r *Repository) UpdateEventNotes(ctx context.Context, identifier string, sequence int, notes string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE history_events SET notes = $3, notes_edited = TRUE
		WHERE event_identifier = $1 AND sequence_index = $2
	`, identifier, sequence, notes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no event %s/%d", identifier, sequence)
	}
	return nil
}

// RestoreEventNotes re-applies user-edited notes after a re-decode.
func (r *Repository) RestoreEventNotes(ctx context.Context, identifier string, notes map[int]string) error {
	for seq, n := range notes {
		if _, err := r.db.Exec(ctx, `
			UPDATE history_events SET notes = $3, notes_edited = TRUE
			WHERE event_identifier = $1 AND sequence_index = $2
		`, identifier, seq, n); err != nil {
			return err
		}
	}
	return nil
}

// RewriteStakingToInformational handles the track-state transition: staking
// events whose only tracked participant went away become informational, and
// back again on re-tracking.
func (r *Repository) RewriteStakingToInformational(ctx context.Context, chain models.Chain, address string, toInformational bool) error {
	from, to := models.EventTypeStaking, models.EventTypeInformational
	if !toInformational {
		from, to = to, from
	}
	_, err := r.db.Exec(ctx, `
		UPDATE history_events SET event_type = $4
		WHERE location = $1 AND address = $2 AND event_type = $3
	`, chain, address, from, to)
	return err
}

package ranges

import (
	"context"

	"chainledger/internal/models"
)

// Store is the persistence seam. Implemented by internal/repository; interval
// replacement must be atomic per fingerprint.
type Store interface {
	GetQueryIntervals(ctx context.Context, fingerprint string) ([]models.Interval, error)
	SetQueryIntervals(ctx context.Context, fingerprint string, intervals []models.Interval) error
}

// Tracker answers "which sub-ranges of [from, to] have we not pulled yet" per
// fingerprint, and records successful pulls monotonically.
type Tracker struct {
	store Store
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// MissingRanges returns the complement of already-recorded intervals restricted
// to [from, to], ascending.
func (t *Tracker) MissingRanges(ctx context.Context, fingerprint string, from, to int64) ([]models.Interval, error) {
	known, err := t.store.GetQueryIntervals(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	return Missing(known, from, to), nil
}

// Record adds [from, to] to the fingerprint's set, coalescing with anything
// adjacent or overlapping. A crash between fetch and Record is tolerated: the
// raw-tx store deduplicates, so re-fetching a recorded-less range is harmless.
func (t *Tracker) Record(ctx context.Context, fingerprint string, from, to int64) error {
	known, err := t.store.GetQueryIntervals(ctx, fingerprint)
	if err != nil {
		return err
	}
	return t.store.SetQueryIntervals(ctx, fingerprint, Merge(known, models.Interval{Start: from, End: to}))
}

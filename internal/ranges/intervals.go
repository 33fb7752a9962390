package ranges

import (
	"sort"

	"chainledger/internal/models"
)

// Interval arithmetic over closed [start, end] ranges in whole unix seconds.
// Intervals that touch or sit one second apart coalesce ([1,5] + [6,9] = [1,9]).

// Merge inserts add into the sorted disjoint set and coalesces. The input slice
// is not modified.
func Merge(intervals []models.Interval, add models.Interval) []models.Interval {
	if add.End < add.Start {
		return append([]models.Interval(nil), intervals...)
	}

	merged := make([]models.Interval, 0, len(intervals)+1)
	merged = append(merged, intervals...)
	merged = append(merged, add)
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Start != merged[j].Start {
			return merged[i].Start < merged[j].Start
		}
		return merged[i].End < merged[j].End
	})

	out := merged[:1]
	for _, iv := range merged[1:] {
		last := &out[len(out)-1]
		if iv.Start <= last.End+1 {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Missing returns [from, to] minus the union of the known intervals, ascending.
func Missing(intervals []models.Interval, from, to int64) []models.Interval {
	if to < from {
		return nil
	}

	var out []models.Interval
	cursor := from
	for _, iv := range intervals {
		if iv.End < cursor {
			continue
		}
		if iv.Start > to {
			break
		}
		if iv.Start > cursor {
			out = append(out, models.Interval{Start: cursor, End: iv.Start - 1})
		}
		if iv.End+1 > cursor {
			cursor = iv.End + 1
		}
		if cursor > to {
			return out
		}
	}
	if cursor <= to {
		out = append(out, models.Interval{Start: cursor, End: to})
	}
	return out
}

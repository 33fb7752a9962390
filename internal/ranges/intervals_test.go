package ranges

import (
	"math/rand"
	"reflect"
	"testing"

	"chainledger/internal/models"
)

func iv(start, end int64) models.Interval {
	return models.Interval{Start: start, End: end}
}

func TestMerge(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		have []models.Interval
		add  models.Interval
		want []models.Interval
	}{
		{name: "empty", have: nil, add: iv(10, 20), want: []models.Interval{iv(10, 20)}},
		{name: "disjoint after", have: []models.Interval{iv(1, 5)}, add: iv(10, 20), want: []models.Interval{iv(1, 5), iv(10, 20)}},
		{name: "disjoint before", have: []models.Interval{iv(10, 20)}, add: iv(1, 5), want: []models.Interval{iv(1, 5), iv(10, 20)}},
		{name: "overlap", have: []models.Interval{iv(1, 10)}, add: iv(5, 15), want: []models.Interval{iv(1, 15)}},
		{name: "adjacent coalesces", have: []models.Interval{iv(1, 9)}, add: iv(10, 20), want: []models.Interval{iv(1, 20)}},
		{name: "contained is noop", have: []models.Interval{iv(1, 100)}, add: iv(40, 50), want: []models.Interval{iv(1, 100)}},
		{name: "bridges two", have: []models.Interval{iv(1, 5), iv(20, 30)}, add: iv(6, 19), want: []models.Interval{iv(1, 30)}},
		{name: "bridges three", have: []models.Interval{iv(1, 2), iv(4, 5), iv(7, 8)}, add: iv(3, 6), want: []models.Interval{iv(1, 8)}},
		{name: "inverted ignored", have: []models.Interval{iv(1, 5)}, add: iv(9, 3), want: []models.Interval{iv(1, 5)}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Merge(tc.have, tc.add)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Merge(%v, %v)=%v want %v", tc.have, tc.add, got, tc.want)
			}
		})
	}
}

func TestMissing(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		have     []models.Interval
		from, to int64
		want     []models.Interval
	}{
		{name: "nothing known", have: nil, from: 10, to: 20, want: []models.Interval{iv(10, 20)}},
		{name: "fully covered", have: []models.Interval{iv(1, 100)}, from: 10, to: 20, want: nil},
		{name: "hole in middle", have: []models.Interval{iv(1, 12), iv(18, 100)}, from: 10, to: 20, want: []models.Interval{iv(13, 17)}},
		{name: "uncovered head", have: []models.Interval{iv(15, 100)}, from: 10, to: 20, want: []models.Interval{iv(10, 14)}},
		{name: "uncovered tail", have: []models.Interval{iv(1, 15)}, from: 10, to: 20, want: []models.Interval{iv(16, 20)}},
		{name: "irrelevant intervals", have: []models.Interval{iv(1, 5), iv(30, 40)}, from: 10, to: 20, want: []models.Interval{iv(10, 20)}},
		{name: "multiple holes", have: []models.Interval{iv(12, 13), iv(16, 17)}, from: 10, to: 20, want: []models.Interval{iv(10, 11), iv(14, 15), iv(18, 20)}},
		{name: "empty query", have: nil, from: 20, to: 10, want: nil},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Missing(tc.have, tc.from, tc.to)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Missing(%v, %d, %d)=%v want %v", tc.have, tc.from, tc.to, got, tc.want)
			}
		})
	}
}

// Missing must equal [from,to] \ union(recorded) for any record sequence.
// Cross-check the interval implementation against a brute-force seconds set.
func TestMergeMissingAgainstModel(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	const domain = 200

	for trial := 0; trial < 50; trial++ {
		var intervals []models.Interval
		covered := make(map[int64]bool)

		for rec := 0; rec < 12; rec++ {
			a := rng.Int63n(domain)
			b := a + rng.Int63n(30)
			intervals = Merge(intervals, iv(a, b))
			for s := a; s <= b; s++ {
				covered[s] = true
			}
		}

		// Invariant: output intervals are sorted, disjoint, non-adjacent.
		for i := 1; i < len(intervals); i++ {
			if intervals[i].Start <= intervals[i-1].End+1 {
				t.Fatalf("trial %d: intervals not coalesced: %v", trial, intervals)
			}
		}

		from := rng.Int63n(domain)
		to := from + rng.Int63n(domain)
		missing := Missing(intervals, from, to)

		inMissing := func(s int64) bool {
			for _, m := range missing {
				if s >= m.Start && s <= m.End {
					return true
				}
			}
			return false
		}
		for s := from; s <= to; s++ {
			if covered[s] == inMissing(s) {
				t.Fatalf("trial %d: second %d covered=%v but missing=%v (intervals=%v missing=%v)",
					trial, s, covered[s], inMissing(s), intervals, missing)
			}
		}
	}
}

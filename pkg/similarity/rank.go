package similarity

import (
	"slices"
	"time"
)

// DefaultCount caps result sets when the caller does not
const DefaultCount = 10

// Scored is a ranking candidate
type Scored[T any] struct {
	Item      T
	Score     float64   // higher is more similar
	CreatedAt time.Time // newer wins ties
	Key       string    // duplicate key used when collapsing
}

// RankOptions controls Rank
type RankOptions struct {
	Threshold float64 // minimum score, inclusive
	Count     int     // maximum results, DefaultCount when <= 0
	Unique    bool    // keep only the best candidate per Key
}

// Rank drops candidates scoring below the threshold, orders the rest by
// descending score (newest first on ties), optionally collapses duplicates
// and returns at most Count items. The input slice is reordered.
func Rank[T any](cands []Scored[T], opts RankOptions) []Scored[T] {
	count := opts.Count
	if count <= 0 {
		count = DefaultCount
	}

	kept := cands[:0]
	for _, c := range cands {
		if c.Score >= opts.Threshold {
			kept = append(kept, c)
		}
	}

	slices.SortStableFunc(kept, func(a, b Scored[T]) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	if opts.Unique {
		kept = Collapse(kept, func(s Scored[T]) string { return s.Key })
	}

	if len(kept) > count {
		kept = kept[:count]
	}
	return kept
}

// Collapse keeps the first item for each key, preserving order
func Collapse[T any](items []T, key func(T) string) []T {
	seen := make(map[string]struct{}, len(items))
	out := items[:0]
	for _, it := range items {
		k := key(it)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return out
}

// Package stats maintains the per-field histograms attached to a single
// tile and the cumulative point-cloud-wide histogram merged across every
// cached tile (component C7 of the coloring pipeline).
package stats

import (
	"sort"
	"sync"
)

// Histogram maps a bucket key to the number of points falling in that
// bucket for one field.
type Histogram map[int]int

// MergeHistogram adds src's bucket counts into dst in place.
func MergeHistogram(dst, src Histogram) {
	for bucket, count := range src {
		dst[bucket] += count
	}
}

// Clone returns a deep copy of h.
func (h Histogram) Clone() Histogram {
	out := make(Histogram, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// TileStats is the per-field histogram set carried by a single downloaded
// tile, as described in spec §3's bufferStats.
type TileStats map[string]Histogram

// Clone returns a deep copy of ts.
func (ts TileStats) Clone() TileStats {
	out := make(TileStats, len(ts))
	for field, h := range ts {
		out[field] = h.Clone()
	}
	return out
}

// PointCloudStats is the cumulative, cache-wide histogram (pointCloudBufferStats
// in spec §3): the bucket-wise sum of every currently cached tile's
// TileStats. It is monotonic under Accumulate; Remove does not subtract
// from it, matching the known drift documented in spec §9 — callers should
// not treat it as an exact live total once tiles have been removed.
type PointCloudStats struct {
	mu      sync.Mutex
	byField map[string]Histogram
}

// NewPointCloudStats returns an empty cumulative stats accumulator.
func NewPointCloudStats() *PointCloudStats {
	return &PointCloudStats{byField: make(map[string]Histogram)}
}

// Accumulate merges incoming's histograms into the running total,
// bucket-wise by addition. It is never reversed by Remove; see the type
// doc comment.
func (s *PointCloudStats) Accumulate(incoming TileStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for field, h := range incoming {
		dst, ok := s.byField[field]
		if !ok {
			dst = make(Histogram)
			s.byField[field] = dst
		}
		MergeHistogram(dst, h)
	}
}

// Snapshot returns a deep copy of the current cumulative stats, safe for a
// brush's Prepare to read without racing a concurrent Accumulate.
func (s *PointCloudStats) Snapshot() TileStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(TileStats, len(s.byField))
	for field, h := range s.byField {
		out[field] = h.Clone()
	}
	return out
}

// Reset clears the accumulator. Called by Cache.Flush.
func (s *PointCloudStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byField = make(map[string]Histogram)
}

// FieldRange returns the min and max value observed for field, and whether
// the field has any data at all. min is the lowest populated bucket key;
// max is the highest populated bucket key plus the bucket width, where the
// bucket width is inferred as the smallest positive gap between distinct
// bucket keys (0 when only one bucket is populated). This is the helper
// the stock ramp brush uses to compute its scale factor: a single
// populated bucket yields min == max, which the ramp brush reads as an
// empty range and switches to its quiescent no-color mode.
func (s *PointCloudStats) FieldRange(field string) (min, max float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, exists := s.byField[field]
	if !exists || len(h) == 0 {
		return 0, 0, false
	}

	keys := make([]int, 0, len(h))
	for bucket := range h {
		keys = append(keys, bucket)
	}
	sort.Ints(keys)

	lo, hi := keys[0], keys[len(keys)-1]
	width := 0
	for i := 1; i < len(keys); i++ {
		gap := keys[i] - keys[i-1]
		if width == 0 || gap < width {
			width = gap
		}
	}
	return float64(lo), float64(hi + width), true
}

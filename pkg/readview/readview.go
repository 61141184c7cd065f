// Package readview models the set of active read-view (snapshot) LSNs a
// compaction must not disturb. It partitions the LSN axis into
// contiguous buckets the same way Pebble's compactionIter partitions a
// key's versions into snapshot stripes (see compaction_iter.go's
// snapshotIndex): bucket 0 is the newest, unbounded-above stripe; bucket
// len(views) is the oldest, bounded-below-by-zero stripe.
package readview

import "sort"

// Set is an immutable, sorted list of active read-view LSNs.
type Set struct {
	views []uint64 // ascending
}

// New builds a Set from an unordered list of read-view LSNs.
func New(views []uint64) *Set {
	sorted := append([]uint64(nil), views...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return &Set{views: sorted}
}

// Views returns the ascending read-view LSNs backing the set.
func (s *Set) Views() []uint64 {
	return append([]uint64(nil), s.views...)
}

// NumBuckets returns the number of stripes this set partitions the LSN
// axis into: one more than the number of read views.
func (s *Set) NumBuckets() int {
	return len(s.views) + 1
}

// BucketOf returns the index (0 = newest) of the bucket containing lsn.
// Bucket i (for i >= 1) is the half-open interval (vₖ₋ᵢ, vₖ₋ᵢ₊₁], with
// bucket 0 being (v_last, +inf) and bucket k (k = len(views)) being
// (0, v_first].
func (s *Set) BucketOf(lsn uint64) int {
	k := len(s.views)
	// j = count of views that sort before the first view >= lsn.
	j := sort.Search(k, func(i int) bool { return s.views[i] >= lsn })
	return k - j
}

// BoundaryLSN returns the read-view LSN bounding bucket idx from above,
// and whether such a bound exists. Bucket 0 (the newest) has no upper
// bound; there is no read view observing "the present".
func (s *Set) BoundaryLSN(idx int) (uint64, bool) {
	if idx <= 0 || idx > len(s.views) {
		return 0, false
	}
	// Bucket idx's upper bound is the view at ascending position k-idx.
	return s.views[len(s.views)-idx], true
}

// IsOldestBucket reports whether idx is the globally oldest bucket for
// this read-view set, i.e. the (0, v_first] stripe with no sentinel
// read view below it.
func (s *Set) IsOldestBucket(idx int) bool {
	return idx == s.NumBuckets()-1
}

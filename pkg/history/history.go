// Package history partitions one key's full, LSN-descending statement
// history into the read-view buckets it spans, ready for the reduction
// engine (pkg/reduce) to collapse bucket by bucket.
package history

import (
	"github.com/bobboyms/lsmwriter/pkg/readview"
	"github.com/bobboyms/lsmwriter/pkg/statement"
)

// Bucket is one read-view stripe's slice of a key's statement history,
// in the same LSN-descending order it arrived in.
type Bucket struct {
	Index int // 0 = newest
	Stmts []statement.Statement
}

// Partition groups stmts (one key, LSN descending, as produced by
// pkg/source) into buckets by read-view membership. Because stmts
// arrive LSN-descending and BucketOf is monotonically non-decreasing as
// LSN falls, entries belonging to the same bucket are always
// contiguous; this never needs to re-sort or look ahead.
func Partition(views *readview.Set, stmts []statement.Statement) []Bucket {
	if len(stmts) == 0 {
		return nil
	}

	var buckets []Bucket
	for _, st := range stmts {
		idx := views.BucketOf(st.LSN)
		if len(buckets) == 0 || buckets[len(buckets)-1].Index != idx {
			buckets = append(buckets, Bucket{Index: idx})
		}
		last := &buckets[len(buckets)-1]
		last.Stmts = append(last.Stmts, st)
	}
	return buckets
}

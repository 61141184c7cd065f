// Package reduce implements the reduction engine. It collapses a
// key's read-view-partitioned statement history into the minimal
// sequence of statements that preserves every read view's observed
// value, applying upsert squashing, inter-bucket deduplication,
// INSERT/REPLACE rewrites, and (on a last-level compaction) tombstone
// pruning.
package reduce

import (
	"bytes"

	"github.com/bobboyms/lsmwriter/pkg/errors"
	"github.com/bobboyms/lsmwriter/pkg/history"
	"github.com/bobboyms/lsmwriter/pkg/readview"
	"github.com/bobboyms/lsmwriter/pkg/statement"
)

// Options configures a single key's reduction.
type Options struct {
	// IsLastLevel enables tombstone-pruning and INSERT-retention rules
	// that are only sound when no older run can still hold data for
	// this key.
	IsLastLevel bool
	// Merge resolves a bucket's UPSERTs: a chain with no terminal
	// statement, or UPSERTs newer than the bucket's terminal. Required
	// whenever such UPSERTs can occur; reduceBucket returns
	// InvariantViolation if it is needed and nil.
	Merge statement.Merger
}

type bucketOutput struct {
	bucketIdx int
	stmt      statement.Statement
	dropped   bool
}

// Reduce collapses buckets (as produced by history.Partition, ordered
// newest bucket first) into the key's final output history, still
// newest-first. It returns nil for an empty input.
func Reduce(views *readview.Set, buckets []history.Bucket, opts Options) ([]statement.Statement, error) {
	if len(buckets) == 0 {
		return nil, nil
	}

	oldestBucket := buckets[len(buckets)-1]
	rawOldest := oldestBucket.Stmts[len(oldestBucket.Stmts)-1]

	outs := make([]bucketOutput, 0, len(buckets))
	for _, b := range buckets {
		s, err := reduceBucket(b.Stmts, opts.Merge)
		if err != nil {
			return nil, err
		}
		outs = append(outs, bucketOutput{bucketIdx: b.Index, stmt: s})
	}

	dedupeAdjacent(outs)

	if opts.IsLastLevel {
		pruneLastLevel(views, outs)
	}

	applyInsertReplaceRewrite(outs, rawOldest, opts.IsLastLevel)

	result := make([]statement.Statement, 0, len(outs))
	for _, o := range outs {
		if !o.dropped {
			result = append(result, o.stmt)
		}
	}
	return result, nil
}

// reduceBucket reduces one bucket's LSN-descending chain to a single
// statement: the newest terminal absorbs everything older in the
// bucket and any UPSERTs newer than it are folded onto it
// oldest-to-newest (yielding a REPLACE), or, absent any terminal, the
// chain is an UPSERT squash folded oldest-to-newest.
func reduceBucket(stmts []statement.Statement, merge statement.Merger) (statement.Statement, error) {
	base := len(stmts) - 1
	for i, st := range stmts {
		if st.Kind.IsTerminal() {
			base = i
			break
		}
	}
	if base == 0 && stmts[0].Kind.IsTerminal() {
		return stmts[0], nil
	}

	if merge == nil {
		return statement.Statement{}, &errors.InvariantViolation{
			What: "upsert chain needs merging and no merge function was supplied",
		}
	}

	acc := stmts[base]
	for i := base - 1; i >= 0; i-- {
		acc = statement.MergeUpsert(acc, stmts[i], merge)
	}
	return acc, nil
}

// dedupeAdjacent drops an older bucket's output when it is
// byte-equivalent in payload to the newer, still-surviving output and
// neither is a DELETE; the read views on either side of the boundary
// would observe identical state either way.
func dedupeAdjacent(outs []bucketOutput) {
	for i := 1; i < len(outs); i++ {
		if outs[i].dropped {
			continue
		}
		prev := newerSurvivor(outs, i)
		if prev == nil {
			continue
		}
		if prev.stmt.Kind != statement.Delete &&
			outs[i].stmt.Kind != statement.Delete &&
			bytes.Equal(prev.stmt.Payload, outs[i].stmt.Payload) {
			outs[i].dropped = true
		}
	}
}

// pruneLastLevel drops DELETEs the oldest-level compaction no longer
// needs: a DELETE in the globally oldest bucket has no older data left
// to mask, and a DELETE immediately following another surviving DELETE
// is a tautological tombstone.
func pruneLastLevel(views *readview.Set, outs []bucketOutput) {
	for i := range outs {
		if !outs[i].dropped && outs[i].stmt.Kind == statement.Delete && views.IsOldestBucket(outs[i].bucketIdx) {
			outs[i].dropped = true
		}
	}
	for i := 1; i < len(outs); i++ {
		if outs[i].dropped || outs[i].stmt.Kind != statement.Delete {
			continue
		}
		prev := newerSurvivor(outs, i)
		if prev != nil && prev.stmt.Kind == statement.Delete {
			outs[i].dropped = true
		}
	}
}

// applyInsertReplaceRewrite enforces INSERT discipline on whatever
// statement now sits oldest in the surviving output.
//
// When the key's raw oldest input was an INSERT, there was no row
// before it: any surviving DELETE *older* than the oldest surviving
// non-DELETE is a leading delete chain with nothing behind it to mask
// and is pruned (leading-DELETE pruning applies regardless of
// is_last_level; it is not actually gated on the oldest level, despite
// how the rule reads at first glance), and that oldest non-DELETE
// survivor is forced to read as the row's original INSERT. A DELETE
// that is itself the newest surviving output, the key's current final
// state, is never touched by this: dropping it would resurrect
// whatever an older run still holds for the key on a non-last-level
// compaction. Otherwise (the raw oldest input was not an INSERT), an
// INSERT that now sits oldest but is not against the true oldest level
// is demoted to REPLACE, since an older run may still hold data for
// this key.
func applyInsertReplaceRewrite(outs []bucketOutput, rawOldest statement.Statement, isLastLevel bool) {
	if rawOldest.Kind == statement.Insert {
		targetIdx := oldestNonDeleteSurvivorIdx(outs)
		if targetIdx < 0 {
			return
		}
		for i := targetIdx + 1; i < len(outs); i++ {
			if !outs[i].dropped && outs[i].stmt.Kind == statement.Delete {
				outs[i].dropped = true
			}
		}
		outs[targetIdx].stmt = outs[targetIdx].stmt.WithKind(statement.Insert)
		return
	}

	if isLastLevel {
		return
	}
	if s := oldestSurvivor(outs); s != nil && s.stmt.Kind == statement.Insert {
		s.stmt = s.stmt.WithKind(statement.Replace)
	}
}

func newerSurvivor(outs []bucketOutput, i int) *bucketOutput {
	for j := i - 1; j >= 0; j-- {
		if !outs[j].dropped {
			return &outs[j]
		}
	}
	return nil
}

func oldestSurvivor(outs []bucketOutput) *bucketOutput {
	for i := len(outs) - 1; i >= 0; i-- {
		if !outs[i].dropped {
			return &outs[i]
		}
	}
	return nil
}

// oldestNonDeleteSurvivorIdx returns the index of the oldest surviving
// output whose Kind is not DELETE, or -1 if every survivor is a
// DELETE (including the case where nothing survives at all).
func oldestNonDeleteSurvivorIdx(outs []bucketOutput) int {
	for i := len(outs) - 1; i >= 0; i-- {
		if !outs[i].dropped && outs[i].stmt.Kind != statement.Delete {
			return i
		}
	}
	return -1
}

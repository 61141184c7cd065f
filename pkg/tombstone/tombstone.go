// Package tombstone implements the deferred-tombstone emitter. It
// scans one key's full, LSN-descending input history for primary-index
// overwrites that deferred their secondary-index maintenance, hands each
// one to a caller-supplied Handler as a surrogate DELETE trigger, and
// re-surfaces into the output whichever such obligation survives the
// compaction undischarged so a later compaction can still see it.
package tombstone

import (
	coreerrors "github.com/bobboyms/lsmwriter/pkg/errors"
	"github.com/bobboyms/lsmwriter/pkg/statement"
)

// Handler is the two-method capability the write iterator hands deferred
// deletes to. It is exclusively owned by one write iterator instance;
// Destroy is called from the iterator's Close.
type Handler interface {
	// Process is called exactly once per deferred-delete trigger, with
	// old.Kind != Delete and new.Kind in {Replace, Delete} and
	// new.HasDeferredDelete() true. A non-nil error aborts the
	// in-progress compaction.
	Process(old, new statement.Statement) error
	// Destroy releases the handler's buffered state. Called from the
	// write iterator's Close.
	Destroy()
}

// Emit walks rawHistory (one key's full statement history, LSN
// descending, exactly as drained from the merging source before
// bucketing) for deferred-delete triggers, calling handler.Process for
// each in LSN-descending order, then returns output (the reduction
// engine's result for the same key) with the oldest surviving,
// undischarged DEFERRED_DELETE obligation spliced back in if one
// exists and is not already present.
//
// handler may be nil, which is only valid when the caller already knows
// no statement in rawHistory carries DeferredDelete (the compaction is
// not against a primary index); Emit returns output unchanged in that
// case without inspecting flags, matching a non-primary compaction
// where the flag should never appear.
func Emit(handler Handler, rawHistory []statement.Statement, output []statement.Statement) ([]statement.Statement, error) {
	if handler == nil || len(rawHistory) == 0 {
		return output, nil
	}

	discharged := make(map[uint64]bool)
	for i := 0; i < len(rawHistory)-1; i++ {
		newS := rawHistory[i]
		oldS := rawHistory[i+1]
		if !newS.HasDeferredDelete() {
			continue
		}
		if newS.Kind != statement.Replace && newS.Kind != statement.Delete {
			continue
		}
		if oldS.Kind == statement.Delete {
			// newS's own flag claims a prior row still needs clearing
			// from secondary indexes, but the statement immediately
			// behind it is already a tombstone: there is no live prior
			// row left to clear, so the obligation is moot and must not
			// be resurrected by spliceReemission either.
			discharged[newS.LSN] = true
			continue
		}
		if err := handler.Process(oldS, newS); err != nil {
			return nil, &coreerrors.HandlerError{Err: err}
		}
		discharged[newS.LSN] = true
		discharged[oldS.LSN] = true
	}

	return spliceReemission(rawHistory, output, discharged), nil
}

// spliceReemission finds the oldest statement in rawHistory that still
// carries an undischarged DEFERRED_DELETE obligation, one that never
// took part in a fired trigger (typically the key's overall oldest
// input, which nothing older pairs with) and was not cleared above for
// sitting directly in front of a DELETE, and, unless a copy of it
// already survives in output, inserts it at the correct LSN-descending
// position.
func spliceReemission(rawHistory, output []statement.Statement, discharged map[uint64]bool) []statement.Statement {
	var candidate *statement.Statement
	for i := len(rawHistory) - 1; i >= 0; i-- {
		s := rawHistory[i]
		if s.HasDeferredDelete() && !discharged[s.LSN] {
			candidate = &rawHistory[i]
			break
		}
	}
	if candidate == nil {
		return output
	}
	for _, o := range output {
		if o.LSN == candidate.LSN {
			return output
		}
	}

	pos := len(output)
	for i, o := range output {
		if o.LSN < candidate.LSN {
			pos = i
			break
		}
	}
	result := make([]statement.Statement, 0, len(output)+1)
	result = append(result, output[:pos]...)
	result = append(result, *candidate)
	result = append(result, output[pos:]...)
	return result
}

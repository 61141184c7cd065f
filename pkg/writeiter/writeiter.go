// Package writeiter implements the stream driver: it wires the merging
// source (pkg/source), the per-key history buffer (pkg/history), the
// reduction engine (pkg/reduce) and the deferred-tombstone emitter
// (pkg/tombstone) into a single Created/Started/Draining/Stopped/Closed
// state machine a compaction writer drives with AddSource/Start/Next/
// Stop/Close, the same open/read-until-exhausted/close lifecycle
// pkg/wal's WALReader exposes, generalized to a key-grouping merge
// instead of a flat append log.
package writeiter

import (
	coreerrors "github.com/bobboyms/lsmwriter/pkg/errors"
	"github.com/bobboyms/lsmwriter/pkg/history"
	"github.com/bobboyms/lsmwriter/pkg/readview"
	"github.com/bobboyms/lsmwriter/pkg/reduce"
	"github.com/bobboyms/lsmwriter/pkg/run"
	"github.com/bobboyms/lsmwriter/pkg/source"
	"github.com/bobboyms/lsmwriter/pkg/statement"
	"github.com/bobboyms/lsmwriter/pkg/tombstone"
)

type state uint8

const (
	created state = iota
	started
	draining
	drained
	stopped
	closed
)

// Options configures one compaction run.
type Options struct {
	// Views is the set of active read-view LSNs this compaction must
	// not disturb.
	Views []uint64
	// IsLastLevel enables the reduction engine's tombstone-pruning and
	// INSERT-retention rules, sound only when no older run can hold
	// data for a key this compaction touches.
	IsLastLevel bool
	// IsPrimary gates deferred-tombstone emission. When true, Handler
	// must be non-nil.
	IsPrimary bool
	// Merge resolves a bucket's UPSERTs: a chain with no terminal
	// statement, or UPSERTs newer than the bucket's terminal. Required
	// whenever the input can contain such UPSERTs.
	Merge statement.Merger
	// Handler receives deferred-delete triggers. Required iff
	// IsPrimary; ignored otherwise.
	Handler tombstone.Handler
}

// WriteIterator is the compaction write iterator described in spec.md:
// it drains N merged input runs and exposes the minimal, read-view-
// preserving output sequence one statement at a time.
type WriteIterator struct {
	st      state
	merger  *source.Merger
	views   *readview.Set
	opts    Options
	pending *statement.Statement
	queue   []statement.Statement
}

// New returns an unstarted WriteIterator. opts.Views and opts.Merge are
// captured at construction; opts.IsPrimary with a nil Handler is
// rejected by Start, not here, since AddSource may still run first.
func New(opts Options) *WriteIterator {
	return &WriteIterator{
		merger: source.New(),
		views:  readview.New(opts.Views),
		opts:   opts,
	}
}

// AddSource registers r as an input run. Valid only in Created.
func (w *WriteIterator) AddSource(r run.Run) error {
	if w.st != created {
		return &coreerrors.AllocationError{Op: "AddSource", State: w.stateName()}
	}
	return w.merger.AddSource(r)
}

// Start primes the merge heap and transitions Created -> Started. It
// fails fast if the caller asked for primary-index tombstone emission
// without supplying a handler, an upstream configuration bug, not a
// runtime condition.
func (w *WriteIterator) Start() error {
	if w.st != created {
		return &coreerrors.AllocationError{Op: "Start", State: w.stateName()}
	}
	if w.opts.IsPrimary && w.opts.Handler == nil {
		return &coreerrors.InvariantViolation{What: "IsPrimary set with no deferred-delete handler"}
	}
	if err := w.merger.Start(); err != nil {
		return err
	}
	w.st = started
	return nil
}

// Next returns the next output statement in (key ASC, lsn DESC) order,
// or ok=false once the stream is exhausted. Valid in Started or
// Draining. A whole key is reduced (and any deferred-delete triggers
// fired) before any of its statements are returned, so a caller never
// observes a partially-reduced key.
func (w *WriteIterator) Next() (statement.Statement, bool, error) {
	if w.st != started && w.st != draining {
		return statement.Statement{}, false, &coreerrors.AllocationError{Op: "Next", State: w.stateName()}
	}
	w.st = draining

	for len(w.queue) == 0 {
		batch, err := w.nextKeyBatch()
		if err != nil {
			return statement.Statement{}, false, err
		}
		if batch == nil {
			w.st = drained
			return statement.Statement{}, false, nil
		}
		out, err := w.reduceKey(batch)
		if err != nil {
			return statement.Statement{}, false, err
		}
		w.queue = out
	}

	out := w.queue[0]
	w.queue = w.queue[1:]
	return out, true, nil
}

// reduceKey runs one key's raw history through the reduction engine and
// the deferred-tombstone emitter, in that order: reduction determines
// what the new run physically holds, then the emitter both fires
// handler triggers over the raw history and splices back in whatever
// undischarged obligation must survive for a future compaction.
func (w *WriteIterator) reduceKey(batch []statement.Statement) ([]statement.Statement, error) {
	buckets := history.Partition(w.views, batch)
	reduced, err := reduce.Reduce(w.views, buckets, reduce.Options{
		IsLastLevel: w.opts.IsLastLevel,
		Merge:       w.opts.Merge,
	})
	if err != nil {
		return nil, err
	}
	if !w.opts.IsPrimary {
		return reduced, nil
	}
	return tombstone.Emit(w.opts.Handler, batch, reduced)
}

// nextKeyBatch drains every statement for the next distinct key from
// the merging source, buffering the first statement of the following
// key (the merger itself exposes no peek) for the subsequent call.
func (w *WriteIterator) nextKeyBatch() ([]statement.Statement, error) {
	var first statement.Statement
	if w.pending != nil {
		first = *w.pending
		w.pending = nil
	} else {
		s, ok, err := w.merger.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		first = s
	}

	batch := []statement.Statement{first}
	for {
		s, ok, err := w.merger.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if s.Key.Compare(first.Key) != 0 {
			w.pending = &s
			break
		}
		batch = append(batch, s)
	}
	return batch, nil
}

// Stop releases iteration state but leaves the handler alone so the
// caller can still inspect whatever it buffered. Valid from Started,
// Draining or Drained.
func (w *WriteIterator) Stop() error {
	if w.st == created || w.st == closed {
		return &coreerrors.AllocationError{Op: "Stop", State: w.stateName()}
	}
	w.queue = nil
	w.pending = nil
	w.st = stopped
	return nil
}

// Close releases everything, including the handler, and is valid from
// any state but Closed. It is idempotent-safe to call after Stop.
func (w *WriteIterator) Close() {
	if w.st == closed {
		return
	}
	w.queue = nil
	w.pending = nil
	if w.opts.Handler != nil {
		w.opts.Handler.Destroy()
	}
	w.st = closed
}

func (w *WriteIterator) stateName() string {
	switch w.st {
	case created:
		return "created"
	case started:
		return "started"
	case draining:
		return "draining"
	case drained:
		return "drained"
	case stopped:
		return "stopped"
	case closed:
		return "closed"
	default:
		return "unknown"
	}
}

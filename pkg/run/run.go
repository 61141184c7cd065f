// Package run defines the Run contract the write iterator merges: a
// single sorted (key ASC, lsn DESC) stream of statements, plus two
// concrete implementations: an in-memory slice run for tests and
// frozen memtables, and a heap-segment-backed run for on-disk
// compaction inputs and output.
package run

import (
	"io"

	"github.com/bobboyms/lsmwriter/pkg/heap"
	"github.com/bobboyms/lsmwriter/pkg/statement"
)

// Run is one sorted input to a merge: statements ordered by key
// ascending, and by LSN descending within a key. Next returns
// (Statement{}, false, nil) once exhausted.
type Run interface {
	Next() (statement.Statement, bool, error)
}

// SliceRun is an in-memory Run over a pre-sorted slice, used by tests
// and by any frozen memtable the caller hands the write iterator
// directly rather than through an on-disk segment.
type SliceRun struct {
	stmts []statement.Statement
	pos   int
}

// NewSliceRun wraps stmts, which must already be sorted (key ASC, lsn
// DESC); SliceRun performs no sorting of its own.
func NewSliceRun(stmts []statement.Statement) *SliceRun {
	return &SliceRun{stmts: stmts}
}

func (r *SliceRun) Next() (statement.Statement, bool, error) {
	if r.pos >= len(r.stmts) {
		return statement.Statement{}, false, nil
	}
	s := r.stmts[r.pos]
	r.pos++
	return s, true, nil
}

// HeapRun replays a heap segment set in write order. Compaction always
// writes its output in (key ASC, lsn DESC) order, and the heap format
// is purely sequential append, so a plain forward iterator over the
// segment set reproduces that same sorted stream without any
// secondary index.
type HeapRun struct {
	it *heap.HeapIterator
}

// NewHeapRun opens a forward iterator over hm's segments.
func NewHeapRun(hm *heap.HeapManager) (*HeapRun, error) {
	it, err := hm.NewIterator()
	if err != nil {
		return nil, err
	}
	return &HeapRun{it: it}, nil
}

func (r *HeapRun) Next() (statement.Statement, bool, error) {
	doc, _, _, err := r.it.Next()
	if err == io.EOF {
		return statement.Statement{}, false, nil
	}
	if err != nil {
		return statement.Statement{}, false, err
	}
	s, err := statement.Decode(doc)
	if err != nil {
		return statement.Statement{}, false, err
	}
	return s, true, nil
}

// Close releases the underlying heap iterator's segment handles.
func (r *HeapRun) Close() {
	r.it.Close()
}

// HeapRunWriter appends compaction output to a heap segment set in the
// exact order it is handed statements, which must already be (key ASC,
// lsn DESC) for HeapRun to be able to replay it correctly.
type HeapRunWriter struct {
	hm *heap.HeapManager
}

// NewHeapRunWriter wraps hm for sequential compaction-output writes.
func NewHeapRunWriter(hm *heap.HeapManager) *HeapRunWriter {
	return &HeapRunWriter{hm: hm}
}

// Write appends s to the backing heap, encoding the full statement
// (key, kind, LSN, flags, payload) as the record body so HeapRun can
// recover it verbatim.
func (w *HeapRunWriter) Write(s statement.Statement) error {
	data, err := statement.Encode(s)
	if err != nil {
		return err
	}
	_, err = w.hm.Write(data, s.LSN, -1)
	return err
}

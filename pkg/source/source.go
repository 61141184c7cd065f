// Package source implements the merging source: a lazy stream that
// yields statements from arbitrary many input runs in (key ASC, lsn
// DESC) order, using a container/heap-based k-way merge the same way
// LSM engines merge sorted SSTable iterators.
package source

import (
	"container/heap"

	coreerrors "github.com/bobboyms/lsmwriter/pkg/errors"
	"github.com/bobboyms/lsmwriter/pkg/run"
	"github.com/bobboyms/lsmwriter/pkg/statement"
)

type state uint8

const (
	created state = iota
	started
)

// Merger is the merging source. It accepts runs via AddSource only
// before Start, then Next only advances; it never retracts and never
// accepts a new source once started.
type Merger struct {
	st    state
	runs  []run.Run
	items mergeHeap
}

// New returns an empty, unstarted Merger.
func New() *Merger {
	return &Merger{}
}

// AddSource registers run as an input. Valid only before Start.
func (m *Merger) AddSource(r run.Run) error {
	if m.st != created {
		return &coreerrors.AllocationError{Op: "AddSource", State: "started"}
	}
	m.runs = append(m.runs, r)
	return nil
}

// Start primes the merge heap by pulling one statement from every
// registered run. Valid only once, from Created.
func (m *Merger) Start() error {
	if m.st != created {
		return &coreerrors.AllocationError{Op: "Start", State: "started"}
	}
	m.st = started
	m.items = make(mergeHeap, 0, len(m.runs))
	for _, r := range m.runs {
		if err := m.pull(r); err != nil {
			return err
		}
	}
	heap.Init(&m.items)
	return nil
}

func (m *Merger) pull(r run.Run) error {
	s, ok, err := r.Next()
	if err != nil {
		return &coreerrors.SourceError{Err: err}
	}
	if !ok {
		return nil
	}
	heap.Push(&m.items, mergeItem{stmt: s, run: r})
	return nil
}

// Next returns the next statement in (key ASC, lsn DESC) global order,
// or ok=false once every run is exhausted.
func (m *Merger) Next() (statement.Statement, bool, error) {
	if len(m.items) == 0 {
		return statement.Statement{}, false, nil
	}
	top := heap.Pop(&m.items).(mergeItem)
	if err := m.pull(top.run); err != nil {
		return statement.Statement{}, false, err
	}
	return top.stmt, true, nil
}

type mergeItem struct {
	stmt statement.Statement
	run  run.Run
}

// mergeHeap orders items by key ascending, then by LSN descending
// within a key, the order a compaction's input runs must reproduce
// globally.
type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	c := h[i].stmt.Key.Compare(h[j].stmt.Key)
	if c != 0 {
		return c < 0
	}
	return h[i].stmt.LSN > h[j].stmt.LSN
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x interface{}) {
	*h = append(*h, x.(mergeItem))
}

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

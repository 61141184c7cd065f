// Package statement defines the Statement model the write iterator reduces:
// a single mutation against a single key, tagged with the LSN it was
// assigned at and an optional deferred-delete flag for secondary-index
// consistency. The core treats keys and payloads as opaque values supplied
// by the caller (pkg/types.Comparable keys and raw []byte payloads);
// it never inspects either beyond comparison and the merge hook below.
package statement

import (
	"fmt"

	"github.com/bobboyms/lsmwriter/pkg/types"
)

// Type is the kind of mutation a Statement records.
type Type uint8

const (
	// Insert asserts the key did not exist before this statement.
	Insert Type = iota + 1
	// Replace asserts the key may or may not have existed before.
	Replace
	// Delete removes the key.
	Delete
	// Upsert carries a partial update that must be merged onto whatever
	// the key's prior state turns out to be.
	Upsert
)

func (t Type) String() string {
	switch t {
	case Insert:
		return "INSERT"
	case Replace:
		return "REPLACE"
	case Delete:
		return "DELETE"
	case Upsert:
		return "UPSERT"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// IsTerminal reports whether t fully determines the key's value on its
// own, with no dependency on anything older in the history.
func (t Type) IsTerminal() bool {
	return t == Insert || t == Replace || t == Delete
}

// Flags is a bitset of statement-level metadata. The only flag the core
// inspects is DeferredDelete.
type Flags uint8

const (
	// DeferredDelete marks a non-DELETE statement as having overwritten a
	// row that was not yet tombstoned in a secondary index at write time.
	// See pkg/tombstone for what the core does with it.
	DeferredDelete Flags = 1 << iota
)

// Statement is one entry in a key's write history. Key and Payload are
// opaque beyond comparison (Key) and the Merger hook below (Payload);
// nothing here branches on their contents.
type Statement struct {
	Key     types.Comparable
	Kind    Type
	LSN     uint64
	Flags   Flags
	Payload []byte
}

// HasDeferredDelete reports whether s carries the DeferredDelete flag.
func (s Statement) HasDeferredDelete() bool {
	return s.Flags&DeferredDelete != 0
}

// WithKind returns a copy of s with its Kind replaced, used by the
// reduction engine's INSERT/REPLACE rewrite rules.
func (s Statement) WithKind(k Type) Statement {
	s.Kind = k
	return s
}

// WithLSN returns a copy of s restamped at lsn, for callers that replay
// a statement into a different position of the log, e.g. surrogate
// construction from an existing row.
func (s Statement) WithLSN(lsn uint64) Statement {
	s.LSN = lsn
	return s
}

// MakeSurrogateDelete builds the synthetic DELETE a deferred-tombstone
// trigger hands to its Handler: same key, the triggering LSN, no payload,
// no flags. It never appears in the main output stream.
func MakeSurrogateDelete(key types.Comparable, lsn uint64) Statement {
	return Statement{Key: key, Kind: Delete, LSN: lsn}
}

// Merger merges an older statement's payload with a newer UPSERT's
// payload. It is supplied by the caller; the core never interprets
// payload bytes itself.
type Merger func(older, newer []byte) []byte

// MergeUpsert merges newer (an UPSERT) onto older, producing a single
// statement that carries newer's identity (key, LSN, flags) but a
// Kind derived from older: REPLACE if older was itself terminal,
// UPSERT if older was itself an unresolved upsert chain.
func MergeUpsert(older, newer Statement, merge Merger) Statement {
	out := newer
	out.Payload = merge(older.Payload, newer.Payload)
	if older.Kind.IsTerminal() {
		out.Kind = Replace
	} else {
		out.Kind = Upsert
	}
	return out
}

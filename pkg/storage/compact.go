package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	cockroachdberrors "github.com/cockroachdb/errors"

	"github.com/bobboyms/lsmwriter/pkg/errors"
	"github.com/bobboyms/lsmwriter/pkg/heap"
	"github.com/bobboyms/lsmwriter/pkg/statement"
	"github.com/bobboyms/lsmwriter/pkg/types"
	"github.com/bobboyms/lsmwriter/pkg/wal"
	"github.com/bobboyms/lsmwriter/pkg/writeiter"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// CompactionOptions configures one call to StorageEngine.Compact.
type CompactionOptions struct {
	// IsLastLevel enables the reduction engine's tombstone-pruning and
	// INSERT-retention rules. A table in this engine has exactly one
	// physical heap, with no lower LSM level still holding older data
	// for a key, so the production caller always passes true; the knob
	// is still honored end to end (rather than hard-coded) so tests can
	// exercise the write iterator's non-last-level behavior against a
	// real heap.
	IsLastLevel bool
}

// Compact rewrites tableName's heap through the write iterator. It
// reconstructs every key's full statement history from the primary
// index's live version chains, reduces it against the table's active
// read views, fires deferred-tombstone triggers against the table's
// secondary indices, and swaps in the resulting heap. indexName must
// name the table's primary index; compacting a secondary index alone
// would leave the primary's version chains (and any other secondary
// index sharing them) untouched, so Compact always rewrites the whole
// table's heap in one pass.
func (se *StorageEngine) Compact(tableName string, indexName string, opts CompactionOptions) (err error) {
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		compactionsTotal.WithLabelValues(tableName, outcome).Inc()
		compactionDurationSeconds.WithLabelValues(tableName).Observe(time.Since(start).Seconds())
	}()

	table, err := se.TableMetaData.GetTableByName(tableName)
	if err != nil {
		return err
	}
	table.Lock()
	defer table.Unlock()

	idx, err := table.GetIndex(indexName)
	if err != nil {
		return err
	}
	if !idx.Primary {
		return &errors.InvariantViolation{
			What: fmt.Sprintf("compact requires the table's primary index, %q is secondary", indexName),
		}
	}

	src := newTableHeapRun(se, table, idx)
	handler := &secondaryTombstoneHandler{table: table}

	w := writeiter.New(writeiter.Options{
		Views:       se.TxRegistry.ActiveSnapshots(),
		IsLastLevel: opts.IsLastLevel,
		IsPrimary:   true,
		Handler:     handler,
	})
	if err := w.AddSource(src); err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Close()

	oldHeap := table.Heap
	newHeapPath := oldHeap.Path() + "_compact"
	os.Remove(newHeapPath + "_001.data")
	newHeap, err := heap.NewHeapManager(newHeapPath)
	if err != nil {
		return cockroachdberrors.Wrapf(err, "compact %s: create compaction heap", tableName)
	}

	type treeUpdate struct {
		idx    *Index
		key    types.Comparable
		offset int64
	}
	var updates []treeUpdate
	written := make(map[types.Comparable]bool)
	var bytesWritten int

	flush := func(key types.Comparable, group []statement.Statement) error {
		if key == nil || len(group) == 0 {
			return nil
		}
		offset, doc, n, err := writeKeyChain(newHeap, group)
		if err != nil {
			return err
		}
		bytesWritten += n
		if offset == -1 {
			return nil
		}
		written[key] = true
		bsonDoc, docErr := decodeHeapDoc(doc)
		for _, ix := range table.GetIndicesUnsafe() {
			if ix.Primary {
				updates = append(updates, treeUpdate{idx: ix, key: key, offset: offset})
				continue
			}
			if docErr != nil {
				continue
			}
			keyVal, kerr := GetValueFromBson(bsonDoc, ix.Name)
			if kerr == nil {
				updates = append(updates, treeUpdate{idx: ix, key: keyVal, offset: offset})
			}
		}
		return nil
	}

	var curKey types.Comparable
	var curGroup []statement.Statement
	for {
		s, ok, err := w.Next()
		if err != nil {
			newHeap.Close()
			return err
		}
		if !ok {
			break
		}
		if curKey == nil || s.Key.Compare(curKey) != 0 {
			if err := flush(curKey, curGroup); err != nil {
				newHeap.Close()
				return err
			}
			curKey = s.Key
			curGroup = curGroup[:0]
		}
		curGroup = append(curGroup, s)
	}
	if err := flush(curKey, curGroup); err != nil {
		newHeap.Close()
		return err
	}

	// A key the source enumerated but that produced no surviving output
	// (the key's entire history was pruned as dead) no longer belongs in
	// any index, primary or secondary.
	for _, k := range src.seen {
		if written[k] {
			continue
		}
		doc := src.lastDoc[k]
		bsonDoc, docErr := decodeHeapDoc(doc)
		for _, ix := range table.GetIndicesUnsafe() {
			if ix.Primary {
				ix.Tree.Remove(k)
				continue
			}
			if docErr != nil {
				continue
			}
			keyVal, kerr := GetValueFromBson(bsonDoc, ix.Name)
			if kerr == nil {
				ix.Tree.Remove(keyVal)
			}
		}
	}

	for _, up := range updates {
		newOffset := up.offset
		up.idx.Tree.Upsert(up.key, func(current int64, exists bool) (int64, error) {
			return newOffset, nil
		})
	}

	oldHeap.Close()
	newHeap.Close()

	oldPath := oldHeap.Path()
	files, _ := filepath.Glob(oldPath + "_[0-9][0-9][0-9].data")
	for _, f := range files {
		os.Remove(f)
	}
	newFiles, _ := filepath.Glob(newHeapPath + "_[0-9][0-9][0-9].data")
	for _, f := range newFiles {
		suffix := f[len(newHeapPath):]
		dest := oldPath + suffix
		if err := os.Rename(f, dest); err != nil {
			return fmt.Errorf("failed to rename compaction file: %w", err)
		}
	}

	finalHeap, err := heap.NewHeapManager(oldPath)
	if err != nil {
		return cockroachdberrors.Wrapf(err, "compact %s: reopen heap", tableName)
	}
	table.Heap = finalHeap
	compactionBytesWritten.WithLabelValues(tableName).Add(float64(bytesWritten))

	// Registra o marcador de compaction no WAL. O replay ignora o marcador;
	// ele apenas documenta no log que o heap da tabela foi reescrito.
	if se.WAL != nil {
		payload := []byte(tableName)
		entry := wal.AcquireEntry()
		entry.Header.Magic = wal.WALMagic
		entry.Header.Version = 1
		entry.Header.EntryType = wal.EntryCompact
		entry.Header.LSN = se.lsnTracker.Current()
		entry.Header.PayloadLen = uint32(len(payload))
		entry.Header.CRC32 = wal.CalculateCRC32(payload)
		entry.Payload = append(entry.Payload, payload...)
		if err := se.WAL.WriteEntry(entry); err != nil {
			wal.ReleaseEntry(entry)
			return fmt.Errorf("wal write failed: %w", err)
		}
		wal.ReleaseEntry(entry)
	}

	return nil
}

// writeKeyChain appends one key's surviving, newest-first statement
// group to newHeap, oldest first, relinking PrevOffset as it goes so
// the physical version chain matches the reduced logical history. It
// returns the offset of the chain's newest record (-1 if the group
// carried no record at all, which only happens when every surviving
// statement is a DELETE with nothing behind it to tombstone, a
// configuration this engine's single-physical-heap compaction treats
// as already-absorbed rather than an error), the last real document
// body written (used to refresh secondary-index entries), and the
// number of document bytes appended (for the compaction-bytes metric).
func writeKeyChain(newHeap *heap.HeapManager, group []statement.Statement) (int64, []byte, int, error) {
	offset := int64(-1)
	prevOffset := int64(-1)
	var doc []byte
	var n int

	for i := len(group) - 1; i >= 0; i-- {
		s := group[i]
		if s.Kind == statement.Delete {
			if offset == -1 {
				continue
			}
			if err := newHeap.Delete(offset, s.LSN); err != nil {
				return -1, nil, n, err
			}
			continue
		}
		newOffset, err := newHeap.WriteFlagged(s.Payload, s.LSN, prevOffset, s.HasDeferredDelete())
		if err != nil {
			return -1, nil, n, err
		}
		prevOffset = newOffset
		offset = newOffset
		doc = s.Payload
		n += len(s.Payload)
	}
	return offset, doc, n, nil
}

// tableHeapRun is a run.Run over a table's full primary-index version
// chains: it walks the primary tree key by key in ascending order and,
// for each key, unspools the heap's PrevOffset chain into a DELETE (if
// the head record is a tombstone) followed by an INSERT or REPLACE,
// repeating down the chain, which reproduces exactly the (key ASC, lsn
// DESC) ordering run.Run requires. It remembers the newest document
// body and the full key set it enumerated so Compact can still clean
// up secondary indices for a key whose entire history the reduction
// engine discards.
type tableHeapRun struct {
	table   *Table
	cursor  *Cursor
	pending []statement.Statement
	lastDoc map[types.Comparable][]byte
	seen    []types.Comparable
}

func newTableHeapRun(se *StorageEngine, table *Table, idx *Index) *tableHeapRun {
	c := se.Cursor(idx.Tree)
	c.Seek(nil)
	return &tableHeapRun{
		table:   table,
		cursor:  c,
		lastDoc: make(map[types.Comparable][]byte),
	}
}

func (r *tableHeapRun) Next() (statement.Statement, bool, error) {
	for len(r.pending) == 0 {
		if !r.cursor.Valid() {
			r.cursor.Close()
			return statement.Statement{}, false, nil
		}
		key := r.cursor.Key()
		offset := r.cursor.Value()
		r.cursor.Next()

		hist, err := r.readKeyHistory(key, offset)
		if err != nil {
			return statement.Statement{}, false, err
		}
		r.seen = append(r.seen, key)
		if len(hist) > 0 {
			for _, s := range hist {
				if s.Kind != statement.Delete {
					r.lastDoc[key] = s.Payload
					break
				}
			}
		}
		r.pending = hist
	}

	s := r.pending[0]
	r.pending = r.pending[1:]
	return s, true, nil
}

func (r *tableHeapRun) readKeyHistory(key types.Comparable, offset int64) ([]statement.Statement, error) {
	var out []statement.Statement
	for offset != -1 {
		doc, header, err := r.table.Heap.Read(offset)
		if err != nil {
			return nil, &errors.SourceError{Err: err}
		}
		if !header.Valid {
			out = append(out, statement.Statement{Key: key, Kind: statement.Delete, LSN: header.DeleteLSN})
		}
		kind := statement.Replace
		if header.PrevOffset == -1 {
			kind = statement.Insert
		}
		var flags statement.Flags
		if header.DeferredDelete {
			flags = statement.DeferredDelete
		}
		out = append(out, statement.Statement{Key: key, Kind: kind, LSN: header.CreateLSN, Flags: flags, Payload: doc})
		offset = header.PrevOffset
	}
	return out, nil
}

// secondaryTombstoneHandler implements tombstone.Handler by pruning
// every secondary index's entry for a primary-index row that a
// deferred-delete trigger reports as overwritten. Put and
// WriteTransaction.Commit each touch only the one index named in the
// call, so overwriting a row that has a sibling index sets
// statement.DeferredDelete on the new heap record (see
// heap.RecordHeader.DeferredDelete); this handler is what later
// discharges that obligation once Compact walks the primary index's
// version chains back into statements.
type secondaryTombstoneHandler struct {
	table *Table
}

func (h *secondaryTombstoneHandler) Process(old, new statement.Statement) error {
	bsonDoc, err := decodeHeapDoc(old.Payload)
	if err != nil {
		return err
	}
	for _, idx := range h.table.GetIndicesUnsafe() {
		if !idx.Secondary {
			continue
		}
		keyVal, err := GetValueFromBson(bsonDoc, idx.Name)
		if err != nil {
			continue
		}
		idx.Tree.Remove(keyVal)
	}
	deferredTombstonesEmitted.WithLabelValues(h.table.Name).Inc()
	return nil
}

func (h *secondaryTombstoneHandler) Destroy() {}

// decodeHeapDoc parses a heap record body as BSON, falling back to JSON
// for the rare document written before the storage engine's switch to
// the binary format; the same two-attempt parse Vacuum uses.
func decodeHeapDoc(doc []byte) (bson.D, error) {
	if d, err := UnmarshalBson(doc); err == nil {
		return d, nil
	}
	if d, err := JsonToBson(string(doc)); err == nil {
		return d, nil
	}
	return nil, fmt.Errorf("failed to parse document")
}

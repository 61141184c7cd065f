package heap

import (
	"bytes"
	"testing"
)

func TestHeapManager_WriteFlagged_DeferredDelete(t *testing.T) {
	hm, basePath := newTestHeap(t)

	plainOffset, err := hm.Write([]byte("plain"), 10, -1)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	flaggedOffset, err := hm.WriteFlagged([]byte("flagged"), 11, plainOffset, true)
	if err != nil {
		t.Fatalf("WriteFlagged failed: %v", err)
	}

	_, header, err := hm.Read(plainOffset)
	if err != nil {
		t.Fatalf("Read plain failed: %v", err)
	}
	if header.DeferredDelete {
		t.Error("Plain Write should not set DeferredDelete")
	}

	doc, header, err := hm.Read(flaggedOffset)
	if err != nil {
		t.Fatalf("Read flagged failed: %v", err)
	}
	if !header.DeferredDelete {
		t.Error("WriteFlagged(deferredDelete=true) should set DeferredDelete")
	}
	if !header.Valid {
		t.Error("Flagged record should still be Valid")
	}
	if header.PrevOffset != plainOffset {
		t.Errorf("Expected PrevOffset %d, got %d", plainOffset, header.PrevOffset)
	}
	if string(doc) != "flagged" {
		t.Errorf("Expected doc %q, got %q", "flagged", string(doc))
	}
	hm.Close()

	// The flag must survive a reopen: it lives in the record's flag byte,
	// not in memory.
	hm2, err := NewHeapManager(basePath)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer hm2.Close()

	_, header, err = hm2.Read(flaggedOffset)
	if err != nil {
		t.Fatalf("Read after reopen failed: %v", err)
	}
	if !header.DeferredDelete {
		t.Error("DeferredDelete flag lost after reopen")
	}
}

func TestHeapManager_CompressedRecordRoundTrip(t *testing.T) {
	hm, _ := newTestHeap(t)
	defer hm.Close()

	// Highly repetitive and larger than the compression threshold, so the
	// record is stored compressed.
	doc := bytes.Repeat([]byte("abcdefgh"), 256)
	offset, err := hm.Write(doc, 42, -1)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, header, err := hm.Read(offset)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, doc) {
		t.Errorf("Decompressed doc mismatch: %d bytes vs %d", len(got), len(doc))
	}
	if header.CreateLSN != 42 {
		t.Errorf("Expected CreateLSN 42, got %d", header.CreateLSN)
	}

	// The record really is smaller on disk than the document.
	if hm.nextOffset-offset >= int64(EntryHeaderSize+len(doc)) {
		t.Errorf("Expected compressed record, stored size %d", hm.nextOffset-offset)
	}

	// The iterator path decompresses too.
	it, err := hm.NewIterator()
	if err != nil {
		t.Fatalf("NewIterator failed: %v", err)
	}
	defer it.Close()

	itDoc, itHeader, itOffset, err := it.Next()
	if err != nil {
		t.Fatalf("Iterator Next failed: %v", err)
	}
	if itOffset != offset {
		t.Errorf("Expected iterator offset %d, got %d", offset, itOffset)
	}
	if !bytes.Equal(itDoc, doc) {
		t.Error("Iterator returned wrong doc for compressed record")
	}
	if itHeader.CreateLSN != 42 {
		t.Errorf("Expected iterator CreateLSN 42, got %d", itHeader.CreateLSN)
	}

	// Small docs stay uncompressed and still round-trip.
	small := []byte("tiny")
	smallOffset, err := hm.Write(small, 43, -1)
	if err != nil {
		t.Fatalf("Write small failed: %v", err)
	}
	gotSmall, _, err := hm.Read(smallOffset)
	if err != nil {
		t.Fatalf("Read small failed: %v", err)
	}
	if !bytes.Equal(gotSmall, small) {
		t.Errorf("Expected %q, got %q", small, gotSmall)
	}
}

func TestHeapManager_DeletePreservesFlagBits(t *testing.T) {
	hm, _ := newTestHeap(t)
	defer hm.Close()

	flaggedOffset, err := hm.WriteFlagged([]byte("flagged row"), 7, -1, true)
	if err != nil {
		t.Fatalf("WriteFlagged failed: %v", err)
	}
	if err := hm.Delete(flaggedOffset, 9); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	_, header, err := hm.Read(flaggedOffset)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if header.Valid {
		t.Error("Expected Valid=false after delete")
	}
	if header.DeleteLSN != 9 {
		t.Errorf("Expected DeleteLSN 9, got %d", header.DeleteLSN)
	}
	if !header.DeferredDelete {
		t.Error("Delete must not clear the DeferredDelete bit")
	}

	// Same for a compressed record: the payload must still decompress
	// after the record is tombstoned.
	doc := bytes.Repeat([]byte("abcdefgh"), 256)
	compressedOffset, err := hm.Write(doc, 10, -1)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := hm.Delete(compressedOffset, 11); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got, header, err := hm.Read(compressedOffset)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if header.Valid || header.DeleteLSN != 11 {
		t.Errorf("Unexpected header after delete: %+v", header)
	}
	if !bytes.Equal(got, doc) {
		t.Errorf("Delete must not clear the Compressed bit: got %d bytes, want %d", len(got), len(doc))
	}
}

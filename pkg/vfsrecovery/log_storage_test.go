package vfsrecovery

import (
	"testing"
	"time"

	"github.com/spf13/afero"
)

func waitForSize(t *testing.T, storage *LogStorage, want int64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if storage.Size() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for persistent size %d, got %d", want, storage.Size())
}

func openTestStorage(t *testing.T, tunables Tunables) *LogStorage {
	t.Helper()
	fs := afero.NewMemMapFs()
	storage, err := OpenLogStorage(fs, "/vfs/vfslog", tunables)
	if err != nil {
		t.Fatalf("OpenLogStorage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func appendAndClose(t *testing.T, storage *LogStorage, op Operation) int64 {
	t.Helper()
	slot, err := storage.AppendReservation(op.Tag)
	if err != nil {
		t.Fatalf("AppendReservation: %v", err)
	}
	if err := slot.Close(op); err != nil {
		t.Fatalf("WriteSlot.Close: %v", err)
	}
	return slot.Position()
}

func TestLogStorageAppendAndReadAt(t *testing.T) {
	storage := openTestStorage(t, DefaultTunables())

	ops := []Operation{
		NewRecordsOperation(1, FieldParentID, 0, ResultOK),
		NewRecordsOperation(1, FieldNameID, 5, ResultOK),
		NewEventStartOperation(1700000000),
	}

	var positions []int64
	for _, op := range ops {
		positions = append(positions, appendAndClose(t, storage, op))
	}

	waitForSize(t, storage, storage.EmergingSize(), time.Second)

	for i, pos := range positions {
		res := storage.ReadAt(pos)
		if res.Outcome != OutcomeComplete {
			t.Fatalf("op %d: expected Complete, got outcome %d (%s)", i, res.Outcome, res.Cause)
		}
		if res.Op != ops[i] {
			t.Fatalf("op %d: got %+v, want %+v", i, res.Op, ops[i])
		}
	}
}

func TestLogStorageReadPrecedingMatchesReadAt(t *testing.T) {
	storage := openTestStorage(t, DefaultTunables())

	op := NewRecordsOperation(3, FieldContentID, 9, ResultOK)
	pos := appendAndClose(t, storage, op)
	dlen, _ := descriptorLen(op.Tag)
	waitForSize(t, storage, pos+int64(dlen), time.Second)

	forward := storage.ReadAt(pos)
	backward := storage.ReadPreceding(pos + int64(dlen))
	if forward.Outcome != OutcomeComplete || backward.Outcome != OutcomeComplete {
		t.Fatalf("expected both reads Complete, got forward=%d backward=%d", forward.Outcome, backward.Outcome)
	}
	if forward.Op != backward.Op {
		t.Fatalf("ReadAt and ReadPreceding disagree: %+v vs %+v", forward.Op, backward.Op)
	}
}

func TestLogStorageChunkBoundaryPadding(t *testing.T) {
	tunables := DefaultTunables()
	tunables.LogChunkSize = 24 // TagSetParentID descriptors are 11 bytes each

	storage := openTestStorage(t, tunables)

	op := NewRecordsOperation(1, FieldParentID, 0, ResultOK)
	first := appendAndClose(t, storage, op)
	second := appendAndClose(t, storage, op)
	third := appendAndClose(t, storage, op)

	if first != 0 || second != 11 {
		t.Fatalf("unexpected packing before boundary: first=%d second=%d", first, second)
	}
	if third != 24 {
		t.Fatalf("expected third descriptor pushed past the padded boundary to 24, got %d", third)
	}

	waitForSize(t, storage, third+11, time.Second)

	// The padding bytes [22,24) must read back as chunk padding, not as a
	// live descriptor: a forward iterator must skip over them silently.
	it := NewForwardIterator(storage, 0)
	count := 0
	for {
		res, ok := it.Next()
		if !ok {
			break
		}
		if res.Outcome != OutcomeComplete {
			t.Fatalf("unexpected outcome walking padded log: %d (%s)", res.Outcome, res.Cause)
		}
		count++
	}
	if it.Poisoned() {
		t.Fatalf("iterator poisoned on chunk padding: %s", it.PoisonReason())
	}
	if count != 3 {
		t.Fatalf("expected to visit 3 descriptors, saw %d", count)
	}
}

func TestLogStorageTornWriteIsIncomplete(t *testing.T) {
	storage := openTestStorage(t, DefaultTunables())

	slot, err := storage.AppendReservation(TagSetLength)
	if err != nil {
		t.Fatalf("AppendReservation: %v", err)
	}
	if err := slot.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	dlen, _ := descriptorLen(TagSetLength)
	waitForSize(t, storage, slot.Position()+int64(dlen), time.Second)

	res := storage.ReadAt(slot.Position())
	if res.Outcome != OutcomeIncomplete {
		t.Fatalf("expected Incomplete for a torn write, got %d (%s)", res.Outcome, res.Cause)
	}
	if res.Tag != TagSetLength {
		t.Fatalf("expected tag %d reported, got %d", TagSetLength, res.Tag)
	}
}

func TestLogStorageClearUpToRejectsOutOfRange(t *testing.T) {
	storage := openTestStorage(t, DefaultTunables())
	appendAndClose(t, storage, NewEventStartOperation(1))

	if err := storage.ClearUpTo(-1); err == nil {
		t.Fatal("expected ClearUpTo to reject a negative position")
	}
	if err := storage.ClearUpTo(storage.Size() + 100); err == nil {
		t.Fatal("expected ClearUpTo to reject a position beyond persistentSize")
	}
}

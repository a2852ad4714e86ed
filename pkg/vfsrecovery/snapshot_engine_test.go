package vfsrecovery

import (
	"testing"
	"time"
)

// TestSnapshotMostRecentWriteWins verifies that when a field is written
// twice, the backward walk keeps the chronologically most recent write and
// never falls through to the older one. The exceptional case is covered by
// TestSnapshotExceptionalWriteDoesNotFallThrough.
func TestSnapshotMostRecentWriteWins(t *testing.T) {
	storage := openTestStorage(t, DefaultTunables())

	appendAndClose(t, storage, NewRecordsOperation(1, FieldLength, 100, ResultOK))
	appendAndClose(t, storage, NewRecordsOperation(1, FieldLength, 200, ResultOK))
	waitForSize(t, storage, storage.EmergingSize(), time.Second)

	engine, err := NewSnapshotEngine(storage, 0)
	if err != nil {
		t.Fatalf("NewSnapshotEngine: %v", err)
	}
	snap, err := engine.BuildSnapshot(storage.Size(), NewFiller(PropLength))
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}

	v, ok := snap.Field(1, FieldLength)
	if !ok || v != 200 {
		t.Fatalf("expected most recent write (200) to win, got %d ok=%v", v, ok)
	}
}

func TestSnapshotExceptionalWriteDoesNotFallThrough(t *testing.T) {
	storage := openTestStorage(t, DefaultTunables())

	appendAndClose(t, storage, NewRecordsOperation(1, FieldLength, 100, ResultOK))
	appendAndClose(t, storage, NewRecordsOperation(1, FieldLength, 999, ResultException))
	waitForSize(t, storage, storage.EmergingSize(), time.Second)

	engine, err := NewSnapshotEngine(storage, 0)
	if err != nil {
		t.Fatalf("NewSnapshotEngine: %v", err)
	}
	snap, err := engine.BuildSnapshot(storage.Size(), NewFiller(PropLength))
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}

	if _, ok := snap.Field(1, FieldLength); ok {
		t.Fatal("an exceptional most-recent write must leave the field NotAvailable, not fall back to the older write")
	}
}

func TestSnapshotPrecededByFallsBackOnGaps(t *testing.T) {
	fresh := newVfsSnapshot()
	fresh.row(1).filled[FieldLength] = true
	fresh.row(1).fields[FieldLength] = readyValue(50)

	older := newVfsSnapshot()
	older.row(1).filled[FieldParentID] = true
	older.row(1).fields[FieldParentID] = readyValue(2)

	extended := fresh.PrecededBy(older)

	if v, ok := extended.Field(1, FieldLength); !ok || v != 50 {
		t.Fatalf("expected fresh value 50, got %d ok=%v", v, ok)
	}
	if v, ok := extended.Field(1, FieldParentID); !ok || v != 2 {
		t.Fatalf("expected fallback value 2, got %d ok=%v", v, ok)
	}
	if _, ok := extended.Field(1, FieldNameID); ok {
		t.Fatal("field absent from both snapshots must remain NotAvailable")
	}
}

func TestFillerFileRangeConstraint(t *testing.T) {
	storage := openTestStorage(t, DefaultTunables())

	appendAndClose(t, storage, NewRecordsOperation(1, FieldParentID, 0, ResultOK))
	appendAndClose(t, storage, NewRecordsOperation(50, FieldParentID, 0, ResultOK))
	waitForSize(t, storage, storage.EmergingSize(), time.Second)

	engine, err := NewSnapshotEngine(storage, 0)
	if err != nil {
		t.Fatalf("NewSnapshotEngine: %v", err)
	}
	filler := NewFiller(PropParentID).ConstrainToFileRange(1, 10)
	snap, err := engine.BuildSnapshot(storage.Size(), filler)
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}

	if _, ok := snap.Field(1, FieldParentID); !ok {
		t.Fatal("fileId 1 is inside the range constraint and should be present")
	}
	if _, ok := snap.Field(50, FieldParentID); ok {
		t.Fatal("fileId 50 is outside the range constraint and should be absent")
	}
}

// TestSnapshotCacheDoesNotAliasNamedConstraints verifies that a filler
// constrained via ConstrainToSingleFile and an unconstrained filler over
// the same properties and position never share a cached snapshot, even
// though neither sets lo/hi.
func TestSnapshotCacheDoesNotAliasNamedConstraints(t *testing.T) {
	storage := openTestStorage(t, DefaultTunables())

	appendAndClose(t, storage, NewRecordsOperation(1, FieldParentID, 5, ResultOK))
	appendAndClose(t, storage, NewRecordsOperation(2, FieldParentID, 6, ResultOK))
	waitForSize(t, storage, storage.EmergingSize(), time.Second)

	engine, err := NewSnapshotEngine(storage, 0)
	if err != nil {
		t.Fatalf("NewSnapshotEngine: %v", err)
	}

	narrow := NewFiller(PropParentID).ConstrainToSingleFile(1)
	narrowSnap, err := engine.BuildSnapshot(storage.Size(), narrow)
	if err != nil {
		t.Fatalf("BuildSnapshot(narrow): %v", err)
	}
	if _, ok := narrowSnap.Field(2, FieldParentID); ok {
		t.Fatal("single-file constrained snapshot should not contain fileId 2")
	}

	global := NewFiller(PropParentID)
	globalSnap, err := engine.BuildSnapshot(storage.Size(), global)
	if err != nil {
		t.Fatalf("BuildSnapshot(global): %v", err)
	}
	if _, ok := globalSnap.Field(2, FieldParentID); !ok {
		t.Fatal("unconstrained snapshot must not be served from the single-file constrained snapshot's cache slot")
	}
	if _, ok := globalSnap.Field(1, FieldParentID); !ok {
		t.Fatal("unconstrained snapshot should also contain fileId 1")
	}
}

func TestBuildContentSnapshotKeepsEntriesPastAGap(t *testing.T) {
	storage := openTestStorage(t, DefaultTunables())

	appendAndClose(t, storage, NewContentOperation(1, 10, ResultOK))
	appendAndClose(t, storage, NewContentOperation(2, 20, ResultException))
	appendAndClose(t, storage, NewContentOperation(3, 30, ResultOK))
	waitForSize(t, storage, storage.EmergingSize(), time.Second)

	engine, err := NewSnapshotEngine(storage, 0)
	if err != nil {
		t.Fatalf("NewSnapshotEngine: %v", err)
	}
	index, err := engine.BuildContentSnapshot()
	if err != nil {
		t.Fatalf("BuildContentSnapshot: %v", err)
	}

	if !index[1].Ready {
		t.Fatal("payload 1 should be Ready")
	}
	if index[2].Ready {
		t.Fatal("payload 2 was exceptional and should not be Ready")
	}
	if !index[3].Ready {
		t.Fatal("payload 3 should be Ready independent of payload 2's outcome")
	}
}

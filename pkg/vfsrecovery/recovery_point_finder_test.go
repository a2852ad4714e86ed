package vfsrecovery

import (
	"testing"
	"time"
)

func TestRecoveryPointFinderGeneratesEventStarts(t *testing.T) {
	storage := openTestStorage(t, DefaultTunables())

	appendAndClose(t, storage, NewEventStartOperation(100))
	appendAndClose(t, storage, NewRecordsOperation(1, FieldParentID, 0, ResultOK))
	appendAndClose(t, storage, NewEventStartOperation(200))
	waitForSize(t, storage, storage.EmergingSize(), time.Second)

	finder := NewRecoveryPointFinder(storage)
	points := finder.GenerateRecoveryPointsPriorTo(storage.Size())
	if len(points) != 2 {
		t.Fatalf("expected 2 recovery points, got %d", len(points))
	}
	// Newest first.
	if points[0].Timestamp != 200 || points[1].Timestamp != 100 {
		t.Fatalf("unexpected order/timestamps: %+v", points)
	}
}

func TestRecoveryPointFinderFindsCleanWindow(t *testing.T) {
	storage := openTestStorage(t, DefaultTunables())

	appendAndClose(t, storage, NewRecordsOperation(1, FieldParentID, 0, ResultOK))
	appendAndClose(t, storage, NewRecordsOperation(1, FieldNameID, 5, ResultException))
	appendAndClose(t, storage, NewRecordsOperation(1, FieldLength, 10, ResultOK))
	appendAndClose(t, storage, NewRecordsOperation(1, FieldFlags, 0, ResultOK))
	waitForSize(t, storage, storage.EmergingSize(), time.Second)

	finder := NewRecoveryPointFinder(storage)
	point, ok := finder.FindClosestPrecedingCleanPoint(storage.Size(), 2)
	if !ok {
		t.Fatal("expected a clean window to be found")
	}
	if point != storage.Size() {
		t.Fatalf("expected the tail itself to satisfy a 2-record clean window, got %d", point)
	}
}

func TestRecoveryPointFinderRejectsWhenNoCleanWindowExists(t *testing.T) {
	storage := openTestStorage(t, DefaultTunables())

	appendAndClose(t, storage, NewRecordsOperation(1, FieldParentID, 0, ResultException))
	waitForSize(t, storage, storage.EmergingSize(), time.Second)

	finder := NewRecoveryPointFinder(storage)
	if _, ok := finder.FindClosestPrecedingCleanPoint(storage.Size(), 5); ok {
		t.Fatal("expected no clean window to satisfy a window larger than the log")
	}
}

func TestThinOutRateLimitsByTimestamp(t *testing.T) {
	points := []RecoveryPoint{
		{Timestamp: 1000, Position: 5},
		{Timestamp: 950, Position: 4},
		{Timestamp: 100, Position: 3},
		{Timestamp: 50, Position: 2},
		{Timestamp: 0, Position: 1},
	}

	thinned := ThinOut(points, 200, 2.0)
	if len(thinned) == 0 || thinned[0].Timestamp != 1000 {
		t.Fatalf("expected the newest point to always be kept, got %+v", thinned)
	}
	for i := 1; i < len(thinned); i++ {
		if thinned[i-1].Timestamp-thinned[i].Timestamp < 200 {
			t.Fatalf("thinned points %d and %d are closer than the initial skip: %+v", i-1, i, thinned)
		}
	}
}

func TestThinOutEmptyInput(t *testing.T) {
	if got := ThinOut(nil, 0, 0); got != nil {
		t.Fatalf("expected nil for empty input, got %+v", got)
	}
}

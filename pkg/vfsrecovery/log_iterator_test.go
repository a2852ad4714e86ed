package vfsrecovery

import (
	"testing"
	"time"
)

func TestBackwardIteratorMirrorsForward(t *testing.T) {
	storage := openTestStorage(t, DefaultTunables())

	ops := []Operation{
		NewRecordsOperation(1, FieldParentID, 0, ResultOK),
		NewRecordsOperation(2, FieldNameID, 4, ResultOK),
		NewAttributesOperation(2, 3, 7, ResultOK),
		NewEventStartOperation(42),
	}
	for _, op := range ops {
		appendAndClose(t, storage, op)
	}
	waitForSize(t, storage, storage.EmergingSize(), time.Second)

	fwd := NewForwardIterator(storage, storage.StartOffset())
	var forwardOps []Operation
	for {
		res, ok := fwd.Next()
		if !ok {
			break
		}
		forwardOps = append(forwardOps, res.Op)
	}
	if len(forwardOps) != len(ops) {
		t.Fatalf("forward iterator saw %d ops, want %d", len(forwardOps), len(ops))
	}

	bwd := NewBackwardIterator(storage, storage.Size())
	var backwardOps []Operation
	for {
		res, ok := bwd.Next()
		if !ok {
			break
		}
		backwardOps = append(backwardOps, res.Op)
	}
	if len(backwardOps) != len(ops) {
		t.Fatalf("backward iterator saw %d ops, want %d", len(backwardOps), len(ops))
	}
	for i := range forwardOps {
		if forwardOps[i] != backwardOps[len(backwardOps)-1-i] {
			t.Fatalf("forward/backward order mismatch at %d: %+v vs %+v", i, forwardOps[i], backwardOps[len(backwardOps)-1-i])
		}
	}
}

func TestFilteredIteratorFastPathSkipsExcludedPayload(t *testing.T) {
	storage := openTestStorage(t, DefaultTunables())

	appendAndClose(t, storage, NewRecordsOperation(1, FieldParentID, 0, ResultOK))
	appendAndClose(t, storage, NewAttributesOperation(1, 2, 9, ResultOK))
	appendAndClose(t, storage, NewRecordsOperation(1, FieldNameID, 3, ResultOK))
	waitForSize(t, storage, storage.EmergingSize(), time.Second)

	mask := NewTagMask(TagSetParentID, TagSetNameID)
	it := NewForwardFilteredIterator(storage, storage.StartOffset(), mask)

	var outcomes []ReadOutcome
	for {
		res, ok := it.Next()
		if !ok {
			break
		}
		outcomes = append(outcomes, res.Outcome)
	}
	want := []ReadOutcome{OutcomeComplete, OutcomeIncomplete, OutcomeComplete}
	if len(outcomes) != len(want) {
		t.Fatalf("got %d outcomes, want %d", len(outcomes), len(want))
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Fatalf("outcome %d: got %d, want %d", i, outcomes[i], want[i])
		}
	}
}

func TestBackwardIteratorCrossesChunkPadding(t *testing.T) {
	tunables := DefaultTunables()
	dlen, _ := descriptorLen(TagSetParentID)
	// Sized so exactly one descriptor fits per chunk, forcing every
	// subsequent append to pad out the remainder and start a new chunk.
	tunables.LogChunkSize = int64(dlen) + 1
	storage := openTestStorage(t, tunables)

	ops := []Operation{
		NewRecordsOperation(1, FieldParentID, 0, ResultOK),
		NewRecordsOperation(2, FieldParentID, 0, ResultOK),
		NewRecordsOperation(3, FieldParentID, 0, ResultOK),
	}
	for _, op := range ops {
		appendAndClose(t, storage, op)
	}
	waitForSize(t, storage, storage.EmergingSize(), time.Second)

	bwd := NewBackwardIterator(storage, storage.Size())
	var seen []Operation
	for {
		res, ok := bwd.Next()
		if !ok {
			break
		}
		seen = append(seen, res.Op)
	}
	if bwd.Poisoned() {
		t.Fatalf("iterator poisoned crossing chunk-boundary padding: %s", bwd.PoisonReason())
	}
	if len(seen) != len(ops) {
		t.Fatalf("backward iterator saw %d ops across chunk boundaries, want %d", len(seen), len(ops))
	}
	for i := range ops {
		if seen[i] != ops[len(ops)-1-i] {
			t.Fatalf("op %d mismatch: got %+v, want %+v", i, seen[i], ops[len(ops)-1-i])
		}
	}
}

func TestIteratorPoisonsOnInvalidTag(t *testing.T) {
	storage := openTestStorage(t, DefaultTunables())
	appendAndClose(t, storage, NewRecordsOperation(1, FieldParentID, 0, ResultOK))
	waitForSize(t, storage, storage.EmergingSize(), time.Second)

	// Corrupt the tail tag byte of the single descriptor so it no longer
	// matches its head, forcing an Invalid classification.
	dlen, _ := descriptorLen(TagSetParentID)
	chunk, err := storage.getChunk(0)
	if err != nil {
		t.Fatalf("getChunk: %v", err)
	}
	if err := chunk.WriteAt([]byte{TagSetNameID}, int64(dlen-1)); err != nil {
		t.Fatalf("corrupting tail byte: %v", err)
	}

	it := NewForwardIterator(storage, 0)
	if _, ok := it.Next(); ok {
		t.Fatal("expected iterator to fail on the corrupted descriptor")
	}
	if !it.Poisoned() {
		t.Fatal("expected iterator to be poisoned after an Invalid read")
	}
	if _, ok := it.Next(); ok {
		t.Fatal("a poisoned iterator must never yield again")
	}
}

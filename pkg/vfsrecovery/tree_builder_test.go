package vfsrecovery

import (
	"testing"

	"github.com/spf13/afero"
)

func setSnapshotField(snap *VfsSnapshot, fileID uint32, field Field, value uint64) {
	r := snap.row(fileID)
	r.filled[field] = true
	r.fields[field] = readyValue(value)
}

func newTestRecordsStore(t *testing.T) *RecordsStore {
	t.Helper()
	fs := afero.NewMemMapFs()
	records, err := CreateRecordsStore(fs, "/vfs/dest", 0)
	if err != nil {
		t.Fatalf("CreateRecordsStore: %v", err)
	}
	return records
}

func TestTreeBuilderRebuildsSimpleTree(t *testing.T) {
	records := newTestRecordsStore(t)

	snap := newVfsSnapshot()
	setSnapshotField(snap, 2, FieldParentID, uint64(SuperRootFileID))
	setSnapshotField(snap, 2, FieldNameID, 10)
	setSnapshotField(snap, 3, FieldParentID, uint64(SuperRootFileID))
	setSnapshotField(snap, 3, FieldNameID, 11)
	setSnapshotField(snap, 4, FieldParentID, 3)
	setSnapshotField(snap, 4, FieldNameID, 20)

	records.SetState(2, StateInitialized)
	records.SetState(3, StateInitialized)
	records.SetState(4, StateInitialized)

	result := NewRecoveryResult()
	tb := NewTreeBuilder(snap, records, nil, result)
	connected, err := tb.Rebuild()
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	for _, id := range []uint32{SuperRootFileID, 2, 3, 4} {
		if !connected[id] {
			t.Fatalf("expected fileId %d to be connected", id)
		}
		if records.State(id) != StateConnected {
			t.Fatalf("expected fileId %d state CONNECTED, got %s", id, records.State(id))
		}
	}

	ref, ok := records.AttributeRef(SuperRootFileID, AttrKeyChildren)
	if !ok {
		t.Fatal("expected a reconstructed children attribute for the super-root")
	}
	data, err := records.Attributes.Read(ref)
	if err != nil {
		t.Fatalf("Attributes.Read: %v", err)
	}
	rootChildren, err := decodeChildrenAttribute(SuperRootFileID, data)
	if err != nil {
		t.Fatalf("decodeChildrenAttribute: %v", err)
	}
	if len(rootChildren) != 2 {
		t.Fatalf("expected 2 root children written, got %d", len(rootChildren))
	}
}

func TestTreeBuilderOrphanNeverConnects(t *testing.T) {
	records := newTestRecordsStore(t)

	snap := newVfsSnapshot()
	setSnapshotField(snap, 5, FieldParentID, 999) // parent never appears in the snapshot
	setSnapshotField(snap, 5, FieldNameID, 1)
	records.SetState(5, StateInitialized)

	result := NewRecoveryResult()
	tb := NewTreeBuilder(snap, records, nil, result)
	connected, err := tb.Rebuild()
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if connected[5] {
		t.Fatal("a record whose parent chain never reaches the super-root must not be connected")
	}
}

func TestTreeBuilderDeduplicatesByHistoricalName(t *testing.T) {
	records := newTestRecordsStore(t)

	// Two candidate children of the root share nameId 10; only fileId 2 is
	// named by the parent's historical children attribute. That attribute
	// was decoded from a source log operation, so its ref is only valid
	// against a source-side attribute store, never against the fresh
	// destination store.
	sourceAttrs, err := OpenPayloadStore(afero.NewMemMapFs(), "/vfs/source/attributes.blob", 0)
	if err != nil {
		t.Fatalf("OpenPayloadStore: %v", err)
	}
	historicalRef, err := sourceAttrs.Append(
		encodeChildrenAttribute(SuperRootFileID, []childEntry{{NameID: 10, FileID: 2}}))
	if err != nil {
		t.Fatalf("seed historical children: %v", err)
	}

	snap := newVfsSnapshot()
	snap.row(SuperRootFileID).attributes[AttrKeyChildren] = historicalRef
	setSnapshotField(snap, 2, FieldParentID, uint64(SuperRootFileID))
	setSnapshotField(snap, 2, FieldNameID, 10)
	setSnapshotField(snap, 6, FieldParentID, uint64(SuperRootFileID))
	setSnapshotField(snap, 6, FieldNameID, 10)

	records.SetState(2, StateInitialized)
	records.SetState(6, StateInitialized)

	result := NewRecoveryResult()
	tb := NewTreeBuilder(snap, records, sourceAttrs, result)
	connected, err := tb.Rebuild()
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if !connected[2] {
		t.Fatal("fileId 2 matches the historical name mapping and should survive")
	}
	if connected[6] {
		t.Fatal("fileId 6 loses the tiebreak and should not be connected")
	}
	if result.DuplicateChildrenDeduplicated != 1 {
		t.Fatalf("expected 1 deduplicated name conflict, got %d", result.DuplicateChildrenDeduplicated)
	}
}

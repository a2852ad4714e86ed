package vfsrecovery

import (
	"testing"

	"github.com/spf13/afero"
)

func TestRecordsStoreCreateRejectsExistingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	if _, err := CreateRecordsStore(fs, "/vfs/dest", 0); err != nil {
		t.Fatalf("first CreateRecordsStore: %v", err)
	}
	if _, err := CreateRecordsStore(fs, "/vfs/dest", 0); err == nil {
		t.Fatal("expected a second CreateRecordsStore at the same dir to fail")
	}
}

func TestRecordsStoreFillAndFlagRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	records, err := CreateRecordsStore(fs, "/vfs/dest", 0)
	if err != nil {
		t.Fatalf("CreateRecordsStore: %v", err)
	}

	if err := records.FillRecord(1, 1000, 512, 0, 10, SuperRootFileID); err != nil {
		t.Fatalf("FillRecord: %v", err)
	}
	records.SetContentID(1, 7)
	records.SetFlags(1, 0x1)
	got := records.AddFlags(1, 0x2)
	if got != 0x3 {
		t.Fatalf("AddFlags result = %#x, want %#x", got, 0x3)
	}

	if records.MaxFileID() != 1 {
		t.Fatalf("MaxFileID() = %d, want 1", records.MaxFileID())
	}
	if records.State(1) != StateUndefined {
		t.Fatalf("State(1) = %v, want StateUndefined before SetState", records.State(1))
	}
	records.SetState(1, StateInitialized)
	if records.State(1) != StateInitialized {
		t.Fatal("State(1) did not reflect SetState")
	}
	if records.State(99) != StateUndefined {
		t.Fatal("State() for a fileId that was never touched must be StateUndefined")
	}
}

func TestRecordsStoreAttributeRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	records, err := CreateRecordsStore(fs, "/vfs/dest", 0)
	if err != nil {
		t.Fatalf("CreateRecordsStore: %v", err)
	}

	ref, err := records.WriteAttribute(1, AttrKeyChildren, []byte("payload"))
	if err != nil {
		t.Fatalf("WriteAttribute: %v", err)
	}
	got, ok := records.AttributeRef(1, AttrKeyChildren)
	if !ok || got != ref {
		t.Fatalf("AttributeRef = %d, %v, want %d, true", got, ok, ref)
	}
	if _, ok := records.AttributeRef(1, 0xffff); ok {
		t.Fatal("expected AttributeRef for an unwritten key to report absent")
	}

	data, err := records.Attributes.Read(ref)
	if err != nil {
		t.Fatalf("Attributes.Read: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("Attributes.Read = %q, want %q", data, "payload")
	}
}

func TestRecordsStoreFlushPersistsHeaderAndRecords(t *testing.T) {
	fs := afero.NewMemMapFs()
	records, err := CreateRecordsStore(fs, "/vfs/dest", 0)
	if err != nil {
		t.Fatalf("CreateRecordsStore: %v", err)
	}

	if err := records.FillRecord(1, 12345, 256, 0x4, 10, SuperRootFileID); err != nil {
		t.Fatalf("FillRecord: %v", err)
	}
	records.SetState(1, StateConnected)
	records.PatchCreationTimestamp(999)

	if err := records.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := ReadFileRecord(fs, "/vfs/dest", 1)
	if err != nil {
		t.Fatalf("ReadFileRecord: %v", err)
	}
	if got.ParentID != SuperRootFileID || got.NameID != 10 || got.Length != 256 || got.Flags != 0x4 {
		t.Fatalf("ReadFileRecord returned %+v", got)
	}

	state, err := RecordState(fs, "/vfs/dest", 1)
	if err != nil {
		t.Fatalf("RecordState: %v", err)
	}
	if state != StateConnected {
		t.Fatalf("RecordState = %v, want StateConnected", state)
	}
}

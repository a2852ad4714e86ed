package vfsrecovery

import (
	"testing"

	"github.com/spf13/afero"
)

func TestPayloadStoreAppendReadRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := OpenPayloadStore(fs, "/vfs/content.blob", 0)
	if err != nil {
		t.Fatalf("OpenPayloadStore: %v", err)
	}
	defer store.Close()

	first, err := store.Append([]byte("hello world"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := store.Append([]byte("a second, larger payload with more bytes"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first != 1 || second != 2 {
		t.Fatalf("expected sequential refs 1, 2, got %d, %d", first, second)
	}

	got, err := store.Read(first)
	if err != nil {
		t.Fatalf("Read(first): %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("Read(first) = %q, want %q", got, "hello world")
	}

	length, err := store.Length(second)
	if err != nil {
		t.Fatalf("Length(second): %v", err)
	}
	if length != int64(len("a second, larger payload with more bytes")) {
		t.Fatalf("Length(second) = %d, want %d", length, len("a second, larger payload with more bytes"))
	}
}

func TestPayloadStoreRejectsOutOfRangeRef(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := OpenPayloadStore(fs, "/vfs/content.blob", 0)
	if err != nil {
		t.Fatalf("OpenPayloadStore: %v", err)
	}
	defer store.Close()

	if _, err := store.Read(0); err == nil {
		t.Fatal("expected an error reading ref 0")
	}
	if _, err := store.Read(99); err == nil {
		t.Fatal("expected an error reading an unallocated ref")
	}
}

func TestPayloadStoreReplaysIndexOnReopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := OpenPayloadStore(fs, "/vfs/content.blob", 0)
	if err != nil {
		t.Fatalf("OpenPayloadStore: %v", err)
	}
	ref, err := store.Append([]byte("persisted"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenPayloadStore(fs, "/vfs/content.blob", 0)
	if err != nil {
		t.Fatalf("reopen OpenPayloadStore: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Read(ref)
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if string(got) != "persisted" {
		t.Fatalf("Read after reopen = %q, want %q", got, "persisted")
	}
}

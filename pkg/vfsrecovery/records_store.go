package vfsrecovery

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// recordsHeaderSize is our on-disk header layout for the fixed-format
// "records" file (spec §6): 8 bytes magic/version, followed by the 8-byte
// creation timestamp at HeaderTimestampOffset, followed by 8 bytes holding
// the highest allocated fileId.
const recordsHeaderSize = 24
const recordsMagic uint64 = 0x5646535245434f52 // "VFSRECOR"

// onDiskRecord is the fixed-stride row format persisted per fileId.
type onDiskRecord struct {
	ParentID  uint32
	NameID    uint32
	Length    int64
	Timestamp int64
	Flags     uint32
	ContentID uint32
	State     RecoveryState
}

const recordStride = 4 + 4 + 8 + 8 + 4 + 4 + 1

// attrIndexKey packs (fileId, attrKey) into a single map key.
func attrIndexKey(fileID uint32, attrKey uint16) uint64 {
	return uint64(fileID)<<16 | uint64(attrKey)
}

// RecordsStore is the destination-side record table plus its two
// PayloadStores (content blobs and attribute blobs). RecoveryOrchestrator
// is the sole owner of a RecordsStore for the lifetime of one recovery
// pass.
type RecordsStore struct {
	dir  string
	fs   afero.Fs
	file afero.File

	mu               sync.Mutex
	records          []onDiskRecord // index 0 unused, records[fileId]
	creationTimeUnix int64

	Content    *PayloadStore
	Attributes *PayloadStore
	attrIndex  map[uint64]uint32
}

// CreateRecordsStore initializes a fresh, empty records table plus content
// and attribute payload stores at dir. dir must not already contain a
// records file. workers <= 0 falls back to DefaultPayloadCompressionWorkers.
func CreateRecordsStore(fs afero.Fs, dir string, workers int) (*RecordsStore, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create records directory: %w", err)
	}
	path := filepath.Join(dir, RecordsFileName)
	if exists, _ := afero.Exists(fs, path); exists {
		return nil, fmt.Errorf("records file already exists at %s", path)
	}
	file, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create records file: %w", err)
	}

	content, err := OpenPayloadStore(fs, filepath.Join(dir, "content.blob"), workers)
	if err != nil {
		file.Close()
		return nil, err
	}
	attrs, err := OpenPayloadStore(fs, filepath.Join(dir, "attributes.blob"), workers)
	if err != nil {
		file.Close()
		content.Close()
		return nil, err
	}

	return &RecordsStore{
		dir:        dir,
		fs:         fs,
		file:       file,
		records:    make([]onDiskRecord, 1), // fileId 0 is never used
		Content:    content,
		Attributes: attrs,
		attrIndex:  make(map[uint64]uint32),
	}, nil
}

func (rs *RecordsStore) ensure(fileID uint32) *onDiskRecord {
	if int(fileID) >= len(rs.records) {
		grown := make([]onDiskRecord, int(fileID)+1)
		copy(grown, rs.records)
		rs.records = grown
	}
	return &rs.records[fileID]
}

// MaxFileID returns the highest fileId that has ever been touched.
func (rs *RecordsStore) MaxFileID() uint32 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return uint32(len(rs.records) - 1)
}

// FillRecord writes a fully reconstructed scalar row for fileID.
func (rs *RecordsStore) FillRecord(fileID uint32, timestamp int64, length int64, flags uint32, nameID uint32, parentID uint32) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r := rs.ensure(fileID)
	r.Timestamp = timestamp
	r.Length = length
	r.Flags = flags
	r.NameID = nameID
	r.ParentID = parentID
	return nil
}

// SetContentID rebinds a record's content reference.
func (rs *RecordsStore) SetContentID(fileID uint32, contentID uint32) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.ensure(fileID).ContentID = contentID
}

// SetFlags overwrites a record's flag bitfield.
func (rs *RecordsStore) SetFlags(fileID uint32, flags uint32) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.ensure(fileID).Flags = flags
}

// AddFlags ORs bits into a record's flag bitfield and returns the result.
func (rs *RecordsStore) AddFlags(fileID uint32, flags uint32) uint32 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r := rs.ensure(fileID)
	r.Flags |= flags
	return r.Flags
}

// SetState transitions fileID's RecoveryState.
func (rs *RecordsStore) SetState(fileID uint32, state RecoveryState) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.ensure(fileID).State = state
}

// State returns fileID's current RecoveryState.
func (rs *RecordsStore) State(fileID uint32) RecoveryState {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if int(fileID) >= len(rs.records) {
		return StateUndefined
	}
	return rs.records[fileID].State
}

// AllocateContentRecordAndStore appends data to the content store and
// returns the id assigned. Stage 1 asserts this equals the loop index it
// expects, matching dense allocation.
func (rs *RecordsStore) AllocateContentRecordAndStore(data []byte) (uint32, error) {
	return rs.Content.Append(data)
}

// WriteAttribute appends data to the attribute store and records it under
// (fileId, attrKey), returning the assigned ref.
func (rs *RecordsStore) WriteAttribute(fileID uint32, attrKey uint16, data []byte) (uint32, error) {
	ref, err := rs.Attributes.Append(data)
	if err != nil {
		return 0, err
	}
	rs.mu.Lock()
	rs.attrIndex[attrIndexKey(fileID, attrKey)] = ref
	rs.mu.Unlock()
	return ref, nil
}

// AttributeRef looks up a previously written attribute ref.
func (rs *RecordsStore) AttributeRef(fileID uint32, attrKey uint16) (uint32, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	ref, ok := rs.attrIndex[attrIndexKey(fileID, attrKey)]
	return ref, ok
}

// PatchCreationTimestamp copies the source VFS's creation timestamp into
// this store's header, preserving VFS identity across the swap.
func (rs *RecordsStore) PatchCreationTimestamp(ts int64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.creationTimeUnix = ts
}

// Flush persists the header, the full record table, and the attribute
// index to disk, and flushes both payload stores.
func (rs *RecordsStore) Flush() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	header := make([]byte, recordsHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], recordsMagic)
	binary.LittleEndian.PutUint64(header[HeaderTimestampOffset:HeaderTimestampOffset+HeaderTimestampSize], uint64(rs.creationTimeUnix))
	binary.LittleEndian.PutUint64(header[16:24], uint64(len(rs.records)-1))

	if _, err := rs.file.WriteAt(header, 0); err != nil {
		return fmt.Errorf("failed to write records header: %w", err)
	}

	buf := make([]byte, recordStride)
	for id := 1; id < len(rs.records); id++ {
		r := rs.records[id]
		binary.LittleEndian.PutUint32(buf[0:4], r.ParentID)
		binary.LittleEndian.PutUint32(buf[4:8], r.NameID)
		binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Length))
		binary.LittleEndian.PutUint64(buf[16:24], uint64(r.Timestamp))
		binary.LittleEndian.PutUint32(buf[24:28], r.Flags)
		binary.LittleEndian.PutUint32(buf[28:32], r.ContentID)
		buf[32] = byte(r.State)
		offset := int64(recordsHeaderSize) + int64(id-1)*int64(recordStride)
		if _, err := rs.file.WriteAt(buf, offset); err != nil {
			return fmt.Errorf("failed to write record %d: %w", id, err)
		}
	}

	if err := rs.writeAttrIndexLocked(); err != nil {
		return err
	}
	if err := rs.Content.Close(); err != nil {
		return fmt.Errorf("failed to close content store: %w", err)
	}
	if err := rs.Attributes.Close(); err != nil {
		return fmt.Errorf("failed to close attribute store: %w", err)
	}
	return rs.file.Close()
}

func (rs *RecordsStore) writeAttrIndexLocked() error {
	path := filepath.Join(rs.dir, "attributes.index")
	buf := make([]byte, 0, len(rs.attrIndex)*12)
	entry := make([]byte, 12)
	for key, ref := range rs.attrIndex {
		binary.LittleEndian.PutUint64(entry[0:8], key)
		binary.LittleEndian.PutUint32(entry[8:12], ref)
		buf = append(buf, entry...)
	}
	if err := afero.WriteFile(rs.fs, path, buf, 0644); err != nil {
		return fmt.Errorf("failed to write attribute index: %w", err)
	}
	return nil
}

package vfsrecovery

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// FileRecord is the central per-file entity, identified by a dense,
// monotonically allocated fileId >= 1. FileID 1 is the reserved
// super-root (spec §3).
type FileRecord struct {
	FileID    uint32
	ParentID  uint32 // 0 means "super-root's child set"
	NameID    uint32
	Length    int64
	Timestamp int64
	Flags     uint32
	ContentID uint32 // 0 = no content

	// Attributes maps an enumerated attribute key to a PayloadStore handle.
	Attributes map[uint16]uint32
}

// IsFree reports whether FlagFreeRecord is set.
func (r *FileRecord) IsFree() bool {
	return r.Flags&FlagFreeRecord != 0
}

// NewFileRecord returns a zero-value record for fileID with an initialized
// attribute map.
func NewFileRecord(fileID uint32) *FileRecord {
	return &FileRecord{FileID: fileID, Attributes: make(map[uint16]uint32)}
}

// ReadFileRecord loads a single record out of a finished RecordsStore
// directory without opening it for writing, for read-only inspection tools.
func ReadFileRecord(fs afero.Fs, dir string, fileID uint32) (*FileRecord, error) {
	if fileID == 0 {
		return nil, fmt.Errorf("fileId 0 is never allocated")
	}

	f, err := fs.Open(filepath.Join(dir, RecordsFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open records file: %w", err)
	}
	defer f.Close()

	offset := int64(recordsHeaderSize) + int64(fileID-1)*int64(recordStride)
	buf := make([]byte, recordStride)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("failed to read record %d: %w", fileID, err)
	}

	r := NewFileRecord(fileID)
	r.ParentID = binary.LittleEndian.Uint32(buf[0:4])
	r.NameID = binary.LittleEndian.Uint32(buf[4:8])
	r.Length = int64(binary.LittleEndian.Uint64(buf[8:16]))
	r.Timestamp = int64(binary.LittleEndian.Uint64(buf[16:24]))
	r.Flags = binary.LittleEndian.Uint32(buf[24:28])
	r.ContentID = binary.LittleEndian.Uint32(buf[28:32])

	index, err := readAttributeIndex(fs, dir)
	if err != nil {
		return nil, err
	}
	for key, ref := range index {
		if key>>16 == uint64(fileID) {
			r.Attributes[uint16(key&0xffff)] = ref
		}
	}
	return r, nil
}

// RecordState reads fileID's persisted RecoveryState out of a finished
// records file.
func RecordState(fs afero.Fs, dir string, fileID uint32) (RecoveryState, error) {
	if fileID == 0 {
		return StateUndefined, fmt.Errorf("fileId 0 is never allocated")
	}
	f, err := fs.Open(filepath.Join(dir, RecordsFileName))
	if err != nil {
		return StateUndefined, fmt.Errorf("failed to open records file: %w", err)
	}
	defer f.Close()

	offset := int64(recordsHeaderSize) + int64(fileID-1)*int64(recordStride) + int64(recordStride-1)
	var buf [1]byte
	if _, err := f.ReadAt(buf[:], offset); err != nil {
		return StateUndefined, fmt.Errorf("failed to read state for record %d: %w", fileID, err)
	}
	return RecoveryState(buf[0]), nil
}

// readAttributeIndex loads the (fileId<<16|attrKey) -> payloadRef index
// written by RecordsStore.Flush.
func readAttributeIndex(fs afero.Fs, dir string) (map[uint64]uint32, error) {
	data, err := afero.ReadFile(fs, filepath.Join(dir, "attributes.index"))
	if err != nil {
		return nil, fmt.Errorf("failed to read attribute index: %w", err)
	}
	const entrySize = 12
	index := make(map[uint64]uint32, len(data)/entrySize)
	for off := 0; off+entrySize <= len(data); off += entrySize {
		key := binary.LittleEndian.Uint64(data[off : off+8])
		ref := binary.LittleEndian.Uint32(data[off+8 : off+12])
		index[key] = ref
	}
	return index, nil
}

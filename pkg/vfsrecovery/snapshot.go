package vfsrecovery

import (
	"encoding/binary"
	"fmt"
)

// PropertyState is Ready(value) | NotAvailable(cause) for a single property
// query (spec §3).
type PropertyState uint8

const (
	StateNotAvailable PropertyState = iota
	StateReady
)

type propertyValue struct {
	state PropertyState
	value uint64
	cause string
}

func readyValue(v uint64) propertyValue {
	return propertyValue{state: StateReady, value: v}
}

func notAvailable(cause string) propertyValue {
	return propertyValue{state: StateNotAvailable, cause: cause}
}

// fileRow is the lazily filled arena slot for one fileId. seen[field]
// records that the most recent (chronologically, since the walk runs
// backward) write to that field has already been resolved — whether it
// landed Ready or NotAvailable because that write was exceptional — so an
// older successful write for the same field is correctly ignored.
type fileRow struct {
	fields     [6]propertyValue // indexed by Field
	filled     [6]bool
	seen       [6]bool
	attributes map[uint16]uint32
	attrSeen   map[uint16]bool
}

func newFileRow() *fileRow {
	return &fileRow{attributes: make(map[uint16]uint32), attrSeen: make(map[uint16]bool)}
}

// VfsSnapshot is a lazily computed, immutable view of per-file state at a
// fixed log position, produced by a single SnapshotEngine backward pass.
type VfsSnapshot struct {
	rows map[uint32]*fileRow
}

func newVfsSnapshot() *VfsSnapshot {
	return &VfsSnapshot{rows: make(map[uint32]*fileRow)}
}

func (s *VfsSnapshot) row(fileID uint32) *fileRow {
	r, ok := s.rows[fileID]
	if !ok {
		r = newFileRow()
		s.rows[fileID] = r
	}
	return r
}

// Field returns the (state, value) pair for a fileId's scalar field.
func (s *VfsSnapshot) Field(fileID uint32, field Field) (uint64, bool) {
	r, ok := s.rows[fileID]
	if !ok || !r.filled[field] || r.fields[field].state != StateReady {
		return 0, false
	}
	return r.fields[field].value, true
}

// Attribute returns the payload ref stored for (fileId, attrKey).
func (s *VfsSnapshot) Attribute(fileID uint32, attrKey uint16) (uint32, bool) {
	r, ok := s.rows[fileID]
	if !ok {
		return 0, false
	}
	ref, ok := r.attributes[attrKey]
	return ref, ok
}

// AttributeKeys returns every attribute key resolved for fileID.
func (s *VfsSnapshot) AttributeKeys(fileID uint32) []uint16 {
	r, ok := s.rows[fileID]
	if !ok {
		return nil
	}
	keys := make([]uint16, 0, len(r.attributes))
	for k := range r.attributes {
		keys = append(keys, k)
	}
	return keys
}

// FileIDs returns every fileId this snapshot pass encountered.
func (s *VfsSnapshot) FileIDs() []uint32 {
	ids := make([]uint32, 0, len(s.rows))
	for id := range s.rows {
		ids = append(ids, id)
	}
	return ids
}

// AllReady reports whether every field in want is Ready for fileID.
func (s *VfsSnapshot) AllReady(fileID uint32, want PropertySet) bool {
	if want&PropParentID != 0 {
		if _, ok := s.Field(fileID, FieldParentID); !ok {
			return false
		}
	}
	if want&PropNameID != 0 {
		if _, ok := s.Field(fileID, FieldNameID); !ok {
			return false
		}
	}
	if want&PropLength != 0 {
		if _, ok := s.Field(fileID, FieldLength); !ok {
			return false
		}
	}
	if want&PropTimestamp != 0 {
		if _, ok := s.Field(fileID, FieldTimestamp); !ok {
			return false
		}
	}
	if want&PropFlags != 0 {
		if _, ok := s.Field(fileID, FieldFlags); !ok {
			return false
		}
	}
	if want&PropContentID != 0 {
		if _, ok := s.Field(fileID, FieldContentID); !ok {
			return false
		}
	}
	return true
}

// ExtendedVfsSnapshot composes a fresher snapshot with an older fallback:
// any NotAvailable query on the fresh side falls through to the fallback
// (spec §4.3's precededBy).
type ExtendedVfsSnapshot struct {
	fresh    *VfsSnapshot
	fallback *VfsSnapshot
}

// PrecededBy returns a view of s whose gaps are filled from older.
func (s *VfsSnapshot) PrecededBy(older *VfsSnapshot) *ExtendedVfsSnapshot {
	return &ExtendedVfsSnapshot{fresh: s, fallback: older}
}

func (e *ExtendedVfsSnapshot) Field(fileID uint32, field Field) (uint64, bool) {
	if v, ok := e.fresh.Field(fileID, field); ok {
		return v, true
	}
	if e.fallback == nil {
		return 0, false
	}
	return e.fallback.Field(fileID, field)
}

func (e *ExtendedVfsSnapshot) Attribute(fileID uint32, attrKey uint16) (uint32, bool) {
	if v, ok := e.fresh.Attribute(fileID, attrKey); ok {
		return v, true
	}
	if e.fallback == nil {
		return 0, false
	}
	return e.fallback.Attribute(fileID, attrKey)
}

// --- Children attribute wire format -----------------------------------
//
// The children list of a parent (including the super-root) is stored as
// an attribute payload under AttrKeyChildren: an optional single version
// byte (always 1 here), a varint count, then delta-compressed
// (nameId, fileId) pairs. The first pair's deltas are relative to the
// parent's own fileId; each subsequent pair's deltas are relative to the
// previous pair, so both columns are recoverable as running sums.

const childrenAttrVersion byte = 1

func encodeChildrenAttribute(parentID uint32, children []childEntry) []byte {
	buf := make([]byte, 0, 1+binary.MaxVarintLen64+len(children)*2*binary.MaxVarintLen64)
	buf = append(buf, childrenAttrVersion)

	countBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(countBuf, uint64(len(children)))
	buf = append(buf, countBuf[:n]...)

	prevName, prevFile := uint64(parentID), uint64(parentID)
	varintBuf := make([]byte, binary.MaxVarintLen64)
	for _, c := range children {
		nameDelta := zigzagEncode(int64(c.NameID) - int64(prevName))
		fileDelta := zigzagEncode(int64(c.FileID) - int64(prevFile))

		n := binary.PutUvarint(varintBuf, nameDelta)
		buf = append(buf, varintBuf[:n]...)
		n = binary.PutUvarint(varintBuf, fileDelta)
		buf = append(buf, varintBuf[:n]...)

		prevName, prevFile = uint64(c.NameID), uint64(c.FileID)
	}
	return buf
}

func decodeChildrenAttribute(parentID uint32, data []byte) ([]childEntry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] != childrenAttrVersion {
		return nil, fmt.Errorf("unsupported children attribute version %d", data[0])
	}
	rest := data[1:]

	count, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("truncated children attribute count")
	}
	rest = rest[n:]

	out := make([]childEntry, 0, count)
	prevName, prevFile := int64(parentID), int64(parentID)
	for i := uint64(0); i < count; i++ {
		nameDelta, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("truncated children attribute at entry %d", i)
		}
		rest = rest[n:]
		fileDelta, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("truncated children attribute at entry %d", i)
		}
		rest = rest[n:]

		prevName += zigzagDecode(nameDelta)
		prevFile += zigzagDecode(fileDelta)
		out = append(out, childEntry{NameID: uint32(prevName), FileID: uint32(prevFile)})
	}
	return out, nil
}

func zigzagEncode(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func zigzagDecode(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

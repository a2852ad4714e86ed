package vfsrecovery

import "fmt"

// OperationResult marks whether an operation completed as intended or the
// source operation raised an exception. Exceptional operations are skipped
// by every snapshot filler (spec §3).
type OperationResult uint8

const (
	ResultOK OperationResult = iota
	ResultException
)

func (r OperationResult) String() string {
	if r == ResultException {
		return "exception"
	}
	return "ok"
}

// Field names a FileRecord scalar property mutated by a RecordsOperation.
type Field uint8

const (
	FieldParentID Field = iota
	FieldNameID
	FieldLength
	FieldTimestamp
	FieldFlags
	FieldContentID
)

func (f Field) String() string {
	switch f {
	case FieldParentID:
		return "parentId"
	case FieldNameID:
		return "nameId"
	case FieldLength:
		return "length"
	case FieldTimestamp:
		return "timestamp"
	case FieldFlags:
		return "flags"
	case FieldContentID:
		return "contentId"
	default:
		return "unknown"
	}
}

func fieldForTag(tag uint8) (Field, bool) {
	switch tag {
	case TagSetParentID:
		return FieldParentID, true
	case TagSetNameID:
		return FieldNameID, true
	case TagSetLength:
		return FieldLength, true
	case TagSetTimestamp:
		return FieldTimestamp, true
	case TagSetFlags:
		return FieldFlags, true
	case TagSetContentID:
		return FieldContentID, true
	default:
		return 0, false
	}
}

// Operation is the decoded form of a single log descriptor. Exactly one of
// the typed fields is meaningful, selected by Tag.
type Operation struct {
	Tag    uint8
	Result OperationResult

	// RecordsOperation
	FileID   uint32
	Field    Field
	NewValue uint64 // parentId/nameId/flags/contentId use the low 32 bits; length/timestamp use all 64

	// AttributesOperation
	AttrKey    uint16
	PayloadRef uint32

	// ContentOperation
	ContentLength uint32

	// VFileEventOperation.EventStart
	Timestamp int64
}

func (op Operation) String() string {
	switch op.Tag {
	case TagSetParentID, TagSetNameID, TagSetLength, TagSetTimestamp, TagSetFlags, TagSetContentID:
		return fmt.Sprintf("Records(file=%d %s=%d result=%s)", op.FileID, op.Field, op.NewValue, op.Result)
	case TagSetAttribute:
		return fmt.Sprintf("Attribute(file=%d key=%d payload=%d result=%s)", op.FileID, op.AttrKey, op.PayloadRef, op.Result)
	case TagAppendContent:
		return fmt.Sprintf("Content(payload=%d len=%d result=%s)", op.PayloadRef, op.ContentLength, op.Result)
	case TagEventStart:
		return fmt.Sprintf("EventStart(ts=%d)", op.Timestamp)
	default:
		return fmt.Sprintf("Unknown(tag=%d)", op.Tag)
	}
}

// NewRecordsOperation builds a RecordsOperation descriptor for the given
// field. Length and Timestamp use the full 64-bit NewValue; the others use
// the low 32 bits.
func NewRecordsOperation(fileID uint32, field Field, newValue uint64, result OperationResult) Operation {
	return Operation{Tag: tagForField(field), FileID: fileID, Field: field, NewValue: newValue, Result: result}
}

func tagForField(field Field) uint8 {
	switch field {
	case FieldParentID:
		return TagSetParentID
	case FieldNameID:
		return TagSetNameID
	case FieldLength:
		return TagSetLength
	case FieldTimestamp:
		return TagSetTimestamp
	case FieldFlags:
		return TagSetFlags
	case FieldContentID:
		return TagSetContentID
	default:
		return InvalidTag
	}
}

// NewAttributesOperation builds an AttributesOperation descriptor.
func NewAttributesOperation(fileID uint32, attrKey uint16, payloadRef uint32, result OperationResult) Operation {
	return Operation{Tag: TagSetAttribute, FileID: fileID, AttrKey: attrKey, PayloadRef: payloadRef, Result: result}
}

// NewContentOperation builds a ContentOperation descriptor referencing a
// blob already appended to a PayloadStore.
func NewContentOperation(payloadRef uint32, length uint32, result OperationResult) Operation {
	return Operation{Tag: TagAppendContent, PayloadRef: payloadRef, ContentLength: length, Result: result}
}

// NewEventStartOperation builds a VFileEventOperation.EventStart descriptor.
func NewEventStartOperation(timestamp int64) Operation {
	return Operation{Tag: TagEventStart, Timestamp: timestamp}
}

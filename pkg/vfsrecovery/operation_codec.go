package vfsrecovery

import (
	"encoding/binary"
	"fmt"
)

// descriptorPayloadLen returns the payload length (excluding the two
// framing tag bytes) for a given tag. The descriptor length is fully
// determined by the tag (spec §4.1).
func descriptorPayloadLen(tag uint8) (int, bool) {
	switch tag {
	case TagSetParentID, TagSetNameID, TagSetFlags, TagSetContentID:
		return 9, true // fileId(4) + value(4) + result(1)
	case TagSetLength, TagSetTimestamp:
		return 13, true // fileId(4) + value(8) + result(1)
	case TagSetAttribute:
		return 11, true // fileId(4) + attrKey(2) + payloadRef(4) + result(1)
	case TagAppendContent:
		return 9, true // payloadRef(4) + length(4) + result(1)
	case TagEventStart:
		return 8, true // timestamp(8)
	default:
		return 0, false
	}
}

// descriptorLen is the total on-disk size of a descriptor for tag,
// including both framing tag bytes.
func descriptorLen(tag uint8) (int, bool) {
	n, ok := descriptorPayloadLen(tag)
	if !ok {
		return 0, false
	}
	return n + 2, true
}

// encodePayload serializes op's payload (without framing bytes).
func encodePayload(op Operation) ([]byte, error) {
	n, ok := descriptorPayloadLen(op.Tag)
	if !ok {
		return nil, fmt.Errorf("encodePayload: unknown tag %d", op.Tag)
	}
	buf := make([]byte, n)

	switch op.Tag {
	case TagSetParentID, TagSetNameID, TagSetFlags, TagSetContentID:
		binary.LittleEndian.PutUint32(buf[0:4], op.FileID)
		binary.LittleEndian.PutUint32(buf[4:8], uint32(op.NewValue))
		buf[8] = byte(op.Result)
	case TagSetLength, TagSetTimestamp:
		binary.LittleEndian.PutUint32(buf[0:4], op.FileID)
		binary.LittleEndian.PutUint64(buf[4:12], op.NewValue)
		buf[12] = byte(op.Result)
	case TagSetAttribute:
		binary.LittleEndian.PutUint32(buf[0:4], op.FileID)
		binary.LittleEndian.PutUint16(buf[4:6], op.AttrKey)
		binary.LittleEndian.PutUint32(buf[6:10], op.PayloadRef)
		buf[10] = byte(op.Result)
	case TagAppendContent:
		binary.LittleEndian.PutUint32(buf[0:4], op.PayloadRef)
		binary.LittleEndian.PutUint32(buf[4:8], op.ContentLength)
		buf[8] = byte(op.Result)
	case TagEventStart:
		binary.LittleEndian.PutUint64(buf[0:8], uint64(op.Timestamp))
	default:
		return nil, fmt.Errorf("encodePayload: unknown tag %d", op.Tag)
	}
	return buf, nil
}

// decodePayload deserializes a tag's payload bytes into an Operation. The
// caller has already validated payload's length against
// descriptorPayloadLen(tag).
func decodePayload(tag uint8, payload []byte) (Operation, error) {
	op := Operation{Tag: tag}

	switch tag {
	case TagSetParentID, TagSetNameID, TagSetFlags, TagSetContentID:
		field, ok := fieldForTag(tag)
		if !ok {
			return Operation{}, fmt.Errorf("decodePayload: no field for tag %d", tag)
		}
		op.Field = field
		op.FileID = binary.LittleEndian.Uint32(payload[0:4])
		op.NewValue = uint64(binary.LittleEndian.Uint32(payload[4:8]))
		op.Result = OperationResult(payload[8])
	case TagSetLength, TagSetTimestamp:
		field, ok := fieldForTag(tag)
		if !ok {
			return Operation{}, fmt.Errorf("decodePayload: no field for tag %d", tag)
		}
		op.Field = field
		op.FileID = binary.LittleEndian.Uint32(payload[0:4])
		op.NewValue = binary.LittleEndian.Uint64(payload[4:12])
		op.Result = OperationResult(payload[12])
	case TagSetAttribute:
		op.FileID = binary.LittleEndian.Uint32(payload[0:4])
		op.AttrKey = binary.LittleEndian.Uint16(payload[4:6])
		op.PayloadRef = binary.LittleEndian.Uint32(payload[6:10])
		op.Result = OperationResult(payload[10])
	case TagAppendContent:
		op.PayloadRef = binary.LittleEndian.Uint32(payload[0:4])
		op.ContentLength = binary.LittleEndian.Uint32(payload[4:8])
		op.Result = OperationResult(payload[8])
	case TagEventStart:
		op.Timestamp = int64(binary.LittleEndian.Uint64(payload[0:8]))
	default:
		return Operation{}, fmt.Errorf("decodePayload: unknown tag %d", tag)
	}
	return op, nil
}

// encodeDescriptor produces the full on-disk descriptor bytes for op:
// tag | payload | tag.
func encodeDescriptor(op Operation) ([]byte, error) {
	payload, err := encodePayload(op)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(payload)+2)
	out[0] = op.Tag
	copy(out[1:], payload)
	out[len(out)-1] = op.Tag
	return out, nil
}

// tornDescriptor produces the bytes an appender writes when it fails
// mid-serialization: head is the negative (two's-complement) encoding of
// tag, tail is the positive tag, middle bytes are left as whatever the
// buffer already held (zero-valued here, since it is indeterminate by
// definition).
func tornDescriptor(tag uint8) ([]byte, error) {
	n, ok := descriptorPayloadLen(tag)
	if !ok {
		return nil, fmt.Errorf("tornDescriptor: unknown tag %d", tag)
	}
	out := make([]byte, n+2)
	out[0] = byte(-int8(tag))
	out[len(out)-1] = tag
	return out, nil
}

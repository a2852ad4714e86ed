package vfsrecovery

import "testing"

func TestEncodeDecodeDescriptorRoundTrip(t *testing.T) {
	cases := []Operation{
		NewRecordsOperation(7, FieldParentID, 3, ResultOK),
		NewRecordsOperation(7, FieldLength, 1<<40, ResultOK),
		NewRecordsOperation(7, FieldTimestamp, 1700000000, ResultException),
		NewAttributesOperation(9, 4, 12, ResultOK),
		NewContentOperation(5, 4096, ResultOK),
		NewEventStartOperation(1700000001),
	}

	for _, op := range cases {
		t.Run(op.String(), func(t *testing.T) {
			data, err := encodeDescriptor(op)
			if err != nil {
				t.Fatalf("encodeDescriptor: %v", err)
			}
			dlen, ok := descriptorLen(op.Tag)
			if !ok || len(data) != dlen {
				t.Fatalf("expected descriptor length %d, got %d", dlen, len(data))
			}
			if data[0] != op.Tag || data[len(data)-1] != op.Tag {
				t.Fatalf("framing bytes not both tag %d: head=%d tail=%d", op.Tag, data[0], data[len(data)-1])
			}
			decoded, err := decodePayload(op.Tag, data[1:len(data)-1])
			if err != nil {
				t.Fatalf("decodePayload: %v", err)
			}
			if decoded != op {
				t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, op)
			}
		})
	}
}

func TestTornDescriptorEncoding(t *testing.T) {
	data, err := tornDescriptor(TagSetLength)
	if err != nil {
		t.Fatalf("tornDescriptor: %v", err)
	}
	if int8(data[0]) >= 0 {
		t.Fatalf("expected negative head byte, got %d", int8(data[0]))
	}
	if uint8(-int8(data[0])) != TagSetLength {
		t.Fatalf("head byte does not encode tag: got %d", data[0])
	}
	if data[len(data)-1] != TagSetLength {
		t.Fatalf("tail byte should carry the plain tag, got %d", data[len(data)-1])
	}
}

func TestDescriptorLenUnknownTag(t *testing.T) {
	if _, ok := descriptorLen(InvalidTag); ok {
		t.Fatal("InvalidTag should have no descriptor length")
	}
	if _, ok := descriptorLen(MaxTag + 1); ok {
		t.Fatal("out-of-range tag should have no descriptor length")
	}
}

package vfsrecovery

import "fmt"

// PropertySet selects which FileRecord fields a Filler reconstructs.
type PropertySet uint16

const (
	PropParentID PropertySet = 1 << iota
	PropNameID
	PropLength
	PropTimestamp
	PropFlags
	PropContentID
	PropAttributes
)

// AllScalarProperties selects every FileRecord scalar field.
const AllScalarProperties = PropParentID | PropNameID | PropLength | PropTimestamp | PropFlags | PropContentID

func propertyForField(f Field) PropertySet {
	switch f {
	case FieldParentID:
		return PropParentID
	case FieldNameID:
		return PropNameID
	case FieldLength:
		return PropLength
	case FieldTimestamp:
		return PropTimestamp
	case FieldFlags:
		return PropFlags
	case FieldContentID:
		return PropContentID
	default:
		return 0
	}
}

func (p PropertySet) tagMask() TagMask {
	var m TagMask
	if p&PropParentID != 0 {
		m |= NewTagMask(TagSetParentID)
	}
	if p&PropNameID != 0 {
		m |= NewTagMask(TagSetNameID)
	}
	if p&PropLength != 0 {
		m |= NewTagMask(TagSetLength)
	}
	if p&PropTimestamp != 0 {
		m |= NewTagMask(TagSetTimestamp)
	}
	if p&PropFlags != 0 {
		m |= NewTagMask(TagSetFlags)
	}
	if p&PropContentID != 0 {
		m |= NewTagMask(TagSetContentID)
	}
	if p&PropAttributes != 0 {
		m |= NewTagMask(TagSetAttribute)
	}
	return m
}

// FillMode distinguishes how a Filler treats repeated writes to the same
// (fileId, property) pair. Both modes agree on a single backward pass
// (the first non-exceptional write encountered, chronologically the most
// recent, wins). Sum keeps ModeAccumulate when either side carries it, but
// no snapshot walk reads Mode, so both modes produce identical snapshots.
type FillMode uint8

const (
	ModeOverwrite FillMode = iota
	ModeAccumulate
)

// OperationConstraint is a predicate deciding whether an operation
// contributes to a snapshot pass.
type OperationConstraint func(op Operation) bool

// Filler is the composition of a property selection, a constraint, and a
// fill mode (spec §4.3). Fillers are immutable value objects; Sum and
// Constrain return new values.
type Filler struct {
	Properties PropertySet
	Mode       FillMode
	constraint OperationConstraint

	// tag identifies the chain of constraints narrowing this filler. The
	// constraint closure itself can't be compared or hashed, so tag is
	// what SnapshotEngine's cache key relies on to tell two differently
	// constrained fillers apart; "" means unconstrained.
	tag string

	// lo/hi cache a FileRangeConstraint's bounds, when present, so callers
	// can inspect a filler's effective fileId range without re-walking the
	// log. A zero lo and hi means "no range constraint applied" and is
	// treated as the unrestricted range.
	lo, hi uint32
}

// NewFiller lifts a property selection into a Filler with no constraint.
func NewFiller(props PropertySet) Filler {
	return Filler{Properties: props, Mode: ModeOverwrite, constraint: func(Operation) bool { return true }}
}

// Sum returns the union of two fillers: their property sets are OR'd and
// an operation contributes if either side's constraint matches it.
func (f Filler) Sum(other Filler) Filler {
	mode := f.Mode
	if other.Mode == ModeAccumulate {
		mode = ModeAccumulate
	}
	fc, oc := f.constraint, other.constraint
	return Filler{
		Properties: f.Properties | other.Properties,
		Mode:       mode,
		constraint: func(op Operation) bool { return fc(op) || oc(op) },
		tag:        sumTag(f.tag, other.tag),
	}
}

func sumTag(a, b string) string {
	if a == "" && b == "" {
		return ""
	}
	return fmt.Sprintf("sum(%s,%s)", tagOrWildcard(a), tagOrWildcard(b))
}

func tagOrWildcard(tag string) string {
	if tag == "" {
		return "*"
	}
	return tag
}

// Constrain narrows the filler to operations also matching pred. tag
// identifies pred for cache-key purposes; two constraints built from
// distinct tags are never treated as equivalent, even if their properties
// and lo/hi happen to coincide.
func (f Filler) Constrain(pred OperationConstraint, tag string) Filler {
	prev := f.constraint
	combined := tag
	if f.tag != "" {
		combined = f.tag + "&" + tag
	}
	return Filler{
		Properties: f.Properties,
		Mode:       f.Mode,
		constraint: func(op Operation) bool { return prev(op) && pred(op) },
		tag:        combined,
		lo:         f.lo,
		hi:         f.hi,
	}
}

// ConstrainToFileRange is Constrain(FileRangeConstraint(lo, hi)) plus the
// range hint SnapshotEngine and other callers can inspect directly.
func (f Filler) ConstrainToFileRange(lo, hi uint32) Filler {
	c := f.Constrain(FileRangeConstraint(lo, hi), fmt.Sprintf("range(%d,%d)", lo, hi))
	c.lo, c.hi = lo, hi
	return c
}

// ConstrainToSuperRoot restricts the filler to the super-root record.
func (f Filler) ConstrainToSuperRoot() Filler {
	return f.Constrain(SuperRootConstraint(), "superRoot")
}

// ConstrainToSingleFile restricts the filler to a single fileId.
func (f Filler) ConstrainToSingleFile(fileID uint32) Filler {
	return f.Constrain(SingleFileConstraint(fileID), fmt.Sprintf("file(%d)", fileID))
}

// ConstrainToAttributeKey restricts an attributes filler to a single
// enumerated attribute key.
func (f Filler) ConstrainToAttributeKey(key uint16) Filler {
	return f.Constrain(AttributeKeyConstraint(key), fmt.Sprintf("attrKey(%d)", key))
}

// WithMode returns a copy of f using the given fill mode.
func (f Filler) WithMode(mode FillMode) Filler {
	return Filler{Properties: f.Properties, Mode: mode, constraint: f.constraint, tag: f.tag, lo: f.lo, hi: f.hi}
}

// Matches reports whether op contributes to this filler's snapshot pass.
func (f Filler) Matches(op Operation) bool {
	if f.constraint == nil {
		return true
	}
	return f.constraint(op)
}

// TagMask returns the combined mask of tags this filler's properties can
// ever consume, used to drive a filtered LogIterator.
func (f Filler) TagMask() TagMask {
	return f.Properties.tagMask()
}

// FileRangeConstraint restricts a filler to operations whose fileId falls
// in [lo, hi], inclusive. ContentOperation and EventStart carry no fileId
// and never match.
func FileRangeConstraint(lo, hi uint32) OperationConstraint {
	return func(op Operation) bool {
		fileID, ok := operationFileID(op)
		if !ok {
			return false
		}
		return fileID >= lo && fileID <= hi
	}
}

// SuperRootConstraint restricts a filler to operations targeting the
// super-root record.
func SuperRootConstraint() OperationConstraint {
	return func(op Operation) bool {
		fileID, ok := operationFileID(op)
		return ok && fileID == SuperRootFileID
	}
}

// SingleFileConstraint restricts a filler to operations targeting fileID.
func SingleFileConstraint(fileID uint32) OperationConstraint {
	return func(op Operation) bool {
		id, ok := operationFileID(op)
		return ok && id == fileID
	}
}

// AttributeKeyConstraint restricts an attributes filler to a single
// enumerated attribute key.
func AttributeKeyConstraint(key uint16) OperationConstraint {
	return func(op Operation) bool {
		return op.Tag == TagSetAttribute && op.AttrKey == key
	}
}

func operationFileID(op Operation) (uint32, bool) {
	switch op.Tag {
	case TagSetParentID, TagSetNameID, TagSetLength, TagSetTimestamp, TagSetFlags, TagSetContentID, TagSetAttribute:
		return op.FileID, true
	default:
		return 0, false
	}
}

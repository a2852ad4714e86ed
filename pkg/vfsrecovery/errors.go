package vfsrecovery

import "fmt"

// LogFramingError reports a descriptor whose framing bytes are inconsistent:
// out-of-range tag, mismatched head/tail, or a boundary that does not line
// up with a valid record start. Recovery treats it as end-of-usable-history
// in the direction it was encountered (spec §7).
type LogFramingError struct {
	Position int64
	Reason   string
}

func (e *LogFramingError) Error() string {
	return fmt.Sprintf("log framing error at position %d: %s", e.Position, e.Reason)
}

// LogTornWriteError marks a descriptor whose appender never finished:
// head byte is the negative encoding of the tag, tail is the positive tag,
// middle bytes are indeterminate. Always classified Incomplete, never
// Complete or Invalid.
type LogTornWriteError struct {
	Position int64
	Tag      uint8
}

func (e *LogTornWriteError) Error() string {
	return fmt.Sprintf("torn write at position %d for tag %d", e.Position, e.Tag)
}

// PropertyUnavailableError marks a fileId for which a mandatory scalar
// property never appeared during the backward snapshot walk. Stage 2 turns
// this into RecoveryState BOTCHED rather than propagating it.
type PropertyUnavailableError struct {
	FileID   uint32
	Property string
}

func (e *PropertyUnavailableError) Error() string {
	return fmt.Sprintf("fileId %d: property %s never available", e.FileID, e.Property)
}

// AttributeWriteFailure wraps a failure writing one file's attribute blob
// during stage 2. IsIO distinguishes a fatal transport/storage failure
// (rethrown as FatalRecoveryError) from a per-attribute logic failure
// (counted and skipped).
type AttributeWriteFailure struct {
	FileID  uint32
	AttrKey uint16
	Cause   error
	IsIO    bool
}

func (e *AttributeWriteFailure) Error() string {
	return fmt.Sprintf("fileId %d attribute %d: %v", e.FileID, e.AttrKey, e.Cause)
}

func (e *AttributeWriteFailure) Unwrap() error { return e.Cause }

// FatalRecoveryError wraps any condition that aborts recovery outright:
// destination not empty, enumerator files missing, log directory equal to
// destination, timestamp-patch write failure, or a records-handle error.
// No swap marker is written when this surfaces.
type FatalRecoveryError struct {
	Stage string
	Cause error
}

func (e *FatalRecoveryError) Error() string {
	return fmt.Sprintf("vfs recovery failed at stage %s: %v", e.Stage, e.Cause)
}

func (e *FatalRecoveryError) Unwrap() error { return e.Cause }

func fatalf(stage string, format string, args ...interface{}) *FatalRecoveryError {
	return &FatalRecoveryError{Stage: stage, Cause: fmt.Errorf(format, args...)}
}

func fatalWrap(stage string, err error) *FatalRecoveryError {
	if err == nil {
		return nil
	}
	return &FatalRecoveryError{Stage: stage, Cause: err}
}

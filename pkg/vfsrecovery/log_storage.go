package vfsrecovery

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
)

// TagMask is a bitset of operation tags indexed by tag value; MaxTag (32)
// needs bit 32, so the mask is a uint64.
type TagMask uint64

// NewTagMask builds a mask containing the given tags.
func NewTagMask(tags ...uint8) TagMask {
	var m TagMask
	for _, t := range tags {
		m |= TagMask(1) << t
	}
	return m
}

// Has reports whether tag is a member of the mask.
func (m TagMask) Has(tag uint8) bool {
	return m&(TagMask(1)<<tag) != 0
}

// AllTagsMask matches every valid tag.
func AllTagsMask() TagMask {
	var m TagMask
	for t := uint8(1); t <= MaxTag; t++ {
		m |= TagMask(1) << t
	}
	return m
}

// ReadOutcome classifies an attempted descriptor read (spec §4.1).
type ReadOutcome uint8

const (
	OutcomeComplete ReadOutcome = iota
	OutcomeIncomplete
	OutcomeInvalid
)

// OperationReadResult is the sum Complete(operation) | Incomplete(tag) | Invalid(cause).
type OperationReadResult struct {
	Outcome ReadOutcome
	Op      Operation // meaningful when Outcome == OutcomeComplete
	Tag     uint8     // meaningful when Outcome == OutcomeIncomplete
	Cause   string    // meaningful when Outcome == OutcomeInvalid
}

func completeResult(op Operation) OperationReadResult {
	return OperationReadResult{Outcome: OutcomeComplete, Op: op}
}

func incompleteResult(tag uint8) OperationReadResult {
	return OperationReadResult{Outcome: OutcomeIncomplete, Tag: tag}
}

func invalidResult(format string, args ...interface{}) OperationReadResult {
	return OperationReadResult{Outcome: OutcomeInvalid, Cause: fmt.Sprintf(format, args...)}
}

// LogStorage is the durable, append-only, self-framing operation log
// (spec §4.1). It exclusively owns the log directory and its tail-write
// mutex; callers never touch the chunk files directly.
type LogStorage struct {
	fs            afero.Fs
	root          string
	operationsDir string
	tunables      Tunables

	chunksMu sync.RWMutex
	chunks   map[int64]*logChunk

	startOffset    atomic.Int64
	persistentSize atomic.Int64

	resMu    sync.Mutex
	emerging int64

	pendingMu sync.Mutex
	pending   map[int64]int64

	writeQueue chan writeJob
	workerWG   sync.WaitGroup
	closeOnce  sync.Once

	errMu   sync.Mutex
	lastErr error
}

type writeJob struct {
	position int64
	data     []byte
}

// WriteSlot is a reserved, positioned span in the log returned by
// appendReservation. The producer computes its payload off the critical
// path and calls Close to serialize it, or Abort to mark it torn.
type WriteSlot struct {
	storage    *LogStorage
	position   int64
	tag        uint8
	descLength int
}

// Position returns the absolute offset this slot was reserved at.
func (s *WriteSlot) Position() int64 { return s.position }

// Close serializes op (which must carry the slot's tag) into the slot.
func (s *WriteSlot) Close(op Operation) error {
	if op.Tag != s.tag {
		return fmt.Errorf("write slot at %d reserved for tag %d, got tag %d", s.position, s.tag, op.Tag)
	}
	data, err := encodeDescriptor(op)
	if err != nil {
		return err
	}
	return s.storage.submitWrite(s.position, data)
}

// Abort writes the torn-write encoding for this slot: an appender that
// fails mid-serialization must still close its slot so persistentSize can
// advance past it.
func (s *WriteSlot) Abort() error {
	data, err := tornDescriptor(s.tag)
	if err != nil {
		return err
	}
	return s.storage.submitWrite(s.position, data)
}

// OpenLogStorage opens (or creates) the log rooted at root, reading its
// persisted end offset from operations/size and start offset from
// operations/start (a supplemental sibling file this module adds for
// symmetry; absent means 0).
func OpenLogStorage(fs afero.Fs, root string, tunables Tunables) (*LogStorage, error) {
	operationsDir := filepath.Join(root, OperationsDirName)
	if err := fs.MkdirAll(operationsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create operations directory: %w", err)
	}

	s := &LogStorage{
		fs:            fs,
		root:          root,
		operationsDir: operationsDir,
		tunables:      tunables,
		chunks:        make(map[int64]*logChunk),
		pending:       make(map[int64]int64),
	}

	size, err := readOffsetFile(fs, filepath.Join(operationsDir, SizeFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", SizeFileName, err)
	}
	start, err := readOffsetFile(fs, filepath.Join(operationsDir, "start"))
	if err != nil {
		return nil, fmt.Errorf("failed to read start offset: %w", err)
	}

	s.persistentSize.Store(size)
	s.startOffset.Store(start)
	s.emerging = size

	capacity := tunables.LogWriteBufferCapacity
	if capacity < 1 {
		capacity = DefaultLogWriteBufferCapacity
	}
	s.writeQueue = make(chan writeJob, capacity)

	workers := 4
	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		go s.writeWorker()
	}

	return s, nil
}

func readOffsetFile(fs afero.Fs, path string) (int64, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	if len(data) < 8 {
		return 0, fmt.Errorf("offset file %s is truncated: %d bytes", path, len(data))
	}
	return int64(binary.LittleEndian.Uint64(data[:8])), nil
}

func writeOffsetFile(fs afero.Fs, path string, value int64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(value))
	return afero.WriteFile(fs, path, buf, 0644)
}

func (s *LogStorage) chunkSize() int64 {
	if s.tunables.LogChunkSize > 0 {
		return s.tunables.LogChunkSize
	}
	return DefaultLogChunkSize
}

func (s *LogStorage) getChunk(index int64) (*logChunk, error) {
	s.chunksMu.RLock()
	c, ok := s.chunks[index]
	s.chunksMu.RUnlock()
	if ok {
		return c, nil
	}

	s.chunksMu.Lock()
	defer s.chunksMu.Unlock()
	if c, ok := s.chunks[index]; ok {
		return c, nil
	}
	c, err := openLogChunk(s.fs, s.operationsDir, index, s.chunkSize())
	if err != nil {
		return nil, err
	}
	s.chunks[index] = c
	return c, nil
}

// appendReservation atomically reserves descriptorLen(tag) bytes at the
// current end of log and returns a WriteSlot positioned there. A
// descriptor never spans a chunk boundary: if the reservation would cross
// one, the remainder of the current chunk is zero-padded and the
// descriptor is reserved at the start of the next chunk instead (see
// SPEC_FULL.md §4's chunk-boundary supplement).
func (s *LogStorage) appendReservation(tag uint8) (*WriteSlot, error) {
	dlen, ok := descriptorLen(tag)
	if !ok || tag == InvalidTag || tag > MaxTag {
		return nil, fmt.Errorf("appendReservation: invalid tag %d", tag)
	}

	s.resMu.Lock()
	defer s.resMu.Unlock()

	chunkSize := s.chunkSize()
	pos := s.emerging
	chunkIdx := pos / chunkSize
	offsetInChunk := pos % chunkSize

	if offsetInChunk+int64(dlen) > chunkSize {
		pad := chunkSize - offsetInChunk
		chunk, err := s.getChunk(chunkIdx)
		if err != nil {
			return nil, err
		}
		if pad > 0 {
			if err := chunk.WriteAt(make([]byte, pad), offsetInChunk); err != nil {
				return nil, fmt.Errorf("failed to pad chunk %d: %w", chunkIdx, err)
			}
			s.markComplete(pos, pad)
		}
		pos = (chunkIdx + 1) * chunkSize
	}

	s.emerging = pos + int64(dlen)
	return &WriteSlot{storage: s, position: pos, tag: tag, descLength: dlen}, nil
}

// AppendReservation is the exported entry point used by producers.
func (s *LogStorage) AppendReservation(tag uint8) (*WriteSlot, error) {
	return s.appendReservation(tag)
}

func (s *LogStorage) submitWrite(position int64, data []byte) error {
	job := writeJob{position: position, data: data}
	select {
	case s.writeQueue <- job:
		return nil
	default:
		// Backpressure without loss: the submitter runs the write inline.
		return s.performWrite(job)
	}
}

func (s *LogStorage) writeWorker() {
	defer s.workerWG.Done()
	for job := range s.writeQueue {
		s.performWrite(job)
	}
}

func (s *LogStorage) performWrite(job writeJob) error {
	chunkSize := s.chunkSize()
	chunkIdx := job.position / chunkSize
	offsetInChunk := job.position % chunkSize

	chunk, err := s.getChunk(chunkIdx)
	if err != nil {
		s.recordErr(err)
		s.markComplete(job.position, int64(len(job.data)))
		return err
	}
	if err := chunk.WriteAt(job.data, offsetInChunk); err != nil {
		s.recordErr(err)
		s.markComplete(job.position, int64(len(job.data)))
		return err
	}
	s.markComplete(job.position, int64(len(job.data)))
	return nil
}

func (s *LogStorage) recordErr(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
	VerboseLog(1, "vfsrecovery: log write error: %v", err)
}

// LastWriteError returns the most recent asynchronous write failure, if any.
func (s *LogStorage) LastWriteError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

// markComplete advances persistentSize by absorbing a contiguous prefix of
// completed reservations.
func (s *LogStorage) markComplete(position, length int64) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending[position] = length

	for {
		cur := s.persistentSize.Load()
		l, ok := s.pending[cur]
		if !ok {
			break
		}
		delete(s.pending, cur)
		s.persistentSize.Store(cur + l)
	}
}

// Size returns persistentSize(): the largest offset such that all
// reservations below it have closed.
func (s *LogStorage) Size() int64 { return s.persistentSize.Load() }

// EmergingSize returns the reservation front, which may exceed Size while
// prior slots are still being written.
func (s *LogStorage) EmergingSize() int64 {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	return s.emerging
}

// StartOffset returns the earliest position readers may address.
func (s *LogStorage) StartOffset() int64 { return s.startOffset.Load() }

// ClearUpTo advances startOffset to pos, logically dropping earlier
// chunks. Positions before pos become invalid to read.
func (s *LogStorage) ClearUpTo(pos int64) error {
	if pos < s.startOffset.Load() || pos > s.Size() {
		return fmt.Errorf("ClearUpTo(%d): out of range [%d,%d]", pos, s.startOffset.Load(), s.Size())
	}
	s.startOffset.Store(pos)
	return writeOffsetFile(s.fs, filepath.Join(s.operationsDir, "start"), pos)
}

// TruncateEndTo directly overwrites the persisted end offset (operations/size)
// to pos, hiding anything the log holds beyond it. RecoveryOrchestrator's
// stage 0 uses this on the freshly copied log to apply the recovery cut
// point (spec §4.4, §6); it is distinct from ClearUpTo, which trims the
// opposite end.
func (s *LogStorage) TruncateEndTo(pos int64) error {
	if pos < s.startOffset.Load() {
		return fmt.Errorf("TruncateEndTo(%d): before start offset %d", pos, s.startOffset.Load())
	}
	s.persistentSize.Store(pos)
	s.resMu.Lock()
	if pos < s.emerging {
		s.emerging = pos
	}
	s.resMu.Unlock()
	return s.Flush()
}

// Flush persists the current size and start offsets to disk and syncs open
// chunk files.
func (s *LogStorage) Flush() error {
	if err := writeOffsetFile(s.fs, filepath.Join(s.operationsDir, SizeFileName), s.Size()); err != nil {
		return fmt.Errorf("failed to persist %s: %w", SizeFileName, err)
	}
	if err := writeOffsetFile(s.fs, filepath.Join(s.operationsDir, "start"), s.StartOffset()); err != nil {
		return fmt.Errorf("failed to persist start offset: %w", err)
	}
	s.chunksMu.RLock()
	defer s.chunksMu.RUnlock()
	for idx, c := range s.chunks {
		if err := c.Sync(); err != nil {
			return fmt.Errorf("failed to sync chunk %d: %w", idx, err)
		}
	}
	return nil
}

// Close drains pending writes, flushes, and releases every open chunk.
func (s *LogStorage) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.writeQueue)
		s.workerWG.Wait()
		if err := s.Flush(); err != nil {
			closeErr = err
		}
		s.chunksMu.Lock()
		defer s.chunksMu.Unlock()
		for _, c := range s.chunks {
			if err := c.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
		}
	})
	return closeErr
}

// readDescriptorAt reads the full descriptor believed to start at pos
// (head tag already peeked as headByte) and classifies it.
func (s *LogStorage) readDescriptorAt(pos int64, headByte byte) OperationReadResult {
	signed := int8(headByte)
	var tag uint8
	torn := false
	if signed < 0 {
		tag = uint8(-signed)
		torn = true
	} else {
		tag = headByte
	}
	if tag == InvalidTag || tag > MaxTag {
		return invalidResult("tag %d out of range at position %d", tag, pos)
	}
	dlen, ok := descriptorLen(tag)
	if !ok {
		return invalidResult("no descriptor length for tag %d", tag)
	}
	buf := make([]byte, dlen)
	if err := s.readBytes(pos, buf); err != nil {
		return invalidResult("short read at position %d: %v", pos, err)
	}
	tail := buf[dlen-1]
	if tail != tag {
		return invalidResult("tag mismatch at position %d: head %d tail %d", pos, buf[0], tail)
	}
	if torn {
		return incompleteResult(tag)
	}
	op, err := decodePayload(tag, buf[1:dlen-1])
	if err != nil {
		return invalidResult("decode error at position %d: %v", pos, err)
	}
	return completeResult(op)
}

// readBytes reads len(buf) bytes starting at absolute position pos,
// possibly spanning the chunk lookup (never spanning chunk *contents*
// per the no-cross-boundary invariant, but pos itself may be anywhere).
func (s *LogStorage) readBytes(pos int64, buf []byte) error {
	chunkSize := s.chunkSize()
	chunkIdx := pos / chunkSize
	offsetInChunk := pos % chunkSize
	if offsetInChunk+int64(len(buf)) > chunkSize {
		return fmt.Errorf("descriptor at %d would span a chunk boundary", pos)
	}
	chunk, err := s.getChunk(chunkIdx)
	if err != nil {
		return err
	}
	n, err := chunk.ReadAt(buf, offsetInChunk)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short read: got %d of %d bytes", n, len(buf))
	}
	return nil
}

func (s *LogStorage) peekByte(pos int64) (byte, error) {
	var b [1]byte
	if err := s.readBytes(pos, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadAt classifies the descriptor starting at pos.
func (s *LogStorage) ReadAt(pos int64) OperationReadResult {
	if pos < s.StartOffset() || pos >= s.Size() {
		return invalidResult("position %d outside valid range [%d,%d)", pos, s.StartOffset(), s.Size())
	}
	head, err := s.peekByte(pos)
	if err != nil {
		return invalidResult("failed to read tag at %d: %v", pos, err)
	}
	return s.readDescriptorAt(pos, head)
}

// ReadPreceding classifies the descriptor ending exactly at pos (i.e. whose
// tail byte sits at pos-1).
func (s *LogStorage) ReadPreceding(pos int64) OperationReadResult {
	if pos <= s.StartOffset() || pos > s.Size() {
		return invalidResult("position %d outside valid range (%d,%d]", pos, s.StartOffset(), s.Size())
	}
	tail, err := s.peekByte(pos - 1)
	if err != nil {
		return invalidResult("failed to read tail tag before %d: %v", pos, err)
	}
	if tail == InvalidTag || tail > MaxTag {
		return invalidResult("tail tag %d out of range before position %d", tail, pos)
	}
	dlen, ok := descriptorLen(tail)
	if !ok {
		return invalidResult("no descriptor length for tail tag %d", tail)
	}
	start := pos - int64(dlen)
	if start < s.StartOffset() {
		return invalidResult("descriptor before position %d starts before start offset", pos)
	}
	return s.ReadAt(start)
}

// ReadAtFiltered validates only the framing bytes when the tag at pos is
// outside mask, returning Incomplete(tag) without decoding the payload
// (spec §4.1's required fast path).
func (s *LogStorage) ReadAtFiltered(pos int64, mask TagMask) OperationReadResult {
	if pos < s.StartOffset() || pos >= s.Size() {
		return invalidResult("position %d outside valid range [%d,%d)", pos, s.StartOffset(), s.Size())
	}
	head, err := s.peekByte(pos)
	if err != nil {
		return invalidResult("failed to read tag at %d: %v", pos, err)
	}
	signed := int8(head)
	var tag uint8
	if signed < 0 {
		tag = uint8(-signed)
	} else {
		tag = head
	}
	if tag == InvalidTag || tag > MaxTag {
		return invalidResult("tag %d out of range at position %d", tag, pos)
	}
	if mask.Has(tag) {
		return s.readDescriptorAt(pos, head)
	}
	dlen, ok := descriptorLen(tag)
	if !ok {
		return invalidResult("no descriptor length for tag %d", tag)
	}
	tailPos := pos + int64(dlen) - 1
	tailByte, err := s.peekByte(tailPos)
	if err != nil {
		return invalidResult("short read validating framing at %d: %v", pos, err)
	}
	if tailByte != tag {
		return invalidResult("tag mismatch at position %d: head %d tail %d", pos, head, tailByte)
	}
	return incompleteResult(tag)
}

// ReadPrecedingFiltered mirrors ReadAtFiltered for backward reads.
func (s *LogStorage) ReadPrecedingFiltered(pos int64, mask TagMask) OperationReadResult {
	if pos <= s.StartOffset() || pos > s.Size() {
		return invalidResult("position %d outside valid range (%d,%d]", pos, s.StartOffset(), s.Size())
	}
	tail, err := s.peekByte(pos - 1)
	if err != nil {
		return invalidResult("failed to read tail tag before %d: %v", pos, err)
	}
	if tail == InvalidTag || tail > MaxTag {
		return invalidResult("tail tag %d out of range before position %d", tail, pos)
	}
	dlen, ok := descriptorLen(tail)
	if !ok {
		return invalidResult("no descriptor length for tail tag %d", tail)
	}
	start := pos - int64(dlen)
	if start < s.StartOffset() {
		return invalidResult("descriptor before position %d starts before start offset", pos)
	}
	return s.ReadAtFiltered(start, mask)
}

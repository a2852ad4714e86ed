package vfsrecovery

import "fmt"

// LogIterator walks a LogStorage's descriptors in one direction, stopping
// permanently the first time it hits an Invalid read ("poisoning"). A
// zero-tag run at the tail of a chunk is not itself corruption — it is the
// padding a reservation leaves behind when a descriptor would straddle a
// chunk boundary — so the iterator skips over it instead of poisoning,
// walking forward to the next chunk's first descriptor or backward to the
// previous chunk's last one.
type LogIterator struct {
	storage   *LogStorage
	mask      TagMask
	filtered  bool
	forward   bool
	pos       int64
	poisoned  bool
	poisonErr string
}

// NewForwardIterator walks from startPos towards the end of the log.
func NewForwardIterator(storage *LogStorage, startPos int64) *LogIterator {
	return &LogIterator{storage: storage, forward: true, pos: startPos}
}

// NewBackwardIterator walks from startPos towards the start of the log.
// startPos is the position immediately after the last descriptor to visit.
func NewBackwardIterator(storage *LogStorage, startPos int64) *LogIterator {
	return &LogIterator{storage: storage, forward: false, pos: startPos}
}

// NewForwardFilteredIterator is NewForwardIterator restricted to mask; tags
// outside mask still advance the cursor but are reported as Incomplete
// without payload decoding.
func NewForwardFilteredIterator(storage *LogStorage, startPos int64, mask TagMask) *LogIterator {
	return &LogIterator{storage: storage, forward: true, pos: startPos, mask: mask, filtered: true}
}

// NewBackwardFilteredIterator is the backward counterpart of
// NewForwardFilteredIterator.
func NewBackwardFilteredIterator(storage *LogStorage, startPos int64, mask TagMask) *LogIterator {
	return &LogIterator{storage: storage, forward: false, pos: startPos, mask: mask, filtered: true}
}

// Poisoned reports whether a prior Next() hit an Invalid descriptor. Once
// poisoned an iterator never yields again.
func (it *LogIterator) Poisoned() bool { return it.poisoned }

// PoisonReason describes why a poisoned iterator stopped.
func (it *LogIterator) PoisonReason() string { return it.poisonErr }

// Position returns the iterator's current cursor.
func (it *LogIterator) Position() int64 { return it.pos }

// isChunkPaddingRun reports whether the bytes from pos to the end of its
// containing chunk are entirely the zero tag, meaning pos is boundary
// padding rather than a corrupt descriptor.
func (it *LogIterator) isChunkPaddingRun(pos int64) (bool, int64) {
	chunkSize := it.storage.chunkSize()
	chunkIdx := pos / chunkSize
	offsetInChunk := pos % chunkSize
	remaining := chunkSize - offsetInChunk

	chunk, err := it.storage.getChunk(chunkIdx)
	if err != nil {
		return false, 0
	}
	buf := make([]byte, remaining)
	n, err := chunk.ReadAt(buf, offsetInChunk)
	if err != nil || int64(n) != remaining {
		return false, 0
	}
	for _, b := range buf {
		if b != InvalidTag {
			return false, 0
		}
	}
	return true, (chunkIdx + 1) * chunkSize
}

// Next advances the iterator and returns the descriptor it lands on, or
// ok=false once the log's boundary or a poison has been reached.
func (it *LogIterator) Next() (result OperationReadResult, ok bool) {
	if it.poisoned {
		return OperationReadResult{}, false
	}

	if it.forward {
		return it.stepForward()
	}
	return it.stepBackward()
}

func (it *LogIterator) stepForward() (OperationReadResult, bool) {
	for {
		if it.pos >= it.storage.Size() {
			return OperationReadResult{}, false
		}

		head, err := it.storage.peekByte(it.pos)
		if err != nil {
			it.poison("failed to read tag at %d: %v", it.pos, err)
			return OperationReadResult{}, false
		}
		if head == InvalidTag {
			if isPad, next := it.isChunkPaddingRun(it.pos); isPad {
				it.pos = next
				continue
			}
			it.poison("zero tag at %d is not a chunk-boundary pad run", it.pos)
			return OperationReadResult{}, false
		}

		var res OperationReadResult
		if it.filtered {
			res = it.storage.ReadAtFiltered(it.pos, it.mask)
		} else {
			res = it.storage.ReadAt(it.pos)
		}
		if res.Outcome == OutcomeInvalid {
			it.poison("%s", res.Cause)
			return OperationReadResult{}, false
		}

		tag := res.Tag
		if res.Outcome == OutcomeComplete {
			tag = res.Op.Tag
		}
		dlen, _ := descriptorLen(tag)
		it.pos += int64(dlen)
		return res, true
	}
}

// precedingChunkPaddingStart reports whether pos lands exactly on a chunk
// boundary whose preceding chunk ends in a zero-tag pad run (the mirror of
// isChunkPaddingRun for a backward walk), returning the offset of the pad
// run's first byte so the cursor can jump behind it in one step.
func (it *LogIterator) precedingChunkPaddingStart(pos int64) (bool, int64) {
	chunkSize := it.storage.chunkSize()
	if pos%chunkSize != 0 || pos == 0 {
		return false, 0
	}
	prevChunkIdx := pos/chunkSize - 1

	chunk, err := it.storage.getChunk(prevChunkIdx)
	if err != nil {
		return false, 0
	}

	end := chunkSize
	for end > 0 {
		var b [1]byte
		n, err := chunk.ReadAt(b[:], end-1)
		if err != nil || n != 1 || b[0] != InvalidTag {
			break
		}
		end--
	}
	if end == chunkSize {
		return false, 0
	}
	return true, prevChunkIdx*chunkSize + end
}

func (it *LogIterator) stepBackward() (OperationReadResult, bool) {
	for {
		if it.pos <= it.storage.StartOffset() {
			return OperationReadResult{}, false
		}

		if isPad, padStart := it.precedingChunkPaddingStart(it.pos); isPad {
			it.pos = padStart
			continue
		}

		var res OperationReadResult
		if it.filtered {
			res = it.storage.ReadPrecedingFiltered(it.pos, it.mask)
		} else {
			res = it.storage.ReadPreceding(it.pos)
		}
		if res.Outcome == OutcomeInvalid {
			it.poison("%s", res.Cause)
			return OperationReadResult{}, false
		}

		tag := res.Tag
		if res.Outcome == OutcomeComplete {
			tag = res.Op.Tag
		}
		dlen, _ := descriptorLen(tag)
		it.pos -= int64(dlen)
		return res, true
	}
}

func (it *LogIterator) poison(format string, args ...interface{}) {
	it.poisoned = true
	it.poisonErr = fmt.Sprintf(format, args...)
}

package vfsrecovery

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
)

// PayloadStore is the append-only, sequential-id-addressed blob store that
// backs ContentOperation and AttributesOperation descriptors (spec §3).
// It is decoupled from LogStorage: the log only ever records a payloadRef
// and length, never the bytes themselves, because a descriptor's on-disk
// size is fixed by its tag alone.
//
// Blobs are zstd-compressed on write and checksummed with blake3 so a
// truncated or bit-flipped record file is detected before it can corrupt a
// reconstructed file's content, rather than silently returned to a caller.
type PayloadStore struct {
	fs   afero.Fs
	path string

	mu      sync.Mutex
	file    afero.File
	nextRef uint32
	index   []payloadIndexEntry // index[ref] = location; ref 0 is unused

	// enc/dec are a single persistent encoder/decoder pair reused across
	// every Append/Read call instead of allocated per call. workers sets
	// the encoder's internal block concurrency (zstd.WithEncoderConcurrency).
	enc *zstd.Encoder
	dec *zstd.Decoder
}

type payloadIndexEntry struct {
	offset     int64
	compressed int64
	rawLength  int64
	checksum   [32]byte
}

// blobHeader precedes each compressed blob in the store file:
// rawLength(8) + compressedLength(8) + checksum(32).
const blobHeaderSize = 8 + 8 + 32

// OpenPayloadStore opens or creates the payload store file at path, and
// replays it to rebuild the in-memory offset index. workers sets the
// store's persistent encoder's internal compression concurrency; workers
// <= 0 falls back to DefaultPayloadCompressionWorkers.
func OpenPayloadStore(fs afero.Fs, path string, workers int) (*PayloadStore, error) {
	if workers <= 0 {
		workers = DefaultPayloadCompressionWorkers
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create payload store directory: %w", err)
	}
	file, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open payload store: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(workers))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(workers))
	if err != nil {
		enc.Close()
		file.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	ps := &PayloadStore{fs: fs, path: path, file: file, nextRef: 1, index: make([]payloadIndexEntry, 1), enc: enc, dec: dec}
	if err := ps.replayIndex(); err != nil {
		enc.Close()
		dec.Close()
		file.Close()
		return nil, err
	}
	return ps, nil
}

func (ps *PayloadStore) replayIndex() error {
	var offset int64
	header := make([]byte, blobHeaderSize)
	for {
		n, err := ps.file.ReadAt(header, offset)
		if err == io.EOF && n == 0 {
			break
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to replay payload store index: %w", err)
		}
		if n < blobHeaderSize {
			break // trailing partial header, treat as end of valid data
		}
		rawLen := int64(binary.LittleEndian.Uint64(header[0:8]))
		compLen := int64(binary.LittleEndian.Uint64(header[8:16]))
		var checksum [32]byte
		copy(checksum[:], header[16:48])

		ps.index = append(ps.index, payloadIndexEntry{
			offset:     offset + blobHeaderSize,
			compressed: compLen,
			rawLength:  rawLen,
			checksum:   checksum,
		})
		ps.nextRef = uint32(len(ps.index))
		offset += blobHeaderSize + compLen
	}
	return nil
}

// Append compresses data and appends it to the store, returning the
// sequential id it was assigned.
func (ps *PayloadStore) Append(data []byte) (uint32, error) {
	compressed := ps.enc.EncodeAll(data, nil)
	checksum := blake3.Sum256(data)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	end, err := ps.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("failed to seek payload store: %w", err)
	}

	header := make([]byte, blobHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], uint64(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(len(compressed)))
	copy(header[16:48], checksum[:])

	if _, err := ps.file.Write(header); err != nil {
		return 0, fmt.Errorf("failed to write payload header: %w", err)
	}
	if _, err := ps.file.Write(compressed); err != nil {
		return 0, fmt.Errorf("failed to write payload body: %w", err)
	}

	ref := ps.nextRef
	ps.nextRef++
	entry := payloadIndexEntry{offset: end + blobHeaderSize, compressed: int64(len(compressed)), rawLength: int64(len(data)), checksum: checksum}
	if int(ref) == len(ps.index) {
		ps.index = append(ps.index, entry)
	} else {
		ps.index[ref] = entry
	}
	return ref, nil
}

// Read returns the decompressed bytes for ref, verifying its checksum.
func (ps *PayloadStore) Read(ref uint32) ([]byte, error) {
	ps.mu.Lock()
	if ref == 0 || int(ref) >= len(ps.index) {
		ps.mu.Unlock()
		return nil, fmt.Errorf("payload ref %d out of range", ref)
	}
	entry := ps.index[ref]
	ps.mu.Unlock()

	buf := make([]byte, entry.compressed)
	if _, err := ps.file.ReadAt(buf, entry.offset); err != nil {
		return nil, fmt.Errorf("failed to read payload %d: %w", ref, err)
	}

	raw, err := ps.dec.DecodeAll(buf, make([]byte, 0, entry.rawLength))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload %d: %w", ref, err)
	}

	sum := blake3.Sum256(raw)
	if sum != entry.checksum {
		return nil, fmt.Errorf("payload %d failed checksum verification", ref)
	}
	return raw, nil
}

// Length returns the uncompressed length recorded for ref without reading
// or decompressing its bytes.
func (ps *PayloadStore) Length(ref uint32) (int64, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ref == 0 || int(ref) >= len(ps.index) {
		return 0, fmt.Errorf("payload ref %d out of range", ref)
	}
	return ps.index[ref].rawLength, nil
}

// Close releases the store's encoder/decoder and closes the underlying
// store file.
func (ps *PayloadStore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.enc.Close()
	ps.dec.Close()
	return ps.file.Close()
}

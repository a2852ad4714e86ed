package vfsrecovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/google/vectorio"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// logChunk is one fixed-size on-disk segment of the log. Only the tail
// chunk of a LogStorage is ever written to; earlier chunks are read-only
// once sealed. Reads are served from an mmap when the chunk is backed by a
// real file descriptor (spec §5's "lock-free for positions in stable
// chunks"); otherwise ReadAt falls back to the afero.File directly, which
// is what happens under afero.NewMemMapFs() in tests.
type logChunk struct {
	index    int64
	path     string
	fs       afero.Fs
	file     afero.File
	capacity int64

	mu      sync.RWMutex
	mmapped []byte // nil until mapped, or when mapping is unavailable

	// writeMu serializes the seek-then-writev pair below: vectorio.WritevRaw
	// writes at the fd's current offset, not a positional one, so two
	// concurrent WriteAt calls on the same *os.File would race on where the
	// fd is pointed. LogStorage's writer pool can have several goroutines
	// targeting the same tail chunk at once, so this has to be a real lock,
	// not best-effort.
	writeMu sync.Mutex
}

func chunkPath(operationsDir string, index int64) string {
	return filepath.Join(operationsDir, strconv.FormatInt(index, 10))
}

// openLogChunk opens (creating if necessary) the chunk file at index for
// read-write access.
func openLogChunk(fs afero.Fs, operationsDir string, index int64, capacity int64) (*logChunk, error) {
	path := chunkPath(operationsDir, index)
	file, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log chunk %d: %w", index, err)
	}
	return &logChunk{index: index, path: path, fs: fs, file: file, capacity: capacity}, nil
}

// mmapForRead lazily memory-maps the chunk for read access. It is a
// best-effort optimization: any failure (non-OS-backed fs, permissions,
// address space exhaustion) silently falls back to ReadAt.
func (c *logChunk) mmapForRead() []byte {
	c.mu.RLock()
	if c.mmapped != nil {
		defer c.mu.RUnlock()
		return c.mmapped
	}
	c.mu.RUnlock()

	osFile, ok := c.file.(*os.File)
	if !ok {
		return nil
	}
	info, err := osFile.Stat()
	if err != nil || info.Size() == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mmapped != nil {
		return c.mmapped
	}
	data, err := unix.Mmap(int(osFile.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil
	}
	c.mmapped = data
	return data
}

// invalidateMapping drops a stale mmap after the chunk has grown; the next
// read remaps at the new size.
func (c *logChunk) invalidateMapping() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mmapped != nil {
		unix.Munmap(c.mmapped)
		c.mmapped = nil
	}
}

// ReadAt reads len(buf) bytes starting at offsetInChunk.
func (c *logChunk) ReadAt(buf []byte, offsetInChunk int64) (int, error) {
	if data := c.mmapForRead(); data != nil {
		if offsetInChunk < 0 || offsetInChunk+int64(len(buf)) > int64(len(data)) {
			return 0, fmt.Errorf("logChunk %d: read [%d,%d) out of mapped range [0,%d)",
				c.index, offsetInChunk, offsetInChunk+int64(len(buf)), len(data))
		}
		n := copy(buf, data[offsetInChunk:offsetInChunk+int64(len(buf))])
		return n, nil
	}
	return c.file.ReadAt(buf, offsetInChunk)
}

// WriteAt writes data at offsetInChunk using vectorio when the chunk is
// backed by a real file descriptor, matching the teacher's
// writeSkiplistWithVectorIO batching strategy; otherwise it falls back to
// afero.File.WriteAt. The seek-then-writev pair is serialized per chunk
// since it targets the fd's current offset rather than a positional one.
func (c *logChunk) WriteAt(data []byte, offsetInChunk int64) error {
	defer c.invalidateMapping()

	osFile, ok := c.file.(*os.File)
	if !ok {
		_, err := c.file.WriteAt(data, offsetInChunk)
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := osFile.Seek(offsetInChunk, 0); err != nil {
		return fmt.Errorf("failed to seek log chunk %d to %d: %w", c.index, offsetInChunk, err)
	}
	iovec := syscall.Iovec{Base: &data[0], Len: uint64(len(data))}
	nw, err := vectorio.WritevRaw(uintptr(osFile.Fd()), []syscall.Iovec{iovec})
	if err != nil {
		return fmt.Errorf("failed to write log chunk %d at %d: %w", c.index, offsetInChunk, err)
	}
	if nw != len(data) {
		return fmt.Errorf("short write to log chunk %d: wrote %d of %d bytes", c.index, nw, len(data))
	}
	return nil
}

// Sync flushes the chunk to stable storage.
func (c *logChunk) Sync() error {
	return c.file.Sync()
}

// Close releases the mmap (if any) and the underlying file handle.
func (c *logChunk) Close() error {
	c.invalidateMapping()
	return c.file.Close()
}

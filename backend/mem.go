// Package backend provides byte stores used as falcon DMEM, EMEM and
// frame-buffer surfaces
package backend

import (
	"fmt"
	"io"
	"sync"

	"code.hybscloud.com/atomix"
	"github.com/ehrlich-b/go-falcon/internal/interfaces"
)

// Memory is a RAM-backed store. Accesses are bounds checked: reads and
// writes that cross the end of the store transfer what fits and fail.
type Memory struct {
	data []byte
	size int64
	mu   sync.RWMutex

	reads  atomix.Uint64
	writes atomix.Uint64
}

// NewMemory creates a new memory store of the specified size
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

// ReadAt implements io.ReaderAt
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data == nil {
		return 0, fmt.Errorf("read from closed store")
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= m.size {
		return 0, io.EOF
	}

	m.reads.Add(1)
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return 0, fmt.Errorf("write to closed store")
	}
	if off < 0 || off >= m.size {
		return 0, fmt.Errorf("write at %d beyond end of store (size %d)", off, m.size)
	}

	m.writes.Add(1)
	n := copy(m.data[off:], p)
	if n < len(p) {
		return n, fmt.Errorf("short write at %d: %d of %d bytes", off, n, len(p))
	}
	return n, nil
}

// Size returns the store size in bytes
func (m *Memory) Size() int64 {
	return m.size
}

// Close releases the backing array
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = nil
	return nil
}

// Zero clears the given range, clamped to the store
func (m *Memory) Zero(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil || offset >= m.size {
		return nil
	}

	end := offset + length
	if end > m.size {
		end = m.size
	}
	clear(m.data[offset:end])
	return nil
}

// Stats implements interfaces.StatStore
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"type":      "memory",
		"size":      m.size,
		"allocated": len(m.data),
		"reads":     m.reads.Load(),
		"writes":    m.writes.Load(),
	}
}

// Compile-time interface checks
var (
	_ interfaces.Store        = (*Memory)(nil)
	_ interfaces.ZeroingStore = (*Memory)(nil)
	_ interfaces.StatStore    = (*Memory)(nil)
)

package backend

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMemory(t *testing.T) {
	mem := NewMemory(1024)
	assert.Equal(t, int64(1024), mem.Size())
	assert.Len(t, mem.data, 1024)
}

func TestMemoryReadWrite(t *testing.T) {
	mem := NewMemory(1024)
	defer mem.Close()

	payload := []byte("falcon cmd")
	n, err := mem.WriteAt(payload, 0x40)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = mem.ReadAt(buf, 0x40)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

func TestMemoryBoundaryConditions(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	tests := []struct {
		name    string
		write   bool
		off     int64
		len     int
		wantN   int
		wantErr bool
		wantEOF bool
	}{
		{name: "read crossing end", off: 80, len: 50, wantN: 20, wantEOF: true},
		{name: "read at end", off: 100, len: 4, wantN: 0, wantEOF: true},
		{name: "read negative", off: -1, len: 4, wantErr: true},
		{name: "write crossing end", write: true, off: 90, len: 20, wantN: 10, wantErr: true},
		{name: "write beyond end", write: true, off: 100, len: 1, wantErr: true},
		{name: "write exact tail", write: true, off: 96, len: 4, wantN: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, tt.len)
			var n int
			var err error
			if tt.write {
				n, err = mem.WriteAt(buf, tt.off)
			} else {
				n, err = mem.ReadAt(buf, tt.off)
			}
			assert.Equal(t, tt.wantN, n)
			switch {
			case tt.wantEOF:
				assert.ErrorIs(t, err, io.EOF)
			case tt.wantErr:
				assert.Error(t, err)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestMemoryZero(t *testing.T) {
	mem := NewMemory(16)
	_, err := mem.WriteAt([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 0)
	require.NoError(t, err)

	require.NoError(t, mem.Zero(2, 4))
	buf := make([]byte, 8)
	_, err = mem.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 0, 0, 0, 0, 7, 8}, buf)

	// clamped past the end
	require.NoError(t, mem.Zero(12, 100))
	require.NoError(t, mem.Zero(100, 1))
}

func TestMemoryClosed(t *testing.T) {
	mem := NewMemory(16)
	require.NoError(t, mem.Close())

	_, err := mem.ReadAt(make([]byte, 1), 0)
	assert.Error(t, err)
	_, err = mem.WriteAt(make([]byte, 1), 0)
	assert.Error(t, err)
}

func TestMemoryStats(t *testing.T) {
	mem := NewMemory(64)
	mem.WriteAt([]byte{1}, 0)
	mem.ReadAt(make([]byte, 1), 0)
	mem.ReadAt(make([]byte, 1), 1)

	stats := mem.Stats()
	assert.Equal(t, "memory", stats["type"])
	assert.Equal(t, int64(64), stats["size"])
	assert.Equal(t, uint64(2), stats["reads"])
	assert.Equal(t, uint64(1), stats["writes"])
}

func TestMemoryConcurrentAccess(t *testing.T) {
	mem := NewMemory(4096)
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			off := int64(id * 512)
			data := make([]byte, 512)
			for j := range data {
				data[j] = byte(id)
			}
			for k := 0; k < 100; k++ {
				if _, err := mem.WriteAt(data, off); err != nil {
					t.Error(err)
					return
				}
				got := make([]byte, 512)
				if _, err := mem.ReadAt(got, off); err != nil {
					t.Error(err)
					return
				}
				if got[0] != byte(id) {
					t.Errorf("worker %d read %d", id, got[0])
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

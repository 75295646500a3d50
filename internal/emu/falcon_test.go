package emu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFalconRegisters(t *testing.T) {
	f := New(Config{ID: 3})
	defer f.Close()

	assert.Equal(t, uint32(3), f.ID())

	f.SetPointers(0, 1, 0x800, 0x810)
	var head, tail uint32
	require.NoError(t, f.QueueHead(0, 1, &head, false))
	require.NoError(t, f.QueueTail(0, 1, &tail, false))
	assert.Equal(t, uint32(0x800), head)
	assert.Equal(t, uint32(0x810), tail)

	// registers are keyed by id and index
	require.NoError(t, f.QueueHead(0, 0, &head, false))
	assert.Zero(t, head)

	head = 0x820
	require.NoError(t, f.QueueHead(0, 1, &head, true))
	h, tl := f.Pointers(0, 1)
	assert.Equal(t, uint32(0x820), h)
	assert.Equal(t, uint32(0x810), tl)
}

func TestFalconFaultInjection(t *testing.T) {
	f := New(Config{})
	defer f.Close()

	boom := errors.New("register timeout")
	f.Inject(OpTailSet, boom)

	var v uint32 = 4
	assert.ErrorIs(t, f.QueueTail(0, 0, &v, true), boom)
	assert.NoError(t, f.QueueTail(0, 0, &v, false))

	f.Inject(OpTailSet, nil)
	assert.NoError(t, f.QueueTail(0, 0, &v, true))

	f.Inject(OpDmemCopy, boom)
	assert.ErrorIs(t, f.CopyToDmem(0, []byte{1}, 0), boom)
	assert.NoError(t, f.CopyToEmem(0, []byte{1}, 0))
}

func TestFalconCopy(t *testing.T) {
	f := New(Config{DmemSize: 64, EmemSize: 32})
	defer f.Close()

	require.NoError(t, f.CopyToDmem(8, []byte{1, 2, 3, 4}, 0))
	got := make([]byte, 4)
	require.NoError(t, f.CopyFromDmem(8, got, 0))
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	require.NoError(t, f.CopyToEmem(0, []byte{9}, 0))
	one := make([]byte, 1)
	require.NoError(t, f.CopyFromEmem(0, one, 0))
	assert.Equal(t, byte(9), one[0])

	assert.Error(t, f.CopyFromDmem(62, make([]byte, 4), 0), "read crossing the end")
	assert.Error(t, f.CopyToEmem(30, make([]byte, 4), 0), "write crossing the end")

	stats := f.Stats()
	assert.NotZero(t, stats["copies"])
}

func TestFalconEmemStart(t *testing.T) {
	f := New(Config{EmemSize: 0x100, EmemStart: 0x1000000})
	defer f.Close()

	require.NoError(t, f.CopyToEmem(0x1000010, []byte{7, 7}, 0))
	got := make([]byte, 2)
	_, err := f.Emem().ReadAt(got, 0x10)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 7}, got)

	assert.Error(t, f.CopyFromEmem(0x10, got, 0), "address below EMEM start")
}

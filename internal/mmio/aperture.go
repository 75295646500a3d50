//go:build linux

// Package mmio maps falcon register apertures (a PCI BAR resource file or a
// plain file standing in for one) and performs 32-bit register access.
package mmio

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Aperture is a mapped register window. Read32 and Write32 are safe for
// concurrent use; Close must not race with them.
type Aperture struct {
	path   string
	mem    []byte // whole mapping, page aligned
	window []byte // the requested [offset, offset+length)
	offset int64

	closeOnce sync.Once
	closeErr  error
}

// Open maps length bytes of path starting at offset. The offset need not be
// page aligned.
func Open(path string, offset int64, length int) (*Aperture, error) {
	if length <= 0 || offset < 0 {
		return nil, fmt.Errorf("mmio: invalid window offset=%d length=%d", offset, length)
	}

	f, err := os.OpenFile(path, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: open %s: %w", path, err)
	}
	// the mapping survives the descriptor
	defer f.Close()

	page := int64(unix.Getpagesize())
	base := offset &^ (page - 1)
	delta := int(offset - base)

	mem, err := unix.Mmap(int(f.Fd()), base, delta+length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmio: mmap %s [0x%x, +0x%x): %w", path, offset, length, err)
	}

	return &Aperture{
		path:   path,
		mem:    mem,
		window: mem[delta : delta+length],
		offset: offset,
	}, nil
}

// Len returns the window length in bytes
func (a *Aperture) Len() int { return len(a.window) }

func (a *Aperture) word(off uint32) (*uint32, error) {
	if a.window == nil {
		return nil, fmt.Errorf("mmio: %s: aperture closed", a.path)
	}
	if off%4 != 0 {
		return nil, fmt.Errorf("mmio: %s: unaligned register 0x%x", a.path, off)
	}
	if uint64(off)+4 > uint64(len(a.window)) {
		return nil, fmt.Errorf("mmio: %s: register 0x%x outside window of 0x%x bytes", a.path, off, len(a.window))
	}
	return (*uint32)(unsafe.Pointer(&a.window[off])), nil
}

// Read32 reads the register at byte offset off within the window
func (a *Aperture) Read32(off uint32) (uint32, error) {
	p, err := a.word(off)
	if err != nil {
		return 0, err
	}
	Mb()
	return atomic.LoadUint32(p), nil
}

// Write32 writes v to the register at byte offset off within the window
func (a *Aperture) Write32(off uint32, v uint32) error {
	p, err := a.word(off)
	if err != nil {
		return err
	}
	atomic.StoreUint32(p, v)
	Wmb()
	return nil
}

// Close unmaps the window
func (a *Aperture) Close() error {
	a.closeOnce.Do(func() {
		a.window = nil
		a.closeErr = unix.Munmap(a.mem)
		a.mem = nil
	})
	return a.closeErr
}

func (a *Aperture) String() string {
	return fmt.Sprintf("%s@0x%x+0x%x", a.path, a.offset, len(a.window))
}

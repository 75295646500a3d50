package engine

import "fmt"

// DMEMC/EMEMC control word fields
const (
	memcOffsMask = 0x000000fc
	memcBlkMask  = 0x0000ff00
	memcAddrMask = memcOffsMask | memcBlkMask
	memcAincw    = 1 << 24
	memcAincr    = 1 << 25
)

// Layout locates the registers of one falcon inside an aperture. All
// offsets are aperture byte offsets.
type Layout struct {
	// Command queue pointer arrays, indexed by queue index
	QueueHead   uint32
	QueueTail   uint32
	QueueStride uint32
	QueueCount  uint32

	// The message queue has its own pointer pair
	MsgQueueID uint32
	MsgHead    uint32
	MsgTail    uint32

	// Memory access ports. The data register follows the control register.
	DmemC      uint32
	EmemC      uint32
	PortStride uint32
	DmemPorts  uint8
	EmemPorts  uint8

	DmemSize uint32
	EmemSize uint32
	// EmemStart is where EMEM appears in the falcon address space; EMEM
	// queue offsets are given in that space
	EmemStart uint32
}

// PMULayout is the register layout of the PMU falcon on Volta and later
func PMULayout() Layout {
	const base = 0x10a000
	return Layout{
		QueueHead:   0x10a800,
		QueueTail:   0x10a820,
		QueueStride: 4,
		QueueCount:  8,
		MsgQueueID:  4,
		MsgHead:     0x10a4c8,
		MsgTail:     0x10a4cc,
		DmemC:       base + 0x1c0,
		EmemC:       base + 0xac0,
		PortStride:  8,
		DmemPorts:   4,
		EmemPorts:   4,
		DmemSize:    0x10000,
		EmemSize:    0x2000,
		EmemStart:   0x01000000,
	}
}

// Validate checks the layout for obviously wrong values
func (l Layout) Validate() error {
	switch {
	case l.QueueStride == 0 || l.QueueStride%4 != 0:
		return fmt.Errorf("queue register stride %d not a multiple of 4", l.QueueStride)
	case l.QueueCount == 0:
		return fmt.Errorf("no command queue registers")
	case l.PortStride == 0 || l.PortStride%4 != 0:
		return fmt.Errorf("port stride %d not a multiple of 4", l.PortStride)
	case l.DmemPorts == 0:
		return fmt.Errorf("no DMEM ports")
	}
	for _, r := range []uint32{l.QueueHead, l.QueueTail, l.MsgHead, l.MsgTail, l.DmemC, l.EmemC} {
		if r%4 != 0 {
			return fmt.Errorf("register 0x%x not 4-byte aligned", r)
		}
	}
	return nil
}

// End returns one past the highest register offset the layout touches
func (l Layout) End() uint32 {
	end := uint32(0)
	grow := func(r uint32) {
		if r+4 > end {
			end = r + 4
		}
	}
	grow(l.QueueHead + (l.QueueCount-1)*l.QueueStride)
	grow(l.QueueTail + (l.QueueCount-1)*l.QueueStride)
	grow(l.MsgHead)
	grow(l.MsgTail)
	if l.DmemPorts > 0 {
		grow(l.DmemC + uint32(l.DmemPorts-1)*l.PortStride + 4)
	}
	if l.EmemPorts > 0 {
		grow(l.EmemC + uint32(l.EmemPorts-1)*l.PortStride + 4)
	}
	return end
}

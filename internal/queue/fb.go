package queue

import (
	"sync"

	"github.com/ehrlich-b/go-falcon/internal/constants"
	"github.com/ehrlich-b/go-falcon/internal/fault"
	"github.com/ehrlich-b/go-falcon/internal/interfaces"
	"github.com/ehrlich-b/go-falcon/internal/uapi"
)

// fbQueue keeps fixed-size elements in a frame-buffer surface. Head, tail
// and position are element indices. Elements are staged through a work
// buffer with its own lock.
//
// Lock order: the queue lock is always taken first. Push and Pop only
// TryLock the work buffer and report Busy when a caller holds it, so a
// caller inspecting the buffer with LockWorkBuffer must not push or pop on
// the same goroutine until it unlocks.
type fbQueue struct {
	registers

	surface     interfaces.Surface
	elementSize uint32
	fbOffset    uint32

	// Command queues track their tail on the host; elements are released
	// with FreeElement once the firmware has answered them.
	swTail uint32
	inUse  uint64

	// read cursor inside the element being consumed
	readPos uint32
	hdr     uapi.CmdHdr

	wbMu sync.Mutex
	wb   []byte
}

func newFBQueue(q *Queue, e interfaces.Engine, p Params) (*fbQueue, error) {
	switch {
	case p.Surface == nil:
		return nil, q.errorf("INIT", fault.CodeInvalidArgument, "fb queue without surface")
	case p.Size == 0 || p.Size > constants.MaxFBElements:
		return nil, q.errorf("INIT", fault.CodeInvalidArgument,
			"fb queue element count %d out of range [1, %d]", p.Size, constants.MaxFBElements)
	case p.Position >= p.Size:
		return nil, q.errorf("INIT", fault.CodeInvalidArgument, "fb position %d beyond %d elements", p.Position, p.Size)
	case p.ElementSize <= uapi.FBQHdrSize+uapi.CmdHdrSize:
		return nil, q.errorf("INIT", fault.CodeInvalidArgument, "fb element size %d too small", p.ElementSize)
	case p.ElementSize > constants.MaxWorkBufferSize:
		return nil, q.errorf("INIT", fault.CodeOutOfMemory, "cannot allocate %d byte work buffer", p.ElementSize)
	}

	end := int64(p.FBOffset) + int64(p.Size)*int64(p.ElementSize)
	if end > p.Surface.Size() {
		return nil, q.errorf("INIT", fault.CodeInvalidArgument,
			"fb queue ends at 0x%x beyond surface size 0x%x", end, p.Surface.Size())
	}

	return &fbQueue{
		registers:   newRegisters(e),
		surface:     p.Surface,
		elementSize: p.ElementSize,
		fbOffset:    p.FBOffset,
		swTail:      p.Position,
		wb:          GetBuffer(p.ElementSize),
	}, nil
}

func (f *fbQueue) next(q *Queue, i uint32) uint32 {
	return (i + 1) % q.size
}

func (f *fbQueue) elementOffset(pos uint32) int64 {
	return int64(f.fbOffset) + int64(pos)*int64(f.elementSize)
}

func (f *fbQueue) tail(q *Queue, v *uint32, set bool) error {
	if q.dir != Write {
		return f.registers.tail(q, v, set)
	}
	if set {
		f.swTail = *v
	} else {
		*v = f.swTail
	}
	return nil
}

// hasRoom reports whether the element after head is free. FB queues never
// rewind.
func (f *fbQueue) hasRoom(q *Queue, size uint32) (bool, bool, error) {
	var head, tail uint32
	if err := f.head(q, &head, false); err != nil {
		return false, false, err
	}
	if err := f.tail(q, &tail, false); err != nil {
		return false, false, err
	}
	return f.next(q, head) != tail, false, nil
}

func (f *fbQueue) push(q *Queue, data []byte) error {
	size := uint32(len(data))
	if size+uapi.FBQHdrSize > f.elementSize {
		return q.errorf("PUSH", fault.CodeInvalidArgument,
			"payload of %d bytes exceeds element size %d", size, f.elementSize)
	}

	pos := q.position
	if pos >= q.size {
		return q.errorf("PUSH", fault.CodeIOError, "head index %d out of range", pos)
	}
	if f.inUse&(1<<pos) != 0 {
		return q.errorf("PUSH", fault.CodeInvalidArgument, "element %d already in use", pos)
	}

	if !f.wbMu.TryLock() {
		return q.errorf("PUSH", fault.CodeBusy, "work buffer held")
	}
	defer f.wbMu.Unlock()

	elem := f.wb[:f.elementSize]
	clear(elem)
	uapi.PutFBQHdr(elem, &uapi.FBQHdr{ElementIndex: pos, PayloadSize: size})
	copy(elem[uapi.FBQHdrSize:], data)

	if _, err := f.surface.WriteAt(elem, f.elementOffset(pos)); err != nil {
		return fault.Wrap("PUSH", q.flcn, q.id, err)
	}

	f.inUse |= 1 << pos
	q.position = f.next(q, pos)
	return nil
}

// pop serves reads of the current element. The first read loads the whole
// element into the work buffer; the element is consumed once the bytes
// named by its header have been read.
func (f *fbQueue) pop(q *Queue, data []byte) (int, error) {
	pos := q.position
	if f.readPos == 0 {
		var head uint32
		if err := f.head(q, &head, false); err != nil {
			return 0, err
		}
		if head == pos {
			return 0, nil
		}
	}
	if pos >= q.size {
		return 0, q.errorf("POP", fault.CodeIOError, "tail index %d out of range", pos)
	}

	size := uint32(len(data))
	if size+f.readPos >= f.elementSize {
		return 0, q.errorf("POP", fault.CodeInvalidArgument,
			"read of %d bytes at %d overruns element size %d", size, f.readPos, f.elementSize)
	}

	if !f.wbMu.TryLock() {
		return 0, q.errorf("POP", fault.CodeBusy, "work buffer held")
	}
	defer f.wbMu.Unlock()

	if f.readPos == 0 {
		elem := f.wb[:f.elementSize]
		if _, err := f.surface.ReadAt(elem, f.elementOffset(pos)); err != nil {
			return 0, fault.Wrap("POP", q.flcn, q.id, err)
		}
		if err := uapi.Unmarshal(elem, &f.hdr); err != nil {
			return 0, fault.Wrap("POP", q.flcn, q.id, err)
		}
		if uint32(f.hdr.Size) >= f.elementSize {
			return 0, q.errorf("POP", fault.CodeIOError,
				"message size %d exceeds element size %d", f.hdr.Size, f.elementSize)
		}
	}

	copy(data, f.wb[f.readPos:f.readPos+size])
	f.readPos += size

	if f.readPos >= uint32(f.hdr.Size) {
		f.readPos = 0
		q.position = f.next(q, pos)
	}
	return int(size), nil
}

func (f *fbQueue) free() {
	f.wbMu.Lock()
	defer f.wbMu.Unlock()

	if f.wb != nil {
		PutBuffer(f.wb)
		f.wb = nil
	}
}

// fb returns the FB backend, or nil for DMEM/EMEM queues
func (q *Queue) fb() *fbQueue {
	f, _ := q.be.(*fbQueue)
	return f
}

// ElementSize returns the FB element size, 0 for other queue types
func (q *Queue) ElementSize() uint32 {
	if f := q.fb(); f != nil {
		return f.elementSize
	}
	return 0
}

// FBOffset returns the offset of the FB queue within its surface
func (q *Queue) FBOffset() uint32 {
	if f := q.fb(); f != nil {
		return f.fbOffset
	}
	return 0
}

// LockWorkBuffer takes the FB work buffer lock. Do not call Push or Pop on
// this queue while holding it.
func (q *Queue) LockWorkBuffer() {
	if f := q.fb(); f != nil {
		f.wbMu.Lock()
	}
}

// UnlockWorkBuffer releases the FB work buffer lock
func (q *Queue) UnlockWorkBuffer() {
	if f := q.fb(); f != nil {
		f.wbMu.Unlock()
	}
}

// WorkBuffer returns the FB scratch buffer. The caller must hold the work
// buffer lock. Returns nil for other queue types and after Free.
func (q *Queue) WorkBuffer() []byte {
	if f := q.fb(); f != nil && f.wb != nil {
		return f.wb[:f.elementSize]
	}
	return nil
}

// FreeElement releases an FB command element after the firmware has
// consumed it and advances the tail over every leading free element.
func (q *Queue) FreeElement(pos uint32) error {
	if q == nil {
		return fault.New("FREE_ELEMENT", fault.CodeInvalidArgument, "nil queue")
	}
	f := q.fb()
	if f == nil {
		return q.errorf("FREE_ELEMENT", fault.CodeInvalidArgument, "not an fb queue")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.freed {
		return q.errorf("FREE_ELEMENT", fault.CodeClosed, "")
	}
	if pos >= q.size || f.inUse&(1<<pos) == 0 {
		return q.errorf("FREE_ELEMENT", fault.CodeInvalidArgument, "element %d not in use", pos)
	}
	f.inUse &^= 1 << pos

	var head, tail uint32
	if err := f.head(q, &head, false); err != nil {
		return err
	}
	if err := f.tail(q, &tail, false); err != nil {
		return err
	}

	for tail != head && f.inUse&(1<<tail) == 0 {
		tail = f.next(q, tail)
	}
	return f.tail(q, &tail, true)
}

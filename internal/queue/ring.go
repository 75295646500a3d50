package queue

import (
	"github.com/ehrlich-b/go-falcon/internal/constants"
	"github.com/ehrlich-b/go-falcon/internal/fault"
	"github.com/ehrlich-b/go-falcon/internal/interfaces"
	"github.com/ehrlich-b/go-falcon/internal/uapi"
)

// registers implements head/tail through the engine's queue pointer
// registers. Engines without them report NotImplemented.
type registers struct {
	regs interfaces.QueueRegisters
}

func newRegisters(e interfaces.Engine) registers {
	r, _ := e.(interfaces.QueueRegisters)
	return registers{regs: r}
}

func (r registers) head(q *Queue, v *uint32, set bool) error {
	op := "HEAD_GET"
	if set {
		op = "HEAD_SET"
	}
	if r.regs == nil {
		return q.errorf(op, fault.CodeNotImplemented, "engine has no queue head register")
	}
	return fault.Wrap(op, q.flcn, q.id, r.regs.QueueHead(q.id, q.index, v, set))
}

func (r registers) tail(q *Queue, v *uint32, set bool) error {
	op := "TAIL_GET"
	if set {
		op = "TAIL_SET"
	}
	if r.regs == nil {
		return q.errorf(op, fault.CodeNotImplemented, "engine has no queue tail register")
	}
	return fault.Wrap(op, q.flcn, q.id, r.regs.QueueTail(q.id, q.index, v, set))
}

// ring is the byte-addressed circular buffer shared by DMEM and EMEM
// queues. Only the copy primitives differ between the two.
type ring struct {
	registers

	copyTo   func(dst uint32, src []byte) error
	copyFrom func(src uint32, dst []byte) error
}

// hasRoom reports whether an aligned write of size fits. When head is at or
// past tail the space before the physical end, less one header, is
// available; if the write does not fit there a rewind is requested and head
// is taken as the ring start. When head is behind tail one byte is held back
// so that a full ring never reads as empty.
func (r *ring) hasRoom(q *Queue, size uint32) (bool, bool, error) {
	var head, tail uint32
	if err := r.head(q, &head, false); err != nil {
		return false, false, err
	}
	if err := r.tail(q, &tail, false); err != nil {
		return false, false, err
	}

	size = align(size)
	var free uint32
	rewind := false

	if head >= tail {
		end := q.offset + q.size
		if head+constants.CmdHdrSize < end {
			free = end - head - constants.CmdHdrSize
		}
		if size > free {
			rewind = true
			head = q.offset
		}
	}

	if head < tail {
		free = tail - head - 1
	}

	return size <= free, rewind, nil
}

// rewind moves the cursor to the ring start. A writer first leaves a rewind
// record so the firmware skips the dead space; a reader publishes the new
// tail.
func (r *ring) rewind(q *Queue) error {
	if q.dir == Write {
		hdr := uapi.RewindHdr()
		if err := r.push(q, uapi.Marshal(&hdr)); err != nil {
			q.log.QueueError("rewind", q.id, err)
			return err
		}
	}

	q.position = q.offset

	if q.dir == Read {
		if err := r.tail(q, &q.position, true); err != nil {
			return err
		}
	}

	q.obs.ObserveRewind()
	q.log.Debug("queue rewound", "dir", q.dir.String())
	return nil
}

func (r *ring) push(q *Queue, data []byte) error {
	if r.copyTo == nil {
		return q.errorf("PUSH", fault.CodeNotImplemented, "engine cannot copy to %s", q.typ)
	}
	if err := r.copyTo(q.position, data); err != nil {
		return fault.Wrap("PUSH", q.flcn, q.id, err)
	}
	q.position += align(uint32(len(data)))
	return nil
}

// pop copies at most the bytes between the cursor and head, or the cursor
// and the physical end when head has wrapped.
func (r *ring) pop(q *Queue, data []byte) (int, error) {
	if r.copyFrom == nil {
		return 0, q.errorf("POP", fault.CodeNotImplemented, "engine cannot copy from %s", q.typ)
	}

	var head uint32
	if err := r.head(q, &head, false); err != nil {
		return 0, err
	}

	tail := q.position
	if head == tail {
		return 0, nil
	}

	var used uint32
	if head > tail {
		used = head - tail
	} else {
		used = q.offset + q.size - tail
	}

	size := uint32(len(data))
	if size > used {
		q.log.Debug("pop clamped to used bytes", "want", size, "used", used)
		size = used
	}

	if err := r.copyFrom(tail, data[:size]); err != nil {
		return 0, fault.Wrap("POP", q.flcn, q.id, err)
	}
	q.position += align(size)
	return int(size), nil
}

func (r *ring) free() {}

package ctrl

import (
	"fmt"

	"github.com/ehrlich-b/go-falcon/internal/constants"
	"github.com/ehrlich-b/go-falcon/internal/queue"
	"github.com/ehrlich-b/go-falcon/internal/uapi"
)

// QueueSpec is the geometry of one queue as described by a layout file or
// the firmware INIT message
type QueueSpec struct {
	ID        uint32
	Index     uint32
	Direction queue.Direction
	Type      queue.Type
	Offset    uint32
	Size      uint32 // ring bytes, or element count for FB queues

	ElementSize uint32
	FBOffset    uint32
}

func (s QueueSpec) String() string {
	if s.Type == queue.FB {
		return fmt.Sprintf("queue %d/%d %s %s fb@0x%x %dx%d",
			s.ID, s.Index, s.Direction, s.Type, s.FBOffset, s.Size, s.ElementSize)
	}
	return fmt.Sprintf("queue %d/%d %s %s [0x%x, 0x%x)",
		s.ID, s.Index, s.Direction, s.Type, s.Offset, s.Offset+s.Size)
}

// Params converts the spec to queue construction parameters
func (s QueueSpec) Params() queue.Params {
	return queue.Params{
		ID:          s.ID,
		Index:       s.Index,
		Offset:      s.Offset,
		Position:    s.Start(),
		Size:        s.Size,
		Direction:   s.Direction,
		Type:        s.Type,
		ElementSize: s.ElementSize,
		FBOffset:    s.FBOffset,
	}
}

// Start is the initial head/tail value of the queue
func (s QueueSpec) Start() uint32 {
	if s.Type == queue.FB {
		return 0
	}
	return s.Offset
}

// Reverse returns the view the far side of the queue uses
func (s QueueSpec) Reverse() QueueSpec {
	r := s
	if s.Direction == queue.Write {
		r.Direction = queue.Read
	} else {
		r.Direction = queue.Write
	}
	return r
}

// Entry encodes the spec for the INIT message
func (s QueueSpec) Entry() uapi.InitQueueEntry {
	e := uapi.InitQueueEntry{
		ID:          uint8(s.ID),
		Index:       uint8(s.Index),
		Offset:      s.Offset,
		Size:        s.Size,
		ElementSize: s.ElementSize,
	}
	if s.Direction == queue.Read {
		e.Direction = uapi.QUEUE_DIR_READ
	}
	switch s.Type {
	case queue.EMEM:
		e.Type = uapi.QUEUE_TYPE_EMEM
	case queue.FB:
		e.Type = uapi.QUEUE_TYPE_FB
		e.Offset = s.FBOffset
	}
	return e
}

// SpecFromEntry decodes one INIT message queue entry
func SpecFromEntry(e uapi.InitQueueEntry) (QueueSpec, error) {
	s := QueueSpec{
		ID:          uint32(e.ID),
		Index:       uint32(e.Index),
		Offset:      e.Offset,
		Size:        e.Size,
		ElementSize: e.ElementSize,
	}

	switch e.Direction {
	case uapi.QUEUE_DIR_WRITE:
		s.Direction = queue.Write
	case uapi.QUEUE_DIR_READ:
		s.Direction = queue.Read
	default:
		return s, fmt.Errorf("queue %d: unknown direction %d", e.ID, e.Direction)
	}

	switch e.Type {
	case uapi.QUEUE_TYPE_DMEM:
		s.Type = queue.DMEM
	case uapi.QUEUE_TYPE_EMEM:
		s.Type = queue.EMEM
	case uapi.QUEUE_TYPE_FB:
		s.Type = queue.FB
		s.FBOffset = e.Offset
		s.Offset = 0
	default:
		return s, fmt.Errorf("queue %d: unknown type %d", e.ID, e.Type)
	}
	return s, nil
}

// Layout is the full queue set of one falcon
type Layout struct {
	Commands []QueueSpec
	Message  QueueSpec
}

// All returns the message queue followed by the command queues
func (l Layout) All() []QueueSpec {
	out := make([]QueueSpec, 0, len(l.Commands)+1)
	out = append(out, l.Message)
	return append(out, l.Commands...)
}

// DefaultLayout is the PMU style layout: two DMEM command queues and one
// DMEM message queue
func DefaultLayout() Layout {
	const base = 0x800
	return Layout{
		Commands: []QueueSpec{
			{ID: constants.DefaultCmdQueueHPQ, Index: 0, Direction: queue.Write, Type: queue.DMEM,
				Offset: base, Size: constants.DefaultQueueSize},
			{ID: constants.DefaultCmdQueueLPQ, Index: 1, Direction: queue.Write, Type: queue.DMEM,
				Offset: base + constants.DefaultQueueSize, Size: constants.DefaultQueueSize},
		},
		Message: QueueSpec{ID: constants.DefaultMsgQueue, Index: 0, Direction: queue.Read, Type: queue.DMEM,
			Offset: base + 2*constants.DefaultQueueSize, Size: constants.DefaultQueueSize},
	}
}

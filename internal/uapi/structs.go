package uapi

import (
	"fmt"
	"unsafe"
)

// CmdHdr prefixes every command and message record in a ring.
//
//	struct pmu_hdr {
//	  u8 unit_id;    // target unit, UNIT_REWIND for the wrap record
//	  u8 size;       // record size including this header
//	  u8 ctrl_flags; // CMD_FLAGS_*
//	  u8 seq_id;     // sequence id echoed back in the reply
//	};
type CmdHdr struct {
	UnitID    uint8
	Size      uint8
	CtrlFlags uint8
	SeqID     uint8
}

// Compile-time size check
var _ [CmdHdrSize]byte = [unsafe.Sizeof(CmdHdr{})]byte{}

// IsRewind reports whether the header is the ring wrap record
func (h CmdHdr) IsRewind() bool {
	return h.UnitID == UNIT_REWIND
}

// IsEvent reports whether the message was sent unsolicited
func (h CmdHdr) IsEvent() bool {
	return h.CtrlFlags&CMD_FLAGS_EVENT != 0
}

// PayloadSize returns the number of bytes following the header
func (h CmdHdr) PayloadSize() int {
	if int(h.Size) < CmdHdrSize {
		return 0
	}
	return int(h.Size) - CmdHdrSize
}

func (h CmdHdr) String() string {
	return fmt.Sprintf("unit=0x%02x size=%d flags=0x%x seq=%d", h.UnitID, h.Size, h.CtrlFlags, h.SeqID)
}

// RewindHdr returns the record a writer pushes when it wraps to the ring start
func RewindHdr() CmdHdr {
	return CmdHdr{UnitID: UNIT_REWIND, Size: CmdHdrSize}
}

// FBQHdr prefixes every element written to a frame-buffer queue
type FBQHdr struct {
	ElementIndex uint32 // slot index the element was written to
	PayloadSize  uint32 // bytes of payload following the header
}

var _ [FBQHdrSize]byte = [unsafe.Sizeof(FBQHdr{})]byte{}

// InitQueueEntry describes one queue in the firmware INIT message
type InitQueueEntry struct {
	ID          uint8
	Index       uint8
	Direction   uint8  // QUEUE_DIR_*
	Type        uint8  // QUEUE_TYPE_*
	Offset      uint32 // DMEM/EMEM byte offset, or FB surface offset
	Size        uint32 // ring bytes, or element count for FB queues
	ElementSize uint32 // FB queues only
}

var _ [InitQueueEntrySize]byte = [unsafe.Sizeof(InitQueueEntry{})]byte{}

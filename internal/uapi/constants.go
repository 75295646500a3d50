// Package uapi provides the falcon firmware queue record definitions
package uapi

// Unit IDs carried in CmdHdr.UnitID
const (
	UNIT_REWIND = 0x00 // Rewind sentinel: the rest of the ring is dead space
	UNIT_INIT   = 0x07 // Firmware INIT message with the queue table
	UNIT_ECHO   = 0x7e // Echo unit answered by the emulated firmware
	UNIT_END    = 0x80 // First invalid unit id
)

// Command control flags carried in CmdHdr.CtrlFlags
const (
	CMD_FLAGS_STATUS = 1 << 0 // Caller wants a completion message
	CMD_FLAGS_INTR   = 1 << 1 // Raise an interrupt on completion
	CMD_FLAGS_EVENT  = 1 << 2 // Unsolicited message from firmware
)

// Queue table encodings used by the INIT message
const (
	QUEUE_DIR_WRITE = 0
	QUEUE_DIR_READ  = 1

	QUEUE_TYPE_DMEM = 0
	QUEUE_TYPE_EMEM = 1
	QUEUE_TYPE_FB   = 2
)

// Record sizes
const (
	CmdHdrSize         = 4
	FBQHdrSize         = 8
	InitQueueEntrySize = 16
	MaxSeqID           = 0xff
)

package constants

import "time"

// Ring protocol constants shared with falcon firmware
const (
	// QueueAlignment is the alignment applied to every ring write size
	QueueAlignment = 4

	// CmdHdrSize is the size of a command/message header; also the amount of
	// slack reserved at the physical end of a ring for the rewind record
	CmdHdrSize = 4

	// MaxFBElements is the maximum number of elements in an FB queue
	MaxFBElements = 64

	// MaxWorkBufferSize bounds the FB scratch buffer allocation
	MaxWorkBufferSize = 1 << 20
)

// Default queue layout (PMU style)
const (
	// DefaultCmdQueueHPQ is the high priority command queue id
	DefaultCmdQueueHPQ = 0

	// DefaultCmdQueueLPQ is the low priority command queue id
	DefaultCmdQueueLPQ = 1

	// DefaultMsgQueue is the message queue id
	DefaultMsgQueue = 4

	// DefaultQueueSize is the default DMEM ring size in bytes
	DefaultQueueSize = 0x100

	// DefaultDmemSize is the default emulated DMEM size in bytes
	DefaultDmemSize = 64 * 1024

	// DefaultEmemSize is the default emulated EMEM size in bytes
	DefaultEmemSize = 8 * 1024

	// DefaultFBElementSize is the default FB queue element size in bytes
	DefaultFBElementSize = 0x80
)

// Timing constants for the IPC layer
const (
	// DefaultPostTimeout bounds how long Post retries a full command queue
	DefaultPostTimeout = 2 * time.Second

	// PostRetryInterval is the initial retry interval for a full queue
	PostRetryInterval = 50 * time.Microsecond

	// PostMaxRetryInterval caps the retry interval for a full queue
	PostMaxRetryInterval = 5 * time.Millisecond

	// BusyLogInterval rate limits "queue full" logging
	BusyLogInterval = time.Second
)

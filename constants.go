package falcon

import "github.com/ehrlich-b/go-falcon/internal/constants"

// Re-export constants for public API
const (
	QueueAlignment       = constants.QueueAlignment
	CmdHdrSize           = constants.CmdHdrSize
	MaxFBElements        = constants.MaxFBElements
	DefaultCmdQueueHPQ   = constants.DefaultCmdQueueHPQ
	DefaultCmdQueueLPQ   = constants.DefaultCmdQueueLPQ
	DefaultMsgQueue      = constants.DefaultMsgQueue
	DefaultQueueSize     = constants.DefaultQueueSize
	DefaultFBElementSize = constants.DefaultFBElementSize
	DefaultPostTimeout   = constants.DefaultPostTimeout
)

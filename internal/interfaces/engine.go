package interfaces

import "io"

// Engine identifies the falcon that owns a set of queues. Hardware access is
// provided through the optional capability interfaces below; a queue asks its
// engine for a capability when it needs one and reports NotImplemented when
// the engine does not provide it.
type Engine interface {
	// ID returns the falcon instance ID (PMU, SEC2, ...).
	ID() uint32
}

// QueueRegisters is implemented by engines that expose queue head/tail
// pointer registers.
type QueueRegisters interface {
	Engine

	// QueueHead reads the head pointer of queue (id, index) into *head, or
	// writes *head to it when set is true.
	QueueHead(id, index uint32, head *uint32, set bool) error

	// QueueTail is the tail pointer counterpart of QueueHead.
	QueueTail(id, index uint32, tail *uint32, set bool) error
}

// DmemCopier is implemented by engines that can copy to and from falcon
// data memory. The port selects the DMEM access port; offsets are byte
// offsets into DMEM.
type DmemCopier interface {
	Engine

	CopyToDmem(dst uint32, src []byte, port uint8) error
	CopyFromDmem(src uint32, dst []byte, port uint8) error
}

// EmemCopier is implemented by engines with extended memory.
type EmemCopier interface {
	Engine

	CopyToEmem(dst uint32, src []byte, port uint8) error
	CopyFromEmem(src uint32, dst []byte, port uint8) error
}

// Surface is a byte-addressable frame-buffer region backing FB queues.
//
// ReadAt and WriteAt follow io.ReaderAt and io.WriterAt; implementations
// must not retain p.
type Surface interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the size of the surface in bytes.
	Size() int64
}

// Store is a Surface that can be released. backend.Memory implements it and
// serves as DMEM, EMEM or FB storage for emulated engines.
type Store interface {
	Surface

	// Close releases the store. No other methods may be called afterwards.
	Close() error
}

// ZeroingStore is an optional interface for stores that can clear a range
// without a zero-filled buffer.
type ZeroingStore interface {
	Store

	Zero(offset, length int64) error
}

// StatStore is an optional interface that reports store statistics.
type StatStore interface {
	Store

	Stats() map[string]interface{}
}

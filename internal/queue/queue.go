// Package queue implements the falcon command/message ring engine.
//
// A Queue is a bounded circular buffer shared with falcon firmware. Head and
// tail pointers live in engine registers; the bytes live in DMEM, EMEM or a
// frame-buffer surface depending on the queue type. Every public operation
// runs under the queue's mutex, so operations on one queue never interleave.
// Different queues are independent.
package queue

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ehrlich-b/go-falcon/internal/constants"
	"github.com/ehrlich-b/go-falcon/internal/fault"
	"github.com/ehrlich-b/go-falcon/internal/interfaces"
	"github.com/ehrlich-b/go-falcon/internal/logging"
)

// Direction is fixed for the lifetime of a queue
type Direction int

const (
	Write Direction = iota // host pushes commands
	Read                   // host pops messages
)

func (d Direction) String() string {
	switch d {
	case Write:
		return "write"
	case Read:
		return "read"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Type selects the storage backend bound at init
type Type int

const (
	DMEM Type = iota
	EMEM
	FB
)

func (t Type) String() string {
	switch t {
	case DMEM:
		return "dmem"
	case EMEM:
		return "emem"
	case FB:
		return "fb"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Params describes the queue to build
type Params struct {
	ID        uint32
	Index     uint32
	Offset    uint32 // byte offset of the ring in DMEM/EMEM
	Position  uint32 // initial cursor
	Size      uint32 // ring bytes; element count for FB queues
	Direction Direction
	Type      Type

	// FB queues only
	Surface     interfaces.Surface
	ElementSize uint32
	FBOffset    uint32

	Logger   *logging.Logger
	Observer Observer
}

// Observer receives per-operation statistics. Implementations must be safe
// for concurrent use.
type Observer interface {
	ObservePush(bytes uint64, latencyNs uint64, success bool)
	ObservePop(bytes uint64, latencyNs uint64, success bool)
	ObserveBusy()
	ObserveRewind()
}

type noopObserver struct{}

func (noopObserver) ObservePush(uint64, uint64, bool) {}
func (noopObserver) ObservePop(uint64, uint64, bool)  {}
func (noopObserver) ObserveBusy()                     {}
func (noopObserver) ObserveRewind()                   {}

// backend is the per-type operation table. The set of implementations is
// closed: dmemQueue, ememQueue and fbQueue.
type backend interface {
	head(q *Queue, v *uint32, set bool) error
	tail(q *Queue, v *uint32, set bool) error
	hasRoom(q *Queue, size uint32) (ok bool, rewind bool, err error)
	push(q *Queue, data []byte) error
	pop(q *Queue, data []byte) (int, error)
	free()
}

// rewinder is implemented by backends that wrap at the physical ring end
type rewinder interface {
	rewind(q *Queue) error
}

// Queue is one falcon command or message ring
type Queue struct {
	flcn     uint32
	id       uint32
	index    uint32
	offset   uint32
	size     uint32
	position uint32
	dir      Direction
	typ      Type

	be    backend
	mu    sync.Mutex
	freed bool

	log     *logging.Logger
	obs     Observer
	busyLog *rate.Limiter
}

// New builds a queue bound to engine. The backend is selected by p.Type and
// initialized before the queue becomes usable; a backend init failure
// returns no queue.
func New(engine interfaces.Engine, p Params) (*Queue, error) {
	if engine == nil {
		return nil, fault.New("INIT", fault.CodeInvalidArgument, "nil engine")
	}

	q := &Queue{
		flcn:     engine.ID(),
		id:       p.ID,
		index:    p.Index,
		offset:   p.Offset,
		size:     p.Size,
		position: p.Position,
		dir:      p.Direction,
		typ:      p.Type,
		log:      p.Logger,
		obs:      p.Observer,
		busyLog:  rate.NewLimiter(rate.Every(constants.BusyLogInterval), 1),
	}
	if q.log == nil {
		q.log = logging.Default()
	}
	q.log = q.log.WithFalcon(q.flcn).WithQueue(q.id, q.index)
	if q.obs == nil {
		q.obs = noopObserver{}
	}

	if p.Direction != Write && p.Direction != Read {
		return nil, q.errorf("INIT", fault.CodeInvalidArgument, "unknown direction %d", p.Direction)
	}

	var err error
	switch p.Type {
	case DMEM:
		if err = q.checkRing(); err == nil {
			q.be = newDmemQueue(engine)
		}
	case EMEM:
		if err = q.checkRing(); err == nil {
			q.be = newEmemQueue(engine)
		}
	case FB:
		var f *fbQueue
		if f, err = newFBQueue(q, engine, p); err == nil {
			q.be = f
		}
	default:
		err = q.errorf("INIT", fault.CodeInvalidArgument, "unknown queue type %d", p.Type)
	}
	if err != nil {
		q.log.QueueError("init", q.id, err)
		return nil, err
	}

	q.log.Debug("queue initialized", "type", q.typ.String(), "dir", q.dir.String(),
		"offset", q.offset, "size", q.size)
	return q, nil
}

func (q *Queue) checkRing() error {
	if q.size <= constants.CmdHdrSize {
		return q.errorf("INIT", fault.CodeInvalidArgument, "ring size %d too small", q.size)
	}
	if q.offset%constants.QueueAlignment != 0 || q.size%constants.QueueAlignment != 0 {
		return q.errorf("INIT", fault.CodeInvalidArgument,
			"ring [0x%x, +0x%x) not %d-byte aligned", q.offset, q.size, constants.QueueAlignment)
	}
	return nil
}

// Push writes one record. Returns a Busy error when the ring has no room;
// the caller owns retry policy.
func (q *Queue) Push(data []byte) error {
	if q == nil {
		return fault.New("PUSH", fault.CodeInvalidArgument, "nil queue")
	}
	if q.dir != Write {
		return q.errorf("PUSH", fault.CodeInvalidDirection, "queue not opened for write")
	}

	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.freed {
		return q.errorf("PUSH", fault.CodeClosed, "")
	}

	err := q.push(data)
	switch {
	case err == nil:
		q.obs.ObservePush(uint64(len(data)), uint64(time.Since(start)), true)
		q.log.QueueOp("push", q.id, q.position, len(data))
	case fault.IsCode(err, fault.CodeBusy):
		q.obs.ObserveBusy()
	default:
		q.obs.ObservePush(uint64(len(data)), uint64(time.Since(start)), false)
		q.log.QueueError("push", q.id, err)
	}
	return err
}

func (q *Queue) push(data []byte) error {
	if err := q.prepareWrite(uint32(len(data))); err != nil {
		return err
	}

	// A failed copy leaves the published head untouched.
	if err := q.be.push(q, data); err != nil {
		return err
	}

	if err := q.be.head(q, &q.position, true); err != nil {
		return err
	}
	return nil
}

// prepareWrite checks for room, loads the write cursor from the head
// register and performs the writer rewind when the record would cross the
// physical end of the ring.
func (q *Queue) prepareWrite(size uint32) error {
	ok, rewind, err := q.be.hasRoom(q, size)
	if err != nil {
		return err
	}
	if !ok {
		if q.busyLog.Allow() {
			q.log.QueueFull(q.id, q.index, int(size))
		}
		return q.errorf("PUSH", fault.CodeBusy, "")
	}

	if err := q.be.head(q, &q.position, false); err != nil {
		return err
	}

	if rewind {
		if rw, ok := q.be.(rewinder); ok {
			return rw.rewind(q)
		}
	}
	return nil
}

// Pop reads up to len(data) bytes of the next record and returns the number
// of bytes read. An empty ring reads 0 bytes without error.
func (q *Queue) Pop(data []byte) (int, error) {
	if q == nil {
		return 0, fault.New("POP", fault.CodeInvalidArgument, "nil queue")
	}
	if q.dir != Read {
		return 0, q.errorf("POP", fault.CodeInvalidDirection, "queue not opened for read")
	}

	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.freed {
		return 0, q.errorf("POP", fault.CodeClosed, "")
	}

	n, err := q.pop(data)
	if err != nil {
		q.obs.ObservePop(0, uint64(time.Since(start)), false)
		q.log.QueueError("pop", q.id, err)
		return 0, err
	}
	if n > 0 {
		q.obs.ObservePop(uint64(n), uint64(time.Since(start)), true)
		q.log.QueueOp("pop", q.id, q.position, n)
	}
	return n, nil
}

func (q *Queue) pop(data []byte) (int, error) {
	if err := q.be.tail(q, &q.position, false); err != nil {
		return 0, err
	}

	n, err := q.be.pop(q, data)
	if err != nil {
		return 0, err
	}

	if err := q.be.tail(q, &q.position, true); err != nil {
		return 0, err
	}
	return n, nil
}

// Rewind resets the cursor to the start of the ring. On a read queue this
// also publishes the tail; on a write queue it emits the rewind record at
// the current position first. Backends without wraparound ignore it.
func (q *Queue) Rewind() error {
	if q == nil {
		return fault.New("REWIND", fault.CodeInvalidArgument, "nil queue")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.freed {
		return q.errorf("REWIND", fault.CodeClosed, "")
	}

	if rw, ok := q.be.(rewinder); ok {
		if err := rw.rewind(q); err != nil {
			q.log.QueueError("rewind", q.id, err)
			return err
		}
	}
	return nil
}

// IsEmpty compares the head and tail registers. When either read fails the
// error is returned and the result is true.
func (q *Queue) IsEmpty() (bool, error) {
	if q == nil {
		return true, fault.New("IS_EMPTY", fault.CodeInvalidArgument, "nil queue")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.freed {
		return true, q.errorf("IS_EMPTY", fault.CodeClosed, "")
	}

	var head, tail uint32
	if err := q.be.head(q, &head, false); err != nil {
		return true, err
	}
	if err := q.be.tail(q, &tail, false); err != nil {
		return true, err
	}
	return head == tail, nil
}

// Free releases backend resources. It is safe to call more than once; any
// later operation fails with a Closed error.
func (q *Queue) Free() {
	if q == nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.freed {
		return
	}
	q.be.free()
	q.freed = true
	q.log.Debug("queue freed")
}

// ID returns the logical queue id
func (q *Queue) ID() uint32 { return q.id }

// Index returns the physical queue index
func (q *Queue) Index() uint32 { return q.index }

// Size returns the ring size in bytes, or the element count for FB queues
func (q *Queue) Size() uint32 { return q.size }

// Offset returns the ring start offset
func (q *Queue) Offset() uint32 { return q.offset }

// Direction returns the queue direction
func (q *Queue) Direction() Direction { return q.dir }

// Type returns the backend type
func (q *Queue) Type() Type { return q.typ }

// Falcon returns the owning falcon id
func (q *Queue) Falcon() uint32 { return q.flcn }

// Position returns the cursor left by the last operation
func (q *Queue) Position() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.position
}

func (q *Queue) errorf(op string, code fault.Code, format string, args ...any) *fault.Error {
	msg := ""
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	return fault.NewQueue(op, q.flcn, q.id, code, msg)
}

func align(v uint32) uint32 {
	return (v + constants.QueueAlignment - 1) &^ (constants.QueueAlignment - 1)
}

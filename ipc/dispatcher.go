package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"code.hybscloud.com/iox"
	"github.com/cenkalti/backoff"
	"github.com/google/btree"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/go-falcon/internal/constants"
	"github.com/ehrlich-b/go-falcon/internal/fault"
	"github.com/ehrlich-b/go-falcon/internal/logging"
	"github.com/ehrlich-b/go-falcon/internal/queue"
	"github.com/ehrlich-b/go-falcon/internal/uapi"
)

// DefaultEventBuffer is the capacity of the Events channel
const DefaultEventBuffer = 64

// Options configures a Dispatcher
type Options struct {
	Logger *logging.Logger

	// PostTimeout bounds how long Post retries a full command queue when
	// the context has no deadline of its own.
	PostTimeout time.Duration

	EventBuffer int
}

// Pending is a command waiting for its reply
type Pending struct {
	Seq  uint8
	Unit uint8

	queueID uint32
	element uint32 // FB element holding the command

	done  chan struct{}
	reply Msg
	err   error
}

func (p *Pending) complete(m Msg, err error) {
	p.reply, p.err = m, err
	close(p.done)
}

// Done is closed once the reply arrived or the dispatcher was closed
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the reply arrives or ctx is done
func (p *Pending) Wait(ctx context.Context) (Msg, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		return Msg{}, fault.New("WAIT", fault.CodeTimeout,
			fmt.Sprintf("seq %d: %v", p.Seq, ctx.Err()))
	}
}

func lessPending(a, b *Pending) bool {
	return a.Seq < b.Seq
}

// cmdQueue serializes posts so the element index of an FB push can be read
// back from the queue position
type cmdQueue struct {
	mu sync.Mutex
	q  *queue.Queue
}

// Dispatcher posts commands on the command queues of one falcon and
// completes them from its message queue.
type Dispatcher struct {
	cmds map[uint32]*cmdQueue
	msgq *queue.Queue
	log  *logging.Logger

	postTimeout time.Duration

	mu      sync.Mutex
	pending *btree.BTreeG[*Pending]
	nextSeq uint8
	events  chan Msg
	closed  bool

	pollMu     sync.Mutex
	dropLog    *rate.Limiter
	unknownLog *rate.Limiter
}

// NewDispatcher creates a dispatcher over the given command queues and
// message queue
func NewDispatcher(cmds []*queue.Queue, msgq *queue.Queue, opts *Options) (*Dispatcher, error) {
	if msgq == nil || msgq.Direction() != queue.Read {
		return nil, fault.New("DISPATCH", fault.CodeInvalidArgument, "message queue must be a read queue")
	}
	if opts == nil {
		opts = &Options{}
	}

	d := &Dispatcher{
		cmds:        make(map[uint32]*cmdQueue, len(cmds)),
		msgq:        msgq,
		log:         opts.Logger,
		postTimeout: opts.PostTimeout,
		pending:     btree.NewG[*Pending](2, lessPending),
		dropLog:     rate.NewLimiter(rate.Every(constants.BusyLogInterval), 1),
		unknownLog:  rate.NewLimiter(rate.Every(constants.BusyLogInterval), 1),
	}
	if d.log == nil {
		d.log = logging.Default()
	}
	d.log = d.log.WithFalcon(msgq.Falcon())
	if d.postTimeout <= 0 {
		d.postTimeout = constants.DefaultPostTimeout
	}
	buf := opts.EventBuffer
	if buf <= 0 {
		buf = DefaultEventBuffer
	}
	d.events = make(chan Msg, buf)

	for _, q := range cmds {
		if q == nil || q.Direction() != queue.Write {
			return nil, fault.New("DISPATCH", fault.CodeInvalidArgument, "command queues must be write queues")
		}
		d.cmds[q.ID()] = &cmdQueue{q: q}
	}
	return d, nil
}

// Post sends one command and returns the handle its reply completes. A full
// command queue is retried with exponential backoff until ctx is done or the
// post timeout expires, then Timeout is returned. Other errors are returned
// immediately.
func (d *Dispatcher) Post(ctx context.Context, queueID uint32, unit uint8, payload []byte) (*Pending, error) {
	cq, ok := d.cmds[queueID]
	if !ok {
		return nil, fault.NewQueue("POST", d.msgq.Falcon(), queueID, fault.CodeInvalidArgument, "unknown command queue")
	}

	p, err := d.allocate(queueID, unit)
	if err != nil {
		return nil, err
	}
	log := d.log.WithQueue(queueID, cq.q.Index()).WithSeq(p.Seq, unit)

	hdr := uapi.CmdHdr{UnitID: unit, CtrlFlags: uapi.CMD_FLAGS_STATUS, SeqID: p.Seq}

	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.postTimeout)
		defer cancel()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = constants.PostRetryInterval
	b.MaxInterval = constants.PostMaxRetryInterval
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := 0
	err = backoff.Retry(func() error {
		attempts++
		err := d.write(cq, hdr, payload, p)
		if err != nil && !fault.IsCode(err, fault.CodeBusy) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))

	if err != nil {
		d.release(p.Seq)
		if fault.IsCode(err, fault.CodeBusy) || ctx.Err() != nil {
			log.Warn("post timed out", "attempts", attempts)
			return nil, fault.NewQueue("POST", cq.q.Falcon(), queueID, fault.CodeTimeout,
				fmt.Sprintf("queue full after %d attempts", attempts))
		}
		log.WithError(err).Error("post failed")
		return nil, err
	}

	log.Debug("command posted", "attempts", attempts)
	return p, nil
}

func (d *Dispatcher) write(cq *cmdQueue, hdr uapi.CmdHdr, payload []byte, p *Pending) error {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if err := WriteMessage(cq.q, hdr, payload); err != nil {
		return err
	}
	if cq.q.Type() == queue.FB {
		n := cq.q.Size()
		p.element = (cq.q.Position() + n - 1) % n
	}
	return nil
}

// allocate reserves the next free sequence id
func (d *Dispatcher) allocate(queueID uint32, unit uint8) (*Pending, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fault.New("POST", fault.CodeClosed, "dispatcher closed")
	}

	for i := 0; i <= uapi.MaxSeqID; i++ {
		seq := d.nextSeq
		d.nextSeq++
		probe := &Pending{Seq: seq}
		if d.pending.Has(probe) {
			continue
		}
		p := &Pending{Seq: seq, Unit: unit, queueID: queueID, done: make(chan struct{})}
		d.pending.ReplaceOrInsert(p)
		return p, nil
	}
	return nil, fault.New("POST", fault.CodeBusy, "no free sequence id")
}

func (d *Dispatcher) release(seq uint8) *Pending {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending.Delete(&Pending{Seq: seq})
	if !ok {
		return nil
	}
	return p
}

// Poll drains the message queue once and returns the number of messages
// handled.
func (d *Dispatcher) Poll() (int, error) {
	d.pollMu.Lock()
	defer d.pollMu.Unlock()

	handled := 0
	for {
		m, ok, err := ReadMessage(d.msgq)
		if err != nil {
			return handled, err
		}
		if !ok {
			return handled, nil
		}
		handled++
		d.dispatch(m)
	}
}

func (d *Dispatcher) dispatch(m Msg) {
	if m.Hdr.IsEvent() || m.Hdr.UnitID == uapi.UNIT_INIT {
		d.emit(m)
		return
	}

	p := d.release(m.Hdr.SeqID)
	if p == nil {
		if d.unknownLog.Allow() {
			d.log.Warn("message for unknown sequence", "seq", m.Hdr.SeqID, "unit", m.Hdr.UnitID)
		}
		return
	}

	var err error
	if cq, ok := d.cmds[p.queueID]; ok && cq.q.Type() == queue.FB {
		// the reply can overtake Post; wait for it to record the element
		cq.mu.Lock()
		elem := p.element
		cq.mu.Unlock()
		err = cq.q.FreeElement(elem)
	}
	p.complete(m, err)
}

func (d *Dispatcher) emit(m Msg) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	select {
	case d.events <- m:
	default:
		if d.dropLog.Allow() {
			d.log.Warn("event dropped", "unit", m.Hdr.UnitID)
		}
	}
}

// Run polls the message queue until ctx is done, backing off while it is
// idle
func (d *Dispatcher) Run(ctx context.Context) error {
	idle := iox.Backoff{}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		n, err := d.Poll()
		if err != nil {
			if fault.IsCode(err, fault.CodeClosed) {
				return nil
			}
			return err
		}
		if n == 0 {
			idle.Wait()
			continue
		}
		idle.Reset()
	}
}

// Events delivers unsolicited firmware messages, including INIT
func (d *Dispatcher) Events() <-chan Msg {
	return d.events
}

// Outstanding returns the number of commands waiting for a reply
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.Len()
}

// Close fails every outstanding command with a Closed error. The queues are
// not freed.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	closedErr := fault.New("WAIT", fault.CodeClosed, "dispatcher closed")
	d.pending.Ascend(func(p *Pending) bool {
		p.complete(Msg{}, closedErr)
		return true
	})
	d.pending.Clear(false)
	close(d.events)
	return nil
}

// IsTimeout reports whether err is a Timeout error
func IsTimeout(err error) bool {
	var fe *fault.Error
	return errors.As(err, &fe) && fe.Code == fault.CodeTimeout
}

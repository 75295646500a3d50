// Package falcon drives the command and message queues shared between a
// host and falcon microcontroller firmware.
//
// Queues are bounded rings whose head and tail pointers live in engine
// registers and whose bytes live in DMEM, EMEM or a frame-buffer surface.
// The package-level functions (InitQueue, Push, Pop, Rewind, IsEmpty, Free)
// operate on single queues. A Falcon booted with Boot additionally owns the
// full queue set announced by the firmware and a dispatcher that matches
// replies to posted commands.
package falcon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.hybscloud.com/iox"

	"github.com/ehrlich-b/go-falcon/internal/ctrl"
	"github.com/ehrlich-b/go-falcon/internal/fault"
	"github.com/ehrlich-b/go-falcon/internal/interfaces"
	"github.com/ehrlich-b/go-falcon/internal/logging"
	"github.com/ehrlich-b/go-falcon/internal/queue"
	"github.com/ehrlich-b/go-falcon/internal/uapi"
	"github.com/ehrlich-b/go-falcon/ipc"
)

// Engine capabilities, implemented by hardware or emulated engines
type (
	Engine         = interfaces.Engine
	QueueRegisters = interfaces.QueueRegisters
	DmemCopier     = interfaces.DmemCopier
	EmemCopier     = interfaces.EmemCopier
	Surface        = interfaces.Surface
)

// Queue types
type (
	Queue       = queue.Queue
	QueueParams = queue.Params
	Direction   = queue.Direction
	QueueType   = queue.Type
	QueueSpec   = ctrl.QueueSpec
	Layout      = ctrl.Layout
)

const (
	Write = queue.Write
	Read  = queue.Read

	DMEM = queue.DMEM
	EMEM = queue.EMEM
	FB   = queue.FB
)

// DefaultLayout is the PMU queue layout: two DMEM command queues and one
// DMEM message queue
func DefaultLayout() Layout { return ctrl.DefaultLayout() }

// DefaultBootTimeout bounds how long Boot waits for the INIT message
const DefaultBootTimeout = 5 * time.Second

// Options contains additional options for a Falcon
type Options struct {
	// Logger for queue diagnostics (if nil, uses the default logger)
	Logger *logging.Logger

	// Observer for metrics collection (if nil, records to the Falcon's Metrics)
	Observer Observer

	// Surface backs FB queues
	Surface Surface

	BootTimeout time.Duration

	// PostTimeout bounds Post when the caller's context has no deadline
	PostTimeout time.Duration
}

// Falcon is a handle on one falcon engine
type Falcon struct {
	// ID is the falcon instance id reported by the engine
	ID uint32

	engine   Engine
	surface  Surface
	log      *logging.Logger
	metrics  *Metrics
	observer Observer
	bootWait time.Duration
	postWait time.Duration

	mu     sync.Mutex
	queues *ctrl.Controller
	disp   *ipc.Dispatcher
	cancel context.CancelFunc
	done   chan error
}

// New creates a handle on engine
func New(engine Engine, opts *Options) (*Falcon, error) {
	if engine == nil {
		return nil, ErrInvalidArgument
	}
	if opts == nil {
		opts = &Options{}
	}

	f := &Falcon{
		ID:       engine.ID(),
		engine:   engine,
		surface:  opts.Surface,
		log:      opts.Logger,
		metrics:  NewMetrics(),
		observer: opts.Observer,
		bootWait: opts.BootTimeout,
		postWait: opts.PostTimeout,
	}
	if f.log == nil {
		f.log = logging.Default()
	}
	f.log = f.log.WithFalcon(f.ID)
	if f.observer == nil {
		f.observer = NewMetricsObserver(f.metrics)
	}
	if f.bootWait <= 0 {
		f.bootWait = DefaultBootTimeout
	}
	f.queues = ctrl.NewController(engine, &ctrl.Options{
		Surface:  f.surface,
		Logger:   f.log,
		Observer: f.observer,
	})
	return f, nil
}

func (f *Falcon) check(op string, q *Queue) error {
	if f == nil || q == nil {
		return fault.New(op, fault.CodeInvalidArgument, "nil falcon or queue")
	}
	if q.Falcon() != f.ID {
		return fault.NewQueue(op, f.ID, q.ID(), fault.CodeInvalidArgument,
			fmt.Sprintf("queue belongs to falcon %d", q.Falcon()))
	}
	return nil
}

// InitQueue creates a queue on the falcon's engine. The queue is not
// tracked by the Falcon; release it with Free.
func InitQueue(f *Falcon, p QueueParams) (*Queue, error) {
	if f == nil {
		return nil, fault.New("INIT", fault.CodeInvalidArgument, "nil falcon")
	}
	if p.Logger == nil {
		p.Logger = f.log
	}
	if p.Observer == nil {
		p.Observer = f.observer
	}
	if p.Type == FB && p.Surface == nil {
		p.Surface = f.surface
	}
	return queue.New(f.engine, p)
}

// Push writes one record to a write queue. A Busy error means the queue is
// full; the caller decides whether to retry.
func Push(f *Falcon, q *Queue, data []byte) error {
	if err := f.check("PUSH", q); err != nil {
		return err
	}
	return q.Push(data)
}

// Pop reads up to len(data) bytes from a read queue
func Pop(f *Falcon, q *Queue, data []byte) (int, error) {
	if err := f.check("POP", q); err != nil {
		return 0, err
	}
	return q.Pop(data)
}

// Rewind moves the queue cursor back to the start of the ring
func Rewind(f *Falcon, q *Queue) error {
	if err := f.check("REWIND", q); err != nil {
		return err
	}
	return q.Rewind()
}

// IsEmpty reports whether head equals tail. On a register read failure the
// queue reports empty and the error is returned.
func IsEmpty(f *Falcon, q *Queue) (bool, error) {
	if err := f.check("IS_EMPTY", q); err != nil {
		return true, err
	}
	return q.IsEmpty()
}

// Free releases the queue and clears the caller's handle
func Free(f *Falcon, q **Queue) {
	if q == nil || *q == nil {
		return
	}
	(*q).Free()
	*q = nil
}

// Boot builds the message queue described by msg, waits for the firmware
// INIT message on it and builds the queues it announces. A dispatcher then
// serves the message queue until Close.
func (f *Falcon) Boot(ctx context.Context, msg QueueSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.disp != nil {
		return fault.New("BOOT", fault.CodeInvalidArgument, "already booted")
	}
	if msg.Direction != Read {
		return fault.New("BOOT", fault.CodeInvalidArgument, "message queue must be a read queue")
	}

	if err := f.queues.Build([]QueueSpec{msg}); err != nil {
		return err
	}
	msgq, _ := f.queues.Queue(msg.ID)

	boot, err := f.waitInit(ctx, msgq)
	if err != nil {
		f.queues.Close()
		return err
	}
	if err := f.queues.BuildFromInit(boot.Payload); err != nil {
		f.queues.Close()
		return err
	}

	disp, err := ipc.NewDispatcher(f.queues.Queues(Write), msgq, &ipc.Options{Logger: f.log, PostTimeout: f.postWait})
	if err != nil {
		f.queues.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	f.disp, f.cancel, f.done = disp, cancel, make(chan error, 1)
	go func() { f.done <- disp.Run(runCtx) }()

	f.log.Info("falcon booted", "queues", len(f.queues.Queues(Write))+1)
	return nil
}

func (f *Falcon) waitInit(ctx context.Context, msgq *Queue) (ipc.Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, f.bootWait)
	defer cancel()

	idle := iox.Backoff{}
	for {
		m, ok, err := ipc.ReadMessage(msgq)
		if err != nil {
			return m, err
		}
		if ok {
			if m.Hdr.UnitID == uapi.UNIT_INIT {
				return m, nil
			}
			f.log.Warn("message before INIT dropped", "unit", m.Hdr.UnitID)
			continue
		}

		if ctx.Err() != nil {
			return m, fault.NewQueue("BOOT", f.ID, msgq.ID(), fault.CodeTimeout, "no INIT message from firmware")
		}
		idle.Wait()
	}
}

func (f *Falcon) dispatcher() (*ipc.Dispatcher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disp == nil {
		return nil, fault.New("POST", fault.CodeClosed, "falcon not booted")
	}
	return f.disp, nil
}

// Post sends a command on a command queue and returns the handle its reply
// completes
func (f *Falcon) Post(ctx context.Context, queueID uint32, unit uint8, payload []byte) (*ipc.Pending, error) {
	d, err := f.dispatcher()
	if err != nil {
		return nil, err
	}
	return d.Post(ctx, queueID, unit, payload)
}

// Events delivers unsolicited firmware messages. Nil before Boot.
func (f *Falcon) Events() <-chan ipc.Msg {
	d, err := f.dispatcher()
	if err != nil {
		return nil
	}
	return d.Events()
}

// Queue returns a queue built by Boot
func (f *Falcon) Queue(id uint32) (*Queue, bool) {
	return f.queues.Queue(id)
}

// Metrics returns the metrics recorded by the default observer
func (f *Falcon) Metrics() *Metrics {
	if f == nil {
		return nil
	}
	return f.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of queue metrics
func (f *Falcon) MetricsSnapshot() MetricsSnapshot {
	if f == nil || f.metrics == nil {
		return MetricsSnapshot{}
	}
	return f.metrics.Snapshot()
}

// Close stops the dispatcher, fails outstanding commands and frees every
// queue built by Boot
func (f *Falcon) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	if f.disp != nil {
		f.cancel()
		err = <-f.done
		f.disp.Close()
		f.disp = nil
	}
	f.queues.Close()
	return err
}

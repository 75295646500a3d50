package queue

import (
	"sync"

	"code.hybscloud.com/atomix"

	membackend "github.com/ehrlich-b/go-falcon/backend"
	"github.com/ehrlich-b/go-falcon/internal/logging"
)

type regKey struct {
	id, index uint32
}

// fakeEngine provides queue registers, DMEM and EMEM backed by memory, call
// counting, fault injection and overlap detection.
type fakeEngine struct {
	mu    sync.Mutex
	heads map[regKey]uint32
	tails map[regKey]uint32
	calls map[string]int
	fail  map[string]error

	dmem *membackend.Memory
	emem *membackend.Memory

	active  atomix.Int64
	overlap atomix.Bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		heads: make(map[regKey]uint32),
		tails: make(map[regKey]uint32),
		calls: make(map[string]int),
		fail:  make(map[string]error),
		dmem:  membackend.NewMemory(64 * 1024),
		emem:  membackend.NewMemory(8 * 1024),
	}
}

func (e *fakeEngine) ID() uint32 { return 1 }

func (e *fakeEngine) enter(name string) (func(), error) {
	if e.active.Add(1) > 1 {
		e.overlap.Store(true)
	}
	e.mu.Lock()
	e.calls[name]++
	err := e.fail[name]
	e.mu.Unlock()
	return func() { e.active.Add(-1) }, err
}

func (e *fakeEngine) QueueHead(id, index uint32, v *uint32, set bool) error {
	done, err := e.enter("QueueHead")
	defer done()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if set {
		e.heads[regKey{id, index}] = *v
	} else {
		*v = e.heads[regKey{id, index}]
	}
	return nil
}

func (e *fakeEngine) QueueTail(id, index uint32, v *uint32, set bool) error {
	done, err := e.enter("QueueTail")
	defer done()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if set {
		e.tails[regKey{id, index}] = *v
	} else {
		*v = e.tails[regKey{id, index}]
	}
	return nil
}

func (e *fakeEngine) CopyToDmem(dst uint32, src []byte, port uint8) error {
	done, err := e.enter("CopyToDmem")
	defer done()
	if err != nil {
		return err
	}
	_, err = e.dmem.WriteAt(src, int64(dst))
	return err
}

func (e *fakeEngine) CopyFromDmem(src uint32, dst []byte, port uint8) error {
	done, err := e.enter("CopyFromDmem")
	defer done()
	if err != nil {
		return err
	}
	_, err = e.dmem.ReadAt(dst, int64(src))
	return err
}

func (e *fakeEngine) CopyToEmem(dst uint32, src []byte, port uint8) error {
	done, err := e.enter("CopyToEmem")
	defer done()
	if err != nil {
		return err
	}
	_, err = e.emem.WriteAt(src, int64(dst))
	return err
}

func (e *fakeEngine) CopyFromEmem(src uint32, dst []byte, port uint8) error {
	done, err := e.enter("CopyFromEmem")
	defer done()
	if err != nil {
		return err
	}
	_, err = e.emem.ReadAt(dst, int64(src))
	return err
}

func (e *fakeEngine) setPointers(id, index, head, tail uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.heads[regKey{id, index}] = head
	e.tails[regKey{id, index}] = tail
}

func (e *fakeEngine) pointers(id, index uint32) (head, tail uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heads[regKey{id, index}], e.tails[regKey{id, index}]
}

func (e *fakeEngine) totalCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		n += c
	}
	return n
}

func (e *fakeEngine) failOn(name string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail[name] = err
}

// bareEngine has no hardware capabilities at all
type bareEngine struct{}

func (bareEngine) ID() uint32 { return 9 }

type countingObserver struct {
	mu                        sync.Mutex
	pushes, pops, busy, rewnd int
	failed                    int
}

func (o *countingObserver) ObservePush(_ uint64, _ uint64, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pushes++
	if !ok {
		o.failed++
	}
}

func (o *countingObserver) ObservePop(_ uint64, _ uint64, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pops++
	if !ok {
		o.failed++
	}
}

func (o *countingObserver) ObserveBusy() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.busy++
}

func (o *countingObserver) ObserveRewind() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rewnd++
}

func (o *countingObserver) rewinds() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rewnd
}

func ringParams(id uint32, dir Direction) Params {
	return Params{
		ID:        id,
		Offset:    0,
		Size:      256,
		Direction: dir,
		Type:      DMEM,
		Logger:    logging.Nop(),
	}
}

// Package emu emulates a falcon engine and the firmware on the far side of
// its queues. It backs the simulator and end-to-end tests.
package emu

import (
	"fmt"
	"io"
	"sync"

	"code.hybscloud.com/atomix"

	"github.com/ehrlich-b/go-falcon/backend"
	"github.com/ehrlich-b/go-falcon/internal/constants"
	"github.com/ehrlich-b/go-falcon/internal/interfaces"
)

// Fault injection points
const (
	OpHeadGet  = "HEAD_GET"
	OpHeadSet  = "HEAD_SET"
	OpTailGet  = "TAIL_GET"
	OpTailSet  = "TAIL_SET"
	OpDmemCopy = "DMEM_COPY"
	OpEmemCopy = "EMEM_COPY"
)

type regKey struct {
	id, index uint32
}

// Config sizes the emulated memories
type Config struct {
	ID          uint32
	DmemSize    int64
	EmemSize    int64
	SurfaceSize int64

	// EmemStart is the falcon address EMEM offsets are based at
	EmemStart uint32

	// Surface replaces the built-in frame-buffer memory when set
	Surface interfaces.Store
}

// Falcon is an in-memory falcon exposing queue registers, DMEM and EMEM
// copy, and a frame-buffer surface
type Falcon struct {
	id        uint32
	ememStart uint32

	mu     sync.Mutex
	heads  map[regKey]uint32
	tails  map[regKey]uint32
	faults map[string]error

	dmem *backend.Memory
	emem *backend.Memory
	fb   interfaces.Store

	regReads  atomix.Uint64
	regWrites atomix.Uint64
	copies    atomix.Uint64
}

// New creates an emulated falcon. Zero sizes take the defaults.
func New(cfg Config) *Falcon {
	if cfg.DmemSize == 0 {
		cfg.DmemSize = constants.DefaultDmemSize
	}
	if cfg.EmemSize == 0 {
		cfg.EmemSize = constants.DefaultEmemSize
	}
	if cfg.SurfaceSize == 0 {
		cfg.SurfaceSize = constants.DefaultDmemSize
	}
	fb := cfg.Surface
	if fb == nil {
		fb = backend.NewMemory(cfg.SurfaceSize)
	}
	return &Falcon{
		id:        cfg.ID,
		ememStart: cfg.EmemStart,
		heads:     make(map[regKey]uint32),
		tails:     make(map[regKey]uint32),
		faults:    make(map[string]error),
		dmem:      backend.NewMemory(cfg.DmemSize),
		emem:      backend.NewMemory(cfg.EmemSize),
		fb:        fb,
	}
}

// ID implements interfaces.Engine
func (f *Falcon) ID() uint32 { return f.id }

// Inject makes every later call of op fail with err. A nil err clears it.
func (f *Falcon) Inject(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.faults, op)
		return
	}
	f.faults[op] = err
}

func (f *Falcon) fault(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.faults[op]
}

func (f *Falcon) reg(regs map[regKey]uint32, get, set string, id, index uint32, v *uint32, write bool) error {
	op := get
	if write {
		op = set
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.faults[op]; err != nil {
		return err
	}
	k := regKey{id, index}
	if write {
		f.regWrites.Add(1)
		regs[k] = *v
	} else {
		f.regReads.Add(1)
		*v = regs[k]
	}
	return nil
}

// QueueHead implements interfaces.QueueRegisters
func (f *Falcon) QueueHead(id, index uint32, head *uint32, set bool) error {
	return f.reg(f.heads, OpHeadGet, OpHeadSet, id, index, head, set)
}

// QueueTail implements interfaces.QueueRegisters
func (f *Falcon) QueueTail(id, index uint32, tail *uint32, set bool) error {
	return f.reg(f.tails, OpTailGet, OpTailSet, id, index, tail, set)
}

// SetPointers initializes the head and tail registers of a queue
func (f *Falcon) SetPointers(id, index, head, tail uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads[regKey{id, index}] = head
	f.tails[regKey{id, index}] = tail
}

// Pointers returns the head and tail registers of a queue
func (f *Falcon) Pointers(id, index uint32) (head, tail uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heads[regKey{id, index}], f.tails[regKey{id, index}]
}

func (f *Falcon) copyTo(op string, m *backend.Memory, dst uint32, src []byte) error {
	if err := f.fault(op); err != nil {
		return err
	}
	f.copies.Add(1)
	_, err := m.WriteAt(src, int64(dst))
	return err
}

func (f *Falcon) copyFrom(op string, m *backend.Memory, src uint32, dst []byte) error {
	if err := f.fault(op); err != nil {
		return err
	}
	f.copies.Add(1)
	n, err := m.ReadAt(dst, int64(src))
	if n == len(dst) {
		return nil
	}
	if err == io.EOF || err == nil {
		err = fmt.Errorf("read of %d bytes at 0x%x crosses end of memory", len(dst), src)
	}
	return err
}

// CopyToDmem implements interfaces.DmemCopier
func (f *Falcon) CopyToDmem(dst uint32, src []byte, port uint8) error {
	return f.copyTo(OpDmemCopy, f.dmem, dst, src)
}

// CopyFromDmem implements interfaces.DmemCopier
func (f *Falcon) CopyFromDmem(src uint32, dst []byte, port uint8) error {
	return f.copyFrom(OpDmemCopy, f.dmem, src, dst)
}

func (f *Falcon) ememOffset(addr uint32) (uint32, error) {
	if addr < f.ememStart {
		return 0, fmt.Errorf("emem address 0x%x below start 0x%x", addr, f.ememStart)
	}
	return addr - f.ememStart, nil
}

// CopyToEmem implements interfaces.EmemCopier
func (f *Falcon) CopyToEmem(dst uint32, src []byte, port uint8) error {
	off, err := f.ememOffset(dst)
	if err != nil {
		return err
	}
	return f.copyTo(OpEmemCopy, f.emem, off, src)
}

// CopyFromEmem implements interfaces.EmemCopier
func (f *Falcon) CopyFromEmem(src uint32, dst []byte, port uint8) error {
	off, err := f.ememOffset(src)
	if err != nil {
		return err
	}
	return f.copyFrom(OpEmemCopy, f.emem, off, dst)
}

// Surface returns the frame-buffer surface backing FB queues
func (f *Falcon) Surface() interfaces.Surface { return f.fb }

// Dmem returns the emulated data memory
func (f *Falcon) Dmem() *backend.Memory { return f.dmem }

// Emem returns the emulated extended memory
func (f *Falcon) Emem() *backend.Memory { return f.emem }

// Stats reports register and copy counters
func (f *Falcon) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"reg_reads":  f.regReads.Load(),
		"reg_writes": f.regWrites.Load(),
		"copies":     f.copies.Load(),
		"dmem":       f.dmem.Stats(),
		"emem":       f.emem.Stats(),
	}
	if ss, ok := f.fb.(interfaces.StatStore); ok {
		stats["fb"] = ss.Stats()
	}
	return stats
}

// Close releases the emulated memories
func (f *Falcon) Close() error {
	f.dmem.Close()
	f.emem.Close()
	return f.fb.Close()
}

var (
	_ interfaces.QueueRegisters = (*Falcon)(nil)
	_ interfaces.DmemCopier     = (*Falcon)(nil)
	_ interfaces.EmemCopier     = (*Falcon)(nil)
)

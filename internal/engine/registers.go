// Package engine drives a falcon through its registers: queue head/tail
// pointers and the DMEM/EMEM access ports.
package engine

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-falcon/internal/fault"
	"github.com/ehrlich-b/go-falcon/internal/interfaces"
	"github.com/ehrlich-b/go-falcon/internal/logging"
)

// IO is 32-bit register access. *mmio.Aperture implements it.
type IO interface {
	Read32(off uint32) (uint32, error)
	Write32(off uint32, v uint32) error
}

// Registers is a falcon engine backed by register I/O
type Registers struct {
	id     uint32
	io     IO
	layout Layout
	log    *logging.Logger

	// one transfer per port at a time
	dmemMu []sync.Mutex
	ememMu []sync.Mutex
}

// New creates a register engine for falcon id
func New(id uint32, io IO, layout Layout, logger *logging.Logger) (*Registers, error) {
	if io == nil {
		return nil, fault.New("INIT", fault.CodeInvalidArgument, "nil register I/O")
	}
	if err := layout.Validate(); err != nil {
		return nil, fault.New("INIT", fault.CodeInvalidArgument, err.Error())
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Registers{
		id:     id,
		io:     io,
		layout: layout,
		log:    logger.WithFalcon(id),
		dmemMu: make([]sync.Mutex, layout.DmemPorts),
		ememMu: make([]sync.Mutex, layout.EmemPorts),
	}, nil
}

// ID implements interfaces.Engine
func (r *Registers) ID() uint32 { return r.id }

// Layout returns the register layout
func (r *Registers) Layout() Layout { return r.layout }

func (r *Registers) pointer(op string, id, index uint32, v *uint32, set bool, msg, arr uint32) error {
	reg := msg
	if id != r.layout.MsgQueueID {
		if index >= r.layout.QueueCount {
			return fault.NewQueue(op, r.id, id, fault.CodeInvalidArgument,
				fmt.Sprintf("queue index %d beyond %d registers", index, r.layout.QueueCount))
		}
		reg = arr + index*r.layout.QueueStride
	}

	if set {
		return r.io.Write32(reg, *v)
	}
	val, err := r.io.Read32(reg)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

// QueueHead implements interfaces.QueueRegisters
func (r *Registers) QueueHead(id, index uint32, head *uint32, set bool) error {
	return r.pointer("HEAD", id, index, head, set, r.layout.MsgHead, r.layout.QueueHead)
}

// QueueTail implements interfaces.QueueRegisters
func (r *Registers) QueueTail(id, index uint32, tail *uint32, set bool) error {
	return r.pointer("TAIL", id, index, tail, set, r.layout.MsgTail, r.layout.QueueTail)
}

// port describes one memory access port
type port struct {
	name  string
	ctrl  uint32
	data  uint32
	limit uint32
	mu    *sync.Mutex
}

func (r *Registers) port(name string, ctrl uint32, ports uint8, locks []sync.Mutex, limit uint32, n uint8) (port, error) {
	if n >= ports {
		return port{}, fault.New(name, fault.CodeInvalidArgument, fmt.Sprintf("port %d beyond %d", n, ports))
	}
	c := ctrl + uint32(n)*r.layout.PortStride
	return port{name: name, ctrl: c, data: c + 4, limit: limit, mu: &locks[n]}, nil
}

func (p port) check(addr uint32, size int) error {
	switch {
	case addr%4 != 0:
		return fault.New(p.name, fault.CodeInvalidArgument, fmt.Sprintf("offset 0x%x not 4-byte aligned", addr))
	case p.limit != 0 && uint64(addr)+uint64(size) > uint64(p.limit):
		return fault.New(p.name, fault.CodeInvalidArgument,
			fmt.Sprintf("copy [0x%x, +0x%x) beyond 0x%x", addr, size, p.limit))
	}
	return nil
}

// copyTo streams src through the port with write auto-increment. A trailing
// partial word is zero padded.
func (r *Registers) copyTo(p port, dst uint32, src []byte) error {
	if err := p.check(dst, len(src)); err != nil || len(src) == 0 {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	addr := dst & memcAddrMask
	if err := r.io.Write32(p.ctrl, addr|memcAincw); err != nil {
		return err
	}

	words := len(src) / 4
	for i := 0; i < words; i++ {
		if err := r.io.Write32(p.data, binary.LittleEndian.Uint32(src[i*4:])); err != nil {
			return err
		}
	}
	if rem := len(src) % 4; rem != 0 {
		var tail [4]byte
		copy(tail[:], src[words*4:])
		if err := r.io.Write32(p.data, binary.LittleEndian.Uint32(tail[:])); err != nil {
			return err
		}
	}

	// the control register now points one past the last word written
	got, err := r.io.Read32(p.ctrl)
	if err != nil {
		return err
	}
	want := (dst + align4(uint32(len(src)))) & memcAddrMask
	if got&memcAddrMask != want {
		r.log.Warn("port copy short", "port", p.name, "ended", got&memcAddrMask, "want", want)
		return fault.New(p.name, fault.CodeIOError,
			fmt.Sprintf("copy to 0x%x ended at 0x%x, want 0x%x", dst, got&memcAddrMask, want))
	}
	return nil
}

// copyFrom streams dst from the port with read auto-increment
func (r *Registers) copyFrom(p port, src uint32, dst []byte) error {
	if err := p.check(src, len(dst)); err != nil || len(dst) == 0 {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := r.io.Write32(p.ctrl, (src&memcAddrMask)|memcAincr); err != nil {
		return err
	}

	words := len(dst) / 4
	for i := 0; i < words; i++ {
		v, err := r.io.Read32(p.data)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(dst[i*4:], v)
	}
	if rem := len(dst) % 4; rem != 0 {
		v, err := r.io.Read32(p.data)
		if err != nil {
			return err
		}
		var tail [4]byte
		binary.LittleEndian.PutUint32(tail[:], v)
		copy(dst[words*4:], tail[:rem])
	}
	return nil
}

func (r *Registers) dmem(n uint8) (port, error) {
	return r.port("DMEM_COPY", r.layout.DmemC, r.layout.DmemPorts, r.dmemMu, r.layout.DmemSize, n)
}

func (r *Registers) emem(n uint8) (port, error) {
	return r.port("EMEM_COPY", r.layout.EmemC, r.layout.EmemPorts, r.ememMu, r.layout.EmemSize, n)
}

// emem rebases a falcon address into the EMEM port's address space
func (r *Registers) ememAddr(addr uint32) (uint32, error) {
	if addr < r.layout.EmemStart {
		return 0, fault.New("EMEM_COPY", fault.CodeInvalidArgument,
			fmt.Sprintf("offset 0x%x below EMEM start 0x%x", addr, r.layout.EmemStart))
	}
	return addr - r.layout.EmemStart, nil
}

// CopyToDmem implements interfaces.DmemCopier
func (r *Registers) CopyToDmem(dst uint32, src []byte, n uint8) error {
	p, err := r.dmem(n)
	if err != nil {
		return err
	}
	return r.copyTo(p, dst, src)
}

// CopyFromDmem implements interfaces.DmemCopier
func (r *Registers) CopyFromDmem(src uint32, dst []byte, n uint8) error {
	p, err := r.dmem(n)
	if err != nil {
		return err
	}
	return r.copyFrom(p, src, dst)
}

// CopyToEmem implements interfaces.EmemCopier
func (r *Registers) CopyToEmem(dst uint32, src []byte, n uint8) error {
	p, err := r.emem(n)
	if err != nil {
		return err
	}
	addr, err := r.ememAddr(dst)
	if err != nil {
		return err
	}
	return r.copyTo(p, addr, src)
}

// CopyFromEmem implements interfaces.EmemCopier
func (r *Registers) CopyFromEmem(src uint32, dst []byte, n uint8) error {
	p, err := r.emem(n)
	if err != nil {
		return err
	}
	addr, err := r.ememAddr(src)
	if err != nil {
		return err
	}
	return r.copyFrom(p, addr, dst)
}

// Dump reads the head and tail register of every command queue index and
// of the message queue
func (r *Registers) Dump() ([]Pointers, error) {
	out := make([]Pointers, 0, r.layout.QueueCount+1)
	for i := uint32(0); i < r.layout.QueueCount; i++ {
		p := Pointers{Name: fmt.Sprintf("cmdq%d", i), HeadReg: r.layout.QueueHead + i*r.layout.QueueStride,
			TailReg: r.layout.QueueTail + i*r.layout.QueueStride}
		if err := r.read(&p); err != nil {
			return out, err
		}
		out = append(out, p)
	}
	p := Pointers{Name: "msgq", HeadReg: r.layout.MsgHead, TailReg: r.layout.MsgTail}
	if err := r.read(&p); err != nil {
		return out, err
	}
	return append(out, p), nil
}

func (r *Registers) read(p *Pointers) error {
	var err error
	if p.Head, err = r.io.Read32(p.HeadReg); err != nil {
		return err
	}
	p.Tail, err = r.io.Read32(p.TailReg)
	return err
}

// Pointers is one head/tail register pair as read by Dump
type Pointers struct {
	Name    string
	HeadReg uint32
	TailReg uint32
	Head    uint32
	Tail    uint32
}

func align4(v uint32) uint32 { return (v + 3) &^ 3 }

// Compile-time interface checks
var (
	_ interfaces.QueueRegisters = (*Registers)(nil)
	_ interfaces.DmemCopier     = (*Registers)(nil)
	_ interfaces.EmemCopier     = (*Registers)(nil)
)

package falcon

import (
	"fmt"
	"sync"
)

// MockEngine provides a mock falcon engine for testing. It implements the
// queue register and DMEM/EMEM copy capabilities over plain memory and
// tracks method calls for verification.
type MockEngine struct {
	id uint32

	mu    sync.RWMutex
	heads map[[2]uint32]uint32
	tails map[[2]uint32]uint32
	dmem  []byte
	emem  []byte
	fail  map[string]error

	headCalls int
	tailCalls int
	copyCalls int
}

// NewMockEngine creates a mock engine with the given DMEM and EMEM sizes
func NewMockEngine(id uint32, dmemSize, ememSize int) *MockEngine {
	return &MockEngine{
		id:    id,
		heads: make(map[[2]uint32]uint32),
		tails: make(map[[2]uint32]uint32),
		dmem:  make([]byte, dmemSize),
		emem:  make([]byte, ememSize),
		fail:  make(map[string]error),
	}
}

// ID implements Engine
func (m *MockEngine) ID() uint32 { return m.id }

// QueueHead implements the queue register capability
func (m *MockEngine) QueueHead(id, index uint32, head *uint32, set bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.headCalls++
	if err := m.fail["head"]; err != nil {
		return err
	}
	if set {
		m.heads[[2]uint32{id, index}] = *head
	} else {
		*head = m.heads[[2]uint32{id, index}]
	}
	return nil
}

// QueueTail implements the queue register capability
func (m *MockEngine) QueueTail(id, index uint32, tail *uint32, set bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tailCalls++
	if err := m.fail["tail"]; err != nil {
		return err
	}
	if set {
		m.tails[[2]uint32{id, index}] = *tail
	} else {
		*tail = m.tails[[2]uint32{id, index}]
	}
	return nil
}

func (m *MockEngine) copyIn(mem []byte, dst uint32, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.copyCalls++
	if err := m.fail["copy"]; err != nil {
		return err
	}
	if int(dst)+len(src) > len(mem) {
		return fmt.Errorf("copy of %d bytes to 0x%x out of range", len(src), dst)
	}
	copy(mem[dst:], src)
	return nil
}

func (m *MockEngine) copyOut(mem []byte, src uint32, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.copyCalls++
	if err := m.fail["copy"]; err != nil {
		return err
	}
	if int(src)+len(dst) > len(mem) {
		return fmt.Errorf("copy of %d bytes from 0x%x out of range", len(dst), src)
	}
	copy(dst, mem[src:])
	return nil
}

// CopyToDmem implements the DMEM copy capability
func (m *MockEngine) CopyToDmem(dst uint32, src []byte, port uint8) error {
	return m.copyIn(m.dmem, dst, src)
}

// CopyFromDmem implements the DMEM copy capability
func (m *MockEngine) CopyFromDmem(src uint32, dst []byte, port uint8) error {
	return m.copyOut(m.dmem, src, dst)
}

// CopyToEmem implements the EMEM copy capability
func (m *MockEngine) CopyToEmem(dst uint32, src []byte, port uint8) error {
	return m.copyIn(m.emem, dst, src)
}

// CopyFromEmem implements the EMEM copy capability
func (m *MockEngine) CopyFromEmem(src uint32, dst []byte, port uint8) error {
	return m.copyOut(m.emem, src, dst)
}

// Testing utility methods

// SetPointers sets the head and tail registers of a queue
func (m *MockEngine) SetPointers(id, index, head, tail uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heads[[2]uint32{id, index}] = head
	m.tails[[2]uint32{id, index}] = tail
}

// Pointers returns the head and tail registers of a queue
func (m *MockEngine) Pointers(id, index uint32) (head, tail uint32) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.heads[[2]uint32{id, index}], m.tails[[2]uint32{id, index}]
}

// Dmem returns a copy of n bytes of DMEM at off
func (m *MockEngine) Dmem(off, n int) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.dmem[off:off+n]...)
}

// Fail makes every later call in the group ("head", "tail" or "copy")
// return err. A nil err clears it.
func (m *MockEngine) Fail(group string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, group)
		return
	}
	m.fail[group] = err
}

// CallCounts returns the number of times each capability has been called
func (m *MockEngine) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"head": m.headCalls,
		"tail": m.tailCalls,
		"copy": m.copyCalls,
	}
}

// Reset resets all call counters and injected failures
func (m *MockEngine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.headCalls = 0
	m.tailCalls = 0
	m.copyCalls = 0
	m.fail = make(map[string]error)
}

// Compile-time interface checks
var (
	_ QueueRegisters = (*MockEngine)(nil)
	_ DmemCopier     = (*MockEngine)(nil)
	_ EmemCopier     = (*MockEngine)(nil)
)

package queue

import "github.com/ehrlich-b/go-falcon/internal/interfaces"

const ememPort = 0

// ememQueue keeps its ring in falcon extended memory
type ememQueue struct {
	ring
}

func newEmemQueue(e interfaces.Engine) *ememQueue {
	m := &ememQueue{ring: ring{registers: newRegisters(e)}}
	if c, ok := e.(interfaces.EmemCopier); ok {
		m.copyTo = func(dst uint32, src []byte) error {
			return c.CopyToEmem(dst, src, ememPort)
		}
		m.copyFrom = func(src uint32, dst []byte) error {
			return c.CopyFromEmem(src, dst, ememPort)
		}
	}
	return m
}

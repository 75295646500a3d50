package queue

import "github.com/ehrlich-b/go-falcon/internal/interfaces"

// dmemPort is the DMEM access port used for queue traffic
const dmemPort = 0

// dmemQueue keeps its ring in falcon data memory
type dmemQueue struct {
	ring
}

func newDmemQueue(e interfaces.Engine) *dmemQueue {
	d := &dmemQueue{ring: ring{registers: newRegisters(e)}}
	if c, ok := e.(interfaces.DmemCopier); ok {
		d.copyTo = func(dst uint32, src []byte) error {
			return c.CopyToDmem(dst, src, dmemPort)
		}
		d.copyFrom = func(src uint32, dst []byte) error {
			return c.CopyFromDmem(src, dst, dmemPort)
		}
	}
	return d
}

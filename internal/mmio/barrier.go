package mmio

import "sync/atomic"

// barrierDummy is the target of the fence operations below.
var barrierDummy int64

// Wmb orders register stores. atomic.AddInt64 compiles to LOCK XADD on
// x86-64, which is a full fence.
func Wmb() {
	atomic.AddInt64(&barrierDummy, 0)
}

// Mb is a full fence. Same instruction as Wmb on x86-64.
func Mb() {
	atomic.AddInt64(&barrierDummy, 0)
}

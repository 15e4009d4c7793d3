package silkdb

import (
	"runtime"
	_ "unsafe" // for go:linkname
)

// procyield spins for a given number of cycles without yielding to the
// scheduler, using the CPU PAUSE instruction on x86.
//
//go:linkname procyield runtime.procyield
func procyield(cycles uint32)

const (
	spinCyclesMin = 4
	spinCyclesMax = 1 << 10
	// spinYieldAfter bounds pure spinning before handing the P back.
	spinYieldAfter = 64
)

// spinWait runs cond until it returns true, pausing with exponential
// backoff. Lock holders do only short page-local work, so waits are brief;
// past the bound we also yield to the scheduler to avoid starving the
// holder's goroutine on a loaded box.
func spinWait(cond func() bool) {
	cycles := uint32(spinCyclesMin)
	for i := 0; ; i++ {
		if cond() {
			return
		}
		procyield(cycles)
		if cycles < spinCyclesMax {
			cycles <<= 1
		}
		if i >= spinYieldAfter {
			runtime.Gosched()
		}
	}
}

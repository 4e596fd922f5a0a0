//go:build !tinygo

package core

import "sync"

// State is the saved interrupt state returned by DisableInterrupts.
type State uintptr

// On the host both "cores" are goroutines, so a single mutex stands in for
// the interrupt mask plus the hardware spinlock.
var criticalSection sync.Mutex

// DisableInterrupts enters the global critical section. Sections do not nest.
func DisableInterrupts() State {
	criticalSection.Lock()
	return 0
}

// RestoreInterrupts leaves the critical section entered by DisableInterrupts.
func RestoreInterrupts(state State) {
	criticalSection.Unlock()
}

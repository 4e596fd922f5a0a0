//go:build tinygo

package core

import (
	"device/arm"
	"runtime/interrupt"
	"runtime/volatile"
	"unsafe"
)

// State is the saved interrupt state returned by DisableInterrupts.
type State = interrupt.State

// SIO hardware spinlocks. Reading a spinlock register claims it (non-zero
// result) and any write releases it. Lock 31 sits in the range the SDK
// leaves free for claiming.
const (
	sioSpinlockBase = 0xd0000100
	spinlockID      = 31
)

var spinlock = (*volatile.Register32)(unsafe.Pointer(uintptr(sioSpinlockBase + 4*spinlockID)))

// DisableInterrupts masks interrupts on the calling core and takes the
// hardware spinlock shared with the other core. Sections do not nest.
func DisableInterrupts() State {
	state := interrupt.Disable()
	for spinlock.Get() == 0 {
	}
	arm.Asm("dmb")
	return state
}

// RestoreInterrupts releases the spinlock and restores the interrupt mask.
func RestoreInterrupts(state State) {
	arm.Asm("dmb")
	spinlock.Set(0)
	interrupt.Restore(state)
}

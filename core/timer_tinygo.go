//go:build tinygo

package core

import (
	"runtime/volatile"
	"unsafe"
)

// TIMERAWL of the RP2040 timer block; reads the low word of the free
// running microsecond counter without latching.
var timerRawL = (*volatile.Register32)(unsafe.Pointer(uintptr(0x40054028)))

func getSystemTicks() uint32 {
	return timerRawL.Get()
}

//go:build !tinygo

package core

import "time"

var hostEpoch = time.Now()

// Host builds count microseconds since the process started.
func getSystemTicks() uint32 {
	return uint32(time.Since(hostEpoch).Microseconds())
}

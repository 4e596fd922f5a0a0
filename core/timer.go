package core

// TimerFreq is the rate of the system tick counter (the RP2040 1 MHz
// microsecond timer).
const TimerFreq = 1000000

// GetTime returns the current system time in timer ticks
func GetTime() uint32 {
	return getSystemTicks()
}

//go:build rp2040

package main

import "machine"

// initUSB configures the USB CDC port TinyGo exposes as machine.Serial.
func initUSB() {
	machine.Serial.Configure(machine.UARTConfig{})
}

// readUSB moves whatever the host has sent into rx.
func readUSB(rx interface{ Write([]byte) int }) int {
	var buf [64]byte
	n := 0
	for machine.Serial.Buffered() > 0 && n < len(buf) {
		b, err := machine.Serial.ReadByte()
		if err != nil {
			break
		}
		buf[n] = b
		n++
	}
	if n == 0 {
		return 0
	}
	return rx.Write(buf[:n])
}

// writeUSB writes all of data, giving up after repeated stalls.
func writeUSB(data []byte) bool {
	stalls := 0
	for len(data) > 0 {
		n, err := machine.Serial.Write(data)
		if err != nil || n == 0 {
			if stalls++; stalls > 10 {
				return false
			}
			continue
		}
		stalls = 0
		data = data[n:]
	}
	return true
}

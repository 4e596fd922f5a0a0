//go:build !tinygo

package hal

import (
	"piohal/pio"
	"piohal/regs"
)

// On the host the peripherals are simulated register banks with every
// FIFO empty.
func pioBank(index uint8) regs.Bank {
	base := uintptr(pio.PIO0Base)
	if index == 1 {
		base = pio.PIO1Base
	}
	sim := regs.NewSim(base)
	sim.WriteOneToClear(0x030) // IRQ
	sim.WriteOneToClear(0x008) // FDEBUG
	sim.Poke(0x004, 0x0f000f00)
	return sim
}

func dmaBank() regs.Bank {
	sim := regs.NewSim(DMABase)
	sim.WriteOneToClear(dmaINTS0)
	sim.WriteOneToClear(dmaChanAbort)
	return sim
}

// MPU is the memory protection unit register bank.
var MPU regs.Bank = regs.NewSim(MPUBase)

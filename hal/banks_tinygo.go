//go:build tinygo

package hal

import (
	"piohal/pio"
	"piohal/regs"
)

func pioBank(index uint8) regs.Bank {
	if index == 1 {
		return regs.MMIO(pio.PIO1Base)
	}
	return regs.MMIO(pio.PIO0Base)
}

func dmaBank() regs.Bank {
	return regs.MMIO(DMABase)
}

// MPU is the memory protection unit register bank.
var MPU regs.Bank = regs.MMIO(MPUBase)

//go:build rp2040

package main

import (
	"device/rp"
	"runtime/interrupt"

	"piohal/core"
)

// enableInterrupts routes the NVIC vectors hal bound at Init through the
// core dispatch table. TinyGo wants each vector as a constant.
func enableInterrupts() {
	interrupt.New(rp.IRQ_PIO0_IRQ_0, func(interrupt.Interrupt) {
		core.DispatchInterrupt(core.PIO0_IRQ_0)
	}).Enable()
	interrupt.New(rp.IRQ_PIO1_IRQ_0, func(interrupt.Interrupt) {
		core.DispatchInterrupt(core.PIO1_IRQ_0)
	}).Enable()
	interrupt.New(rp.IRQ_DMA_IRQ_0, func(interrupt.Interrupt) {
		core.DispatchInterrupt(core.DMA_IRQ_0)
	}).Enable()
}

//go:build rp2040

// Command rp2040 is the piohal firmware: it owns both PIO blocks and
// serves the PIO command set to a host over USB.
package main

import (
	"time"
	"unsafe"

	"piohal/core"
	"piohal/hal"
	"piohal/pio/piocmd"
	"piohal/pio/piospi"
	"piohal/protocol"
)

// Bounds of the interrupt stack from the linker script.
//
//go:extern _stack_top
var stackTopSymbol [0]byte

//go:extern _stack_size
var stackSizeSymbol [0]byte

var (
	rx        = protocol.NewRingBuffer(4 * protocol.FrameMax)
	tx        = protocol.NewScratchOutput()
	transport *protocol.Transport

	rxErrors uint32
)

func main() {
	initUSB()

	stackBottom := uint32(uintptr(unsafe.Pointer(&stackTopSymbol)) - uintptr(unsafe.Pointer(&stackSizeSymbol)))
	guard := hal.InstallStackGuard(hal.MPU, stackBottom)

	p := hal.Init(hal.DefaultConfig())
	enableInterrupts()

	core.InitCoreCommands()
	piocmd.NewHandler(p.PIO0, p.PIO1).Register()
	piospi.NewCommands(p.Config.Clocks.System, p.PIO0, p.PIO1).Register()
	core.RegisterConstant("MCU", "rp2040")
	core.RegisterConstant("STACK_GUARD", guard)
	if err := startHeartbeat(p); err != nil {
		core.DebugPrintln("[MAIN] heartbeat: " + err.Error())
	}
	core.GetGlobalDictionary().BuildDictionary()

	transport = protocol.NewTransport(tx, core.DispatchCommand)
	transport.SetResetCallback(func() {
		rx.Reset()
		tx.Reset()
		core.ResetFirmwareState()
	})
	transport.SetFlushCallback(flush)
	core.SetGlobalTransport(transport)

	for {
		func() {
			defer func() {
				if r := recover(); r != nil {
					rxErrors++
					rx.Reset()
					tx.Reset()
				}
			}()

			if readUSB(rx) == 0 && rx.Free() == 0 {
				// Full of garbage the decoder could not frame.
				rxErrors++
				rx.Reset()
			}
			if rx.Available() > 0 {
				transport.Receive(rx)
			}
			flush()
		}()
		time.Sleep(10 * time.Microsecond)
	}
}

func flush() {
	if out := tx.Result(); len(out) > 0 {
		if !writeUSB(out) {
			// Host gone; it resets the sequence when it returns.
			rx.Reset()
		}
		tx.Reset()
	}
}

//go:build rp2040

package main

import (
	"machine"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"
	"periph.io/x/conn/v3/physic"

	"piohal/core"
	"piohal/hal"
	"piohal/pio"
)

// The heartbeat owns the last state machine of PIO1. The host gets the
// rest.
const (
	heartbeatBlock = 1
	heartbeatSM    = 3
	heartbeatClock = 2 * physic.KiloHertz
)

// heartbeatProgram toggles one SET pin roughly every half second at a 2 kHz
// state machine clock. Jump targets are relative to the first instruction.
func heartbeatProgram() *pio.Program {
	asm := rp2pio.AssemblerV0{SidesetBits: 0}
	words := []uint16{
		asm.Set(rp2pio.SetDestPins, 1).Delay(31).Encode(),
		asm.Set(rp2pio.SetDestX, 31).Delay(31).Encode(),
		asm.Jmp(2, rp2pio.JmpXNZeroDec).Delay(31).Encode(),
		asm.Set(rp2pio.SetDestPins, 0).Delay(31).Encode(),
		asm.Set(rp2pio.SetDestX, 31).Delay(31).Encode(),
		asm.Jmp(5, rp2pio.JmpXNZeroDec).Delay(31).Encode(),
	}
	code := make([]pio.Instr, len(words))
	for i, w := range words {
		code[i] = pio.Instr(w)
	}
	return pio.NewProgram(code...)
}

// startHeartbeat blinks the board LED from PIO1 SM3.
func startHeartbeat(p *hal.Peripherals) error {
	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinPIO1})

	b := p.Block(heartbeatBlock)
	lp, err := b.Load(heartbeatProgram(), pio.NoOrigin)
	if err != nil {
		return err
	}
	sm, err := b.Claim(heartbeatSM)
	if err != nil {
		b.Unload(lp)
		return err
	}
	div, err := p.ClockDivider(heartbeatClock)
	if err != nil {
		return err
	}
	cfg := pio.DefaultConfig()
	cfg.ClockDivider = div
	cfg.SetBase = uint8(led)
	cfg.SetCount = 1
	if err := sm.Configure(cfg); err != nil {
		return err
	}
	if err := sm.Exec(pio.EncodeSet(pio.SetPinDirs, 1)); err != nil {
		return err
	}
	if err := sm.Bind(lp); err != nil {
		return err
	}
	core.RegisterConstant("HEARTBEAT_SM", uint32(heartbeatBlock<<2|heartbeatSM))
	return sm.Start()
}

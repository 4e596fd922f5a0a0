package pio

import (
	"fmt"
	"math/bits"

	"periph.io/x/conn/v3/physic"
)

// ClockDivider is the 16.8 fixed point state machine clock divider. The
// machine runs one instruction every Int+Frac/256 system clocks.
type ClockDivider struct {
	Int  uint16
	Frac uint8
}

// ClockDividerFor returns the divider that runs a state machine at target
// when the system clock is sys. The fraction is rounded up, so the machine
// never runs faster than target.
func ClockDividerFor(sys, target physic.Frequency) (ClockDivider, error) {
	if sys <= 0 || target <= 0 {
		return ClockDivider{}, fmt.Errorf("frequency %s / %s: %w", sys, target, ErrInvalidOperand)
	}
	hi, lo := bits.Mul64(uint64(sys), 256)
	if hi >= uint64(target) {
		return ClockDivider{}, fmt.Errorf("divider for %s: %w", target, ErrInvalidOperand)
	}
	div, rem := bits.Div64(hi, lo, uint64(target))
	if rem != 0 {
		div++
	}
	if div < 256 {
		return ClockDivider{}, fmt.Errorf("%s faster than system clock %s: %w", target, sys, ErrClockDividerTooSmall)
	}
	if div>>8 > 0xffff {
		return ClockDivider{}, fmt.Errorf("%s too slow for system clock %s: %w", target, sys, ErrInvalidOperand)
	}
	return ClockDivider{Int: uint16(div >> 8), Frac: uint8(div)}, nil
}

// Frequency returns the state machine clock for system clock sys.
func (d ClockDivider) Frequency(sys physic.Frequency) physic.Frequency {
	div := uint64(d.Int)<<8 | uint64(d.Frac)
	if div == 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(sys), 256)
	if hi >= div {
		return 0
	}
	f, _ := bits.Div64(hi, lo, div)
	return physic.Frequency(f)
}

func (d ClockDivider) reg() uint32 {
	return uint32(d.Int)<<16 | uint32(d.Frac)<<8
}

// FIFOJoin merges the two 4-deep FIFOs of a state machine into one 8-deep
// FIFO in a single direction.
type FIFOJoin uint8

const (
	FIFOJoinNone FIFOJoin = iota
	FIFOJoinRx
	FIFOJoinTx
)

// ShiftConfig configures one of the shift registers.
type ShiftConfig struct {
	Right     bool  // shift towards bit 0
	Auto      bool  // autopull (OSR) or autopush (ISR)
	Threshold uint8 // 1..32 bits
}

// Config is the part of a state machine's setup owned by the caller.
// Wrap addresses and side-set width come from the bound program.
type Config struct {
	ClockDivider ClockDivider
	OutBase      uint8
	OutCount     uint8 // 0..32
	SetBase      uint8
	SetCount     uint8 // 0..5
	InBase       uint8
	SideSetBase  uint8
	JmpPin       uint8
	FIFOJoin     FIFOJoin
	OutShift     ShiftConfig
	InShift      ShiftConfig
}

// DefaultConfig is the register reset state without the five set pins the
// hardware maps by default: divider 1, both shift registers shifting right
// with a 32 bit threshold.
func DefaultConfig() Config {
	return Config{
		ClockDivider: ClockDivider{Int: 1},
		OutShift:     ShiftConfig{Right: true, Threshold: 32},
		InShift:      ShiftConfig{Right: true, Threshold: 32},
	}
}

func (c *Config) validate() error {
	if c.ClockDivider.Int == 0 {
		return ErrClockDividerTooSmall
	}
	pins := []struct {
		name string
		v    uint8
	}{
		{"out base", c.OutBase},
		{"set base", c.SetBase},
		{"in base", c.InBase},
		{"side-set base", c.SideSetBase},
		{"jmp pin", c.JmpPin},
	}
	for _, p := range pins {
		if p.v > 31 {
			return fmt.Errorf("%s %d: %w", p.name, p.v, ErrInvalidOperand)
		}
	}
	switch {
	case c.OutCount > 32:
		return fmt.Errorf("out count %d: %w", c.OutCount, ErrInvalidOperand)
	case c.SetCount > 5:
		return fmt.Errorf("set count %d: %w", c.SetCount, ErrInvalidOperand)
	case c.FIFOJoin > FIFOJoinTx:
		return fmt.Errorf("fifo join %d: %w", c.FIFOJoin, ErrInvalidOperand)
	case c.OutShift.Threshold < 1 || c.OutShift.Threshold > 32:
		return fmt.Errorf("pull threshold %d: %w", c.OutShift.Threshold, ErrInvalidOperand)
	case c.InShift.Threshold < 1 || c.InShift.Threshold > 32:
		return fmt.Errorf("push threshold %d: %w", c.InShift.Threshold, ErrInvalidOperand)
	}
	return nil
}

// EXECCTRL fields.
const (
	execSideEn      = 1 << 30
	execSidePinDir  = 1 << 29
	execJmpPinShift = 24
	execJmpPinMask  = 0x1f << execJmpPinShift
	execWrapTop     = 12
	execWrapBottom  = 7
	execWrapMask    = 0x1f<<execWrapTop | 0x1f<<execWrapBottom
	execProgramMask = execSideEn | execSidePinDir | execWrapMask
)

// SHIFTCTRL fields.
const (
	shiftFJoinRx    = 1 << 31
	shiftFJoinTx    = 1 << 30
	shiftPullThresh = 25
	shiftPushThresh = 20
	shiftOutRight   = 1 << 19
	shiftInRight    = 1 << 18
	shiftAutoPull   = 1 << 17
	shiftAutoPush   = 1 << 16
)

// PINCTRL fields.
const (
	pinSideSetCount     = 29
	pinSetCount         = 26
	pinOutCount         = 20
	pinInBase           = 15
	pinSideSetBase      = 10
	pinSetBase          = 5
	pinOutBase          = 0
	pinSideSetCountMask = 0x7 << pinSideSetCount
	pinSideSetBaseMask  = 0x1f << pinSideSetBase
	pinConfigMask       = 0x7<<pinSetCount | 0x3f<<pinOutCount | 0x1f<<pinInBase |
		pinSideSetBaseMask | 0x1f<<pinSetBase | 0x1f<<pinOutBase
)

// Register reset values.
const (
	resetCLKDIV    = 0x00010000
	resetEXECCTRL  = 0x0001f000
	resetSHIFTCTRL = 0x000c0000
	resetPINCTRL   = 0x14000000
)

func (c *Config) shiftctrl() uint32 {
	v := uint32(c.OutShift.Threshold&0x1f)<<shiftPullThresh |
		uint32(c.InShift.Threshold&0x1f)<<shiftPushThresh
	switch c.FIFOJoin {
	case FIFOJoinRx:
		v |= shiftFJoinRx
	case FIFOJoinTx:
		v |= shiftFJoinTx
	}
	if c.OutShift.Right {
		v |= shiftOutRight
	}
	if c.InShift.Right {
		v |= shiftInRight
	}
	if c.OutShift.Auto {
		v |= shiftAutoPull
	}
	if c.InShift.Auto {
		v |= shiftAutoPush
	}
	return v
}

func (c *Config) pinctrl() uint32 {
	return uint32(c.SetCount)<<pinSetCount |
		uint32(c.OutCount)<<pinOutCount |
		uint32(c.InBase)<<pinInBase |
		uint32(c.SideSetBase)<<pinSideSetBase |
		uint32(c.SetBase)<<pinSetBase |
		uint32(c.OutBase)<<pinOutBase
}

// configFromRegs decodes the caller-owned fields of the registers.
func configFromRegs(clkdiv, execctrl, shiftctrl, pinctrl uint32) Config {
	threshold := func(v uint32) uint8 {
		if v == 0 {
			return 32
		}
		return uint8(v)
	}
	c := Config{
		ClockDivider: ClockDivider{Int: uint16(clkdiv >> 16), Frac: uint8(clkdiv >> 8)},
		OutBase:      uint8(pinctrl>>pinOutBase) & 0x1f,
		OutCount:     uint8(pinctrl>>pinOutCount) & 0x3f,
		SetBase:      uint8(pinctrl>>pinSetBase) & 0x1f,
		SetCount:     uint8(pinctrl>>pinSetCount) & 0x7,
		InBase:       uint8(pinctrl>>pinInBase) & 0x1f,
		SideSetBase:  uint8(pinctrl>>pinSideSetBase) & 0x1f,
		JmpPin:       uint8(execctrl>>execJmpPinShift) & 0x1f,
		OutShift: ShiftConfig{
			Right:     shiftctrl&shiftOutRight != 0,
			Auto:      shiftctrl&shiftAutoPull != 0,
			Threshold: threshold(shiftctrl >> shiftPullThresh & 0x1f),
		},
		InShift: ShiftConfig{
			Right:     shiftctrl&shiftInRight != 0,
			Auto:      shiftctrl&shiftAutoPush != 0,
			Threshold: threshold(shiftctrl >> shiftPushThresh & 0x1f),
		},
	}
	switch {
	case shiftctrl&shiftFJoinRx != 0:
		c.FIFOJoin = FIFOJoinRx
	case shiftctrl&shiftFJoinTx != 0:
		c.FIFOJoin = FIFOJoinTx
	}
	return c
}

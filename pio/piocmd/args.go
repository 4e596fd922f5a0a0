package piocmd

import "piohal/pio"

// Side-set descriptor byte of config_pio_program.
const (
	sideSetBitsMask = 0x07
	sideSetOptional = 1 << 3
	sideSetPinDirs  = 1 << 4
)

// PackSideSet encodes s for config_pio_program.
func PackSideSet(s pio.SideSet) uint32 {
	v := uint32(s.Bits & sideSetBitsMask)
	if s.Optional {
		v |= sideSetOptional
	}
	if s.PinDirs {
		v |= sideSetPinDirs
	}
	return v
}

func unpackSideSet(v uint32) pio.SideSet {
	return pio.SideSet{
		Bits:     uint8(v & sideSetBitsMask),
		Optional: v&sideSetOptional != 0,
		PinDirs:  v&sideSetPinDirs != 0,
	}
}

// PackPins encodes a pin group as base | count<<8.
func PackPins(base, count uint8) uint32 {
	return uint32(base) | uint32(count)<<8
}

func unpackPins(v uint32) (base, count uint8) {
	return uint8(v), uint8(v >> 8)
}

// Layout of the shift argument of pio_sm_configure.
const (
	shiftOutRight  = 1 << 0
	shiftAutoPull  = 1 << 1
	shiftInRight   = 1 << 2
	shiftAutoPush  = 1 << 3
	shiftJoinShift = 4
	shiftJoinMask  = 0x3 << shiftJoinShift
	shiftPullShift = 8
	shiftPushShift = 16
	shiftThreshold = 0x3f
)

// PackShift encodes the shift registers and FIFO join of cfg.
func PackShift(cfg pio.Config) uint32 {
	var v uint32
	if cfg.OutShift.Right {
		v |= shiftOutRight
	}
	if cfg.OutShift.Auto {
		v |= shiftAutoPull
	}
	if cfg.InShift.Right {
		v |= shiftInRight
	}
	if cfg.InShift.Auto {
		v |= shiftAutoPush
	}
	v |= (uint32(cfg.FIFOJoin) << shiftJoinShift) & shiftJoinMask
	v |= uint32(cfg.OutShift.Threshold&shiftThreshold) << shiftPullShift
	v |= uint32(cfg.InShift.Threshold&shiftThreshold) << shiftPushShift
	return v
}

func unpackShift(v uint32, cfg *pio.Config) {
	cfg.OutShift = pio.ShiftConfig{
		Right:     v&shiftOutRight != 0,
		Auto:      v&shiftAutoPull != 0,
		Threshold: uint8(v>>shiftPullShift) & shiftThreshold,
	}
	cfg.InShift = pio.ShiftConfig{
		Right:     v&shiftInRight != 0,
		Auto:      v&shiftAutoPush != 0,
		Threshold: uint8(v>>shiftPushShift) & shiftThreshold,
	}
	cfg.FIFOJoin = pio.FIFOJoin((v & shiftJoinMask) >> shiftJoinShift)
}

// PackClockDivider encodes d as it appears in the CLKDIV register.
func PackClockDivider(d pio.ClockDivider) uint32 {
	return uint32(d.Int)<<16 | uint32(d.Frac)<<8
}

func unpackClockDivider(v uint32) pio.ClockDivider {
	return pio.ClockDivider{Int: uint16(v >> 16), Frac: uint8(v >> 8)}
}

// ConfigureArgs returns the arguments of pio_sm_configure after the oid.
func ConfigureArgs(cfg pio.Config) []uint32 {
	return []uint32{
		PackClockDivider(cfg.ClockDivider),
		PackPins(cfg.OutBase, cfg.OutCount),
		PackPins(cfg.SetBase, cfg.SetCount),
		uint32(cfg.InBase),
		uint32(cfg.SideSetBase),
		uint32(cfg.JmpPin),
		PackShift(cfg),
	}
}

func configFromArgs(a []uint32) pio.Config {
	var cfg pio.Config
	cfg.ClockDivider = unpackClockDivider(a[0])
	cfg.OutBase, cfg.OutCount = unpackPins(a[1])
	cfg.SetBase, cfg.SetCount = unpackPins(a[2])
	cfg.InBase = uint8(a[3])
	cfg.SideSetBase = uint8(a[4])
	cfg.JmpPin = uint8(a[5])
	unpackShift(a[6], &cfg)
	return cfg
}

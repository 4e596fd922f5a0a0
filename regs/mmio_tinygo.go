//go:build tinygo

package regs

import (
	"runtime/volatile"
	"unsafe"
)

// MMIO is a register block at a fixed bus address.
type MMIO uintptr

// Reg returns the register at offset from the block base.
func (m MMIO) Reg(offset uintptr) Register {
	return mmioReg(uintptr(m) + offset)
}

// Addr returns the bus address of the register at offset.
func (m MMIO) Addr(offset uintptr) uintptr {
	return uintptr(m) + offset
}

type mmioReg uintptr

func (r mmioReg) alias(bits uintptr) *volatile.Register32 {
	return (*volatile.Register32)(unsafe.Pointer(uintptr(r) | bits))
}

func (r mmioReg) Get() uint32           { return r.alias(AliasRW).Get() }
func (r mmioReg) Set(value uint32)      { r.alias(AliasRW).Set(value) }
func (r mmioReg) XorBits(mask uint32)   { r.alias(AliasXOR).Set(mask) }
func (r mmioReg) SetBits(mask uint32)   { r.alias(AliasSET).Set(mask) }
func (r mmioReg) ClearBits(mask uint32) { r.alias(AliasCLR).Set(mask) }

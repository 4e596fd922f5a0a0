// Package regs provides access to memory-mapped peripheral registers.
//
// Every RP2040 peripheral register block is allocated 4kB of address space and
// each register can be reached through four address aliases, see 2.1.2. Atomic
// Register Access in the RP2040 Datasheet:
//   - Addr + 0x0000 : normal read write access
//   - Addr + 0x1000 : atomic XOR on write
//   - Addr + 0x2000 : atomic bitmask set on write
//   - Addr + 0x3000 : atomic bitmask clear on write
//
// Register exposes the three aliases as explicit operations. Code that updates
// only part of a register shared with other owners must use them instead of a
// Get/Set read-modify-write.
package regs

// Register alias offsets.
const (
	AliasRW  = 0x0 << 12
	AliasXOR = 0x1 << 12
	AliasSET = 0x2 << 12
	AliasCLR = 0x3 << 12
)

// Register is a single 32-bit peripheral register.
type Register interface {
	// Get reads the register.
	Get() uint32

	// Set writes the whole register.
	Set(value uint32)

	// XorBits atomically inverts the bits set in mask.
	XorBits(mask uint32)

	// SetBits atomically sets the bits set in mask.
	SetBits(mask uint32)

	// ClearBits atomically clears the bits set in mask.
	ClearBits(mask uint32)
}

// Bank is a peripheral register block addressed by byte offset.
type Bank interface {
	// Reg returns the register at offset from the start of the block.
	Reg(offset uintptr) Register

	// Addr returns the bus address of the register at offset, as handed
	// to bus masters such as DMA.
	Addr(offset uintptr) uintptr
}

// ReplaceBits changes the bits of r selected by mask to the matching bits of
// value with a single XOR-alias write. Bits outside mask are never written,
// so concurrent owners of other fields in r are not disturbed.
func ReplaceBits(r Register, value, mask uint32) {
	if diff := (r.Get() ^ value) & mask; diff != 0 {
		r.XorBits(diff)
	}
}

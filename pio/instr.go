package pio

import "strconv"

// Instr is one encoded 16-bit PIO instruction.
type Instr uint16

// Opcode is the instruction class.
type Opcode uint8

const (
	OpJmp Opcode = iota
	OpWait
	OpIn
	OpOut
	OpPush
	OpPull
	OpMov
	OpIRQ
	OpSet
)

var opcodeNames = [...]string{"jmp", "wait", "in", "out", "push", "pull", "mov", "irq", "set"}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return "op" + strconv.Itoa(int(op))
}

// Instruction class bits 15:13.
const (
	instrJmp  Instr = 0x0000
	instrWait Instr = 0x2000
	instrIn   Instr = 0x4000
	instrOut  Instr = 0x6000
	instrPush Instr = 0x8000
	instrPull Instr = 0x8080
	instrMov  Instr = 0xa000
	instrIRQ  Instr = 0xc000
	instrSet  Instr = 0xe000

	classMask         Instr = 0xe000
	delaySideSetMask  Instr = 0x1f00
	delaySideSetShift       = 8
	jmpTargetMask     Instr = 0x001f
	irqWaitBit        Instr = 1 << 5
)

// SideSet describes how a program uses the delay/side-set field.
type SideSet struct {
	Bits     uint8 // side-set value bits, not counting the enable bit
	Optional bool  // MSB of the field is an enable bit
	PinDirs  bool  // side-set drives pin directions instead of values
}

// Width is the number of delay/side-set bits taken by side-set.
func (s SideSet) Width() uint8 {
	if s.Optional {
		return s.Bits + 1
	}
	return s.Bits
}

func (s SideSet) valid() bool {
	return s.Width() <= 5 && !(s.Optional && s.Bits == 0)
}

func (s SideSet) delayBits() uint8 {
	return 5 - s.Width()
}

// NoSideSet omits side-set on an instruction; valid for optional side-set
// or programs without side-set.
const NoSideSet = 0xff

// Opcode returns the instruction class.
func (i Instr) Opcode() Opcode {
	switch i & classMask {
	case instrJmp:
		return OpJmp
	case instrWait:
		return OpWait
	case instrIn:
		return OpIn
	case instrOut:
		return OpOut
	case instrPush:
		if i&0x0080 != 0 {
			return OpPull
		}
		return OpPush
	case instrMov:
		return OpMov
	case instrIRQ:
		return OpIRQ
	}
	return OpSet
}

// JumpTarget returns bits 4:0 of a jump.
func (i Instr) JumpTarget() uint8 {
	return uint8(i & jmpTargetMask)
}

// JumpCondition returns the condition of a jump.
func (i Instr) JumpCondition() JmpCondition {
	return JmpCondition((i >> 5) & 0x7)
}

// Delay returns the delay cycles encoded under cfg.
func (i Instr) Delay(cfg SideSet) uint8 {
	field := uint8((i & delaySideSetMask) >> delaySideSetShift)
	return field & (1<<cfg.delayBits() - 1)
}

// SideSetValue returns the side-set value encoded under cfg and whether the
// instruction asserts side-set at all.
func (i Instr) SideSetValue(cfg SideSet) (uint8, bool) {
	if cfg.Bits == 0 {
		return 0, false
	}
	field := uint8((i & delaySideSetMask) >> delaySideSetShift)
	if cfg.Optional && field&0x10 == 0 {
		return 0, false
	}
	return (field >> cfg.delayBits()) & (1<<cfg.Bits - 1), true
}

// EncodeDelaySideSet replaces the delay/side-set field of raw. sideSet may
// be NoSideSet when cfg has no side-set or optional side-set.
func EncodeDelaySideSet(raw Instr, delay, sideSet uint8, cfg SideSet) (Instr, error) {
	if !cfg.valid() {
		return 0, ErrInvalidOperand
	}
	if delay > 1<<cfg.delayBits()-1 {
		return 0, ErrInvalidOperand
	}
	field := delay
	switch {
	case sideSet == NoSideSet:
		if cfg.Bits != 0 && !cfg.Optional {
			return 0, ErrInvalidOperand
		}
	case sideSet >= 1<<cfg.Bits:
		return 0, ErrInvalidOperand
	default:
		field |= sideSet << cfg.delayBits()
		if cfg.Optional {
			field |= 0x10
		}
	}
	return raw&^delaySideSetMask | Instr(field)<<delaySideSetShift, nil
}

// PatchJumpTarget rewrites the target bits of a jump. The caller checks the
// instruction is a jump; other bits are untouched.
func PatchJumpTarget(raw Instr, target uint8) Instr {
	return raw&^jmpTargetMask | Instr(target)&jmpTargetMask
}

// JmpCondition selects when a jump is taken.
type JmpCondition uint8

const (
	JmpAlways JmpCondition = iota
	JmpXZero
	JmpXNotZeroPostDec
	JmpYZero
	JmpYNotZeroPostDec
	JmpXNotEqualY
	JmpPin
	JmpOSRNotEmpty
)

// WaitSource is what a wait instruction polls.
type WaitSource uint8

const (
	WaitGPIO WaitSource = iota
	WaitPin
	WaitIRQ
)

// InSource feeds the input shift register.
type InSource uint8

const (
	InPins InSource = 0
	InX    InSource = 1
	InY    InSource = 2
	InNull InSource = 3
	InISR  InSource = 6
	InOSR  InSource = 7
)

// OutDest receives bits shifted out of the OSR.
type OutDest uint8

const (
	OutPins    OutDest = 0
	OutX       OutDest = 1
	OutY       OutDest = 2
	OutNull    OutDest = 3
	OutPinDirs OutDest = 4
	OutPC      OutDest = 5
	OutISR     OutDest = 6
	OutExec    OutDest = 7
)

// MovDest is the destination of mov.
type MovDest uint8

const (
	MovDestPins MovDest = 0
	MovDestX    MovDest = 1
	MovDestY    MovDest = 2
	MovDestExec MovDest = 4
	MovDestPC   MovDest = 5
	MovDestISR  MovDest = 6
	MovDestOSR  MovDest = 7
)

// MovOp transforms the moved value.
type MovOp uint8

const (
	MovOpNone MovOp = iota
	MovOpInvert
	MovOpReverse
)

// MovSrc is the source of mov.
type MovSrc uint8

const (
	MovSrcPins   MovSrc = 0
	MovSrcX      MovSrc = 1
	MovSrcY      MovSrc = 2
	MovSrcNull   MovSrc = 3
	MovSrcStatus MovSrc = 5
	MovSrcISR    MovSrc = 6
	MovSrcOSR    MovSrc = 7
)

// SetDest is the destination of set.
type SetDest uint8

const (
	SetPins    SetDest = 0
	SetX       SetDest = 1
	SetY       SetDest = 2
	SetPinDirs SetDest = 4
)

// bitCount encodes a shift count of 1..32; 32 is encoded as 0.
func bitCount(n uint8) Instr {
	return Instr(n) & 0x1f
}

func boolBit(b bool, shift uint) Instr {
	if b {
		return 1 << shift
	}
	return 0
}

func EncodeJmp(cond JmpCondition, target uint8) Instr {
	return instrJmp | Instr(cond&0x7)<<5 | Instr(target)&jmpTargetMask
}

// EncodeWait waits for polarity on the GPIO, mapped pin or IRQ flag index.
func EncodeWait(polarity bool, src WaitSource, index uint8) Instr {
	return instrWait | boolBit(polarity, 7) | Instr(src&0x3)<<5 | Instr(index)&0x1f
}

func EncodeIn(src InSource, count uint8) Instr {
	return instrIn | Instr(src&0x7)<<5 | bitCount(count)
}

func EncodeOut(dest OutDest, count uint8) Instr {
	return instrOut | Instr(dest&0x7)<<5 | bitCount(count)
}

func EncodePush(ifFull, block bool) Instr {
	return instrPush | boolBit(ifFull, 6) | boolBit(block, 5)
}

func EncodePull(ifEmpty, block bool) Instr {
	return instrPull | boolBit(ifEmpty, 6) | boolBit(block, 5)
}

func EncodeMov(dest MovDest, op MovOp, src MovSrc) Instr {
	return instrMov | Instr(dest&0x7)<<5 | Instr(op&0x3)<<3 | Instr(src&0x7)
}

// EncodeIRQSet raises IRQ flag index, optionally waiting for it to clear.
func EncodeIRQSet(wait bool, index uint8) Instr {
	return instrIRQ | boolBit(wait, 5) | Instr(index)&0x1f
}

func EncodeIRQClear(index uint8) Instr {
	return instrIRQ | 1<<6 | Instr(index)&0x1f
}

func EncodeSet(dest SetDest, data uint8) Instr {
	return instrSet | Instr(dest&0x7)<<5 | Instr(data)&0x1f
}

// EncodeNop is mov y, y.
func EncodeNop() Instr {
	return EncodeMov(MovDestY, MovOpNone, MovSrcY)
}

// execSafe reports whether i may be injected into a running machine
// without racing its program: set, non-blocking irq, and mov to anything
// but pc or exec, which would redirect the running program.
func (i Instr) execSafe() bool {
	switch i.Opcode() {
	case OpSet:
		return true
	case OpMov:
		dest := MovDest(i>>5) & 0x7
		return dest != MovDestPC && dest != MovDestExec
	case OpIRQ:
		return i&irqWaitBit == 0
	}
	return false
}

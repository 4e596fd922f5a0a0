package pio

import "fmt"

// Wrap is the pair of instruction addresses the state machine loops
// between: after executing Source it continues at Target.
type Wrap struct {
	Source uint8
	Target uint8
}

// Relocation is a program rewritten for a base address.
type Relocation struct {
	Base uint8
	Code []Instr
	Wrap Wrap // absolute
}

// Relocate rewrites p to run at base. Jump targets are absolute 5-bit
// addresses and are moved by base; everything else is copied unchanged.
// Targets do not wrap around the end of instruction memory.
func Relocate(p *Program, base uint8) (Relocation, error) {
	if err := p.validate(); err != nil {
		return Relocation{}, err
	}
	if int(base)+len(p.Code) > InstructionMemorySize {
		return Relocation{}, fmt.Errorf("%d instructions at %d: %w", len(p.Code), base, ErrCapacityExceeded)
	}

	code := make([]Instr, len(p.Code))
	for i, instr := range p.Code {
		if instr.Opcode() == OpJmp {
			target := int(instr.JumpTarget()) + int(base)
			if target >= InstructionMemorySize {
				return Relocation{}, fmt.Errorf("jmp at %d to %d: %w", i, target, ErrRelocationOutOfRange)
			}
			instr = PatchJumpTarget(instr, uint8(target))
		}
		code[i] = instr
	}

	return Relocation{
		Base: base,
		Code: code,
		Wrap: Wrap{Source: base + p.WrapSource, Target: base + p.WrapTarget},
	}, nil
}

package pio

import (
	"fmt"

	"piohal/core"
)

// NoOrigin marks a program or load request that may be placed anywhere.
const NoOrigin = -1

// Program is an assembled PIO program. The jump targets in Code are
// relative to the first instruction. A Program is never modified by this
// package and may be loaded into several blocks.
type Program struct {
	Code        []Instr
	SideSet     SideSet
	SideSetBase int8 // fixed side-set pin base, -1 to leave it to Config
	WrapSource  uint8
	WrapTarget  uint8
	Origin      int8 // required load address, or NoOrigin
}

// NewProgram returns a relocatable program that wraps from its last
// instruction back to its first.
func NewProgram(code ...Instr) *Program {
	p := &Program{
		Code:        code,
		SideSetBase: -1,
		Origin:      NoOrigin,
	}
	if len(code) > 0 {
		p.WrapSource = uint8(len(code) - 1)
	}
	return p
}

func (p *Program) validate() error {
	switch {
	case p == nil || len(p.Code) == 0:
		return fmt.Errorf("empty program: %w", ErrInvalidOperand)
	case len(p.Code) > InstructionMemorySize:
		return fmt.Errorf("%d instructions: %w", len(p.Code), ErrCapacityExceeded)
	case int(p.WrapSource) >= len(p.Code) || int(p.WrapTarget) >= len(p.Code):
		return fmt.Errorf("wrap %d->%d outside program: %w", p.WrapSource, p.WrapTarget, ErrInvalidOperand)
	case !p.SideSet.valid():
		return fmt.Errorf("side-set width %d: %w", p.SideSet.Width(), ErrInvalidOperand)
	case p.SideSetBase >= 32 || p.SideSetBase < -1:
		return fmt.Errorf("side-set base %d: %w", p.SideSetBase, ErrInvalidOperand)
	case p.Origin >= InstructionMemorySize || p.Origin < NoOrigin:
		return fmt.Errorf("origin %d: %w", p.Origin, ErrInvalidOperand)
	}
	return nil
}

// LoadedProgram is a program resident in a block's instruction memory.
type LoadedProgram struct {
	block       *Block
	origin      uint8
	code        []Instr // relocated
	wrap        Wrap
	sideSet     SideSet
	sideSetBase int8

	// guarded by the critical section
	refs   int
	loaded bool
}

// Block returns the block holding the program.
func (lp *LoadedProgram) Block() *Block { return lp.block }

// Origin is the address of the first instruction.
func (lp *LoadedProgram) Origin() uint8 { return lp.origin }

// Len is the number of slots the program occupies.
func (lp *LoadedProgram) Len() int { return len(lp.code) }

// Wrap returns the absolute wrap addresses.
func (lp *LoadedProgram) Wrap() Wrap { return lp.wrap }

// SideSet returns the side-set configuration of the program.
func (lp *LoadedProgram) SideSet() SideSet { return lp.sideSet }

// Code returns a copy of the relocated instructions.
func (lp *LoadedProgram) Code() []Instr {
	out := make([]Instr, len(lp.code))
	copy(out, lp.code)
	return out
}

// Refs returns the number of state machines bound to the program.
func (lp *LoadedProgram) Refs() int {
	state := core.DisableInterrupts()
	defer core.RestoreInterrupts(state)
	return lp.refs
}

// Loaded reports whether the program is still resident.
func (lp *LoadedProgram) Loaded() bool {
	state := core.DisableInterrupts()
	defer core.RestoreInterrupts(state)
	return lp.loaded
}

// Load places p in instruction memory and writes its relocated code.
// origin overrides p.Origin when not NoOrigin; the two must agree when both
// are set. A fixed origin must be entirely free (ErrAddressInUse); otherwise
// the lowest free run that fits is used (ErrCapacityExceeded).
func (b *Block) Load(p *Program, origin int8) (*LoadedProgram, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	switch {
	case origin < NoOrigin || origin >= InstructionMemorySize:
		return nil, fmt.Errorf("origin %d: %w", origin, ErrInvalidOperand)
	case origin == NoOrigin:
		origin = p.Origin
	case p.Origin != NoOrigin && p.Origin != origin:
		return nil, fmt.Errorf("origin %d conflicts with program origin %d: %w", origin, p.Origin, ErrAddressInUse)
	}
	length := uint8(len(p.Code))
	if origin != NoOrigin && int(origin)+int(length) > InstructionMemorySize {
		return nil, fmt.Errorf("%d instructions at %d: %w", length, origin, ErrCapacityExceeded)
	}

	var base uint8
	ok := false
	state := core.DisableInterrupts()
	if origin != NoOrigin {
		base = uint8(origin)
		ok = b.mem.reserveAt(base, length)
	} else {
		base, ok = b.mem.reserveFirstFit(length)
	}
	core.RestoreInterrupts(state)

	if !ok {
		core.RecordEvent(core.EvtLoadFailed, b.index, 0, uint32(length), 0)
		if origin != NoOrigin {
			return nil, fmt.Errorf("%d instructions at %d: %w", length, origin, ErrAddressInUse)
		}
		return nil, fmt.Errorf("%d instructions: %w", length, ErrCapacityExceeded)
	}

	// The range is ours alone now; relocate and write it outside the
	// critical section.
	rel, err := Relocate(p, base)
	if err != nil {
		state = core.DisableInterrupts()
		b.mem.release(base, length)
		core.RestoreInterrupts(state)
		core.RecordEvent(core.EvtLoadFailed, b.index, base, uint32(length), 0)
		return nil, err
	}
	for i, instr := range rel.Code {
		b.bank.Reg(instrMemOffset(base + uint8(i))).Set(uint32(instr))
	}

	lp := &LoadedProgram{
		block:       b,
		origin:      base,
		code:        rel.Code,
		wrap:        rel.Wrap,
		sideSet:     p.SideSet,
		sideSetBase: p.SideSetBase,
		loaded:      true,
	}
	state = core.DisableInterrupts()
	b.programs = append(b.programs, lp)
	core.RestoreInterrupts(state)

	core.RecordEvent(core.EvtLoad, b.index, base, uint32(base), uint32(length))
	return lp, nil
}

// Unload frees the memory of a program no state machine is bound to.
func (b *Block) Unload(lp *LoadedProgram) error {
	if lp == nil {
		return ErrNotLoaded
	}
	if lp.block != b {
		return ErrWrongBlock
	}

	state := core.DisableInterrupts()
	switch {
	case !lp.loaded:
		core.RestoreInterrupts(state)
		return ErrNotLoaded
	case lp.refs > 0:
		refs := lp.refs
		core.RestoreInterrupts(state)
		return fmt.Errorf("%d bindings: %w", refs, ErrBusy)
	}
	lp.loaded = false
	b.mem.release(lp.origin, uint8(len(lp.code)))
	for i, other := range b.programs {
		if other == lp {
			b.programs = append(b.programs[:i], b.programs[i+1:]...)
			break
		}
	}
	core.RestoreInterrupts(state)

	core.RecordEvent(core.EvtUnload, b.index, lp.origin, uint32(lp.origin), uint32(len(lp.code)))
	return nil
}

// WithProgram loads p, runs fn and unloads the program on every exit path.
// State machines bound inside fn must be released before it returns, or the
// unload fails with ErrBusy.
func (b *Block) WithProgram(p *Program, origin int8, fn func(*LoadedProgram) error) (err error) {
	lp, err := b.Load(p, origin)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := b.Unload(lp); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return fn(lp)
}

// FreeRegions returns the free instruction memory regions in address order.
func (b *Block) FreeRegions() []Region {
	state := core.DisableInterrupts()
	defer core.RestoreInterrupts(state)
	return b.mem.regions()
}

// Programs returns the loaded programs in load order.
func (b *Block) Programs() []*LoadedProgram {
	state := core.DisableInterrupts()
	defer core.RestoreInterrupts(state)
	out := make([]*LoadedProgram, len(b.programs))
	copy(out, b.programs)
	return out
}

// usedMask returns the occupied-slot bitmask.
func (b *Block) usedMask() uint32 {
	state := core.DisableInterrupts()
	defer core.RestoreInterrupts(state)
	return b.mem.used
}

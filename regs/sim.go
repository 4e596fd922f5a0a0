package regs

import "sync"

// Op identifies the kind of a register access.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpXor
	OpSet
	OpClear
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpXor:
		return "xor"
	case OpSet:
		return "set"
	case OpClear:
		return "clear"
	}
	return "unknown"
}

// Access is one logged register access.
type Access struct {
	Offset uintptr
	Op     Op
	Value  uint32
}

// Sim is an in-memory register bank. It applies the alias semantics of the
// real bus and logs every access, which lets host tests observe exactly how
// drivers touch the hardware.
type Sim struct {
	mu    sync.Mutex
	base  uintptr
	words map[uintptr]uint32
	w1c   map[uintptr]bool
	log   []Access
}

// NewSim creates a bank whose registers report bus addresses relative to base.
func NewSim(base uintptr) *Sim {
	return &Sim{
		base:  base,
		words: make(map[uintptr]uint32),
		w1c:   make(map[uintptr]bool),
	}
}

// Reg returns the register at offset.
func (s *Sim) Reg(offset uintptr) Register {
	return simReg{sim: s, offset: offset}
}

// Addr returns the simulated bus address of offset.
func (s *Sim) Addr(offset uintptr) uintptr {
	return s.base + offset
}

// WriteOneToClear marks the register at offset as write-1-to-clear, like the
// PIO IRQ and FDEBUG registers.
func (s *Sim) WriteOneToClear(offset uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w1c[offset] = true
}

// Peek reads a register without logging the access.
func (s *Sim) Peek(offset uintptr) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.words[offset]
}

// Poke stores a register value without logging, standing in for hardware
// changing its own status bits.
func (s *Sim) Poke(offset uintptr, value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.words[offset] = value
}

// Accesses returns a copy of the access log.
func (s *Sim) Accesses() []Access {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Access, len(s.log))
	copy(out, s.log)
	return out
}

// AccessesTo returns the logged accesses to one register.
func (s *Sim) AccessesTo(offset uintptr) []Access {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Access
	for _, a := range s.log {
		if a.Offset == offset {
			out = append(out, a)
		}
	}
	return out
}

// ResetLog discards the access log.
func (s *Sim) ResetLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = s.log[:0]
}

func (s *Sim) access(offset uintptr, op Op, value uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op != OpRead {
		s.log = append(s.log, Access{Offset: offset, Op: op, Value: value})
	}
	cur := s.words[offset]
	switch op {
	case OpRead:
		return cur
	case OpWrite:
		if s.w1c[offset] {
			cur &^= value
		} else {
			cur = value
		}
	case OpXor:
		cur ^= value
	case OpSet:
		cur |= value
	case OpClear:
		cur &^= value
	}
	s.words[offset] = cur
	return cur
}

type simReg struct {
	sim    *Sim
	offset uintptr
}

func (r simReg) Get() uint32           { return r.sim.access(r.offset, OpRead, 0) }
func (r simReg) Set(value uint32)      { r.sim.access(r.offset, OpWrite, value) }
func (r simReg) XorBits(mask uint32)   { r.sim.access(r.offset, OpXor, mask) }
func (r simReg) SetBits(mask uint32)   { r.sim.access(r.offset, OpSet, mask) }
func (r simReg) ClearBits(mask uint32) { r.sim.access(r.offset, OpClear, mask) }

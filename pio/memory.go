package pio

// InstructionMemorySize is the number of instruction slots per block.
const InstructionMemorySize = 32

// Region is a run of instruction memory slots.
type Region struct {
	Start  uint8
	Length uint8
}

func (r Region) end() uint8 { return r.Start + r.Length }

// memoryTable tracks the free slots of one block's instruction memory as
// a start-ordered list of maximally coalesced regions. The used mask is
// kept alongside so overlap can never go unnoticed. Callers hold the
// critical section.
type memoryTable struct {
	free []Region
	used uint32
}

func newMemoryTable() memoryTable {
	m := memoryTable{free: make([]Region, 1, InstructionMemorySize/2+1)}
	m.free[0] = Region{Start: 0, Length: InstructionMemorySize}
	return m
}

func rangeMask(start, length uint8) uint32 {
	if length >= InstructionMemorySize {
		return 0xffffffff
	}
	return (1<<length - 1) << start
}

// reserveAt takes exactly [start, start+length) if every slot is free.
func (m *memoryTable) reserveAt(start, length uint8) bool {
	if length == 0 || int(start)+int(length) > InstructionMemorySize {
		return false
	}
	for i, r := range m.free {
		if start < r.Start || start+length > r.end() {
			continue
		}
		m.take(i, start, length)
		return true
	}
	return false
}

// reserveFirstFit takes the lowest-addressed run of length free slots.
func (m *memoryTable) reserveFirstFit(length uint8) (uint8, bool) {
	if length == 0 {
		return 0, false
	}
	for i, r := range m.free {
		if r.Length >= length {
			m.take(i, r.Start, length)
			return r.Start, true
		}
	}
	return 0, false
}

// take carves [start, start+length) out of free region i.
func (m *memoryTable) take(i int, start, length uint8) {
	r := m.free[i]
	before := Region{Start: r.Start, Length: start - r.Start}
	after := Region{Start: start + length, Length: r.end() - (start + length)}

	switch {
	case before.Length == 0 && after.Length == 0:
		m.free = append(m.free[:i], m.free[i+1:]...)
	case before.Length == 0:
		m.free[i] = after
	case after.Length == 0:
		m.free[i] = before
	default:
		m.free[i] = before
		m.free = append(m.free, Region{})
		copy(m.free[i+2:], m.free[i+1:])
		m.free[i+1] = after
	}
	m.used |= rangeMask(start, length)
}

// release returns [start, start+length) to the free list, merging with
// adjacent free regions.
func (m *memoryTable) release(start, length uint8) {
	mask := rangeMask(start, length)
	if m.used&mask != mask {
		panic("pio: releasing instruction memory that is not reserved")
	}
	m.used &^= mask

	i := 0
	for i < len(m.free) && m.free[i].Start < start {
		i++
	}
	r := Region{Start: start, Length: length}
	if i > 0 && m.free[i-1].end() == start {
		i--
		r.Start = m.free[i].Start
		r.Length += m.free[i].Length
		m.free = append(m.free[:i], m.free[i+1:]...)
	}
	if i < len(m.free) && r.end() == m.free[i].Start {
		r.Length += m.free[i].Length
		m.free = append(m.free[:i], m.free[i+1:]...)
	}
	m.free = append(m.free, Region{})
	copy(m.free[i+1:], m.free[i:])
	m.free[i] = r
}

func (m *memoryTable) regions() []Region {
	out := make([]Region, len(m.free))
	copy(out, m.free)
	return out
}

func (m *memoryTable) freeSlots() int {
	n := 0
	for _, r := range m.free {
		n += int(r.Length)
	}
	return n
}

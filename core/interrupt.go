package core

import "errors"

// Vector is an interrupt number in the NVIC vector table.
type Vector uint8

// RP2040 PIO and DMA interrupt vectors.
const (
	PIO0_IRQ_0 Vector = 7
	PIO0_IRQ_1 Vector = 8
	PIO1_IRQ_0 Vector = 9
	PIO1_IRQ_1 Vector = 10
	DMA_IRQ_0  Vector = 11
)

// NumVectors is the number of external interrupts on the RP2040.
const NumVectors = 32

var ErrVectorAlreadyBound = errors.New("interrupt vector already bound")

// InterruptHandler is run in interrupt context when its vector fires.
// Implementations must not block.
type InterruptHandler interface {
	OnInterrupt()
}

// InterruptFunc adapts a plain function to InterruptHandler.
type InterruptFunc func()

func (f InterruptFunc) OnInterrupt() { f() }

// InterruptTable maps vectors to their handlers. A vector may be bound once.
type InterruptTable struct {
	handlers [NumVectors][]InterruptHandler
}

// Interrupts is the table the hardware vectors dispatch through.
var Interrupts = NewInterruptTable()

// NewInterruptTable returns an empty table.
func NewInterruptTable() *InterruptTable {
	return &InterruptTable{}
}

// Bind attaches handlers to v. Binding a vector twice fails with
// ErrVectorAlreadyBound and leaves the first binding in place.
func (t *InterruptTable) Bind(v Vector, handlers ...InterruptHandler) error {
	if int(v) >= NumVectors {
		panic("core: interrupt vector out of range")
	}
	if len(handlers) == 0 {
		return errors.New("no interrupt handlers given")
	}
	list := make([]InterruptHandler, len(handlers))
	copy(list, handlers)

	state := DisableInterrupts()
	defer RestoreInterrupts(state)

	if t.handlers[v] != nil {
		return ErrVectorAlreadyBound
	}
	t.handlers[v] = list
	return nil
}

// IsBound reports whether v has handlers.
func (t *InterruptTable) IsBound(v Vector) bool {
	if int(v) >= NumVectors {
		return false
	}
	state := DisableInterrupts()
	defer RestoreInterrupts(state)
	return t.handlers[v] != nil
}

// Dispatch runs every handler bound to v in binding order and reports
// whether any ran. Handlers execute outside the critical section so they may
// enter it themselves.
func (t *InterruptTable) Dispatch(v Vector) bool {
	if int(v) >= NumVectors {
		return false
	}
	state := DisableInterrupts()
	list := t.handlers[v]
	RestoreInterrupts(state)

	for _, h := range list {
		h.OnInterrupt()
	}
	return len(list) > 0
}

// BindInterrupt binds handlers to v in the global table.
func BindInterrupt(v Vector, handlers ...InterruptHandler) error {
	return Interrupts.Bind(v, handlers...)
}

// DispatchInterrupt is called from the hardware vector for v.
func DispatchInterrupt(v Vector) bool {
	return Interrupts.Dispatch(v)
}

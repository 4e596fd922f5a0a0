// Package piocmd exposes PIO program loading and state machine control as
// host commands. Programs and state machines are addressed by object IDs
// chosen by the host.
package piocmd

import (
	"encoding/binary"
	"fmt"
	"sync"

	"piohal/core"
	"piohal/pio"
	"piohal/protocol"
)

type program struct {
	block  uint8
	prog   pio.Program
	loaded *pio.LoadedProgram
}

// Handler owns the objects created through the command interface.
type Handler struct {
	mu       sync.Mutex
	blocks   []*pio.Block
	programs map[uint8]*program
	machines map[uint8]*pio.StateMachine
}

func NewHandler(blocks ...*pio.Block) *Handler {
	return &Handler{
		blocks:   blocks,
		programs: make(map[uint8]*program),
		machines: make(map[uint8]*pio.StateMachine),
	}
}

// Register adds the PIO commands and responses to the global registry and
// stops every claimed machine on shutdown.
func (h *Handler) Register() {
	core.RegisterCommand("config_pio_program",
		"oid=%c pio=%c length=%c wrap_target=%c wrap_source=%c sideset=%c sideset_base=%i origin=%i",
		h.handleConfigProgram)
	core.RegisterCommand("pio_program_code", "oid=%c offset=%c code=%*s", h.handleProgramCode)
	core.RegisterCommand("load_pio_program", "oid=%c", h.handleLoadProgram)
	core.RegisterCommand("unload_pio_program", "oid=%c", h.handleUnloadProgram)
	core.RegisterCommand("config_pio_sm", "oid=%c pio=%c sm=%c", h.handleConfigSM)
	core.RegisterCommand("pio_sm_configure",
		"oid=%c clkdiv=%u out=%u set=%u in_base=%c sideset_base=%c jmp_pin=%c shift=%u",
		h.handleConfigure)
	core.RegisterCommand("pio_sm_bind", "oid=%c program_oid=%c", h.handleBind)
	core.RegisterCommand("pio_sm_start", "oid=%c", h.handleStart)
	core.RegisterCommand("pio_sm_stop", "oid=%c", h.handleStop)
	core.RegisterCommand("pio_sm_exec", "oid=%c instr=%u", h.handleExec)
	core.RegisterCommand("pio_sm_put", "oid=%c data=%u", h.handlePut)
	core.RegisterCommand("pio_sm_query", "oid=%c", h.handleQuery)
	core.RegisterCommand("pio_sm_release", "oid=%c", h.handleRelease)
	RegisterResponses()
	core.RegisterShutdownHook(h.StopAll)
}

// RegisterResponses registers the responses and constants shared by every
// PIO command set.
func RegisterResponses() {
	core.RegisterResponse("pio_status", "oid=%c status=%c")
	core.RegisterResponse("pio_program", "oid=%c origin=%c length=%c status=%c")
	core.RegisterResponse("pio_sm_state", "oid=%c state=%c pc=%c tx_level=%c rx_level=%c")
	registerStatusEnumeration()
	core.RegisterConstant("PIO_BLOCKS", uint32(2))
	core.RegisterConstant("PIO_INSTRUCTION_MEMORY", uint32(pio.InstructionMemorySize))
}

// decodeArgs reads n VLQ values from the front of data.
func decodeArgs(data *[]byte, n int) ([]uint32, error) {
	args := make([]uint32, n)
	for i := range args {
		v, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// SendStatus reports err, or success, for oid in a pio_status response.
func SendStatus(oid uint8, err error) {
	if err != nil {
		core.DebugPrintln(fmt.Sprintf("[PIO] oid %d: %v", oid, err))
	}
	code := ErrorCode(err)
	core.SendResponse("pio_status", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, uint32(code))
	})
}

func (h *Handler) block(index uint32) (*pio.Block, error) {
	if index >= uint32(len(h.blocks)) || h.blocks[index] == nil {
		return nil, fmt.Errorf("pio block %d: %w", index, pio.ErrInvalidOperand)
	}
	return h.blocks[index], nil
}

func (h *Handler) program(oid uint8) (*program, error) {
	p, ok := h.programs[oid]
	if !ok {
		return nil, fmt.Errorf("program %d: %w", oid, ErrUnknownObject)
	}
	return p, nil
}

func (h *Handler) machine(oid uint8) (*pio.StateMachine, error) {
	m, ok := h.machines[oid]
	if !ok {
		return nil, fmt.Errorf("state machine %d: %w", oid, ErrUnknownObject)
	}
	return m, nil
}

// handleConfigProgram stages an empty program of the given length.
// Format: config_pio_program oid=%c pio=%c length=%c wrap_target=%c wrap_source=%c sideset=%c sideset_base=%i origin=%i
func (h *Handler) handleConfigProgram(data *[]byte) error {
	a, err := decodeArgs(data, 8)
	if err != nil {
		return err
	}
	oid := uint8(a[0])
	SendStatus(oid, h.configProgram(oid, a[1:]))
	return nil
}

func (h *Handler) configProgram(oid uint8, a []uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.block(a[0]); err != nil {
		return err
	}
	if old, ok := h.programs[oid]; ok && old.loaded != nil {
		return pio.ErrBusy
	}
	length := a[1]
	if length == 0 || length > pio.InstructionMemorySize {
		return fmt.Errorf("program length %d: %w", length, pio.ErrInvalidOperand)
	}
	h.programs[oid] = &program{
		block: uint8(a[0]),
		prog: pio.Program{
			Code:        make([]pio.Instr, length),
			WrapTarget:  uint8(a[2]),
			WrapSource:  uint8(a[3]),
			SideSet:     unpackSideSet(a[4]),
			SideSetBase: int8(int32(a[5])),
			Origin:      int8(int32(a[6])),
		},
	}
	return nil
}

// handleProgramCode fills part of a staged program. Code is little endian
// 16 bit words.
// Format: pio_program_code oid=%c offset=%c code=%*s
func (h *Handler) handleProgramCode(data *[]byte) error {
	a, err := decodeArgs(data, 2)
	if err != nil {
		return err
	}
	code, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	oid := uint8(a[0])
	SendStatus(oid, h.programCode(oid, a[1], code))
	return nil
}

func (h *Handler) programCode(oid uint8, offset uint32, code []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := h.program(oid)
	if err != nil {
		return err
	}
	if p.loaded != nil {
		return pio.ErrBusy
	}
	words := uint32(len(code) / 2)
	if len(code)%2 != 0 || offset+words > uint32(len(p.prog.Code)) {
		return fmt.Errorf("code at %d, %d bytes: %w", offset, len(code), pio.ErrInvalidOperand)
	}
	for i := uint32(0); i < words; i++ {
		p.prog.Code[offset+i] = pio.Instr(binary.LittleEndian.Uint16(code[2*i:]))
	}
	return nil
}

// handleLoadProgram writes a staged program into instruction memory and
// reports where it landed.
// Format: load_pio_program oid=%c
func (h *Handler) handleLoadProgram(data *[]byte) error {
	a, err := decodeArgs(data, 1)
	if err != nil {
		return err
	}
	oid := uint8(a[0])
	lp, err := h.loadProgram(oid)
	var origin, length uint32
	if lp != nil {
		origin, length = uint32(lp.Origin()), uint32(lp.Len())
	}
	if err != nil {
		core.DebugPrintln(fmt.Sprintf("[PIO] load oid %d: %v", oid, err))
	}
	code := ErrorCode(err)
	core.SendResponse("pio_program", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, origin)
		protocol.EncodeVLQUint(output, length)
		protocol.EncodeVLQUint(output, uint32(code))
	})
	return nil
}

func (h *Handler) loadProgram(oid uint8) (*pio.LoadedProgram, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := h.program(oid)
	if err != nil {
		return nil, err
	}
	if p.loaded != nil {
		return p.loaded, nil
	}
	lp, err := h.blocks[p.block].Load(&p.prog, p.prog.Origin)
	if err != nil {
		return nil, err
	}
	p.loaded = lp
	return lp, nil
}

// handleUnloadProgram frees a program's instruction memory and forgets
// the oid.
// Format: unload_pio_program oid=%c
func (h *Handler) handleUnloadProgram(data *[]byte) error {
	a, err := decodeArgs(data, 1)
	if err != nil {
		return err
	}
	oid := uint8(a[0])
	SendStatus(oid, h.unloadProgram(oid))
	return nil
}

func (h *Handler) unloadProgram(oid uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := h.program(oid)
	if err != nil {
		return err
	}
	if p.loaded != nil {
		if err := h.blocks[p.block].Unload(p.loaded); err != nil {
			return err
		}
	}
	delete(h.programs, oid)
	return nil
}

// handleConfigSM claims a state machine.
// Format: config_pio_sm oid=%c pio=%c sm=%c
func (h *Handler) handleConfigSM(data *[]byte) error {
	a, err := decodeArgs(data, 3)
	if err != nil {
		return err
	}
	oid := uint8(a[0])
	SendStatus(oid, h.configSM(oid, a[1], a[2]))
	return nil
}

func (h *Handler) configSM(oid uint8, blockIndex, index uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, err := h.block(blockIndex)
	if err != nil {
		return err
	}
	if _, ok := h.machines[oid]; ok {
		return fmt.Errorf("oid %d: %w", oid, pio.ErrAlreadyClaimed)
	}
	if index >= pio.NumStateMachines {
		return fmt.Errorf("state machine %d: %w", index, pio.ErrInvalidOperand)
	}
	sm, err := b.Claim(uint8(index))
	if err != nil {
		return err
	}
	h.machines[oid] = sm
	return nil
}

// withMachine decodes the leading oid plus n more arguments, runs fn on
// the machine and reports the result.
func (h *Handler) withMachine(data *[]byte, n int, fn func(sm *pio.StateMachine, args []uint32) error) error {
	a, err := decodeArgs(data, n+1)
	if err != nil {
		return err
	}
	oid := uint8(a[0])
	h.mu.Lock()
	sm, err := h.machine(oid)
	if err == nil {
		err = fn(sm, a[1:])
	}
	h.mu.Unlock()
	SendStatus(oid, err)
	return nil
}

// Format: pio_sm_configure oid=%c clkdiv=%u out=%u set=%u in_base=%c sideset_base=%c jmp_pin=%c shift=%u
func (h *Handler) handleConfigure(data *[]byte) error {
	return h.withMachine(data, 7, func(sm *pio.StateMachine, a []uint32) error {
		return sm.Configure(configFromArgs(a))
	})
}

// Format: pio_sm_bind oid=%c program_oid=%c
func (h *Handler) handleBind(data *[]byte) error {
	return h.withMachine(data, 1, func(sm *pio.StateMachine, a []uint32) error {
		p, err := h.program(uint8(a[0]))
		if err != nil {
			return err
		}
		if p.loaded == nil {
			return pio.ErrNotLoaded
		}
		return sm.Bind(p.loaded)
	})
}

// Format: pio_sm_start oid=%c
func (h *Handler) handleStart(data *[]byte) error {
	return h.withMachine(data, 0, func(sm *pio.StateMachine, _ []uint32) error {
		return sm.Start()
	})
}

// Format: pio_sm_stop oid=%c
func (h *Handler) handleStop(data *[]byte) error {
	return h.withMachine(data, 0, func(sm *pio.StateMachine, _ []uint32) error {
		return sm.Stop()
	})
}

// Format: pio_sm_exec oid=%c instr=%u
func (h *Handler) handleExec(data *[]byte) error {
	return h.withMachine(data, 1, func(sm *pio.StateMachine, a []uint32) error {
		if a[0] > 0xffff {
			return fmt.Errorf("instruction 0x%x: %w", a[0], pio.ErrInvalidOperand)
		}
		return sm.Exec(pio.Instr(a[0]))
	})
}

// handlePut queues one word without waiting; a full FIFO is reported, not
// retried.
// Format: pio_sm_put oid=%c data=%u
func (h *Handler) handlePut(data *[]byte) error {
	return h.withMachine(data, 1, func(sm *pio.StateMachine, a []uint32) error {
		ok, err := sm.TryPut(a[0])
		if err == nil && !ok {
			err = ErrFIFOFull
		}
		return err
	})
}

// Format: pio_sm_release oid=%c
func (h *Handler) handleRelease(data *[]byte) error {
	a, err := decodeArgs(data, 1)
	if err != nil {
		return err
	}
	oid := uint8(a[0])
	h.mu.Lock()
	sm, err := h.machine(oid)
	if err == nil {
		err = sm.Release()
		delete(h.machines, oid)
	}
	h.mu.Unlock()
	SendStatus(oid, err)
	return nil
}

// handleQuery reports lifecycle state, program counter and FIFO levels.
// Format: pio_sm_query oid=%c
func (h *Handler) handleQuery(data *[]byte) error {
	a, err := decodeArgs(data, 1)
	if err != nil {
		return err
	}
	oid := uint8(a[0])
	h.mu.Lock()
	sm, err := h.machine(oid)
	var state, pc, tx, rx uint32
	if err == nil {
		state = uint32(sm.State())
		var addr uint8
		addr, err = sm.PC()
		pc = uint32(addr)
		tx, rx = uint32(sm.TxLevel()), uint32(sm.RxLevel())
	}
	h.mu.Unlock()
	if err != nil {
		SendStatus(oid, err)
		return nil
	}
	core.SendResponse("pio_sm_state", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, state)
		protocol.EncodeVLQUint(output, pc)
		protocol.EncodeVLQUint(output, tx)
		protocol.EncodeVLQUint(output, rx)
	})
	return nil
}

// StopAll halts every machine claimed through the command interface.
func (h *Handler) StopAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sm := range h.machines {
		_ = sm.Stop()
	}
}

package pio

import (
	"fmt"

	"piohal/core"
	"piohal/regs"
)

// SMState is the lifecycle state of a state machine.
type SMState uint8

const (
	Unclaimed SMState = iota
	Halted
	Configured
	Bound
	Running
)

func (s SMState) String() string {
	switch s {
	case Unclaimed:
		return "unclaimed"
	case Halted:
		return "halted"
	case Configured:
		return "configured"
	case Bound:
		return "bound"
	case Running:
		return "running"
	}
	return "invalid"
}

type machineSlot struct {
	token      uint32 // 0 while unclaimed
	configured bool
	program    *LoadedProgram
}

// StateMachine is the exclusive handle to one state machine, returned by
// Claim. It stops working once released. A handle is not safe for
// concurrent use by several goroutines.
type StateMachine struct {
	block *Block
	index uint8
	token uint32
}

// Claim takes exclusive ownership of state machine index (0..3).
func (b *Block) Claim(index uint8) (*StateMachine, error) {
	if index >= NumStateMachines {
		panic("pio: state machine index out of range")
	}
	state := core.DisableInterrupts()
	slot := &b.machines[index]
	if slot.token != 0 {
		core.RestoreInterrupts(state)
		return nil, fmt.Errorf("PIO%d SM%d: %w", b.index, index, ErrAlreadyClaimed)
	}
	b.tokens++
	if b.tokens == 0 {
		b.tokens++
	}
	slot.token = b.tokens
	slot.configured = false
	slot.program = nil
	sm := &StateMachine{block: b, index: index, token: slot.token}
	core.RestoreInterrupts(state)

	core.RecordEvent(core.EvtClaim, b.index, index, sm.token, 0)
	return sm, nil
}

// WithStateMachine claims state machine index, runs fn and releases the
// machine on every exit path, including a panic in fn. A failed release is
// reported when fn itself succeeded.
func (b *Block) WithStateMachine(index uint8, fn func(*StateMachine) error) (err error) {
	sm, err := b.Claim(index)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := sm.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(sm)
}

// Block returns the block the machine belongs to.
func (sm *StateMachine) Block() *Block { return sm.block }

// Index returns the machine number within its block.
func (sm *StateMachine) Index() uint8 { return sm.index }

func (sm *StateMachine) reg(offset uintptr) regs.Register {
	return sm.block.bank.Reg(smOffset(sm.index, offset))
}

func (sm *StateMachine) ctrl() regs.Register {
	return sm.block.bank.Reg(regCTRL)
}

// slot returns the machine's slot if the handle still owns it. The caller
// holds the critical section.
func (sm *StateMachine) slot() (*machineSlot, error) {
	slot := &sm.block.machines[sm.index]
	if sm.token == 0 || slot.token != sm.token {
		return nil, ErrNotClaimed
	}
	return slot, nil
}

func (sm *StateMachine) check() error {
	state := core.DisableInterrupts()
	defer core.RestoreInterrupts(state)
	_, err := sm.slot()
	return err
}

func (sm *StateMachine) running() bool {
	return sm.ctrl().Get()&(1<<(ctrlSMEnable+sm.index)) != 0
}

func (sm *StateMachine) checkHalted() error {
	if err := sm.check(); err != nil {
		return err
	}
	if sm.running() {
		return fmt.Errorf("PIO%d SM%d: %w", sm.block.index, sm.index, ErrNotHalted)
	}
	return nil
}

// State reports the lifecycle state seen through this handle.
func (sm *StateMachine) State() SMState {
	state := core.DisableInterrupts()
	slot, err := sm.slot()
	var configured, bound bool
	if err == nil {
		configured = slot.configured
		bound = slot.program != nil
	}
	core.RestoreInterrupts(state)

	switch {
	case err != nil:
		return Unclaimed
	case sm.running():
		return Running
	case bound:
		return Bound
	case configured:
		return Configured
	}
	return Halted
}

// Configure applies cfg. The machine must be halted. Fields owned by the
// bound program (wrap, side-set width) are left alone.
func (sm *StateMachine) Configure(cfg Config) error {
	if err := sm.checkHalted(); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	sm.reg(smCLKDIV).Set(cfg.ClockDivider.reg())
	regs.ReplaceBits(sm.reg(smEXECCTRL), uint32(cfg.JmpPin)<<execJmpPinShift, execJmpPinMask)
	sm.reg(smSHIFTCTRL).Set(cfg.shiftctrl())
	pinMask := uint32(pinConfigMask)
	if p := sm.Program(); p != nil && p.sideSetBase >= 0 {
		pinMask &^= pinSideSetBaseMask
	}
	regs.ReplaceBits(sm.reg(smPINCTRL), cfg.pinctrl(), pinMask)

	state := core.DisableInterrupts()
	if slot, err := sm.slot(); err == nil {
		slot.configured = true
	}
	core.RestoreInterrupts(state)
	return nil
}

// Config reads back the caller-owned configuration from the registers.
func (sm *StateMachine) Config() (Config, error) {
	if err := sm.check(); err != nil {
		return Config{}, err
	}
	return configFromRegs(
		sm.reg(smCLKDIV).Get(),
		sm.reg(smEXECCTRL).Get(),
		sm.reg(smSHIFTCTRL).Get(),
		sm.reg(smPINCTRL).Get(),
	), nil
}

// SetClockDivider changes the divider; allowed while running.
func (sm *StateMachine) SetClockDivider(div ClockDivider) error {
	if err := sm.check(); err != nil {
		return err
	}
	if div.Int == 0 {
		return ErrClockDividerTooSmall
	}
	sm.reg(smCLKDIV).Set(div.reg())
	return nil
}

// Bind attaches a loaded program: wrap, side-set setup, and a jump to the
// program's first instruction. The machine must be halted. A previously
// bound program is unbound.
func (sm *StateMachine) Bind(lp *LoadedProgram) error {
	if lp == nil {
		return ErrNotLoaded
	}
	if lp.block != sm.block {
		return ErrWrongBlock
	}
	if err := sm.checkHalted(); err != nil {
		return err
	}

	state := core.DisableInterrupts()
	slot, err := sm.slot()
	if err == nil && !lp.loaded {
		err = ErrNotLoaded
	}
	if err != nil {
		core.RestoreInterrupts(state)
		return err
	}
	if slot.program != nil {
		slot.program.refs--
	}
	lp.refs++
	slot.program = lp
	refs := lp.refs
	core.RestoreInterrupts(state)

	exec := uint32(lp.wrap.Source)<<execWrapTop | uint32(lp.wrap.Target)<<execWrapBottom
	if lp.sideSet.Optional {
		exec |= execSideEn
	}
	if lp.sideSet.PinDirs {
		exec |= execSidePinDir
	}
	regs.ReplaceBits(sm.reg(smEXECCTRL), exec, execProgramMask)

	pin := uint32(lp.sideSet.Width()) << pinSideSetCount
	pinMask := uint32(pinSideSetCountMask)
	if lp.sideSetBase >= 0 {
		pin |= uint32(lp.sideSetBase) << pinSideSetBase
		pinMask |= pinSideSetBaseMask
	}
	regs.ReplaceBits(sm.reg(smPINCTRL), pin, pinMask)

	sm.reg(smINSTR).Set(uint32(EncodeJmp(JmpAlways, lp.origin)))

	core.RecordEvent(core.EvtBind, sm.block.index, sm.index, uint32(lp.origin), uint32(refs))
	return nil
}

// Program returns the bound program, or nil.
func (sm *StateMachine) Program() *LoadedProgram {
	state := core.DisableInterrupts()
	defer core.RestoreInterrupts(state)
	slot, err := sm.slot()
	if err != nil {
		return nil
	}
	return slot.program
}

// Start enables the machine.
func (sm *StateMachine) Start() error {
	if err := sm.check(); err != nil {
		return err
	}
	sm.ctrl().SetBits(1 << (ctrlSMEnable + sm.index))
	core.RecordEvent(core.EvtStart, sm.block.index, sm.index, 0, 0)
	return nil
}

// Stop disables the machine. Its registers and FIFOs are kept.
func (sm *StateMachine) Stop() error {
	if err := sm.check(); err != nil {
		return err
	}
	sm.stop()
	return nil
}

func (sm *StateMachine) stop() {
	sm.ctrl().ClearBits(1 << (ctrlSMEnable + sm.index))
	core.RecordEvent(core.EvtStop, sm.block.index, sm.index, 0, 0)
}

// Restart clears the machine's internal state (shift counters, delay,
// stall) without touching its configuration.
func (sm *StateMachine) Restart() error {
	if err := sm.check(); err != nil {
		return err
	}
	sm.ctrl().SetBits(1 << (ctrlSMRestart + sm.index))
	return nil
}

// ClockDividerRestart resets the divider phase.
func (sm *StateMachine) ClockDividerRestart() error {
	if err := sm.check(); err != nil {
		return err
	}
	sm.ctrl().SetBits(1 << (ctrlClkDivRestart + sm.index))
	return nil
}

// PC returns the address of the instruction being executed.
func (sm *StateMachine) PC() (uint8, error) {
	if err := sm.check(); err != nil {
		return 0, err
	}
	return uint8(sm.reg(smADDR).Get() & 0x1f), nil
}

// Exec runs instr immediately. While the machine is running only set,
// non-waiting irq and mov to a destination other than pc or exec are
// accepted.
func (sm *StateMachine) Exec(instr Instr) error {
	if err := sm.check(); err != nil {
		return err
	}
	if !instr.execSafe() && sm.running() {
		return fmt.Errorf("exec %s: %w", instr.Opcode(), ErrNotHalted)
	}
	sm.reg(smINSTR).Set(uint32(instr))
	core.RecordEvent(core.EvtExec, sm.block.index, sm.index, uint32(instr), 0)
	return nil
}

// Release stops the machine, unbinds its program, returns its registers to
// their reset values and gives up ownership. Legal in any state; the handle
// is unusable afterwards.
func (sm *StateMachine) Release() error {
	if err := sm.check(); err != nil {
		return err
	}
	b := sm.block
	sm.stop()

	bit := uint32(1) << sm.index
	for line := uint8(0); line < 2; line++ {
		b.bank.Reg(inteOffset(line)).ClearBits(bit<<intRxNotEmpty | bit<<intTxNotFull | bit<<intSMIRQ)
	}
	sm.reg(smCLKDIV).Set(resetCLKDIV)
	sm.reg(smEXECCTRL).Set(resetEXECCTRL)
	sm.reg(smSHIFTCTRL).Set(resetSHIFTCTRL)
	sm.reg(smPINCTRL).Set(resetPINCTRL)
	sm.clearFIFOs()
	sm.ctrl().SetBits(bit<<ctrlSMRestart | bit<<ctrlClkDivRestart)
	sm.reg(smINSTR).Set(uint32(EncodeJmp(JmpAlways, 0)))
	b.txReady[sm.index].Reset()
	b.rxReady[sm.index].Reset()

	state := core.DisableInterrupts()
	slot, err := sm.slot()
	if err == nil {
		if slot.program != nil {
			slot.program.refs--
		}
		*slot = machineSlot{}
	}
	sm.token = 0
	core.RestoreInterrupts(state)
	if err != nil {
		return err
	}

	core.RecordEvent(core.EvtRelease, b.index, sm.index, 0, 0)
	return nil
}

// clearFIFOs drops the contents of both FIFOs; toggling a join bit flushes
// them.
func (sm *StateMachine) clearFIFOs() {
	r := sm.reg(smSHIFTCTRL)
	r.XorBits(shiftFJoinRx)
	r.XorBits(shiftFJoinRx)
}

// ClearFIFOs empties both FIFOs.
func (sm *StateMachine) ClearFIFOs() error {
	if err := sm.check(); err != nil {
		return err
	}
	sm.clearFIFOs()
	return nil
}

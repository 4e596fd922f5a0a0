package mcu

import (
	"context"
	"encoding/binary"
	"fmt"

	"piohal/pio"
	"piohal/pio/piocmd"
)

// codeChunkWords keeps a pio_program_code frame well under the payload limit.
const codeChunkWords = 16

// pioCall sends a command whose first argument is oid and returns the
// error carried by the matching pio_status.
func (m *MCU) pioCall(ctx context.Context, name string, oid uint8, args ...any) error {
	if err := m.Send(ctx, name, append([]any{oid}, args...)...); err != nil {
		return err
	}
	r, err := m.Await(ctx, "pio_status", matchOID(oid))
	if err != nil {
		return fmt.Errorf("%s oid %d: %w", name, oid, err)
	}
	if err := piocmd.StatusError(uint8(r.Uint("status"))); err != nil {
		return fmt.Errorf("%s oid %d: %w", name, oid, err)
	}
	return nil
}

func matchOID(oid uint8) func(Response) bool {
	return func(r Response) bool { return r.Uint("oid") == uint32(oid) }
}

// LoadProgram stages p under oid in block and loads it. It returns the
// address the firmware placed it at.
func (m *MCU) LoadProgram(ctx context.Context, oid, block uint8, p *pio.Program) (uint8, error) {
	err := m.pioCall(ctx, "config_pio_program", oid,
		block, len(p.Code), p.WrapTarget, p.WrapSource,
		piocmd.PackSideSet(p.SideSet), p.SideSetBase, p.Origin)
	if err != nil {
		return 0, err
	}
	for off := 0; off < len(p.Code); off += codeChunkWords {
		end := min(off+codeChunkWords, len(p.Code))
		code := make([]byte, 0, 2*(end-off))
		for _, in := range p.Code[off:end] {
			code = binary.LittleEndian.AppendUint16(code, uint16(in))
		}
		if err := m.pioCall(ctx, "pio_program_code", oid, off, code); err != nil {
			return 0, err
		}
	}

	if err := m.Send(ctx, "load_pio_program", oid); err != nil {
		return 0, err
	}
	r, err := m.Await(ctx, "pio_program", matchOID(oid))
	if err != nil {
		return 0, fmt.Errorf("load_pio_program oid %d: %w", oid, err)
	}
	if err := piocmd.StatusError(uint8(r.Uint("status"))); err != nil {
		return 0, fmt.Errorf("load_pio_program oid %d: %w", oid, err)
	}
	return uint8(r.Uint("origin")), nil
}

// UnloadProgram frees the instruction memory of a loaded program.
func (m *MCU) UnloadProgram(ctx context.Context, oid uint8) error {
	return m.pioCall(ctx, "unload_pio_program", oid)
}

// ClaimStateMachine claims state machine sm of block under oid.
func (m *MCU) ClaimStateMachine(ctx context.Context, oid, block, sm uint8) error {
	return m.pioCall(ctx, "config_pio_sm", oid, block, sm)
}

// Configure applies cfg to a halted machine.
func (m *MCU) Configure(ctx context.Context, oid uint8, cfg pio.Config) error {
	args := piocmd.ConfigureArgs(cfg)
	anys := make([]any, len(args))
	for i, a := range args {
		anys[i] = a
	}
	return m.pioCall(ctx, "pio_sm_configure", oid, anys...)
}

// Bind points machine oid at program programOID.
func (m *MCU) Bind(ctx context.Context, oid, programOID uint8) error {
	return m.pioCall(ctx, "pio_sm_bind", oid, programOID)
}

func (m *MCU) Start(ctx context.Context, oid uint8) error {
	return m.pioCall(ctx, "pio_sm_start", oid)
}

func (m *MCU) Stop(ctx context.Context, oid uint8) error {
	return m.pioCall(ctx, "pio_sm_stop", oid)
}

// Exec runs one instruction on the machine immediately.
func (m *MCU) Exec(ctx context.Context, oid uint8, in pio.Instr) error {
	return m.pioCall(ctx, "pio_sm_exec", oid, uint16(in))
}

// Put queues a word in the TX FIFO, failing if it is full.
func (m *MCU) Put(ctx context.Context, oid uint8, word uint32) error {
	return m.pioCall(ctx, "pio_sm_put", oid, word)
}

// Release stops the machine and returns it to the pool.
func (m *MCU) Release(ctx context.Context, oid uint8) error {
	return m.pioCall(ctx, "pio_sm_release", oid)
}

// MachineStatus is a pio_sm_state snapshot.
type MachineStatus struct {
	State   pio.SMState
	PC      uint8
	TxLevel uint8
	RxLevel uint8
}

// Query reads the lifecycle state, program counter and FIFO levels.
func (m *MCU) Query(ctx context.Context, oid uint8) (MachineStatus, error) {
	if err := m.Send(ctx, "pio_sm_query", oid); err != nil {
		return MachineStatus{}, err
	}
	// Errors come back as pio_status instead of pio_sm_state.
	r, err := m.Await(ctx, "", func(r Response) bool {
		return (r.Name == "pio_sm_state" || r.Name == "pio_status") && r.Uint("oid") == uint32(oid)
	})
	if err != nil {
		return MachineStatus{}, fmt.Errorf("pio_sm_query oid %d: %w", oid, err)
	}
	if r.Name == "pio_status" {
		if err := piocmd.StatusError(uint8(r.Uint("status"))); err != nil {
			return MachineStatus{}, fmt.Errorf("pio_sm_query oid %d: %w", oid, err)
		}
	}
	return MachineStatus{
		State:   pio.SMState(r.Uint("state")),
		PC:      uint8(r.Uint("pc")),
		TxLevel: uint8(r.Uint("tx_level")),
		RxLevel: uint8(r.Uint("rx_level")),
	}, nil
}

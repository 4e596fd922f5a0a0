package piocmd

import (
	"context"
	"errors"

	"piohal/core"
	"piohal/pio"
)

var (
	ErrUnknownObject = errors.New("unknown oid")
	ErrFIFOFull      = errors.New("TX FIFO full")
)

// Status codes reported in pio_status and pio_program responses.
const (
	StatusOK uint8 = iota
	StatusCapacityExceeded
	StatusAddressInUse
	StatusRelocationOutOfRange
	StatusAlreadyClaimed
	StatusNotHalted
	StatusClockDividerTooSmall
	StatusBusy
	StatusInvalidOperand
	StatusNotClaimed
	StatusNotLoaded
	StatusWrongBlock
	StatusInterruptNotBound
	StatusUnknownObject
	StatusFIFOFull
	StatusTimeout

	StatusUnknown uint8 = 0xff
)

var statusErrors = []error{
	StatusCapacityExceeded:     pio.ErrCapacityExceeded,
	StatusAddressInUse:         pio.ErrAddressInUse,
	StatusRelocationOutOfRange: pio.ErrRelocationOutOfRange,
	StatusAlreadyClaimed:       pio.ErrAlreadyClaimed,
	StatusNotHalted:            pio.ErrNotHalted,
	StatusClockDividerTooSmall: pio.ErrClockDividerTooSmall,
	StatusBusy:                 pio.ErrBusy,
	StatusInvalidOperand:       pio.ErrInvalidOperand,
	StatusNotClaimed:           pio.ErrNotClaimed,
	StatusNotLoaded:            pio.ErrNotLoaded,
	StatusWrongBlock:           pio.ErrWrongBlock,
	StatusInterruptNotBound:    pio.ErrInterruptNotBound,
	StatusUnknownObject:        ErrUnknownObject,
	StatusFIFOFull:             ErrFIFOFull,
	StatusTimeout:              context.DeadlineExceeded,
}

var statusNames = []string{
	"ok",
	"capacity_exceeded",
	"address_in_use",
	"relocation_out_of_range",
	"already_claimed",
	"not_halted",
	"clock_divider_too_small",
	"busy",
	"invalid_operand",
	"not_claimed",
	"not_loaded",
	"wrong_block",
	"interrupt_not_bound",
	"unknown_object",
	"fifo_full",
	"timeout",
}

// ErrorCode maps err to the status code sent to the host.
func ErrorCode(err error) uint8 {
	if err == nil {
		return StatusOK
	}
	for code, target := range statusErrors {
		if target != nil && errors.Is(err, target) {
			return uint8(code)
		}
	}
	return StatusUnknown
}

// StatusError is the inverse of ErrorCode. It returns nil for StatusOK.
func StatusError(code uint8) error {
	if code == StatusOK {
		return nil
	}
	if int(code) < len(statusErrors) {
		return statusErrors[code]
	}
	return errors.New("pio status " + statusName(code))
}

func statusName(code uint8) string {
	if int(code) < len(statusNames) {
		return statusNames[code]
	}
	return "unknown"
}

func registerStatusEnumeration() {
	core.RegisterEnumeration("pio_status", statusNames)
}

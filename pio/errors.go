package pio

import "errors"

var (
	ErrCapacityExceeded     = errors.New("no free instruction memory region large enough")
	ErrAddressInUse         = errors.New("instruction memory range in use")
	ErrRelocationOutOfRange = errors.New("relocated jump target out of range")
	ErrAlreadyClaimed       = errors.New("state machine already claimed")
	ErrNotHalted            = errors.New("state machine is running")
	ErrClockDividerTooSmall = errors.New("clock divider below 1.0")
	ErrBusy                 = errors.New("program is bound to a state machine")
	ErrInvalidOperand       = errors.New("invalid operand")
	ErrNotClaimed           = errors.New("state machine not claimed by this handle")
	ErrNotLoaded            = errors.New("program not loaded")
	ErrWrongBlock           = errors.New("program loaded in another PIO block")
	ErrInterruptNotBound    = errors.New("PIO interrupt line not bound")
)

// Package piospi is a mode 0 SPI controller running on one PIO state
// machine. It satisfies drivers.SPI from tinygo.org/x/drivers, which is
// how the command layer drives it.
package piospi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"

	"piohal/pio"
)

var ErrLengthMismatch = errors.New("piospi: read and write buffers differ in length")

// cyclesPerBit is the state machine clocks per SPI bit: two instructions
// with one delay cycle each.
const cyclesPerBit = 4

// Config selects the pins and bit rate. The pins must already be muxed to
// the PIO block. A non-zero Timeout bounds each Tx and Transfer call.
type Config struct {
	SCK         uint8
	SDO         uint8
	SDI         uint8
	Frequency   physic.Frequency
	SystemClock physic.Frequency
	Timeout     time.Duration
}

// numPins is the number of GPIOs a PIO block can address.
const numPins = 32

func (cfg Config) validate() error {
	for _, pin := range []uint8{cfg.SCK, cfg.SDO, cfg.SDI} {
		if pin >= numPins {
			return fmt.Errorf("piospi: pin %d: %w", pin, pio.ErrInvalidOperand)
		}
	}
	return nil
}

// Controller owns a state machine and the program loaded for it until
// Close.
type Controller struct {
	block   *pio.Block
	sm      *pio.StateMachine
	program *pio.LoadedProgram
	timeout time.Duration
}

var _ drivers.SPI = (*Controller)(nil)

// Program returns the controller's program: shift one bit out with SCK
// low, then one bit in with SCK high.
//
//	out pins, 1  side 0 [1]
//	in  pins, 1  side 1 [1]
func Program() (*pio.Program, error) {
	side := pio.SideSet{Bits: 1}
	out, err := pio.EncodeDelaySideSet(pio.EncodeOut(pio.OutPins, 1), 1, 0, side)
	if err != nil {
		return nil, err
	}
	in, err := pio.EncodeDelaySideSet(pio.EncodeIn(pio.InPins, 1), 1, 1, side)
	if err != nil {
		return nil, err
	}
	p := pio.NewProgram(out, in)
	p.SideSet = side
	return p, nil
}

// New claims state machine index of b, loads the program and starts it.
// Everything acquired is given back if a step fails.
func New(b *pio.Block, index uint8, cfg Config) (*Controller, error) {
	if index >= pio.NumStateMachines {
		return nil, fmt.Errorf("piospi: state machine %d: %w", index, pio.ErrInvalidOperand)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	div, err := pio.ClockDividerFor(cfg.SystemClock, cfg.Frequency*cyclesPerBit)
	if err != nil {
		return nil, fmt.Errorf("piospi: %s: %w", cfg.Frequency, err)
	}
	p, err := Program()
	if err != nil {
		return nil, err
	}
	sm, err := b.Claim(index)
	if err != nil {
		return nil, fmt.Errorf("piospi: claim: %w", err)
	}
	lp, err := b.Load(p, pio.NoOrigin)
	if err != nil {
		_ = sm.Release()
		return nil, fmt.Errorf("piospi: load: %w", err)
	}
	c := &Controller{block: b, sm: sm, program: lp, timeout: cfg.Timeout}
	if err := c.setup(cfg, div); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("piospi: %w", err)
	}
	return c, nil
}

func (c *Controller) setup(cfg Config, div pio.ClockDivider) error {
	sc := pio.DefaultConfig()
	sc.ClockDivider = div
	sc.OutBase, sc.OutCount = cfg.SDO, 1
	sc.InBase = cfg.SDI
	sc.SideSetBase = cfg.SCK
	sc.OutShift = pio.ShiftConfig{Auto: true, Threshold: 8}
	sc.InShift = pio.ShiftConfig{Auto: true, Threshold: 8}
	sc.SetCount = 1

	// SCK and SDO become outputs, SCK idles low.
	for _, pin := range []uint8{cfg.SCK, cfg.SDO} {
		sc.SetBase = pin
		if err := c.sm.Configure(sc); err != nil {
			return err
		}
		if err := c.sm.Exec(pio.EncodeSet(pio.SetPinDirs, 1)); err != nil {
			return err
		}
		if err := c.sm.Exec(pio.EncodeSet(pio.SetPins, 0)); err != nil {
			return err
		}
	}
	if err := c.sm.Bind(c.program); err != nil {
		return err
	}
	return c.sm.Start()
}

// Transfer writes b and returns the byte read at the same time.
func (c *Controller) Transfer(b byte) (byte, error) {
	var r [1]byte
	err := c.Tx([]byte{b}, r[:])
	return r[0], err
}

// Tx writes w while reading into r. Either may be nil; zeros are sent when
// w is nil.
func (c *Controller) Tx(w, r []byte) error {
	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.TxContext(ctx, w, r)
}

// TxContext is Tx with cancellation. The block's interrupt line 0 must be
// bound.
func (c *Controller) TxContext(ctx context.Context, w, r []byte) error {
	if w != nil && r != nil && len(w) != len(r) {
		return ErrLengthMismatch
	}
	n := max(len(w), len(r))
	for i := 0; i < n; i++ {
		var out byte
		if i < len(w) {
			out = w[i]
		}
		// MSB first: the OSR shifts left, so the byte goes in the top bits.
		if err := c.sm.Put(ctx, uint32(out)<<24); err != nil {
			return err
		}
		in, err := c.sm.Get(ctx)
		if err != nil {
			return err
		}
		if i < len(r) {
			r[i] = byte(in)
		}
	}
	return nil
}

// Close releases the state machine and unloads the program.
func (c *Controller) Close() error {
	err := c.sm.Release()
	if uerr := c.block.Unload(c.program); err == nil {
		err = uerr
	}
	return err
}

// Package hal takes ownership of the peripherals piohal drives. Init runs
// once per boot and hands out the two PIO blocks and the DMA controller
// with their interrupt lines bound.
package hal

import (
	"strconv"
	"sync/atomic"

	"periph.io/x/conn/v3/physic"

	"piohal/core"
	"piohal/pio"
)

// ClockConfig describes the clock tree as far as piohal needs it. Setting
// up the PLLs is left to the runtime.
type ClockConfig struct {
	Crystal physic.Frequency
	System  physic.Frequency
}

// Config is the HAL configuration. Zero fields take their defaults.
type Config struct {
	Clocks ClockConfig
}

// DefaultConfig is a 12 MHz crystal and a 125 MHz system clock.
func DefaultConfig() Config {
	return Config{
		Clocks: ClockConfig{
			Crystal: 12 * physic.MegaHertz,
			System:  125 * physic.MegaHertz,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Clocks.Crystal <= 0 {
		c.Clocks.Crystal = def.Clocks.Crystal
	}
	if c.Clocks.System <= 0 {
		c.Clocks.System = def.Clocks.System
	}
	return c
}

// Peripherals is the set of owned peripherals.
type Peripherals struct {
	Config Config
	PIO0   *pio.Block
	PIO1   *pio.Block
	DMA    *DMA
}

var initialized atomic.Bool

// Init claims the peripherals. It panics when called a second time.
func Init(cfg Config) *Peripherals {
	if !initialized.CompareAndSwap(false, true) {
		panic("hal: Init called twice")
	}
	cfg = cfg.withDefaults()
	p := &Peripherals{
		Config: cfg,
		PIO0:   pio.NewBlock(0, pioBank(0)),
		PIO1:   pio.NewBlock(1, pioBank(1)),
		DMA:    newDMA(dmaBank()),
	}
	for _, b := range []*pio.Block{p.PIO0, p.PIO1} {
		if err := b.BindInterrupt(0); err != nil {
			panic("hal: " + err.Error())
		}
	}
	if err := core.BindInterrupt(core.DMA_IRQ_0, p.DMA); err != nil {
		panic("hal: " + err.Error())
	}
	core.RegisterConstant("SYSTEM_CLOCK", uint32(cfg.Clocks.System/physic.Hertz))
	core.DebugPrintln("[HAL] init, system clock " + strconv.FormatUint(uint64(cfg.Clocks.System/physic.Hertz), 10) + " Hz")
	return p
}

// Block returns PIO0 or PIO1.
func (p *Peripherals) Block(index uint8) *pio.Block {
	if index == 0 {
		return p.PIO0
	}
	return p.PIO1
}

// ClockDivider returns the divider that runs a state machine at f.
func (p *Peripherals) ClockDivider(f physic.Frequency) (pio.ClockDivider, error) {
	return pio.ClockDividerFor(p.Config.Clocks.System, f)
}

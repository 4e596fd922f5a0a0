package piospi

import (
	"fmt"
	"io"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"

	"piohal/core"
	"piohal/pio"
	"piohal/pio/piocmd"
	"piohal/protocol"
)

// transferTimeout bounds one command's wait on the FIFOs.
const transferTimeout = 10 * time.Millisecond

// bus is a controller configured from the host.
type bus struct {
	spi         drivers.SPI
	closer      io.Closer
	shutdownMsg []byte
}

// Commands serves SPI buses running on PIO state machines to the host.
type Commands struct {
	mu          sync.Mutex
	blocks      []*pio.Block
	systemClock physic.Frequency
	buses       map[uint8]*bus
}

func NewCommands(systemClock physic.Frequency, blocks ...*pio.Block) *Commands {
	return &Commands{
		blocks:      blocks,
		systemClock: systemClock,
		buses:       make(map[uint8]*bus),
	}
}

// Register adds the PIO SPI commands to the global registry. Buses send
// their shutdown message when the firmware shuts down.
func (c *Commands) Register() {
	registerResponses()
	core.RegisterCommand("config_pio_spi",
		"oid=%c pio=%c sm=%c sck=%c sdo=%c sdi=%c rate=%u", c.handleConfig)
	core.RegisterCommand("config_pio_spi_shutdown", "oid=%c shutdown_msg=%*s", c.handleConfigShutdown)
	core.RegisterCommand("pio_spi_transfer", "oid=%c data=%*s", c.handleTransfer)
	core.RegisterCommand("pio_spi_send", "oid=%c data=%*s", c.handleSend)
	core.RegisterCommand("pio_spi_release", "oid=%c", c.handleRelease)
	core.RegisterShutdownHook(c.Shutdown)
}

func registerResponses() {
	piocmd.RegisterResponses()
	core.RegisterResponse("pio_spi_transfer_response", "oid=%c response=%*s")
}

func decodeOID(data *[]byte) (uint8, error) {
	v, err := protocol.DecodeVLQUint(data)
	return uint8(v), err
}

// Format: config_pio_spi oid=%c pio=%c sm=%c sck=%c sdo=%c sdi=%c rate=%u
func (c *Commands) handleConfig(data *[]byte) error {
	var a [7]uint32
	for i := range a {
		v, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		a[i] = v
	}
	oid := uint8(a[0])
	piocmd.SendStatus(oid, c.config(oid, a[1:]))
	return nil
}

func (c *Commands) config(oid uint8, a []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.buses[oid]; ok {
		return fmt.Errorf("spi oid %d: %w", oid, pio.ErrBusy)
	}
	if a[0] >= uint32(len(c.blocks)) || c.blocks[a[0]] == nil {
		return fmt.Errorf("pio block %d: %w", a[0], pio.ErrInvalidOperand)
	}
	if a[1] >= pio.NumStateMachines {
		return fmt.Errorf("state machine %d: %w", a[1], pio.ErrInvalidOperand)
	}
	for _, pin := range a[2:5] {
		if pin >= numPins {
			return fmt.Errorf("pin %d: %w", pin, pio.ErrInvalidOperand)
		}
	}
	ctrl, err := New(c.blocks[a[0]], uint8(a[1]), Config{
		SCK:         uint8(a[2]),
		SDO:         uint8(a[3]),
		SDI:         uint8(a[4]),
		Frequency:   physic.Frequency(a[5]) * physic.Hertz,
		SystemClock: c.systemClock,
		Timeout:     transferTimeout,
	})
	if err != nil {
		return err
	}
	c.buses[oid] = &bus{spi: ctrl, closer: ctrl}
	return nil
}

// Format: config_pio_spi_shutdown oid=%c shutdown_msg=%*s
func (c *Commands) handleConfigShutdown(data *[]byte) error {
	oid, err := decodeOID(data)
	if err != nil {
		return err
	}
	msg, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	b, ok := c.buses[oid]
	if ok {
		b.shutdownMsg = append([]byte(nil), msg...)
	}
	c.mu.Unlock()
	if !ok {
		piocmd.SendStatus(oid, piocmd.ErrUnknownObject)
		return nil
	}
	piocmd.SendStatus(oid, nil)
	return nil
}

func (c *Commands) transfer(oid uint8, w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buses[oid]
	if !ok {
		return fmt.Errorf("spi oid %d: %w", oid, piocmd.ErrUnknownObject)
	}
	return b.spi.Tx(w, r)
}

// handleTransfer clocks data out and returns what came back.
// Format: pio_spi_transfer oid=%c data=%*s
func (c *Commands) handleTransfer(data *[]byte) error {
	oid, err := decodeOID(data)
	if err != nil {
		return err
	}
	w, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	r := make([]byte, len(w))
	if err := c.transfer(oid, w, r); err != nil {
		piocmd.SendStatus(oid, err)
		return nil
	}
	core.SendResponse("pio_spi_transfer_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQBytes(output, r)
	})
	return nil
}

// Format: pio_spi_send oid=%c data=%*s
func (c *Commands) handleSend(data *[]byte) error {
	oid, err := decodeOID(data)
	if err != nil {
		return err
	}
	w, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	piocmd.SendStatus(oid, c.transfer(oid, w, nil))
	return nil
}

// Format: pio_spi_release oid=%c
func (c *Commands) handleRelease(data *[]byte) error {
	oid, err := decodeOID(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	b, ok := c.buses[oid]
	if ok {
		delete(c.buses, oid)
		err = b.closer.Close()
	} else {
		err = fmt.Errorf("spi oid %d: %w", oid, piocmd.ErrUnknownObject)
	}
	c.mu.Unlock()
	piocmd.SendStatus(oid, err)
	return nil
}

// Shutdown sends every configured shutdown message, ignoring failures.
func (c *Commands) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.buses {
		if len(b.shutdownMsg) == 0 {
			continue
		}
		_ = b.spi.Tx(b.shutdownMsg, nil)
	}
}

package mcu

import (
	"context"
	"errors"
	"fmt"

	"periph.io/x/conn/v3/physic"

	"piohal/pio/piocmd"
)

// SPIPins names the GPIOs of a PIO SPI bus.
type SPIPins struct {
	SCK, SDO, SDI uint8
}

// ConfigureSPI starts a PIO SPI bus on state machine sm of block.
func (m *MCU) ConfigureSPI(ctx context.Context, oid, block, sm uint8, pins SPIPins, rate physic.Frequency) error {
	return m.pioCall(ctx, "config_pio_spi", oid, block, sm, pins.SCK, pins.SDO, pins.SDI, uint32(rate/physic.Hertz))
}

// SetSPIShutdown sets the bytes the bus sends when the firmware shuts down.
func (m *MCU) SetSPIShutdown(ctx context.Context, oid uint8, msg []byte) error {
	return m.pioCall(ctx, "config_pio_spi_shutdown", oid, msg)
}

// SPITransfer clocks w out and returns the bytes read back.
func (m *MCU) SPITransfer(ctx context.Context, oid uint8, w []byte) ([]byte, error) {
	if err := m.Send(ctx, "pio_spi_transfer", oid, w); err != nil {
		return nil, err
	}
	r, err := m.Await(ctx, "", func(r Response) bool {
		return (r.Name == "pio_spi_transfer_response" || r.Name == "pio_status") && r.Uint("oid") == uint32(oid)
	})
	if err != nil {
		return nil, fmt.Errorf("pio_spi_transfer oid %d: %w", oid, err)
	}
	if r.Name == "pio_status" {
		err := piocmd.StatusError(uint8(r.Uint("status")))
		if err == nil {
			err = errors.New("no response data")
		}
		return nil, fmt.Errorf("pio_spi_transfer oid %d: %w", oid, err)
	}
	return r.Bytes("response"), nil
}

// SPISend clocks w out, discarding what comes back.
func (m *MCU) SPISend(ctx context.Context, oid uint8, w []byte) error {
	return m.pioCall(ctx, "pio_spi_send", oid, w)
}

// ReleaseSPI stops the bus and frees its state machine and program.
func (m *MCU) ReleaseSPI(ctx context.Context, oid uint8) error {
	return m.pioCall(ctx, "pio_spi_release", oid)
}

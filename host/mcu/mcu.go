// Package mcu drives piohal firmware from a host over the framed command
// protocol: it fetches the dictionary and sends commands by name.
package mcu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"piohal/host/serial"
	"piohal/protocol"
)

// Bootstrap message IDs, fixed before the dictionary is known.
const (
	identifyResponseID = 0
	identifyID         = 1
	identifyChunk      = 40
	identifyMaxChunks  = 1000
)

var (
	ErrNoDictionary = errors.New("dictionary not loaded")
	ErrShutdown     = errors.New("firmware shut down")
)

// MCU is a connection to one board.
type MCU struct {
	transport *protocol.HostTransport
	dict      *Dictionary
	raw       []byte
}

// Connect opens the serial port in cfg.
func Connect(cfg *serial.Config) (*MCU, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	// Drop whatever the firmware sent before we were listening.
	if err := port.Flush(); err != nil {
		port.Close()
		return nil, fmt.Errorf("flush %s: %w", cfg.Device, err)
	}
	return New(port), nil
}

// New runs the protocol over an already open port.
func New(port io.ReadWriteCloser) *MCU {
	return &MCU{transport: protocol.NewHostTransport(port)}
}

// Close stops the reader and closes the port.
func (m *MCU) Close() error {
	return m.transport.Close()
}

// Dictionary returns the dictionary read by Identify, or nil.
func (m *MCU) Dictionary() *Dictionary {
	return m.dict
}

// RawDictionary returns the identify payload as received.
func (m *MCU) RawDictionary() []byte {
	return m.raw
}

// Identify reads the dictionary in chunks until the firmware returns a
// short one.
func (m *MCU) Identify(ctx context.Context) error {
	var buf bytes.Buffer
	for i := 0; i < identifyMaxChunks; i++ {
		chunk, err := m.identifyChunk(ctx, uint32(buf.Len()))
		if err != nil {
			return err
		}
		buf.Write(chunk)
		if len(chunk) < identifyChunk {
			break
		}
	}
	raw, err := inflateDictionary(buf.Bytes())
	if err != nil {
		return err
	}
	dict, err := ParseDictionary(raw)
	if err != nil {
		return err
	}
	m.raw = raw
	m.dict = dict
	return nil
}

func (m *MCU) identifyChunk(ctx context.Context, offset uint32) ([]byte, error) {
	err := m.transport.Send(ctx, identifyID, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQUint(output, identifyChunk)
	})
	if err != nil {
		return nil, fmt.Errorf("identify at %d: %w", offset, err)
	}
	for {
		msg, err := m.transport.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("identify at %d: %w", offset, err)
		}
		if msg.ID != identifyResponseID {
			continue
		}
		args := msg.Args
		got, err := protocol.DecodeVLQUint(&args)
		if err != nil {
			return nil, fmt.Errorf("identify_response: %w", err)
		}
		if got != offset {
			continue
		}
		data, err := protocol.DecodeVLQBytes(&args)
		if err != nil {
			return nil, fmt.Errorf("identify_response: %w", err)
		}
		return data, nil
	}
}

// Send encodes args with the named command's format and waits for the ack.
func (m *MCU) Send(ctx context.Context, name string, args ...any) error {
	if m.dict == nil {
		return ErrNoDictionary
	}
	f, ok := m.dict.Command(name)
	if !ok {
		return fmt.Errorf("unknown command %q", name)
	}
	encoded := protocol.NewScratchOutput()
	if err := f.Encode(encoded, args...); err != nil {
		return err
	}
	err := m.transport.Send(ctx, f.ID, func(output protocol.OutputBuffer) {
		output.Output(encoded.Result())
	})
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Await returns the next response called name for which match reports
// true; a nil match accepts any and an empty name matches every
// response. Other responses are discarded. A shutdown
// message ends the wait with ErrShutdown.
func (m *MCU) Await(ctx context.Context, name string, match func(Response) bool) (Response, error) {
	if m.dict == nil {
		return Response{}, ErrNoDictionary
	}
	for {
		msg, err := m.transport.Receive(ctx)
		if err != nil {
			return Response{}, fmt.Errorf("waiting for %s: %w", name, err)
		}
		f, ok := m.dict.Response(msg.ID)
		if !ok {
			continue
		}
		r, err := f.Decode(msg.Args)
		if err != nil {
			return Response{}, err
		}
		if r.Name == "shutdown" && name != "shutdown" {
			return r, ErrShutdown
		}
		if (name == "" || r.Name == name) && (match == nil || match(r)) {
			return r, nil
		}
	}
}

package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultAckTimeout bounds SendCommand.
const DefaultAckTimeout = 2 * time.Second

// Message is a response decoded from a firmware frame.
type Message struct {
	ID   uint16
	Seq  uint8
	Args []byte
}

// ResponseHandler observes every response as it arrives.
type ResponseHandler func(msg Message)

var ErrSequenceMismatch = errors.New("ack sequence mismatch")

// HostTransport is the host end of the link. One goroutine reads the port;
// Send blocks until the firmware acknowledges the frame.
type HostTransport struct {
	port io.ReadWriteCloser
	dec  decoder
	seq  atomic.Uint32

	sendMu  sync.Mutex
	acks    chan uint8
	msgs    chan Message
	handler atomic.Pointer[ResponseHandler]

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port: port,
		acks: make(chan uint8, 1),
		msgs: make(chan Message, 16),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	t.seq.Store(SeqDest)
	t.dec.onFrame = t.handleFrame
	go t.readLoop()
	return t
}

// SendCommand is Send with DefaultAckTimeout.
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultAckTimeout)
	defer cancel()
	return t.Send(ctx, cmdID, args)
}

// Send frames cmdID and its arguments, writes it and waits for the ack.
func (t *HostTransport) Send(ctx context.Context, cmdID uint16, args func(output OutputBuffer)) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	payload := NewScratchOutput()
	EncodeVLQUint(payload, uint32(cmdID))
	if args != nil {
		args(payload)
	}
	seq := uint8(t.seq.Load())
	frame, err := AppendFrame(make([]byte, 0, FrameMax), seq, payload.Result())
	if err != nil {
		return fmt.Errorf("command %d: %w", cmdID, err)
	}
	if _, err := t.port.Write(frame); err != nil {
		return fmt.Errorf("write command %d: %w", cmdID, err)
	}

	select {
	case ack := <-t.acks:
		if want := NextSeq(seq); ack != want {
			return fmt.Errorf("%w: expected 0x%02x, got 0x%02x", ErrSequenceMismatch, want, ack)
		}
		t.seq.Store(uint32(ack))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for ack of command %d: %w", cmdID, ctx.Err())
	case <-t.stop:
		return ErrClosed
	}
}

// Receive returns the next response.
func (t *HostTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-t.msgs:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-t.stop:
		return Message{}, ErrClosed
	}
}

// ReceiveResponse is Receive with a timeout.
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.Receive(ctx)
}

// SetResponseHandler installs fn to see responses before they are queued
// for Receive.
func (t *HostTransport) SetResponseHandler(fn ResponseHandler) {
	t.handler.Store(&fn)
}

// Sequence returns the sequence number the next Send will use.
func (t *HostTransport) Sequence() uint8 {
	return uint8(t.seq.Load())
}

func (t *HostTransport) readLoop() {
	defer close(t.done)

	rx := NewRingBuffer(4 * FrameMax)
	buf := make([]byte, FrameMax)
	for {
		n, err := t.port.Read(buf)
		if n > 0 {
			rx.Write(buf[:n])
			rx.Pop(t.dec.decode(rx.Data()))
		}
		if err != nil {
			select {
			case <-t.stop:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (t *HostTransport) handleFrame(f Frame) {
	if f.IsAck() {
		select {
		case t.acks <- f.Seq:
		default:
		}
		return
	}
	args := append([]byte(nil), f.Payload...)
	id, err := DecodeVLQUint(&args)
	if err != nil {
		return
	}
	msg := Message{ID: uint16(id), Seq: f.Seq, Args: args}
	if fn := t.handler.Load(); fn != nil {
		(*fn)(msg)
	}
	select {
	case t.msgs <- msg:
	default:
		// Queue full: drop the oldest response.
		select {
		case <-t.msgs:
		default:
		}
		t.msgs <- msg
	}
}

// Reset drops queued acks and responses and restarts the sequence.
func (t *HostTransport) Reset() {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.seq.Store(SeqDest)
	for len(t.acks) > 0 {
		<-t.acks
	}
	for len(t.msgs) > 0 {
		<-t.msgs
	}
}

// Close stops the reader and closes the port.
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stop)
		err = t.port.Close()
		<-t.done
	})
	return err
}

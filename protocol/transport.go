package protocol

import "sync/atomic"

// CommandHandler decodes and runs one command. It must consume exactly
// the command's arguments from data.
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the firmware end of the link. It validates incoming frames,
// dispatches the commands they carry in sequence order and acknowledges
// every frame with the next expected sequence number.
type Transport struct {
	dec     decoder
	nextSeq atomic.Uint32
	output  OutputBuffer
	handler CommandHandler

	onReset func()
	onFlush func()
}

func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	t := &Transport{output: output, handler: handler}
	t.nextSeq.Store(SeqDest)
	t.dec.onFrame = t.handleFrame
	t.dec.onResync = t.sendAck
	return t
}

// Receive consumes every complete frame in input.
func (t *Transport) Receive(input InputBuffer) {
	input.Pop(t.dec.decode(input.Data()))
}

func (t *Transport) handleFrame(f Frame) {
	expected := uint8(t.nextSeq.Load())
	if f.Seq == SeqDest && expected != SeqDest {
		// Host restarted its sequence.
		expected = SeqDest
		t.nextSeq.Store(SeqDest)
		if t.onReset != nil {
			t.onReset()
		}
	}
	if f.Seq == expected {
		t.nextSeq.Store(uint32(NextSeq(expected)))
		t.dispatch(f.Payload)
	}
	// A mismatched sequence still gets an ack; it acts as a nak naming the
	// sequence we want.
	t.sendAck()
}

func (t *Transport) dispatch(payload []byte) {
	defer func() {
		if recover() != nil {
			t.dec.desync()
		}
	}()
	for len(payload) > 0 {
		id, err := DecodeVLQUint(&payload)
		if err != nil {
			t.dec.desync()
			return
		}
		if t.handler == nil {
			return
		}
		if err := t.handler(uint16(id), &payload); err != nil {
			return
		}
	}
}

func (t *Transport) sendAck() {
	var buf [FrameMin]byte
	ack, _ := AppendFrame(buf[:0], uint8(t.nextSeq.Load()), nil)
	t.output.Output(ack)
	if t.onFlush != nil {
		t.onFlush()
	}
}

// EncodeFrame writes one frame whose payload is produced by body. Frames
// sent between two host frames all carry the same sequence number.
func (t *Transport) EncodeFrame(body func(output OutputBuffer)) {
	start := t.output.CurPosition()
	t.output.Output([]byte{0, uint8(t.nextSeq.Load())})
	body(t.output)
	n := len(t.output.DataSince(start)) + FrameTrailerSize
	t.output.Update(start, uint8(n))
	crc := CRC16(t.output.DataSince(start))
	t.output.Output([]byte{byte(crc >> 8), byte(crc), SyncByte})
}

// SendCommand sends cmdID followed by the arguments args writes.
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	t.EncodeFrame(func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// Reset returns the transport to its power-on state.
func (t *Transport) Reset() {
	t.dec.reset()
	t.nextSeq.Store(SeqDest)
	if t.onReset != nil {
		t.onReset()
	}
}

// SetResetCallback installs fn to run when the host restarts its sequence.
func (t *Transport) SetResetCallback(fn func()) { t.onReset = fn }

// SetFlushCallback installs fn to push acks out immediately.
func (t *Transport) SetFlushCallback(fn func()) { t.onFlush = fn }

package protocol

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"
)

// Frame is a validated frame with header and trailer removed.
type Frame struct {
	Seq     uint8
	Payload []byte
}

// IsAck reports whether f carries no payload.
func (f Frame) IsAck() bool { return len(f.Payload) == 0 }

// AppendFrame appends a complete frame for payload to dst.
func AppendFrame(dst []byte, seq uint8, payload []byte) ([]byte, error) {
	n := len(payload) + FrameMin
	if n > FrameMax {
		return dst, ErrFrameTooLong
	}
	start := len(dst)
	dst = append(dst, byte(n), seq)
	dst = append(dst, payload...)
	dst = binary.BigEndian.AppendUint16(dst, CRC16(dst[start:]))
	return append(dst, SyncByte), nil
}

type scanResult uint8

const (
	scanNeedMore scanResult = iota
	scanSync
	scanFrame
	scanInvalid
)

// scan looks at the front of data. For scanSync and scanFrame it also
// returns how many bytes to consume.
func scan(data []byte) (Frame, int, scanResult) {
	if len(data) == 0 {
		return Frame{}, 0, scanNeedMore
	}
	if data[0] == SyncByte {
		return Frame{}, 1, scanSync
	}
	if len(data) < FrameMin {
		return Frame{}, 0, scanNeedMore
	}
	n := int(data[0])
	if n < FrameMin || n > FrameMax || data[1]&^SeqMask != SeqDest {
		return Frame{}, 0, scanInvalid
	}
	if len(data) < n {
		return Frame{}, 0, scanNeedMore
	}
	if data[n-1] != SyncByte {
		return Frame{}, 0, scanInvalid
	}
	if binary.BigEndian.Uint16(data[n-FrameTrailerSize:]) != CRC16(data[:n-FrameTrailerSize]) {
		return Frame{}, 0, scanInvalid
	}
	return Frame{Seq: data[1], Payload: data[FrameHeaderSize : n-FrameTrailerSize]}, n, scanFrame
}

// decoder splits a byte stream into frames. After a corrupt frame it
// drops input up to the next sync byte.
type decoder struct {
	lost     atomic.Bool
	onFrame  func(Frame)
	onResync func()
}

// decode feeds every complete frame at the front of data to onFrame and
// returns the number of bytes consumed. Frame payloads alias data.
func (d *decoder) decode(data []byte) int {
	total := len(data)
	for len(data) > 0 {
		if d.lost.Load() {
			i := bytes.IndexByte(data, SyncByte)
			if i < 0 {
				return total
			}
			data = data[i+1:]
			d.lost.Store(false)
			if d.onResync != nil {
				d.onResync()
			}
			continue
		}
		f, n, res := scan(data)
		switch res {
		case scanNeedMore:
			return total - len(data)
		case scanInvalid:
			d.lost.Store(true)
			continue
		}
		data = data[n:]
		if res == scanFrame {
			d.onFrame(f)
		}
	}
	return total
}

func (d *decoder) desync() { d.lost.Store(true) }

func (d *decoder) reset() { d.lost.Store(false) }

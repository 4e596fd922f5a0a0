// Package protocol frames the commands and responses exchanged between
// piohal firmware and a host over a byte stream.
//
// A frame is a length byte, a sequence byte, the payload, a big endian
// CRC16 and a trailing sync byte. The length counts the whole frame. A
// payload is a run of VLQ-encoded command IDs, each followed by that
// command's arguments. A frame with an empty payload is an acknowledgement
// carrying the next sequence number the receiver expects.
package protocol

import "errors"

// Version is the wire protocol version reported in the dictionary.
const Version = "0.1.0"

const (
	FrameHeaderSize  = 2
	FrameTrailerSize = 3
	FrameMin         = FrameHeaderSize + FrameTrailerSize
	FrameMax         = 64
	PayloadMax       = FrameMax - FrameMin

	SyncByte = 0x7e
	SeqDest  = 0x10
	SeqMask  = 0x0f
)

var (
	ErrFrameTooLong = errors.New("frame too long")
	ErrClosed       = errors.New("transport closed")
)

// NextSeq returns the sequence number that follows seq.
func NextSeq(seq uint8) uint8 {
	return ((seq + 1) & SeqMask) | SeqDest
}

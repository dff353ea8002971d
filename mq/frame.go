// File: mq/frame.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stream framing: every message travels as a 4-byte big-endian payload
// length, one MsgType byte and the payload. The payload is opaque.

package mq

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/hioload-mq/api"
)

const (
	// HeaderSize is the fixed frame header length.
	HeaderSize = 5
	// DefaultMaxFrameSize caps the payload of one inbound frame.
	DefaultMaxFrameSize = 16 << 20
)

// ErrFrameTooLarge reports an oversized inbound or outbound frame.
var ErrFrameTooLarge = fmt.Errorf("%w: frame too large", api.ErrInvalidArgument)

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, t api.MsgType, payload []byte) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(payload)))
	hdr[4] = byte(t)
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// Decoder reassembles frames from arbitrary read chunks.
type Decoder struct {
	buf []byte
	max int
}

// NewDecoder returns a decoder rejecting payloads above max bytes.
// max <= 0 selects DefaultMaxFrameSize.
func NewDecoder(max int) *Decoder {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &Decoder{max: max}
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Reset drops any partial frame.
func (d *Decoder) Reset() { d.buf = d.buf[:0] }

// Feed consumes data and calls fn for each complete frame. payload is only
// valid during fn. A malformed header is returned as an error and leaves
// the decoder unusable until Reset.
func (d *Decoder) Feed(data []byte, fn func(t api.MsgType, payload []byte)) error {
	d.buf = append(d.buf, data...)
	off := 0
	for len(d.buf)-off >= HeaderSize {
		hdr := d.buf[off : off+HeaderSize]
		size := binary.BigEndian.Uint32(hdr[:4])
		t := api.MsgType(hdr[4])
		if uint64(size) > uint64(d.max) {
			return fmt.Errorf("frame of %d bytes: %w", size, ErrFrameTooLarge)
		}
		if !t.Valid() || t == api.MsgNone {
			return fmt.Errorf("frame type %s: %w", t, api.ErrInvalidArgument)
		}
		end := off + HeaderSize + int(size)
		if end > len(d.buf) {
			break
		}
		fn(t, d.buf[off+HeaderSize:end])
		off = end
	}
	n := copy(d.buf, d.buf[off:])
	d.buf = d.buf[:n]
	return nil
}

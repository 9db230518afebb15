// Package ws is a minimal RFC 6455 client: frame codec plus a single-socket transport.
package ws

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/grantcarthew/clawlink/internal/fault"
)

// Opcode identifies the frame type (low nibble of byte 0).
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// MaxPayloadSize caps a single decoded frame. Full-page screenshots are the largest payloads seen.
const MaxPayloadSize = 256 << 20

const (
	finBit  = 0x80
	maskBit = 0x80

	len16 = 126
	len64 = 127
)

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(0x%x)", byte(o))
	}
}

// IsControl reports whether o is a close, ping or pong opcode.
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

// supported reports whether the decoder accepts o. Continuation frames are not emitted by either peer.
func (o Opcode) supported() bool {
	switch o {
	case OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

// Frame is one decoded or encoded WebSocket frame. Payload is always unmasked.
type Frame struct {
	Opcode  Opcode
	Payload []byte
	Masked  bool
}

// newMaskKey returns a random 4-byte client mask.
func newMaskKey() ([4]byte, error) {
	var key [4]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

// EncodeFrame encodes payload as a single final frame masked with a fresh random key.
func EncodeFrame(op Opcode, payload []byte) ([]byte, error) {
	key, err := newMaskKey()
	if err != nil {
		return nil, fault.New("ws.EncodeFrame", fault.ErrConnection, err)
	}
	return encodeFrame(op, payload, key), nil
}

// encodeFrame lays out header, extended length, mask and masked payload.
func encodeFrame(op Opcode, payload []byte, key [4]byte) []byte {
	n := len(payload)

	header := 2 + 4
	switch {
	case n > math.MaxUint16:
		header += 8
	case n > 125:
		header += 2
	}

	buf := make([]byte, header+n)
	buf[0] = finBit | byte(op&0x0F)

	pos := 2
	switch {
	case n > math.MaxUint16:
		buf[1] = maskBit | len64
		binary.BigEndian.PutUint64(buf[2:], uint64(n))
		pos += 8
	case n > 125:
		buf[1] = maskBit | len16
		binary.BigEndian.PutUint16(buf[2:], uint16(n))
		pos += 2
	default:
		buf[1] = maskBit | byte(n)
	}

	copy(buf[pos:], key[:])
	pos += 4

	for i, b := range payload {
		buf[pos+i] = b ^ key[i%4]
	}
	return buf
}

// DecodeFrame reads exactly one frame from r. Read errors are returned unwrapped so
// the transport can tell timeouts from closed sockets; malformed frames are ProtocolErrors.
func DecodeFrame(r io.Reader) (Frame, error) {
	var f Frame

	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return f, err
	}

	if head[0]&0x70 != 0 {
		return f, fault.Newf("ws.DecodeFrame", fault.ErrProtocol, "reserved bits set without extension")
	}

	f.Opcode = Opcode(head[0] & 0x0F)
	if !f.Opcode.supported() {
		return f, fault.Newf("ws.DecodeFrame", fault.ErrProtocol, "unsupported %s frame", f.Opcode)
	}
	if head[0]&finBit == 0 {
		return f, fault.Newf("ws.DecodeFrame", fault.ErrProtocol, "fragmented %s frame", f.Opcode)
	}

	f.Masked = head[1]&maskBit != 0
	size := uint64(head[1] & 0x7F)

	switch size {
	case len16:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return f, err
		}
		size = uint64(binary.BigEndian.Uint16(ext[:]))
	case len64:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return f, err
		}
		size = binary.BigEndian.Uint64(ext[:])
	}

	if f.Opcode.IsControl() && size > 125 {
		return f, fault.Newf("ws.DecodeFrame", fault.ErrProtocol, "%s frame payload of %d bytes exceeds 125", f.Opcode, size)
	}
	if size > MaxPayloadSize {
		return f, fault.Newf("ws.DecodeFrame", fault.ErrProtocol, "frame payload of %d bytes exceeds limit", size)
	}

	var key [4]byte
	if f.Masked {
		if _, err := io.ReadFull(r, key[:]); err != nil {
			return f, err
		}
	}

	f.Payload = make([]byte, size)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return f, err
	}

	if f.Masked {
		for i := range f.Payload {
			f.Payload[i] ^= key[i%4]
		}
	}

	return f, nil
}

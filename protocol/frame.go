// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket frame representation, header serialization and masking.
//
// Client frames are always masked; the key comes from crypto/rand for every
// frame so intermediaries cannot predict the masked bytes.

package protocol

import (
	"crypto/rand"
	"encoding/binary"
)

// WSFrame represents a single decoded WebSocket frame, or a reassembled data
// message when produced by Decoder.
type WSFrame struct {
	IsFinal    bool  // FIN bit
	Opcode     byte  // Operation code
	Masked     bool  // Whether the frame was masked on the wire
	PayloadLen int64 // Actual payload length
	MaskKey    [4]byte
	Payload    []byte // Unmasked payload, owned by the receiver
}

// IsControl reports whether the frame carries a control opcode.
func (f *WSFrame) IsControl() bool { return IsControl(f.Opcode) }

// NewMaskKey returns a fresh random masking key.
func NewMaskKey() ([4]byte, error) {
	var key [4]byte
	_, err := rand.Read(key[:])
	return key, err
}

// AppendFrame serializes a single frame onto dst and returns the extended
// slice. When mask is non-nil the payload is masked with it; payload itself
// is left untouched.
func AppendFrame(dst []byte, fin bool, opcode byte, payload []byte, mask *[4]byte) []byte {
	b0 := opcode & OpMask
	if fin {
		b0 |= FinBit
	}
	var maskBit byte
	if mask != nil {
		maskBit = MaskBit
	}

	plen := len(payload)
	switch {
	case plen <= 125:
		dst = append(dst, b0, byte(plen)|maskBit)
	case plen <= 0xFFFF:
		dst = append(dst, b0, len16|maskBit, 0, 0)
		binary.BigEndian.PutUint16(dst[len(dst)-2:], uint16(plen))
	default:
		dst = append(dst, b0, len64|maskBit, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(dst[len(dst)-8:], uint64(plen))
	}

	if mask == nil {
		return append(dst, payload...)
	}
	dst = append(dst, mask[:]...)
	start := len(dst)
	dst = append(dst, payload...)
	maskBytes(*mask, 0, dst[start:])
	return dst
}

// FrameSize returns the encoded size of a frame with the given payload length.
func FrameSize(payloadLen int, masked bool) int {
	n := 2 + payloadLen
	switch {
	case payloadLen > 0xFFFF:
		n += 8
	case payloadLen > 125:
		n += 2
	}
	if masked {
		n += 4
	}
	return n
}

// maskBytes XORs buf with key starting at key offset pos and returns the
// offset to continue from. The same call unmasks.
func maskBytes(key [4]byte, pos int, buf []byte) int {
	for i := range buf {
		buf[i] ^= key[pos&3]
		pos++
	}
	return pos & 3
}

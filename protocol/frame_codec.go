// File: protocol/frame_codec.go
// Package protocol implements the streaming frame codec with size enforcement.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Decoder consumes arbitrary chunks of the inbound byte stream and yields
// complete frames, reassembling fragmented data messages. Encode turns a
// caller ControlMessage into a masked client frame.

package protocol

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/momentics/binance-ws/api"
)

// Decoder is a stateful, restartable frame parser. Bytes are handed over with
// Feed; Next returns frames as soon as they are complete.
//
// Data messages are returned reassembled, with IsFinal set. Control frames are
// returned as they arrive, including between fragments of a data message.
// After the first error the decoder is poisoned and keeps returning it.
type Decoder struct {
	maxPayload int64

	buf []byte
	off int

	inMessage  bool
	fragOpcode byte
	fragments  []byte

	err error
}

// NewDecoder creates a decoder enforcing maxPayload on single frames and on
// reassembled messages. Non-positive values select DefaultMaxPayload.
func NewDecoder(maxPayload int64) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{maxPayload: maxPayload}
}

// Feed appends raw bytes read from the network. p is copied.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes received but not yet consumed.
func (d *Decoder) Buffered() int { return len(d.buf) - d.off }

// Err returns the error that poisoned the decoder, if any.
func (d *Decoder) Err() error { return d.err }

// Next returns the next complete frame, or (nil, nil) when more input is
// needed.
func (d *Decoder) Next() (*WSFrame, error) {
	for {
		if d.err != nil {
			return nil, d.err
		}
		f, n, err := DecodeFrameFromBytes(d.buf[d.off:], d.maxPayload)
		if err != nil {
			return nil, d.fail(err)
		}
		if f == nil {
			return nil, nil
		}
		d.off += n

		if f.IsControl() {
			if f.Opcode == OpcodeClose {
				if _, err := ParseClosePayload(f.Payload); err != nil {
					return nil, d.fail(err)
				}
			}
			return f, nil
		}

		switch f.Opcode {
		case OpcodeContinuation:
			if !d.inMessage {
				return nil, d.fail(api.NewCodecError(api.ErrMalformedFrame, "continuation frame without a started message"))
			}
			if int64(len(d.fragments))+f.PayloadLen > d.maxPayload {
				return nil, d.fail(api.NewCodecError(api.ErrOversizedPayload,
					"reassembled message exceeds %d bytes", d.maxPayload))
			}
			d.fragments = append(d.fragments, f.Payload...)
			if !f.IsFinal {
				continue
			}
			msg := &WSFrame{
				IsFinal:    true,
				Opcode:     d.fragOpcode,
				PayloadLen: int64(len(d.fragments)),
				Payload:    d.fragments,
			}
			d.inMessage = false
			d.fragments = nil
			if err := validateText(msg); err != nil {
				return nil, d.fail(err)
			}
			return msg, nil

		default:
			if d.inMessage {
				return nil, d.fail(api.NewCodecError(api.ErrMalformedFrame,
					"%s frame inside a fragmented message", OpcodeName(f.Opcode)))
			}
			if f.IsFinal {
				if err := validateText(f); err != nil {
					return nil, d.fail(err)
				}
				return f, nil
			}
			d.inMessage = true
			d.fragOpcode = f.Opcode
			d.fragments = f.Payload
		}
	}
}

// Reset drops buffered input and any partial message and clears the error.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.off = 0
	d.inMessage = false
	d.fragments = nil
	d.err = nil
}

func (d *Decoder) fail(err error) error {
	d.err = err
	d.fragments = nil
	return err
}

func validateText(f *WSFrame) error {
	if f.Opcode == OpcodeText && !utf8.Valid(f.Payload) {
		return api.NewCodecError(api.ErrMalformedFrame, "text message is not valid UTF-8")
	}
	return nil
}

// DecodeFrameFromBytes parses one raw frame from the head of raw, enforcing
// maxPayload on the declared length before any payload byte is buffered.
// Returns frame, consumed bytes, and error.
// If frame is incomplete, returns (nil, 0, nil).
func DecodeFrameFromBytes(raw []byte, maxPayload int64) (*WSFrame, int, error) {
	if len(raw) < 2 {
		return nil, 0, nil // Incomplete
	}
	fin := raw[0]&FinBit != 0
	opcode := raw[0] & OpMask
	masked := raw[1]&MaskBit != 0
	length := int64(raw[1] & LenMask)
	offset := 2

	if raw[0]&RsvBits != 0 {
		return nil, 0, api.NewCodecError(api.ErrMalformedFrame, "reserved bits set without a negotiated extension")
	}
	if !validOpcode(opcode) {
		return nil, 0, api.NewCodecError(api.ErrMalformedFrame, "unknown opcode 0x%x", opcode)
	}
	if IsControl(opcode) {
		if !fin {
			return nil, 0, api.NewCodecError(api.ErrMalformedFrame, "fragmented %s frame", OpcodeName(opcode))
		}
		if length > MaxControlPayloadLen {
			return nil, 0, api.NewCodecError(api.ErrMalformedFrame, "%s frame longer than %d bytes", OpcodeName(opcode), MaxControlPayloadLen)
		}
	}

	switch length {
	case len16:
		if len(raw) < offset+2 {
			return nil, 0, nil // Incomplete
		}
		length = int64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case len64:
		if len(raw) < offset+8 {
			return nil, 0, nil // Incomplete
		}
		u := binary.BigEndian.Uint64(raw[offset:])
		if u>>63 != 0 {
			return nil, 0, api.NewCodecError(api.ErrMalformedFrame, "64-bit payload length has the high bit set")
		}
		length = int64(u)
		offset += 8
	}

	if length > maxPayload {
		return nil, 0, api.NewCodecError(api.ErrOversizedPayload, "frame declares %d bytes, limit is %d", length, maxPayload)
	}

	var maskKey [4]byte
	if masked {
		if len(raw) < offset+4 {
			return nil, 0, nil // Incomplete
		}
		copy(maskKey[:], raw[offset:offset+4])
		offset += 4
	}

	totalLen := offset + int(length)
	if len(raw) < totalLen {
		return nil, 0, nil // Incomplete
	}

	payload := make([]byte, length)
	copy(payload, raw[offset:totalLen])
	if masked {
		maskBytes(maskKey, 0, payload)
	}

	return &WSFrame{
		IsFinal:    fin,
		Opcode:     opcode,
		Masked:     masked,
		PayloadLen: length,
		MaskKey:    maskKey,
		Payload:    payload,
	}, totalLen, nil
}

// Encode serializes msg into a single masked client frame.
func Encode(msg api.ControlMessage, maxPayload int64) ([]byte, error) {
	return AppendEncode(nil, msg, maxPayload)
}

// AppendEncode is Encode writing into a caller-managed buffer.
func AppendEncode(dst []byte, msg api.ControlMessage, maxPayload int64) ([]byte, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	switch msg.Kind {
	case api.ControlSendText:
		return appendData(dst, OpcodeText, msg.Data, maxPayload)
	case api.ControlSendBinary:
		return appendData(dst, OpcodeBinary, msg.Data, maxPayload)
	case api.ControlPing:
		return AppendControlFrame(dst, OpcodePing, msg.Data)
	case api.ControlClose:
		code := msg.CloseCode
		if code == 0 {
			code = CloseNormalClosure
		}
		return AppendControlFrame(dst, OpcodeClose, ClosePayload(code, msg.Reason))
	}
	return nil, api.NewCodecError(api.ErrMalformedFrame, "unknown control message kind %d", msg.Kind)
}

// AppendControlFrame appends a masked ping, pong or close frame.
func AppendControlFrame(dst []byte, opcode byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxControlPayloadLen {
		return nil, api.NewCodecError(api.ErrMalformedFrame,
			"%s payload of %d bytes exceeds %d", OpcodeName(opcode), len(payload), MaxControlPayloadLen)
	}
	key, err := NewMaskKey()
	if err != nil {
		return nil, err
	}
	return AppendFrame(dst, true, opcode, payload, &key), nil
}

func appendData(dst []byte, opcode byte, payload []byte, maxPayload int64) ([]byte, error) {
	if int64(len(payload)) > maxPayload {
		return nil, api.NewCodecError(api.ErrOversizedPayload,
			"outbound %s payload of %d bytes exceeds %d", OpcodeName(opcode), len(payload), maxPayload)
	}
	key, err := NewMaskKey()
	if err != nil {
		return nil, err
	}
	return AppendFrame(dst, true, opcode, payload, &key), nil
}

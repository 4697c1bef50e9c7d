// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket wire protocol constants

package protocol

// Opcodes carry the type of WSFrame.Opcode.
const (
	// Data opcodes
	OpcodeContinuation byte = 0x0
	OpcodeText         byte = 0x1
	OpcodeBinary       byte = 0x2

	// Control opcodes (high bit of the nibble set)
	OpcodeClose byte = 0x8
	OpcodePing  byte = 0x9
	OpcodePong  byte = 0xA
)

const (
	// Frame limit settings
	MaxControlPayloadLen = 125
	MaxFrameHeaderLen    = 14 // for extended payloads with masking
	DefaultMaxPayload    = 16 << 20

	// Bit masks
	FinBit  = 0x80
	RsvBits = 0x70
	OpMask  = 0x0F
	MaskBit = 0x80
	LenMask = 0x7F
	len16   = 126
	len64   = 127

	// Close codes
	CloseNormalClosure      = 1000
	CloseGoingAway          = 1001
	CloseProtocolError      = 1002
	CloseUnsupportedData    = 1003
	CloseNoStatusRcvd       = 1005
	CloseAbnormalClosure    = 1006
	CloseInvalidPayloadData = 1007
	ClosePolicyViolation    = 1008
	CloseMessageTooBig      = 1009
	CloseMissingExtension   = 1010
	CloseInternalServerErr  = 1011
)

// IsControl reports whether opcode is a control opcode.
func IsControl(opcode byte) bool { return opcode&0x8 != 0 }

// IsData reports whether opcode starts or continues a data message.
func IsData(opcode byte) bool {
	return opcode == OpcodeContinuation || opcode == OpcodeText || opcode == OpcodeBinary
}

func validOpcode(opcode byte) bool {
	switch opcode {
	case OpcodeContinuation, OpcodeText, OpcodeBinary, OpcodeClose, OpcodePing, OpcodePong:
		return true
	}
	return false
}

// OpcodeName returns a short label used in logs and metrics.
func OpcodeName(opcode byte) string {
	switch opcode {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	default:
		return "unknown"
	}
}

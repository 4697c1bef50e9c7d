// File: protocol/close.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Close frame payload helpers.

package protocol

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/momentics/binance-ws/api"
)

// ClosePayload builds the body of a Close frame. The reason is cut so the
// payload fits a control frame.
func ClosePayload(code uint16, reason string) []byte {
	if limit := MaxControlPayloadLen - 2; len(reason) > limit {
		reason = reason[:limit]
		for !utf8.ValidString(reason) {
			reason = reason[:len(reason)-1]
		}
	}
	p := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(p, code)
	copy(p[2:], reason)
	return p
}

// ParseClosePayload extracts the status code and reason from a Close frame
// body. An empty body maps to 1005 (no status received).
func ParseClosePayload(p []byte) (api.CloseReason, error) {
	switch len(p) {
	case 0:
		return api.CloseReason{Code: CloseNoStatusRcvd}, nil
	case 1:
		return api.CloseReason{}, api.NewCodecError(api.ErrMalformedFrame, "close payload of 1 byte")
	}
	code := binary.BigEndian.Uint16(p)
	if !ValidCloseCode(code) {
		return api.CloseReason{}, api.NewCodecError(api.ErrMalformedFrame, "invalid close code %d", code)
	}
	if !utf8.Valid(p[2:]) {
		return api.CloseReason{}, api.NewCodecError(api.ErrMalformedFrame, "close reason is not valid UTF-8")
	}
	return api.CloseReason{Code: code, Text: string(p[2:])}, nil
}

// ValidCloseCode reports whether code may appear on the wire.
func ValidCloseCode(code uint16) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}

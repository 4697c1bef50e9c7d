// Copyright 2025 momentics@gmail.com
// License: Apache 2.0

package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/momentics/binance-ws/api"
)

func serverFrame(fin bool, opcode byte, payload []byte) []byte {
	return AppendFrame(nil, fin, opcode, payload, nil)
}

// drain feeds chunks one by one and collects every frame produced.
func drain(t *testing.T, d *Decoder, chunks [][]byte) []*WSFrame {
	t.Helper()
	var out []*WSFrame
	for _, c := range chunks {
		d.Feed(c)
		for {
			f, err := d.Next()
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if f == nil {
				break
			}
			out = append(out, f)
		}
	}
	return out
}

func split(b []byte, n int) [][]byte {
	if n > len(b) {
		n = len(b)
	}
	size := len(b) / n
	var out [][]byte
	for i := 0; i < n-1; i++ {
		out = append(out, b[i*size:(i+1)*size])
	}
	return append(out, b[(n-1)*size:])
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		msg    api.ControlMessage
		opcode byte
		want   []byte
	}{
		{"empty text", api.SendText(""), OpcodeText, []byte{}},
		{"short text", api.SendText("binance stream test frame payload"), OpcodeText, []byte("binance stream test frame payload")},
		{"125 bytes", api.SendBinary(bytes.Repeat([]byte{1}, 125)), OpcodeBinary, bytes.Repeat([]byte{1}, 125)},
		{"16-bit length", api.SendBinary(bytes.Repeat([]byte{2}, 126)), OpcodeBinary, bytes.Repeat([]byte{2}, 126)},
		{"16-bit max", api.SendText(strings.Repeat("a", 0xFFFF)), OpcodeText, []byte(strings.Repeat("a", 0xFFFF))},
		{"64-bit length", api.SendBinary(bytes.Repeat([]byte{3}, 0x10000)), OpcodeBinary, bytes.Repeat([]byte{3}, 0x10000)},
		{"ping", api.Ping([]byte("hb")), OpcodePing, []byte("hb")},
		{"close", api.CloseWith(CloseGoingAway, "bye"), OpcodeClose, ClosePayload(CloseGoingAway, "bye")},
		{"close default code", api.Close(), OpcodeClose, ClosePayload(CloseNormalClosure, "")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := Encode(tc.msg, 0)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if wire[1]&MaskBit == 0 {
				t.Fatal("client frame is not masked")
			}
			frames := drain(t, NewDecoder(0), [][]byte{wire})
			if len(frames) != 1 {
				t.Fatalf("got %d frames, want 1", len(frames))
			}
			f := frames[0]
			if f.Opcode != tc.opcode {
				t.Errorf("opcode = %x, want %x", f.Opcode, tc.opcode)
			}
			if !f.IsFinal || !f.Masked {
				t.Errorf("fin=%v masked=%v, want both set", f.IsFinal, f.Masked)
			}
			if !bytes.Equal(f.Payload, tc.want) {
				t.Errorf("payload mismatch: got %d bytes, want %d", len(f.Payload), len(tc.want))
			}
		})
	}
}

func TestEncodeDoesNotMutateInput(t *testing.T) {
	data := []byte("immutable")
	if _, err := Encode(api.SendBinary(data), 0); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(data) != "immutable" {
		t.Errorf("input mutated: %q", data)
	}
}

func TestEncodeRejectsOversize(t *testing.T) {
	_, err := Encode(api.SendText("0123456789"), 4)
	if !errors.Is(err, api.ErrOversizedPayload) {
		t.Fatalf("err = %v, want ErrOversizedPayload", err)
	}
	_, err = Encode(api.Ping(make([]byte, 126)), 0)
	if !errors.Is(err, api.ErrMalformedFrame) {
		t.Fatalf("ping err = %v, want ErrMalformedFrame", err)
	}
}

func TestDecoderChunkedSingleFrame(t *testing.T) {
	payload := strings.Repeat("market data ", 40)
	wire := serverFrame(true, OpcodeText, []byte(payload))
	for _, n := range []int{1, 2, 5, 50} {
		frames := drain(t, NewDecoder(0), split(wire, n))
		if len(frames) != 1 {
			t.Fatalf("n=%d: got %d frames, want 1", n, len(frames))
		}
		if string(frames[0].Payload) != payload {
			t.Errorf("n=%d: payload mismatch", n)
		}
	}
}

func TestDecoderReassemblesFragments(t *testing.T) {
	payload := []byte(strings.Repeat("fragmented-", 30))
	parts := split(payload, 5)

	var wire []byte
	for i, p := range parts {
		op := byte(OpcodeContinuation)
		if i == 0 {
			op = OpcodeText
		}
		wire = append(wire, serverFrame(i == len(parts)-1, op, p)...)
		if i == 1 {
			wire = append(wire, serverFrame(true, OpcodePing, []byte("mid"))...)
		}
	}

	for _, n := range []int{1, 2, 5, 50} {
		frames := drain(t, NewDecoder(0), split(wire, n))
		if len(frames) != 2 {
			t.Fatalf("n=%d: got %d frames, want ping + message", n, len(frames))
		}
		if frames[0].Opcode != OpcodePing || string(frames[0].Payload) != "mid" {
			t.Errorf("n=%d: control frame not surfaced first: %+v", n, frames[0])
		}
		msg := frames[1]
		if msg.Opcode != OpcodeText || !msg.IsFinal {
			t.Errorf("n=%d: reassembled opcode=%x fin=%v", n, msg.Opcode, msg.IsFinal)
		}
		if !bytes.Equal(msg.Payload, payload) {
			t.Errorf("n=%d: reassembled payload mismatch", n)
		}
	}
}

func TestDecoderOversizedHeader(t *testing.T) {
	d := NewDecoder(1024)
	hdr := serverFrame(true, OpcodeBinary, make([]byte, 2048))[:4]
	d.Feed(hdr)
	f, err := d.Next()
	if f != nil {
		t.Fatal("decoder produced a partial frame")
	}
	if !errors.Is(err, api.ErrOversizedPayload) {
		t.Fatalf("err = %v, want ErrOversizedPayload", err)
	}
	var ce *api.CodecError
	if !errors.As(err, &ce) {
		t.Fatalf("err is %T, want *api.CodecError", err)
	}
}

func TestDecoderOversizedReassembly(t *testing.T) {
	d := NewDecoder(10)
	d.Feed(serverFrame(false, OpcodeBinary, make([]byte, 8)))
	d.Feed(serverFrame(true, OpcodeContinuation, make([]byte, 8)))
	if _, err := d.Next(); !errors.Is(err, api.ErrOversizedPayload) {
		t.Fatalf("err = %v, want ErrOversizedPayload", err)
	}
}

func TestDecoderMalformed(t *testing.T) {
	longLen := []byte{FinBit | OpcodeBinary, len64, 0x80, 0, 0, 0, 0, 0, 0, 1}
	cases := map[string][]byte{
		"reserved bits":          {FinBit | 0x40 | OpcodeText, 0},
		"unknown opcode":         {FinBit | 0x3, 0},
		"fragmented ping":        {OpcodePing, 0},
		"long control frame":     {FinBit | OpcodePing, 126, 0, 126},
		"orphan continuation":    serverFrame(true, OpcodeContinuation, []byte("x")),
		"data inside fragment":   append(serverFrame(false, OpcodeText, []byte("a")), serverFrame(true, OpcodeText, []byte("b"))...),
		"invalid utf8":           serverFrame(true, OpcodeText, []byte{0xff, 0xfe}),
		"one byte close":         serverFrame(true, OpcodeClose, []byte{0x03}),
		"reserved close code":    serverFrame(true, OpcodeClose, ClosePayload(1005, "")),
		"64-bit length high bit": longLen,
	}
	for name, wire := range cases {
		t.Run(name, func(t *testing.T) {
			d := NewDecoder(0)
			d.Feed(wire)
			var err error
			for i := 0; i < 3 && err == nil; i++ {
				_, err = d.Next()
			}
			if !errors.Is(err, api.ErrMalformedFrame) {
				t.Fatalf("err = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestDecoderStaysPoisoned(t *testing.T) {
	d := NewDecoder(0)
	d.Feed([]byte{FinBit | 0x3, 0})
	_, first := d.Next()
	d.Feed(serverFrame(true, OpcodeText, []byte("ok")))
	f, second := d.Next()
	if f != nil || second != first {
		t.Fatalf("decoder recovered after error: frame=%v err=%v", f, second)
	}
	d.Reset()
	d.Feed(serverFrame(true, OpcodeText, []byte("ok")))
	if f, err := d.Next(); err != nil || string(f.Payload) != "ok" {
		t.Fatalf("after Reset: frame=%v err=%v", f, err)
	}
}

func TestParseClosePayload(t *testing.T) {
	r, err := ParseClosePayload(nil)
	if err != nil || r.Code != CloseNoStatusRcvd {
		t.Fatalf("empty payload: %+v, %v", r, err)
	}
	r, err = ParseClosePayload(ClosePayload(CloseGoingAway, "restart"))
	if err != nil || r.Code != CloseGoingAway || r.Text != "restart" {
		t.Fatalf("parse: %+v, %v", r, err)
	}
	long := ClosePayload(CloseNormalClosure, strings.Repeat("é", 100))
	if len(long) > MaxControlPayloadLen {
		t.Fatalf("close payload of %d bytes exceeds control limit", len(long))
	}
	if _, err := ParseClosePayload(long); err != nil {
		t.Fatalf("truncated reason is not valid: %v", err)
	}
}

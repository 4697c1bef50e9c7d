// File: binance/request.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package binance

import (
	"encoding/json"
)

// Subscription methods.
const (
	MethodSubscribe   = "SUBSCRIBE"
	MethodUnsubscribe = "UNSUBSCRIBE"
)

// SubscriptionRequest is the JSON message asking the server to start or stop
// streams, e.g. {"method":"SUBSCRIBE","params":["btcusdt@trade"],"id":0}.
type SubscriptionRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

// NewSubscriptionRequest creates an empty SUBSCRIBE request with id.
func NewSubscriptionRequest(id uint64) *SubscriptionRequest {
	return &SubscriptionRequest{Method: MethodSubscribe, Params: []string{}, ID: id}
}

// NewUnsubscribeRequest creates an empty UNSUBSCRIBE request with id.
func NewUnsubscribeRequest(id uint64) *SubscriptionRequest {
	return &SubscriptionRequest{Method: MethodUnsubscribe, Params: []string{}, ID: id}
}

// AddStream appends a stream name such as "btcusdt@aggTrade".
func (r *SubscriptionRequest) AddStream(stream string) *SubscriptionRequest {
	r.Params = append(r.Params, stream)
	return r
}

// ToJSON serializes the request.
func (r *SubscriptionRequest) ToJSON() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", &Error{Op: "encode request", Kind: ErrSerialization, Err: err}
	}
	return string(b), nil
}

// Response is the server's answer to a subscription request:
// {"result":null,"id":0} or {"error":{"code":2,"msg":"..."},"id":0}.
type Response struct {
	Result json.RawMessage `json:"result"`
	ID     *uint64         `json:"id"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the error object of a rejected request.
type ResponseError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// DecodeResponse parses payload as a request response. ok is false for
// anything else, which on a stream connection means market data.
func DecodeResponse(payload []byte) (resp *Response, ok bool) {
	var r Response
	if err := json.Unmarshal(payload, &r); err != nil || r.ID == nil {
		return nil, false
	}
	return &r, true
}

// SequenceCounter hands out request ids starting at 0. The counter moves
// only after a request was accepted for sending, so ids on the wire are
// gapless. Not safe for concurrent use; the websocket types serialize it.
type SequenceCounter struct {
	next uint64
}

// Current returns the id the next request will carry.
func (s *SequenceCounter) Current() uint64 { return s.next }

// Advance moves to the next id.
func (s *SequenceCounter) Advance() { s.next++ }

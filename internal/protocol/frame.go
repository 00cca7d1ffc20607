// Package protocol implements the line-framed JSON request/response loop
// over stdio (C8). The bufio.Scanner stdio loop and single-writer-mutex
// response framing are adapted from the teacher's internal/gateway/server.go;
// the wire envelope itself is the flat {type,payload,id} shape of spec.md
// §3 rather than JSON-RPC 2.0.
package protocol

import "encoding/json"

// Request is one inbound frame. Unknown fields are tolerated
// (spec.md §9: "unknown fields are tolerated on input").
type Request struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// Response is one outbound frame: exactly one JSON value per request,
// written as a single line (spec.md §3).
type Response struct {
	OK      bool        `json:"ok"`
	Type    string      `json:"type,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Error   interface{} `json:"error,omitempty"`
}

// OK builds a successful response frame.
func OK(typ string, payload interface{}) Response {
	return Response{OK: true, Type: typ, Payload: payload}
}

// Fail builds a failed response frame carrying a tagged error object.
func Fail(typ string, tagged interface{}) Response {
	return Response{OK: false, Type: typ, Error: tagged}
}

// TaggedError is a stable-tag error object per spec.md §7: the tag name
// maps to `true`, plus any additional fields.
type TaggedError map[string]interface{}

// NewTaggedError builds a TaggedError with tag set to true and fields
// merged in.
func NewTaggedError(tag string, fields map[string]interface{}) TaggedError {
	e := TaggedError{tag: true}
	for k, v := range fields {
		e[k] = v
	}
	return e
}

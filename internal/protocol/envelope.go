package protocol

import (
	"encoding/json"
	"fmt"
)

// RequestEnvelope is the JSON payload of a TypeRequest frame: one logical
// HTTP request captured by the local agent. The body travels as a base64
// string on the wire (the JSON encoding of a byte slice).
//
// A CONNECT request carries Method "CONNECT" and the host:port target in
// URL, with no headers or body.
type RequestEnvelope struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// ResponseEnvelope is the JSON payload of a TypeResponse frame. A CONNECT
// acknowledgment is a degenerate envelope: status code plus a literal
// success or failure reason in Body, no headers.
type ResponseEnvelope struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

// Marshal returns the wire payload for the envelope.
func (e *RequestEnvelope) Marshal() []byte {
	data, _ := json.Marshal(e) // strings, maps, and bytes only; cannot fail
	return data
}

// Marshal returns the wire payload for the envelope.
func (e *ResponseEnvelope) Marshal() []byte {
	data, _ := json.Marshal(e) // strings, maps, and bytes only; cannot fail
	return data
}

// DecodeRequest parses a TypeRequest payload.
func DecodeRequest(payload []byte) (*RequestEnvelope, error) {
	var e RequestEnvelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decode request envelope: %w", err)
	}
	if e.Method == "" {
		return nil, fmt.Errorf("decode request envelope: missing method")
	}
	if e.URL == "" {
		return nil, fmt.Errorf("decode request envelope: missing url")
	}
	return &e, nil
}

// DecodeResponse parses a TypeResponse payload.
func DecodeResponse(payload []byte) (*ResponseEnvelope, error) {
	var e ResponseEnvelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}
	if e.StatusCode == 0 {
		return nil, fmt.Errorf("decode response envelope: missing statusCode")
	}
	return &e, nil
}

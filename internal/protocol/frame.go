// Package protocol defines the wire format spoken on the managed link
// between the local agent and the relay.
//
// Every message is one length-prefixed, typed frame:
//
//	| length: uint32 big-endian | type: uint8 | payload: length bytes |
//
// Types 0 and 1 carry JSON request/response envelopes; types 2 and 3
// carry the bytes of an established CONNECT tunnel. A frame with an
// unrecognized type is skipped using its declared length, so the stream
// never desynchronizes when one side speaks a newer protocol revision.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame types.
const (
	TypeRequest     uint8 = 0 // request envelope, agent → relay
	TypeResponse    uint8 = 1 // response or CONNECT acknowledgment, relay → agent
	TypeTunnelData  uint8 = 2 // raw bytes of an established CONNECT session
	TypeTunnelClose uint8 = 3 // end of a CONNECT session, empty payload
)

// HeaderSize is the fixed frame header: 4-byte length plus 1-byte type.
const HeaderSize = 5

// Frame is one decoded unit of the wire protocol.
type Frame struct {
	Type    uint8
	Payload []byte
}

// Known reports whether the frame type is one this revision understands.
// Consumers skip unknown frames rather than failing the stream.
func (f Frame) Known() bool { return f.Type <= TypeTunnelClose }

// EncodeFrame builds the wire form of a single frame.
func EncodeFrame(typ uint8, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	buf[4] = typ
	copy(buf[HeaderSize:], payload)
	return buf
}

// WriteFrame writes one frame to w. Header and payload go out in a single
// Write call so concurrent writers never interleave partial frames.
func WriteFrame(w io.Writer, typ uint8, payload []byte) error {
	if _, err := w.Write(EncodeFrame(typ, payload)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decoder reads frames from a byte stream. A frame is only surfaced once
// all length+5 of its bytes have arrived; delivery split at any byte
// offset produces the same frames as delivering the stream at once.
// The codec itself imposes no payload size limit.
type Decoder struct {
	r   io.Reader
	hdr [HeaderSize]byte
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next blocks until one complete frame is available and returns it.
// It returns io.EOF when the stream ends cleanly on a frame boundary,
// and a wrapped io.ErrUnexpectedEOF when it ends mid-frame.
func (d *Decoder) Next() (Frame, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(d.hdr[:4])
	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, fmt.Errorf("read frame payload: %w", err)
	}
	return Frame{Type: d.hdr[4], Payload: payload}, nil
}

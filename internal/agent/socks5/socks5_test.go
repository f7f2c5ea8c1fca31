package socks5

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
)

// readWriter pairs an input and an output buffer for handshake tests.
type readWriter struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (rw *readWriter) Read(p []byte) (int, error)  { return rw.in.Read(p) }
func (rw *readWriter) Write(p []byte) (int, error) { return rw.out.Write(p) }

func connectRequest(atyp byte, addr []byte, port uint16) *readWriter {
	var buf bytes.Buffer
	buf.Write([]byte{0x05, 0x01, 0x00})       // offer: no-auth only
	buf.Write([]byte{0x05, 0x01, 0x00, atyp}) // CONNECT
	buf.Write(addr)
	binary.Write(&buf, binary.BigEndian, port) //nolint:errcheck
	return &readWriter{in: &buf, out: &bytes.Buffer{}}
}

func TestHandshake(t *testing.T) {
	t.Run("IPv4", func(t *testing.T) {
		rw := connectRequest(0x01, net.IPv4(10, 0, 0, 5).To4(), 22)
		target, err := Handshake(rw)
		if err != nil {
			t.Fatalf("handshake: %v", err)
		}
		if target != "10.0.0.5:22" {
			t.Errorf("target = %q", target)
		}
		if reply := rw.out.Bytes(); len(reply) < 2 || reply[0] != 0x05 || reply[1] != 0x00 {
			t.Errorf("auth reply = %x", reply)
		}
	})

	t.Run("domain", func(t *testing.T) {
		addr := append([]byte{byte(len("example.test"))}, "example.test"...)
		rw := connectRequest(0x03, addr, 443)
		target, err := Handshake(rw)
		if err != nil {
			t.Fatalf("handshake: %v", err)
		}
		if target != "example.test:443" {
			t.Errorf("target = %q", target)
		}
	})

	t.Run("IPv6", func(t *testing.T) {
		rw := connectRequest(0x04, net.ParseIP("::1").To16(), 8443)
		target, err := Handshake(rw)
		if err != nil {
			t.Fatalf("handshake: %v", err)
		}
		if target != "[::1]:8443" {
			t.Errorf("target = %q", target)
		}
	})
}

func TestHandshakeRejectsAuthOnly(t *testing.T) {
	// Client offers only username/password; negotiation must fail and
	// the no-acceptable-method byte go back.
	var buf bytes.Buffer
	buf.Write([]byte{0x05, 0x01, 0x02})
	rw := &readWriter{in: &buf, out: &bytes.Buffer{}}

	if _, err := Handshake(rw); err == nil {
		t.Fatal("want error for auth-only client")
	}
	if reply := rw.out.Bytes(); len(reply) != 2 || reply[1] != 0xFF {
		t.Errorf("reply = %x, want 05ff", reply)
	}
}

func TestHandshakeRejectsBind(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x05, 0x01, 0x00})
	buf.Write([]byte{0x05, 0x02, 0x00, 0x01}) // BIND
	buf.Write([]byte{10, 0, 0, 5, 0, 22})
	rw := &readWriter{in: &buf, out: &bytes.Buffer{}}

	if _, err := Handshake(rw); err == nil {
		t.Fatal("want error for BIND command")
	}
	out := rw.out.Bytes()
	if len(out) < 4 || out[3] != RepCommandNotSupported {
		t.Errorf("reply = %x, want command-not-supported", out)
	}
}

func TestReply(t *testing.T) {
	var buf bytes.Buffer
	if err := Reply(&buf, RepSuccess); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("reply = %x, want %x", buf.Bytes(), want)
	}
}

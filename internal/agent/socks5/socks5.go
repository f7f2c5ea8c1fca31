// Package socks5 implements the server side of a minimal SOCKS5
// (RFC 1928) negotiation: no-auth only, CONNECT only. The agent uses it
// as an alternative front end whose tunnels ride the relay link the
// same way HTTP CONNECT tunnels do.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

const version = 0x05

// Negotiation constants from RFC 1928.
const (
	authNone         = 0x00
	authNoAcceptable = 0xFF

	cmdConnect = 0x01

	addrIPv4   = 0x01
	addrDomain = 0x03
	addrIPv6   = 0x04
)

// Reply codes.
const (
	RepSuccess             = 0x00
	RepGeneralFailure      = 0x01
	RepHostUnreachable     = 0x04
	RepCommandNotSupported = 0x07
	RepAddrNotSupported    = 0x08
)

// Handshake negotiates with a SOCKS5 client and parses its CONNECT
// request, returning the target as host:port. The success or failure
// reply is the caller's job: it depends on whether the tunnel can
// actually be established.
func Handshake(conn io.ReadWriter) (string, error) {
	if err := negotiateAuth(conn); err != nil {
		return "", err
	}

	// VER | CMD | RSV | ATYP
	head := make([]byte, 4)
	if _, err := io.ReadFull(conn, head); err != nil {
		return "", fmt.Errorf("read connect header: %w", err)
	}
	if head[0] != version {
		return "", fmt.Errorf("bad version %#x in connect request", head[0])
	}
	if head[1] != cmdConnect {
		_ = Reply(conn, RepCommandNotSupported)
		return "", fmt.Errorf("unsupported command %#x", head[1])
	}

	host, err := readAddr(conn, head[3])
	if err != nil {
		return "", err
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(conn, portBuf[:]); err != nil {
		return "", fmt.Errorf("read port: %w", err)
	}
	port := binary.BigEndian.Uint16(portBuf[:])

	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

// negotiateAuth consumes the client's method offer and accepts no-auth.
func negotiateAuth(conn io.ReadWriter) error {
	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return fmt.Errorf("read auth header: %w", err)
	}
	if head[0] != version {
		return fmt.Errorf("bad version %#x", head[0])
	}
	if head[1] == 0 {
		return errors.New("no auth methods offered")
	}
	methods := make([]byte, head[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("read auth methods: %w", err)
	}
	for _, m := range methods {
		if m == authNone {
			_, err := conn.Write([]byte{version, authNone})
			return err
		}
	}
	_, _ = conn.Write([]byte{version, authNoAcceptable})
	return errors.New("client requires authentication")
}

func readAddr(conn io.Reader, atyp byte) (string, error) {
	switch atyp {
	case addrIPv4:
		var a [4]byte
		if _, err := io.ReadFull(conn, a[:]); err != nil {
			return "", fmt.Errorf("read IPv4 address: %w", err)
		}
		return net.IP(a[:]).String(), nil
	case addrIPv6:
		var a [16]byte
		if _, err := io.ReadFull(conn, a[:]); err != nil {
			return "", fmt.Errorf("read IPv6 address: %w", err)
		}
		return net.IP(a[:]).String(), nil
	case addrDomain:
		var n [1]byte
		if _, err := io.ReadFull(conn, n[:]); err != nil {
			return "", fmt.Errorf("read domain length: %w", err)
		}
		name := make([]byte, n[0])
		if _, err := io.ReadFull(conn, name); err != nil {
			return "", fmt.Errorf("read domain: %w", err)
		}
		return string(name), nil
	default:
		return "", fmt.Errorf("unsupported address type %#x", atyp)
	}
}

// Reply sends a SOCKS5 reply with the given code. The bind address is
// always reported as 0.0.0.0:0; the tunnel rides the relay link, so no
// local bind address is meaningful to the client.
func Reply(conn io.Writer, rep byte) error {
	_, err := conn.Write([]byte{version, rep, 0x00, addrIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

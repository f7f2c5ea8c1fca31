package relay

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zarehd26/ship-proxy-system/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startRelay runs the relay on an ephemeral port and returns its address.
func startRelay(t *testing.T, cfg Config) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go Serve(ctx, ln, cfg) //nolint:errcheck // exits on cancel
	return ln.Addr().String()
}

// dialRelay connects as the agent would and wraps the frame plumbing.
type agentConn struct {
	t    *testing.T
	conn net.Conn
	dec  *protocol.Decoder
}

func dialRelay(t *testing.T, addr string) *agentConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &agentConn{t: t, conn: conn, dec: protocol.NewDecoder(conn)}
}

func (a *agentConn) send(typ uint8, payload []byte) {
	a.t.Helper()
	if err := protocol.WriteFrame(a.conn, typ, payload); err != nil {
		a.t.Fatalf("write frame: %v", err)
	}
}

func (a *agentConn) sendRequest(env *protocol.RequestEnvelope) {
	a.t.Helper()
	a.send(protocol.TypeRequest, env.Marshal())
}

func (a *agentConn) next() protocol.Frame {
	a.t.Helper()
	_ = a.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	fr, err := a.dec.Next()
	if err != nil {
		a.t.Fatalf("read frame: %v", err)
	}
	return fr
}

// nextResponse returns the next response frame, skipping stray tunnel
// frames the way the real agent does.
func (a *agentConn) nextResponse() *protocol.ResponseEnvelope {
	a.t.Helper()
	for {
		fr := a.next()
		if fr.Type != protocol.TypeResponse {
			continue
		}
		env, err := protocol.DecodeResponse(fr.Payload)
		if err != nil {
			a.t.Fatalf("decode response: %v", err)
		}
		return env
	}
}

func TestRelayExecutesRequest(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" {
			t.Errorf("origin saw method %s", r.Method)
		}
		if got := r.Header.Get("X-Probe"); got != "1" {
			t.Errorf("origin saw X-Probe %q", got)
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(200)
		w.Write([]byte("hello")) //nolint:errcheck
	}))
	defer origin.Close()

	addr := startRelay(t, Config{})
	agent := dialRelay(t, addr)

	agent.sendRequest(&protocol.RequestEnvelope{
		Method:  "GET",
		URL:     origin.URL + "/hello",
		Headers: map[string]string{"X-Probe": "1"},
	})

	resp := agent.nextResponse()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Headers["Content-Type"]; got != "text/plain" {
		t.Errorf("Content-Type = %q", got)
	}
	if string(resp.Body) != "hello" {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestRelayForwardsBody(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			t.Errorf("origin saw body %q", body)
		}
		w.WriteHeader(201)
	}))
	defer origin.Close()

	addr := startRelay(t, Config{})
	agent := dialRelay(t, addr)

	agent.sendRequest(&protocol.RequestEnvelope{
		Method: "POST",
		URL:    origin.URL + "/submit",
		Body:   []byte("payload"),
	})
	if resp := agent.nextResponse(); resp.StatusCode != 201 {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestRelayOutboundFailure(t *testing.T) {
	addr := startRelay(t, Config{RequestTimeout: 2 * time.Second})
	agent := dialRelay(t, addr)

	agent.sendRequest(&protocol.RequestEnvelope{Method: "GET", URL: "http://bad.invalid/"})

	resp := agent.nextResponse()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if len(resp.Body) == 0 {
		t.Error("502 carries no failure reason")
	}
}

func TestRelayMalformedEnvelope(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	defer origin.Close()

	addr := startRelay(t, Config{})
	agent := dialRelay(t, addr)

	// A garbage request frame still gets exactly one answer, so the
	// agent's positional matching never desyncs.
	agent.send(protocol.TypeRequest, []byte("not json"))
	resp := agent.nextResponse()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}

	// The stream is still aligned; the next real request works.
	agent.sendRequest(&protocol.RequestEnvelope{Method: "GET", URL: origin.URL})
	if resp := agent.nextResponse(); resp.StatusCode != 204 {
		t.Errorf("follow-up status = %d", resp.StatusCode)
	}
}

func TestRelaySkipsUnknownFrameType(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	defer origin.Close()

	addr := startRelay(t, Config{})
	agent := dialRelay(t, addr)

	agent.send(0x7f, []byte{0xde, 0xad, 0xbe, 0xef})
	agent.sendRequest(&protocol.RequestEnvelope{Method: "GET", URL: origin.URL})
	if resp := agent.nextResponse(); resp.StatusCode != 204 {
		t.Errorf("status after unknown frame = %d", resp.StatusCode)
	}
}

func TestRelayRefusesSecondConnection(t *testing.T) {
	addr := startRelay(t, Config{})
	first := dialRelay(t, addr)

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()

	// The second connection is closed without a frame; Read must hit
	// EOF promptly while the first stays serviceable.
	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Error("second connection was not closed")
	}

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	defer origin.Close()
	first.sendRequest(&protocol.RequestEnvelope{Method: "GET", URL: origin.URL})
	if resp := first.nextResponse(); resp.StatusCode != 204 {
		t.Errorf("first connection status = %d", resp.StatusCode)
	}
}

func TestRelayConnectTunnel(t *testing.T) {
	// Echo target for the tunnel.
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer echo.Close()
	go func() {
		for {
			conn, err := echo.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c) //nolint:errcheck
			}(conn)
		}
	}()

	addr := startRelay(t, Config{})
	agent := dialRelay(t, addr)

	agent.sendRequest(&protocol.RequestEnvelope{Method: http.MethodConnect, URL: echo.Addr().String()})
	ack := agent.nextResponse()
	if ack.StatusCode != 200 {
		t.Fatalf("ack status = %d", ack.StatusCode)
	}

	agent.send(protocol.TypeTunnelData, []byte("ping"))
	fr := agent.next()
	if fr.Type != protocol.TypeTunnelData || string(fr.Payload) != "ping" {
		t.Fatalf("tunnel echo = (%d, %q)", fr.Type, fr.Payload)
	}

	// Close the tunnel; the slot must be free for a plain request again.
	agent.send(protocol.TypeTunnelClose, nil)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	defer origin.Close()
	agent.sendRequest(&protocol.RequestEnvelope{Method: "GET", URL: origin.URL})
	if resp := agent.nextResponse(); resp.StatusCode != 204 {
		t.Errorf("post-tunnel status = %d", resp.StatusCode)
	}
}

func TestRelayConnectDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := ln.Addr().String()
	ln.Close()

	addr := startRelay(t, Config{})
	agent := dialRelay(t, addr)

	agent.sendRequest(&protocol.RequestEnvelope{Method: http.MethodConnect, URL: deadAddr})
	ack := agent.nextResponse()
	if ack.StatusCode != http.StatusBadGateway {
		t.Fatalf("ack status = %d, want 502", ack.StatusCode)
	}
	if !strings.Contains(string(ack.Body), "refused") && len(ack.Body) == 0 {
		t.Error("502 ack carries no failure reason")
	}
}

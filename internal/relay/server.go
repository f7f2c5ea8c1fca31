// Package relay implements the remote side of shipproxy: a listener
// that accepts exactly one connection from the local agent, decodes
// framed requests off it, executes the real outbound HTTP(S) calls and
// CONNECT tunnels, and frames the results back.
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zarehd26/ship-proxy-system/internal/metrics"
	"github.com/zarehd26/ship-proxy-system/internal/protocol"
)

const defaultRequestTimeout = 15 * time.Second

// Config holds relay configuration.
type Config struct {
	ListenAddr     string
	TLSConfig      *tls.Config   // nil = plain TCP
	RequestTimeout time.Duration // bound on one outbound call
	Logger         *slog.Logger
	Metrics        *metrics.Metrics // optional; nil disables metrics
}

// ListenAndServe accepts agent connections, one at a time: while a
// session is active any further inbound connection is closed
// immediately and the original stays authoritative. It blocks until ctx
// is cancelled.
func ListenAndServe(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	return Serve(ctx, ln, cfg)
}

// Serve runs the relay on an already-bound listener.
func Serve(ctx context.Context, ln net.Listener, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	if cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, cfg.TLSConfig)
	}
	defer ln.Close() //nolint:errcheck // best-effort cleanup
	cfg.Logger.Info("relay listening", "bind", ln.Addr(), "tls", cfg.TLSConfig != nil)

	go func() {
		<-ctx.Done()
		ln.Close() //nolint:errcheck // best-effort cleanup
	}()

	client := newOutboundClient(cfg.RequestTimeout)

	var busy atomic.Bool
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			cfg.Logger.Warn("accept failed", "error", err)
			continue
		}

		if !busy.CompareAndSwap(false, true) {
			cfg.Logger.Warn("refusing second agent connection", "remote", conn.RemoteAddr())
			cfg.Metrics.IncrRejectedConns()
			_ = conn.Close()
			continue
		}

		cfg.Logger.Info("agent connected", "remote", conn.RemoteAddr())
		go func(conn net.Conn) {
			defer busy.Store(false)
			defer conn.Close() //nolint:errcheck // best-effort cleanup
			s := &session{
				conn:    conn,
				dec:     protocol.NewDecoder(conn),
				client:  client,
				timeout: cfg.RequestTimeout,
				logger:  cfg.Logger,
				metrics: cfg.Metrics,
			}
			s.serve(ctx)
			cfg.Logger.Info("agent disconnected", "remote", conn.RemoteAddr())
		}(conn)
	}
}

// session is one accepted agent connection. Requests are handled
// strictly one at a time: the serve loop does not decode the next frame
// until the previous request (or tunnel) has fully completed.
type session struct {
	conn    net.Conn
	dec     *protocol.Decoder
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	writeMu sync.Mutex
}

func (s *session) serve(ctx context.Context) {
	for {
		fr, err := s.dec.Next()
		if err != nil {
			s.logger.Debug("agent connection closed", "error", err)
			return
		}
		s.handleFrame(ctx, fr)
		if ctx.Err() != nil {
			return
		}
	}
}

// handleFrame dispatches one decoded frame. A CONNECT tunnel consumes
// further frames itself and may hand back a request frame the agent
// sent after abandoning the tunnel; that frame is handled next without
// re-entering the decoder.
func (s *session) handleFrame(ctx context.Context, fr protocol.Frame) {
	for {
		switch fr.Type {
		case protocol.TypeRequest:
			pending := s.handleRequest(ctx, fr.Payload)
			if pending == nil {
				return
			}
			fr = *pending
		default:
			// Unknown types, and tunnel frames outside a session, are
			// skipped to keep the stream aligned.
			s.logger.Debug("skipping frame", "type", fr.Type)
			return
		}
	}
}

// handleRequest executes one request envelope and frames the result
// back. Every type-0 frame gets exactly one type-1 answer, preserving
// the positional correlation the agent relies on.
func (s *session) handleRequest(ctx context.Context, payload []byte) *protocol.Frame {
	start := time.Now()

	env, err := protocol.DecodeRequest(payload)
	if err != nil {
		s.logger.Warn("malformed request envelope", "error", err)
		s.metrics.RequestFailed(metrics.SideRelay, metrics.ReasonBadEnvelope)
		s.respond(&protocol.ResponseEnvelope{
			StatusCode: http.StatusBadGateway,
			Body:       []byte("malformed request envelope"),
		})
		return nil
	}

	if env.Method == http.MethodConnect {
		return s.handleConnect(ctx, env, start)
	}

	resp := s.execute(ctx, env)
	s.respond(resp)

	outcome := "success"
	if resp.StatusCode == http.StatusBadGateway && len(resp.Headers) == 0 {
		outcome = "error"
	}
	s.metrics.RequestDone(metrics.SideRelay, outcome, time.Since(start).Seconds())
	return nil
}

// respond frames a response envelope back to the agent.
func (s *session) respond(env *protocol.ResponseEnvelope) {
	if err := s.writeFrame(protocol.TypeResponse, env.Marshal()); err != nil {
		s.logger.Warn("send response failed", "error", err)
	}
}

// writeFrame serializes concurrent writers (the serve loop and a tunnel
// pump) onto the single agent connection.
func (s *session) writeFrame(typ uint8, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.WriteFrame(s.conn, typ, payload)
}

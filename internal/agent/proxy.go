package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/zarehd26/ship-proxy-system/internal/metrics"
	"github.com/zarehd26/ship-proxy-system/internal/protocol"
)

// readHeaderTimeout bounds how long a local client may take to deliver
// its request head and body.
const readHeaderTimeout = 30 * time.Second

// Config holds local-agent configuration.
type Config struct {
	ListenAddr      string
	SocksListenAddr string // optional SOCKS5 front end; empty = disabled
	RelayAddr       string
	UseTLS          bool   // TLS to the relay, self-signed tolerated
	ConnectMode     string // ModeRelay (default) or ModeDirect
	LinkRate        int    // outbound bytes/sec cap on the link; 0 = unlimited
	ResponseTimeout time.Duration
	RetryInterval   time.Duration // reconnect interval; 0 = default
	Logger          *slog.Logger
	Metrics         *metrics.Metrics // optional; nil disables metrics
}

// ListenAndServe starts the local proxy endpoint and the sequential
// dispatcher behind it. It blocks until ctx is cancelled.
func ListenAndServe(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	return Serve(ctx, ln, cfg)
}

// Serve runs the agent on an already-bound listener.
func Serve(ctx context.Context, ln net.Listener, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectMode == "" {
		cfg.ConnectMode = ModeRelay
	}
	if cfg.ConnectMode != ModeRelay && cfg.ConnectMode != ModeDirect {
		return fmt.Errorf("unknown connect mode %q", cfg.ConnectMode)
	}

	link := NewLink(LinkConfig{
		Addr:          cfg.RelayAddr,
		UseTLS:        cfg.UseTLS,
		Rate:          cfg.LinkRate,
		RetryInterval: cfg.RetryInterval,
		Logger:        cfg.Logger,
		Metrics:       cfg.Metrics,
	})
	defer link.Close()

	disp := newDispatcher(link, cfg.ConnectMode, cfg.ResponseTimeout, cfg.Logger, cfg.Metrics)
	go disp.Run(ctx)

	if cfg.SocksListenAddr != "" {
		socksLn, err := net.Listen("tcp", cfg.SocksListenAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.SocksListenAddr, err)
		}
		go serveSocks(ctx, socksLn, disp, cfg.Logger)
	}

	defer ln.Close() //nolint:errcheck // best-effort cleanup
	cfg.Logger.Info("proxy listening", "bind", ln.Addr(), "relay", cfg.RelayAddr, "connectMode", cfg.ConnectMode)

	go func() {
		<-ctx.Done()
		ln.Close() //nolint:errcheck // best-effort cleanup
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			cfg.Logger.Warn("accept failed", "error", err)
			continue
		}
		go handleClient(ctx, conn, disp, cfg.Logger)
	}
}

// handleClient parses one proxy request off a local client connection
// and hands it to the dispatcher, which owns the connection from then
// on.
func handleClient(ctx context.Context, conn net.Conn, disp *Dispatcher, logger *slog.Logger) {
	_ = conn.SetReadDeadline(time.Now().Add(readHeaderTimeout))
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		sendError(conn, http.StatusBadRequest, "bad request")
		_ = conn.Close()
		return
	}

	if req.Method == http.MethodConnect {
		_ = conn.SetReadDeadline(time.Time{})
		target := connectTarget(req)
		if target == "" {
			sendError(conn, http.StatusBadRequest, "missing CONNECT target")
			_ = conn.Close()
			return
		}
		disp.enqueue(ctx, &entry{
			conn:     conn,
			br:       br,
			env:      &protocol.RequestEnvelope{Method: http.MethodConnect, URL: target},
			tunnel:   true,
			enqueued: time.Now(),
		})
		return
	}

	env, err := envelopeFromRequest(req)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		logger.Debug("rejected client request", "error", err)
		sendError(conn, http.StatusBadRequest, err.Error())
		_ = conn.Close()
		return
	}
	disp.enqueue(ctx, &entry{conn: conn, br: br, env: env, enqueued: time.Now()})
}

// connectTarget extracts the host:port a CONNECT request names,
// defaulting the port to 443.
func connectTarget(req *http.Request) string {
	target := req.Host
	if target == "" {
		target = req.URL.Host
	}
	if target == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}
	return target
}

// envelopeFromRequest captures a non-CONNECT proxy request as a request
// envelope: absolute-form URLs pass through, origin-form requests are
// reconstructed from the Host header, and the body is read in full.
func envelopeFromRequest(req *http.Request) (*protocol.RequestEnvelope, error) {
	targetURL := req.URL.String()
	if !req.URL.IsAbs() {
		if req.Host == "" {
			return nil, fmt.Errorf("missing host")
		}
		targetURL = "http://" + req.Host + req.URL.RequestURI()
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}

	headers := make(map[string]string, len(req.Header))
	for name, values := range req.Header {
		if isHopByHop(name) {
			continue
		}
		headers[name] = strings.Join(values, ", ")
	}
	if req.Host != "" {
		headers["Host"] = req.Host
	}

	return &protocol.RequestEnvelope{
		Method:  req.Method,
		URL:     targetURL,
		Headers: headers,
		Body:    body,
	}, nil
}

// isHopByHop reports whether a header is connection-scoped and must not
// cross the proxy.
func isHopByHop(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}

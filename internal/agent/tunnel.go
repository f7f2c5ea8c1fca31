package agent

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// directDialTimeout bounds the direct dial to a CONNECT target.
const directDialTimeout = 10 * time.Second

// directTunnel serves a CONNECT request without touching the managed
// link: the agent dials the target itself, confirms the tunnel to the
// client, and splices bytes until either side closes. The queue still
// advances only once the tunnel ends, so tunnel sessions keep the same
// one-at-a-time discipline as framed requests.
func directTunnel(ctx context.Context, e *entry, logger *slog.Logger) {
	dialer := &net.Dialer{Timeout: directDialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, directDialTimeout)
	defer cancel()

	target, err := dialer.DialContext(dialCtx, "tcp", e.env.URL)
	if err != nil {
		logger.Warn("direct tunnel dial failed", "target", e.env.URL, "error", err)
		e.refuse(http.StatusBadGateway, "connection failed")
		return
	}
	defer target.Close() //nolint:errcheck // best-effort cleanup

	if err := e.greet(); err != nil {
		return
	}

	logger.Debug("direct tunnel established", "target", e.env.URL)
	splice(e.br, e.conn, target)
}

// splice copies bytes both ways between the client and target
// connections, propagating half-closes, until both directions finish.
// clientR may buffer bytes read past the CONNECT request head.
func splice(clientR io.Reader, client, target net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, _ = io.Copy(target, clientR)
		closeWrite(target)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(client, target)
		closeWrite(client)
	}()

	wg.Wait()
}

func closeWrite(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
		return
	}
	_ = conn.Close()
}

package agent

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/zarehd26/ship-proxy-system/internal/agent/socks5"
	"github.com/zarehd26/ship-proxy-system/internal/protocol"
)

// serveSocks runs the optional SOCKS5 front end. Each negotiated
// CONNECT becomes a tunnel entry on the same dispatcher queue as the
// HTTP front end, so SOCKS sessions obey the same one-at-a-time
// discipline on the link.
func serveSocks(ctx context.Context, ln net.Listener, disp *Dispatcher, logger *slog.Logger) {
	defer ln.Close() //nolint:errcheck // best-effort cleanup
	logger.Info("socks5 listening", "bind", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close() //nolint:errcheck // best-effort cleanup
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("socks5 accept failed", "error", err)
			continue
		}
		go handleSocksClient(ctx, conn, disp, logger)
	}
}

// handleSocksClient negotiates one SOCKS5 CONNECT and enqueues it.
func handleSocksClient(ctx context.Context, conn net.Conn, disp *Dispatcher, logger *slog.Logger) {
	_ = conn.SetReadDeadline(time.Now().Add(readHeaderTimeout))
	br := bufio.NewReader(conn)
	target, err := socks5.Handshake(br2rw{br, conn})
	if err != nil {
		logger.Debug("socks5 handshake failed", "error", err)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	disp.enqueue(ctx, &entry{
		conn:     conn,
		br:       br,
		env:      &protocol.RequestEnvelope{Method: http.MethodConnect, URL: target},
		tunnel:   true,
		socks:    true,
		enqueued: time.Now(),
	})
}

// br2rw reads through the buffered reader but writes straight to the
// connection, so no client bytes are lost between the handshake and the
// tunnel pump.
type br2rw struct {
	br   *bufio.Reader
	conn net.Conn
}

func (b br2rw) Read(p []byte) (int, error)  { return b.br.Read(p) }
func (b br2rw) Write(p []byte) (int, error) { return b.conn.Write(p) }

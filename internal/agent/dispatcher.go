package agent

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/zarehd26/ship-proxy-system/internal/agent/socks5"
	"github.com/zarehd26/ship-proxy-system/internal/metrics"
	"github.com/zarehd26/ship-proxy-system/internal/protocol"
)

// CONNECT handling modes.
const (
	ModeRelay  = "relay"  // tunnel rides the managed relay connection
	ModeDirect = "direct" // agent dials the target itself
)

const (
	// responseTimeout bounds the wait for the relay's answer to one
	// dispatched request.
	responseTimeout = 20 * time.Second

	queueCapacity = 1024
)

// entry is one queued proxy request together with the local client
// connection the answer must be written back to. It is created when the
// client request arrives and discarded once answered, timed out, or the
// client connection proves dead.
type entry struct {
	conn     net.Conn
	br       *bufio.Reader // carries bytes the client sent past the request head
	env      *protocol.RequestEnvelope
	tunnel   bool
	socks    bool // tunnel entry from the SOCKS5 front end
	enqueued time.Time
}

// greet confirms an established tunnel to the local client in whichever
// dialect it speaks.
func (e *entry) greet() error {
	if e.socks {
		return socks5.Reply(e.conn, socks5.RepSuccess)
	}
	_, err := e.conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	return err
}

// refuse answers the local client with a failure in its own dialect.
func (e *entry) refuse(status int, msg string) {
	if e.socks {
		_ = socks5.Reply(e.conn, socks5.RepHostUnreachable)
		return
	}
	sendError(e.conn, status, msg)
}

// Dispatcher owns the FIFO queue of proxy requests and sends them over
// the managed link strictly one at a time. That single-in-flight
// discipline is what lets responses be matched positionally: the next
// inbound response frame always belongs to the current head of the
// queue. A response owed to a request that timed out is counted as stale
// and discarded before matching resumes.
type Dispatcher struct {
	link    *Link
	mode    string
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue chan *entry

	// Owned by the Run goroutine.
	stale    int      // responses to discard before the next match
	lastSess *session // stale counter resets when the session changes
}

func newDispatcher(link *Link, mode string, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if timeout <= 0 {
		timeout = responseTimeout
	}
	return &Dispatcher{
		link:    link,
		mode:    mode,
		timeout: timeout,
		logger:  logger,
		metrics: m,
		queue:   make(chan *entry, queueCapacity),
	}
}

// enqueue adds an entry in arrival order. It blocks when the queue is
// full, back-pressuring the accepting goroutine.
func (d *Dispatcher) enqueue(ctx context.Context, e *entry) {
	select {
	case d.queue <- e:
		d.metrics.SetQueueDepth(len(d.queue))
	case <-ctx.Done():
		sendError(e.conn, http.StatusServiceUnavailable, "proxy shutting down")
		_ = e.conn.Close()
	}
}

// Run processes queue entries until the context is cancelled. It is the
// sole consumer of the link's frame channel; frames arriving while no
// request is awaited are unsolicited and dropped here.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-d.queue:
			d.metrics.SetQueueDepth(len(d.queue))
			d.process(ctx, e)
		case fr := <-d.link.Frames():
			d.unsolicited(fr)
		}
	}
}

// unsolicited handles a frame received while the queue head is idle.
func (d *Dispatcher) unsolicited(fr protocol.Frame) {
	if fr.Type == protocol.TypeResponse && d.stale > 0 {
		d.stale--
		d.logger.Debug("discarded stale response")
		return
	}
	d.logger.Debug("dropped unsolicited frame", "type", fr.Type)
}

// process drives one entry to a terminal state. Every path answers the
// local client and closes its connection; the queue then advances.
func (d *Dispatcher) process(ctx context.Context, e *entry) {
	defer e.conn.Close()
	start := time.Now()
	d.metrics.ObserveQueueWait(start.Sub(e.enqueued).Seconds())

	if e.tunnel && d.mode == ModeDirect {
		d.metrics.TunnelSession(ModeDirect)
		directTunnel(ctx, e, d.logger)
		d.metrics.RequestDone(metrics.SideAgent, "tunnel", time.Since(start).Seconds())
		return
	}

	sess, err := d.link.Session(ctx)
	if err != nil {
		d.fail(e, http.StatusBadGateway, "relay link unavailable", metrics.ReasonDialFailed, start)
		return
	}
	if sess != d.lastSess {
		// Fresh connection: the relay's side of any abandoned exchange
		// died with the old one.
		d.stale = 0
		d.lastSess = sess
	}

	if err := d.link.WriteFrame(ctx, sess, protocol.TypeRequest, e.env.Marshal()); err != nil {
		d.logger.Warn("send request failed", "error", err)
		d.fail(e, http.StatusBadGateway, "relay link lost", metrics.ReasonLinkDown, start)
		return
	}

	env, ok := d.await(ctx, sess, e, start)
	if !ok {
		return
	}

	if e.tunnel {
		if env.StatusCode != http.StatusOK {
			d.fail(e, http.StatusBadGateway, string(env.Body), metrics.ReasonOutboundFailed, start)
			return
		}
		if err := e.greet(); err != nil {
			// Client gone; tell the relay to drop its target connection.
			_ = d.link.WriteFrame(ctx, sess, protocol.TypeTunnelClose, nil)
			d.metrics.RequestFailed(metrics.SideAgent, metrics.ReasonClientGone)
			return
		}
		d.metrics.TunnelSession(ModeRelay)
		d.runTunnel(ctx, sess, e)
		d.metrics.RequestDone(metrics.SideAgent, "tunnel", time.Since(start).Seconds())
		return
	}

	if err := writeResponse(e.conn, env); err != nil {
		d.metrics.RequestFailed(metrics.SideAgent, metrics.ReasonClientGone)
		d.metrics.RequestDone(metrics.SideAgent, "error", time.Since(start).Seconds())
		return
	}
	d.metrics.RequestDone(metrics.SideAgent, "success", time.Since(start).Seconds())
}

// await blocks until the relay's response for the in-flight request
// arrives, the session dies, or the response timeout fires. When it
// returns ok=false the client has already been answered.
func (d *Dispatcher) await(ctx context.Context, sess *session, e *entry, start time.Time) (*protocol.ResponseEnvelope, bool) {
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	for {
		select {
		case fr := <-d.link.Frames():
			if fr.Type != protocol.TypeResponse {
				// Stray tunnel frames outside a session carry nothing
				// for us.
				continue
			}
			if d.stale > 0 {
				d.stale--
				d.logger.Debug("discarded stale response")
				continue
			}
			env, err := protocol.DecodeResponse(fr.Payload)
			if err != nil {
				d.logger.Warn("malformed response envelope", "error", err)
				d.fail(e, http.StatusBadGateway, "malformed relay response", metrics.ReasonBadEnvelope, start)
				return nil, false
			}
			return env, true
		case <-sess.Done():
			// The response, if the relay ever sent one, was lost with
			// the connection. Hard failure; no resend.
			d.fail(e, http.StatusBadGateway, "relay link lost", metrics.ReasonLinkDown, start)
			return nil, false
		case <-timer.C:
			// The relay may still answer this request later; that
			// answer must not be matched to the next head-of-queue.
			d.stale++
			d.fail(e, http.StatusGatewayTimeout, "relay response timeout", metrics.ReasonTimeout, start)
			return nil, false
		case <-ctx.Done():
			d.fail(e, http.StatusServiceUnavailable, "proxy shutting down", metrics.ReasonLinkDown, start)
			return nil, false
		}
	}
}

// runTunnel splices an established CONNECT session between the local
// client and the managed link: client bytes become tunnel-data frames,
// inbound tunnel-data frames are written to the client, and a tunnel
// close from either side tears the session down. The in-flight slot is
// held for the tunnel's lifetime.
func (d *Dispatcher) runTunnel(ctx context.Context, sess *session, e *entry) {
	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		buf := make([]byte, 32*1024)
		for {
			n, err := e.br.Read(buf)
			if n > 0 {
				if werr := d.link.WriteFrame(ctx, sess, protocol.TypeTunnelData, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				_ = d.link.WriteFrame(ctx, sess, protocol.TypeTunnelClose, nil)
				return
			}
		}
	}()

	defer func() {
		_ = e.conn.Close() // unblocks the client pump
		<-clientDone
	}()

	for {
		select {
		case fr := <-d.link.Frames():
			switch fr.Type {
			case protocol.TypeTunnelData:
				if _, err := e.conn.Write(fr.Payload); err != nil {
					return
				}
			case protocol.TypeTunnelClose:
				return
			}
		case <-sess.Done():
			return
		case <-clientDone:
			return
		case <-ctx.Done():
			return
		}
	}
}

// fail answers the client with a synthetic error and records it.
func (d *Dispatcher) fail(e *entry, status int, msg, reason string, start time.Time) {
	e.refuse(status, msg)
	d.metrics.RequestFailed(metrics.SideAgent, reason)
	d.metrics.RequestDone(metrics.SideAgent, "error", time.Since(start).Seconds())
}

// writeResponse renders a response envelope back to the local client as
// an HTTP/1.1 response. The body is complete, so Content-Length is
// rewritten and the connection closed afterwards.
func writeResponse(conn net.Conn, env *protocol.ResponseEnvelope) error {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", env.StatusCode, http.StatusText(env.StatusCode))

	names := make([]string, 0, len(env.Headers))
	for name := range env.Headers {
		switch strings.ToLower(name) {
		case "content-length", "transfer-encoding", "connection":
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %s\r\n", name, env.Headers[name])
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\nConnection: close\r\n\r\n", len(env.Body))

	if _, err := conn.Write([]byte(b.String())); err != nil {
		return err
	}
	if len(env.Body) > 0 {
		if _, err := conn.Write(env.Body); err != nil {
			return err
		}
	}
	return nil
}

// sendError writes a synthetic HTTP error response to the client.
func sendError(conn net.Conn, status int, message string) {
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(message), message)
	_, _ = conn.Write([]byte(resp))
}

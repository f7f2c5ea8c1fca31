// Package agent implements the local side of shipproxy: a standard HTTP
// proxy listener whose requests are serialized, one at a time, onto the
// single managed connection to the relay.
package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/zarehd26/ship-proxy-system/internal/metrics"
	"github.com/zarehd26/ship-proxy-system/internal/protocol"
)

const (
	// retryInterval is the fixed delay between reconnect attempts. The
	// link retries indefinitely at this interval; there is no growth and
	// no retry cap.
	retryInterval = 5 * time.Second

	dialTimeout = 5 * time.Second
)

// session is one live connection to the relay. Done() is closed when the
// read loop exits; after that the session is dead and a new one must be
// obtained from the Link.
type session struct {
	conn net.Conn
	done chan struct{}
}

// Done returns a channel closed when the session's connection is lost.
func (s *session) Done() <-chan struct{} { return s.done }

// Link owns the single transport connection from the agent to the relay.
// It is the only component that creates or destroys that connection. On
// failure it arms exactly one reconnect timer at the fixed interval; a
// successful connect cancels any pending timer.
//
// Decoded inbound frames from every successive session are delivered on
// one persistent channel (Frames); the dispatcher is its sole consumer.
type Link struct {
	addr    string
	useTLS  bool
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter // nil = no outbound byte-rate cap
	frames  chan protocol.Frame

	mu      sync.Mutex
	sess    *session
	retry   *time.Timer // pending reconnect; nil when none
	backoff *backoff.Backoff
	closed  bool
	stop    chan struct{}

	writeMu sync.Mutex
}

// LinkConfig holds parameters for the managed relay link.
type LinkConfig struct {
	Addr          string
	UseTLS        bool // TLS with server verification disabled (self-signed relay)
	Rate          int  // outbound bytes/sec on the metered link; 0 = unlimited
	RetryInterval time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// NewLink creates a Link. No connection is made until Session is called
// or a reconnect timer fires.
func NewLink(cfg LinkConfig) *Link {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = retryInterval
	}
	var limiter *rate.Limiter
	if cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Rate)
	}
	return &Link{
		addr:    cfg.Addr,
		useTLS:  cfg.UseTLS,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		limiter: limiter,
		frames:  make(chan protocol.Frame),
		// Min == Max keeps the interval fixed: no growth, no cap to hit.
		backoff: &backoff.Backoff{Min: cfg.RetryInterval, Max: cfg.RetryInterval, Factor: 1},
		stop:    make(chan struct{}),
	}
}

// Frames returns the channel carrying every decoded inbound frame. The
// channel is never closed; it spans reconnects.
func (l *Link) Frames() <-chan protocol.Frame { return l.frames }

// Session returns the live session, dialing a new connection if none
// exists. A caller arriving while another dial is in progress waits for
// that dial's outcome. On failure the reconnect timer is armed and the
// error is returned so the caller can answer its client immediately.
func (l *Link) Session(ctx context.Context) (*session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, fmt.Errorf("link closed")
	}
	if l.sess != nil {
		return l.sess, nil
	}
	return l.connectLocked(ctx)
}

// connectLocked dials the relay with l.mu held. On success it cancels any
// pending reconnect timer and starts the session read loop.
func (l *Link) connectLocked(ctx context.Context) (*session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := l.dial(dialCtx)
	if err != nil {
		l.logger.Warn("relay dial failed", "addr", l.addr, "error", err)
		l.scheduleRetryLocked()
		return nil, fmt.Errorf("dial relay %s: %w", l.addr, err)
	}

	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	l.backoff.Reset()

	s := &session{conn: conn, done: make(chan struct{})}
	l.sess = s
	l.metrics.SetLinkConnected(true)
	l.logger.Info("relay link established", "addr", conn.RemoteAddr())

	go l.readLoop(s)
	return s, nil
}

func (l *Link) dial(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{}
	if !l.useTLS {
		return d.DialContext(ctx, "tcp", l.addr)
	}
	td := &tls.Dialer{
		NetDialer: d,
		// The relay presents a self-signed certificate; the link is
		// still encrypted. InsecureSkipVerify tolerates it.
		Config: &tls.Config{InsecureSkipVerify: true},
	}
	return td.DialContext(ctx, "tcp", l.addr)
}

// readLoop decodes frames off one session until the connection dies,
// then marks the session dead and arms the reconnect timer.
func (l *Link) readLoop(s *session) {
	dec := protocol.NewDecoder(s.conn)
	for {
		fr, err := dec.Next()
		if err != nil {
			l.logger.Warn("relay link lost", "error", err)
			l.dropSession(s)
			return
		}
		l.metrics.AddLinkBytes("received", int64(len(fr.Payload))+protocol.HeaderSize)

		if !fr.Known() {
			// A newer relay revision; skip rather than desync.
			l.logger.Debug("skipping unknown frame", "type", fr.Type)
			continue
		}

		select {
		case l.frames <- fr:
		case <-l.stop:
			l.dropSession(s)
			return
		}
	}
}

// dropSession tears down s if it is still the active session and arms
// the reconnect timer.
func (l *Link) dropSession(s *session) {
	_ = s.conn.Close()
	close(s.done)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sess == s {
		l.sess = nil
		l.metrics.SetLinkConnected(false)
		if !l.closed {
			l.scheduleRetryLocked()
		}
	}
}

// scheduleRetryLocked arms the single reconnect timer if none is pending.
func (l *Link) scheduleRetryLocked() {
	if l.retry != nil {
		return
	}
	delay := l.backoff.Duration() // fixed interval: Min == Max
	l.retry = time.AfterFunc(delay, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.retry = nil
		if l.closed || l.sess != nil {
			return
		}
		l.metrics.IncrReconnects()
		l.logger.Info("reconnecting to relay", "addr", l.addr)
		_, _ = l.connectLocked(context.Background())
	})
}

// WriteFrame sends one frame on the session's connection, applying the
// metered-link rate cap when configured. Safe for the dispatcher and a
// tunnel pump to call concurrently.
func (l *Link) WriteFrame(ctx context.Context, s *session, typ uint8, payload []byte) error {
	buf := protocol.EncodeFrame(typ, payload)
	if l.limiter != nil {
		if err := l.waitQuota(ctx, len(buf)); err != nil {
			return err
		}
	}
	l.writeMu.Lock()
	_, err := s.conn.Write(buf)
	l.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	l.metrics.AddLinkBytes("sent", int64(len(buf)))
	return nil
}

// waitQuota reserves n bytes of link budget, in burst-sized slices for
// frames larger than one second of quota.
func (l *Link) waitQuota(ctx context.Context, n int) error {
	burst := l.limiter.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := l.limiter.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// Close shuts the link down: the active connection is closed and no
// further reconnects are attempted.
func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.stop)
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	s := l.sess
	l.mu.Unlock()
	if s != nil {
		_ = s.conn.Close()
	}
}

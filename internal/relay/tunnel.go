package relay

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/zarehd26/ship-proxy-system/internal/metrics"
	"github.com/zarehd26/ship-proxy-system/internal/protocol"
)

// tunnelDialTimeout bounds the dial to a CONNECT target.
const tunnelDialTimeout = 10 * time.Second

// handleConnect serves a CONNECT envelope: dial the target, acknowledge
// with a type-1 frame either way, and on success pump the tunnel until
// one side closes. The in-flight slot is held for the whole tunnel
// lifetime, so a CONNECT session serializes exactly like one HTTP call.
//
// If the agent gives up on the tunnel and dispatches its next request,
// that request frame is returned so the serve loop can handle it.
func (s *session) handleConnect(ctx context.Context, env *protocol.RequestEnvelope, start time.Time) *protocol.Frame {
	dialer := &net.Dialer{Timeout: tunnelDialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, tunnelDialTimeout)
	defer cancel()

	target, err := dialer.DialContext(dialCtx, "tcp", env.URL)
	if err != nil {
		s.logger.Warn("tunnel dial failed", "target", env.URL, "error", err)
		s.metrics.RequestFailed(metrics.SideRelay, metrics.ReasonOutboundFailed)
		s.respond(&protocol.ResponseEnvelope{
			StatusCode: http.StatusBadGateway,
			Body:       []byte(err.Error()),
		})
		return nil
	}

	s.respond(&protocol.ResponseEnvelope{
		StatusCode: http.StatusOK,
		Body:       []byte("connection established"),
	})
	s.logger.Debug("tunnel established", "target", env.URL)
	s.metrics.TunnelSession("relay")

	pending := s.runTunnel(target, env.URL)
	s.metrics.RequestDone(metrics.SideRelay, "tunnel", time.Since(start).Seconds())
	return pending
}

// runTunnel splices the target connection with the framed link: target
// bytes become tunnel-data frames, inbound tunnel-data frames are
// written to the target, and a tunnel-close frame or the target's close
// releases the slot.
func (s *session) runTunnel(target net.Conn, name string) *protocol.Frame {
	targetDone := make(chan struct{})
	go func() {
		defer close(targetDone)
		buf := make([]byte, 32*1024)
		for {
			n, err := target.Read(buf)
			if n > 0 {
				if werr := s.writeFrame(protocol.TypeTunnelData, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				// Target finished; tell the agent the session is over.
				_ = s.writeFrame(protocol.TypeTunnelClose, nil)
				return
			}
		}
	}()

	defer func() {
		_ = target.Close() // unblocks the target pump
		<-targetDone
	}()

	for {
		fr, err := s.dec.Next()
		if err != nil {
			return nil // agent connection lost; session ends
		}
		switch fr.Type {
		case protocol.TypeTunnelData:
			if _, err := target.Write(fr.Payload); err != nil {
				s.logger.Debug("tunnel target write failed", "target", name, "error", err)
				return nil
			}
		case protocol.TypeTunnelClose:
			return nil
		case protocol.TypeRequest:
			// The agent abandoned this tunnel (timeout on its side) and
			// moved on; surface its next request to the serve loop.
			s.logger.Debug("tunnel preempted by request", "target", name)
			return &fr
		default:
			s.logger.Debug("skipping frame in tunnel", "type", fr.Type)
		}
	}
}

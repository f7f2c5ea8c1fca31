package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zarehd26/ship-proxy-system/internal/metrics"
	"github.com/zarehd26/ship-proxy-system/internal/protocol"
)

// newOutboundClient builds the HTTP client used for real outbound
// calls. Redirects are not followed; the agent's client sees them and
// decides. The URL scheme selects plain or TLS transport.
func newOutboundClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
			DisableCompression:  true, // the originating client negotiates encoding
		},
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// execute performs the real outbound call for a request envelope and
// always produces a response envelope: outbound failures (DNS, refused
// connections, TLS) become a synthetic 502 carrying the failure reason,
// never a raw fault.
func (s *session) execute(ctx context.Context, env *protocol.RequestEnvelope) *protocol.ResponseEnvelope {
	target := targetURL(env)

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, env.Method, target, bytes.NewReader(env.Body))
	if err != nil {
		s.metrics.RequestFailed(metrics.SideRelay, metrics.ReasonBadEnvelope)
		return badGateway(err)
	}
	for name, value := range env.Headers {
		if isHopByHop(name) {
			continue
		}
		switch http.CanonicalHeaderKey(name) {
		case "Host":
			req.Host = value
		case "Content-Length":
			// recomputed from the decoded body
		default:
			req.Header.Set(name, value)
		}
	}
	req.ContentLength = int64(len(env.Body))

	s.logger.Debug("outbound request", "method", env.Method, "url", target)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("outbound request failed", "url", target, "error", err)
		s.metrics.RequestFailed(metrics.SideRelay, metrics.ReasonOutboundFailed)
		return badGateway(err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.logger.Warn("outbound body read failed", "url", target, "error", err)
		s.metrics.RequestFailed(metrics.SideRelay, metrics.ReasonOutboundFailed)
		return badGateway(err)
	}

	headers := make(map[string]string, len(resp.Header))
	for name, values := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		headers[name] = strings.Join(values, ", ")
	}

	return &protocol.ResponseEnvelope{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
	}
}

// targetURL reconstructs the fully-qualified URL for an envelope. When
// the url field carries no scheme, http:// is assumed, with the
// envelope's Host header supplying the authority for path-only urls.
func targetURL(env *protocol.RequestEnvelope) string {
	if strings.Contains(env.URL, "://") {
		return env.URL
	}
	if strings.HasPrefix(env.URL, "/") {
		return "http://" + hostHeader(env) + env.URL
	}
	return "http://" + env.URL
}

// hostHeader finds the Host header with the casing the client used.
func hostHeader(env *protocol.RequestEnvelope) string {
	for name, value := range env.Headers {
		if strings.EqualFold(name, "Host") {
			return value
		}
	}
	return ""
}

func badGateway(err error) *protocol.ResponseEnvelope {
	return &protocol.ResponseEnvelope{
		StatusCode: http.StatusBadGateway,
		Body:       []byte(err.Error()),
	}
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

//go:build e2e

package e2e

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/zarehd26/ship-proxy-system/internal/agent"
	"github.com/zarehd26/ship-proxy-system/internal/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stack is a full in-process deployment: relay, agent, and an HTTP
// client already pointed at the agent's proxy endpoint.
type stack struct {
	proxyAddr string
	relayAddr string
	client    *http.Client
}

type stackOption func(*agent.Config)

func withConnectMode(mode string) stackOption {
	return func(cfg *agent.Config) { cfg.ConnectMode = mode }
}

// startStack brings up a relay and an agent on ephemeral ports and
// waits for the proxy to be dialable.
func startStack(t *testing.T, opts ...stackOption) *stack {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	relayLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("relay listen: %v", err)
	}
	go relay.Serve(ctx, relayLn, relay.Config{Logger: testLogger()}) //nolint:errcheck // exits on cancel

	agentLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("agent listen: %v", err)
	}
	cfg := agent.Config{
		RelayAddr:     relayLn.Addr().String(),
		RetryInterval: 100 * time.Millisecond,
		Logger:        testLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	go agent.Serve(ctx, agentLn, cfg) //nolint:errcheck // exits on cancel

	proxyURL := &url.URL{Scheme: "http", Host: agentLn.Addr().String()}
	return &stack{
		proxyAddr: agentLn.Addr().String(),
		relayAddr: relayLn.Addr().String(),
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:             http.ProxyURL(proxyURL),
				DisableKeepAlives: true, // the agent answers with Connection: close
			},
			Timeout: 30 * time.Second,
		},
	}
}

// get fetches a URL through the proxy and returns status and body.
func (s *stack) get(t *testing.T, rawURL string) (int, string) {
	t.Helper()
	resp, err := s.client.Get(rawURL)
	if err != nil {
		t.Fatalf("GET %s: %v", rawURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

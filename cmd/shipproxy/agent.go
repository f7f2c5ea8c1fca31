package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/zarehd26/ship-proxy-system/internal/agent"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the local agent (metered-site side)",
		Long: `Expose a standard HTTP proxy to local clients and serialize every
request onto the single managed connection to the relay.`,
		Args: cobra.NoArgs,
		RunE: runAgent,
	}

	cmd.Flags().StringP("listen", "l", ":8080", "local proxy listen address")
	cmd.Flags().String("socks-listen", "", "optional SOCKS5 listen address (disabled when empty)")
	cmd.Flags().String("relay-addr", "", "relay host:port to maintain the managed connection to")
	cmd.Flags().Bool("tls", false, "connect to the relay over TLS (self-signed certificates accepted)")
	cmd.Flags().String("connect-mode", "", "CONNECT handling: relay (tunnel over the managed connection) or direct")
	cmd.Flags().Int("link-rate", 0, "outbound bytes/sec cap on the managed link (0 = unlimited)")
	cmd.Flags().Duration("response-timeout", 20*time.Second, "how long to wait for the relay's answer to one request")

	return cmd
}

func runAgent(cmd *cobra.Command, args []string) error {
	relayAddr := resolveString(cmd, "relay-addr", "SHIPPROXY_RELAY_ADDR")
	if relayAddr == "" {
		return fmt.Errorf("relay address is required: use --relay-addr or set SHIPPROXY_RELAY_ADDR")
	}

	listen, _ := cmd.Flags().GetString("listen")
	if env := os.Getenv("SHIPPROXY_LISTEN"); env != "" && !cmd.Flags().Changed("listen") {
		listen = env
	}

	mode := resolveString(cmd, "connect-mode", "SHIPPROXY_CONNECT_MODE")
	if mode == "" {
		mode = agent.ModeRelay
	}

	linkRate, _ := cmd.Flags().GetInt("link-rate")
	if env := os.Getenv("SHIPPROXY_LINK_RATE"); env != "" && !cmd.Flags().Changed("link-rate") {
		n, err := strconv.Atoi(env)
		if err != nil {
			return fmt.Errorf("invalid SHIPPROXY_LINK_RATE %q: %w", env, err)
		}
		linkRate = n
	}

	responseTimeout, _ := cmd.Flags().GetDuration("response-timeout")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := agent.Config{
		ListenAddr:      listen,
		SocksListenAddr: resolveString(cmd, "socks-listen", "SHIPPROXY_SOCKS_LISTEN"),
		RelayAddr:       relayAddr,
		UseTLS:          resolveBool(cmd, "tls", "SHIPPROXY_TLS"),
		ConnectMode:     mode,
		LinkRate:        linkRate,
		ResponseTimeout: responseTimeout,
		Logger:          logger,
	}
	var err error
	if cfg.Metrics, err = resolveMetrics(ctx, cmd, logger); err != nil {
		return err
	}

	return agent.ListenAndServe(ctx, cfg)
}

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/zarehd26/ship-proxy-system/internal/relay"
)

func relayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay (internet side)",
		Long: `Accept the single agent connection, execute the real outbound HTTP(S)
calls and CONNECT tunnels, and frame the results back.`,
		Args: cobra.NoArgs,
		RunE: runRelay,
	}

	cmd.Flags().StringP("listen", "l", ":9090", "relay listen address")
	cmd.Flags().Bool("tls", false, "serve the agent connection over TLS")
	cmd.Flags().String("tls-cert", "", "path to the TLS certificate")
	cmd.Flags().String("tls-key", "", "path to the TLS private key")
	cmd.Flags().Duration("request-timeout", 15*time.Second, "bound on one outbound HTTP call")

	return cmd
}

func runRelay(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	if env := os.Getenv("SHIPPROXY_RELAY_LISTEN"); env != "" && !cmd.Flags().Changed("listen") {
		listen = env
	}

	var tlsConf *tls.Config
	if resolveBool(cmd, "tls", "SHIPPROXY_TLS") {
		certPath := resolveString(cmd, "tls-cert", "SHIPPROXY_TLS_CERT")
		keyPath := resolveString(cmd, "tls-key", "SHIPPROXY_TLS_KEY")
		if certPath == "" || keyPath == "" {
			return fmt.Errorf("TLS requires --tls-cert and --tls-key (or SHIPPROXY_TLS_CERT/SHIPPROXY_TLS_KEY)")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	requestTimeout, _ := cmd.Flags().GetDuration("request-timeout")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := relay.Config{
		ListenAddr:     listen,
		TLSConfig:      tlsConf,
		RequestTimeout: requestTimeout,
		Logger:         logger,
	}
	var err error
	if cfg.Metrics, err = resolveMetrics(ctx, cmd, logger); err != nil {
		return err
	}

	return relay.ListenAndServe(ctx, cfg)
}

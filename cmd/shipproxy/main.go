package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/spf13/cobra"
	"github.com/zarehd26/ship-proxy-system/internal/metrics"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "shipproxy",
		Short:        "Single-connection HTTP proxy for metered links",
		Long:         "Serialize all HTTP/HTTPS proxy traffic from a metered site onto one persistent connection to a remote relay.",
		SilenceUsage: true,
	}

	// Global flags.
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9100); disabled if empty")

	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// resolveString returns the flag's value, falling back to the
// environment variable when the flag was left empty. All configuration
// is read once at startup through these helpers.
func resolveString(cmd *cobra.Command, flag, envVar string) string {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v
	}
	return os.Getenv(envVar)
}

// resolveBool returns true when either the flag or the environment
// variable ("1" or "true") enables the option.
func resolveBool(cmd *cobra.Command, flag, envVar string) bool {
	if v, _ := cmd.Flags().GetBool(flag); v {
		return true
	}
	switch strings.ToLower(os.Getenv(envVar)) {
	case "1", "true":
		return true
	}
	return false
}

// resolveMetrics creates a Metrics instance and starts the HTTP server
// if --metrics-addr or SHIPPROXY_METRICS_ADDR is set. Returns nil if
// metrics are disabled. The provided context controls the server's
// lifetime — when cancelled the server shuts down gracefully.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr := resolveString(cmd, "metrics-addr", "SHIPPROXY_METRICS_ADDR")
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}

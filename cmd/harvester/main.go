// CLAUDE:SUMMARY Entry point of the harvester: cobra commands serve, frequency, enqueue, import, hash-password.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/harvest/config"
)

var (
	configPath string

	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "harvester",
	Short: "Adaptive market-data harvesting pipeline",
	Long: `harvester schedules per-instrument harvesting at a cadence derived from
asset class, liquidity, size, exchange and trading session, runs the tasks
through a durable priority queue, and stores the searched, fetched and
scored documents in SQLite.

Configuration is a YAML file (--config or HARVEST_CONFIG); environment
variables override paths, addresses and secrets.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		// MCP speaks on stdout; logs move to stderr so they never interleave.
		var out io.Writer = os.Stdout
		if cfg.MCP.Stdio || cmd.Name() != "serve" {
			out = os.Stderr
		}
		logger = newLogger(out, cfg.LogLevel)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", env("HARVEST_CONFIG", ""), "path to the YAML configuration")
	rootCmd.AddCommand(serveCmd, frequencyCmd, enqueueCmd, importCmd, hashPasswordCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "harvester:", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
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
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

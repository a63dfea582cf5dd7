package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stocklend/locatesvc/internal/config"
)

const (
	appName = "locatesvc"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	var cfgPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Short-sale locate fee pricing service",
		Version: version,
		Long: `locatesvc prices the fee a client pays to borrow shares for a short sale.

It resolves live borrow rates from securities-lending, volatility and event
feeds, adjusts them for risk, and serves fee quotes over an authenticated
HTTP API with a WebSocket rate stream. Pricing inputs are cached in a
two-layer (memory + Redis) cache and every quote is written to an audit
trail in Postgres.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config file (built-in defaults and env vars apply when omitted)")

	rootCmd.AddCommand(newServeCmd(&cfgPath))
	rootCmd.AddCommand(newAuditCmd(&cfgPath))
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s %s/%s)\n", appName, version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

// newLogger builds the process logger from config. Format "auto" picks
// human-readable console output when stderr is a terminal and JSON
// otherwise, so piped and containerized runs stay machine-parseable.
func newLogger(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	console := cfg.Format == "console"
	if cfg.Format == "auto" {
		console = term.IsTerminal(int(os.Stderr.Fd()))
	}

	var out = os.Stderr
	if console {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}).
			Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

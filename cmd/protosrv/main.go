// SPDX-License-Identifier: GPL-3.0-or-later

// Command protosrv runs the small network-protocol servers in this
// module: the LRCP line-reversal server and the UDP key-value store.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

// flags shared by all subcommands.
var (
	configPath string
	verbose    bool
)

// rootCmd is the protosrv command itself.
var rootCmd = &cobra.Command{
	Use:           "protosrv",
	Short:         "Small network protocol servers",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(
		&configPath, "config", "c", "", "path to the TOML configuration file")
	rootCmd.PersistentFlags().BoolVarP(
		&verbose, "verbose", "v", false, "emit structured logs on stderr")
}

// newLogger creates the logger for a server, which discards
// everything unless --verbose is given.
func newLogger() *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// signalContext returns a context canceled by SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

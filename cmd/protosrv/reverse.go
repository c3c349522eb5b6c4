// SPDX-License-Identifier: GPL-3.0-or-later

//
// The `reverse` subcommand.
//

package main

import (
	"errors"
	"net"
	"time"

	"github.com/rbmk-project/lrcp"
	"github.com/rbmk-project/lrcp/reverse"
	"github.com/spf13/cobra"
)

// reverseCmd serves the line-reversal application over LRCP.
var reverseCmd = &cobra.Command{
	Use:   "reverse",
	Short: "Serve the LRCP line-reversal application",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		conn, err := net.ListenPacket("udp", cfg.Reverse.Listen)
		if err != nil {
			return err
		}

		logger := newLogger()
		listener := lrcp.NewListener(conn, &lrcp.ListenConfig{
			Logger:             logger,
			RetransmitInterval: time.Duration(cfg.Reverse.RetransmitInterval),
			IdleTimeout:        time.Duration(cfg.Reverse.IdleTimeout),
			MaxRetransmits:     cfg.Reverse.MaxRetransmits,
			CloseLinger:        time.Duration(cfg.Reverse.CloseLinger),
		})

		ctx, cancel := signalContext()
		defer cancel()
		go func() {
			<-ctx.Done()
			listener.Close()
		}()

		srv := &reverse.Server{Logger: logger}
		defer srv.Close()
		err = srv.Serve(listener)
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(reverseCmd)
}

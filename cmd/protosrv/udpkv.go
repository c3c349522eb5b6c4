// SPDX-License-Identifier: GPL-3.0-or-later

//
// The `udpkv` subcommand.
//

package main

import (
	"errors"
	"net"

	"github.com/rbmk-project/lrcp/udpkv"
	"github.com/spf13/cobra"
)

// udpkvCmd serves the UDP key-value store.
var udpkvCmd = &cobra.Command{
	Use:   "udpkv",
	Short: "Serve the UDP key-value store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		conn, err := net.ListenPacket("udp", cfg.UDPKV.Listen)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()
		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		db := &udpkv.Store{
			Logger:  newLogger(),
			Version: cfg.UDPKV.Version,
		}
		err = db.Serve(conn)
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(udpkvCmd)
}

package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dzdidi/slashtags/slashtags"
	"github.com/spf13/cobra"
)

var listenDefaultAddrs = []string{
	"/ip4/0.0.0.0/udp/0/quic-v1",
	"/ip4/0.0.0.0/tcp/0",
}

func newListenCmd() *cobra.Command {
	var listenAddrs []string
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run the slashtag node and accept incoming connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			addrs := normalizeAddressList(listenAddrs)
			if len(addrs) == 0 {
				addrs = listenDefaultAddrs
			}
			st, err := slashtagFromCmd(cmd, addrs)
			if err != nil {
				return err
			}
			defer st.Close()

			st.OnConnection(func(_ *slashtags.Connection, info slashtags.PeerInfo) {
				if outputJSON {
					_ = writeJSON(cmd.OutOrStdout(), map[string]any{
						"event":      "connection",
						"peer_id":    info.PeerID.String(),
						"url":        info.Slashtag.URL(),
						"public_key": hex.EncodeToString(info.Slashtag.PublicKey()),
					})
					return
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "connection: peer_id=%s url=%s\n", info.PeerID.String(), info.Slashtag.URL())
			})

			if err := st.Listen(runCtx); err != nil {
				return err
			}

			if outputJSON {
				_ = writeJSON(cmd.OutOrStdout(), map[string]any{
					"status":    "ready",
					"url":       st.URL(),
					"addresses": st.AddrStrings(),
				})
			} else {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "status: ready\nurl: %s\n", st.URL())
				for _, addr := range st.AddrStrings() {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "address: %s\n", addr)
				}
			}

			<-runCtx.Done()
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&listenAddrs, "listen", nil, "Listen multiaddrs (repeatable)")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

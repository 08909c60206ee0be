package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

func newConnectCmd() *cobra.Command {
	var peerAddrs []string
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "connect <url>",
		Short: "Connect to a peer by its slash URL and replicate its drives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := slashtagFromCmd(cmd, nil)
			if err != nil {
				return err
			}
			defer st.Close()

			for _, addr := range normalizeAddressList(peerAddrs) {
				if err := st.AddPeerAddress(addr); err != nil {
					return err
				}
			}

			conn, err := st.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"status":     "connected",
					"peer_id":    conn.PeerID().String(),
					"url":        conn.Remote().URL(),
					"public_key": hex.EncodeToString(conn.RemotePublicKey()),
				})
			}
			_, _ = fmt.Fprintf(
				cmd.OutOrStdout(),
				"status: connected\npeer_id: %s\nurl: %s\npublic_key: %s\n",
				conn.PeerID().String(),
				conn.Remote().URL(),
				hex.EncodeToString(conn.RemotePublicKey()),
			)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&peerAddrs, "addr", nil, "Known dial multiaddr with /p2p/ component (repeatable)")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

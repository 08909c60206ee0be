package main

import (
	"encoding/hex"
	"fmt"

	"github.com/dzdidi/slashtags/slashtags"
	"github.com/spf13/cobra"
)

func newIDCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Show local slashtag identity, creating it on first use",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := stateDirFromCmd(cmd)
			kp, created, err := loadOrCreateKeyPair(dir)
			if err != nil {
				return err
			}
			url, err := slashtags.FormatURL(kp.PublicKey)
			if err != nil {
				return err
			}

			view := map[string]any{
				"created":    created,
				"url":        url,
				"public_key": hex.EncodeToString(kp.PublicKey),
				"dir":        dir,
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), view)
			}

			state := "existing"
			if created {
				state = "created"
			}
			_, _ = fmt.Fprintf(
				cmd.OutOrStdout(),
				"state: %s\nurl: %s\npublic_key: %s\ndir: %s\n",
				state,
				url,
				hex.EncodeToString(kp.PublicKey),
				dir,
			)
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

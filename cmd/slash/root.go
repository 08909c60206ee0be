package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slash",
		Short: "Standalone slashtags program",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := resolveLogLevel(cmd)
			return err
		},
	}
	cmd.PersistentFlags().String("dir", defaultSlashDir(), "Slashtags state directory")
	cmd.PersistentFlags().String("log-level", "info", "Log level: debug|info|warn|error")

	cmd.AddCommand(newIDCmd())
	cmd.AddCommand(newProfileCmd())
	cmd.AddCommand(newDriveCmd())
	cmd.AddCommand(newListenCmd())
	cmd.AddCommand(newConnectCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

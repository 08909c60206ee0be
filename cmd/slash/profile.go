package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Read or write the default drive profile",
	}
	cmd.AddCommand(newProfileGetCmd())
	cmd.AddCommand(newProfileSetCmd())
	return cmd
}

func newProfileGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print the local profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := localSlashtagFromCmd(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			profile, ok, err := st.GetProfile(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no profile set; run `slash profile set`")
			}
			return writeJSON(cmd.OutOrStdout(), profile)
		},
	}
	return cmd
}

func newProfileSetCmd() *cobra.Command {
	var fromFile string
	cmd := &cobra.Command{
		Use:   "set [json]",
		Short: "Write the local profile as JSON",
		Args:  cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			switch {
			case len(args) == 1 && fromFile != "":
				return fmt.Errorf("profile given as both positional argument and --file")
			case len(args) == 1:
				raw = []byte(args[0])
			case fromFile != "":
				data, err := readInputFile(fromFile)
				if err != nil {
					return err
				}
				raw = data
			default:
				return fmt.Errorf("profile JSON is required (positional argument or --file)")
			}

			var profile map[string]any
			if err := json.Unmarshal(raw, &profile); err != nil {
				return fmt.Errorf("invalid profile JSON: %w", err)
			}

			st, err := localSlashtagFromCmd(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.SetProfile(cmd.Context(), profile); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "profile: updated\nurl: %s\n", st.URL())
			return nil
		},
	}
	cmd.Flags().StringVar(&fromFile, "file", "", "Read profile JSON from file (- for stdin)")
	return cmd
}

package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

func newDriveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Read or write entries of a drive",
	}
	cmd.AddCommand(newDriveGetCmd())
	cmd.AddCommand(newDrivePutCmd())
	return cmd
}

func newDriveGetCmd() *cobra.Command {
	var driveName string
	var driveKey string
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Print the value stored at path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := resolveDriveOptions(driveName, driveKey)
			if err != nil {
				return err
			}
			st, err := localSlashtagFromCmd(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			d, err := st.Drive(cmd.Context(), opts)
			if err != nil {
				return err
			}
			value, ok, err := d.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no entry at %q in drive %s", args[0], hex.EncodeToString(d.Key()))
			}
			_, err = cmd.OutOrStdout().Write(value)
			return err
		},
	}
	cmd.Flags().StringVar(&driveName, "name", "", "Drive name (default drive when empty)")
	cmd.Flags().StringVar(&driveKey, "key", "", "Drive public key as hex (overrides --name)")
	return cmd
}

func newDrivePutCmd() *cobra.Command {
	var driveName string
	var fromFile string
	cmd := &cobra.Command{
		Use:   "put <path> [value]",
		Short: "Write a value at path",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value []byte
			switch {
			case len(args) == 2 && fromFile != "":
				return fmt.Errorf("value given as both positional argument and --file")
			case len(args) == 2:
				value = []byte(args[1])
			case fromFile != "":
				data, err := readInputFile(fromFile)
				if err != nil {
					return err
				}
				value = data
			default:
				return fmt.Errorf("value is required (positional argument or --file)")
			}

			opts, err := resolveDriveOptions(driveName, "")
			if err != nil {
				return err
			}
			st, err := localSlashtagFromCmd(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			d, err := st.Drive(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if err := d.Put(cmd.Context(), args[0], value); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "drive: %s\npath: %s\nbytes: %d\n", hex.EncodeToString(d.Key()), args[0], len(value))
			return nil
		},
	}
	cmd.Flags().StringVar(&driveName, "name", "", "Drive name (default drive when empty)")
	cmd.Flags().StringVar(&fromFile, "file", "", "Read value from file (- for stdin)")
	return cmd
}

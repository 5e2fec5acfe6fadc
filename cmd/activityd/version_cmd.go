package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/activityd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the activityd version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if short {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Current())
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), versionLine())
			return err
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version")
	return cmd
}

func versionLine() string {
	line := version.Module() + " " + version.Current()
	if supervisor != "" {
		line += " (pid1: " + supervisor + ")"
	}
	return line
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/protocol"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "vdchost %s (commit %s, built %s, protocol v%d)\n",
				version, commit, date, protocol.Version)
			return err
		},
	}
}

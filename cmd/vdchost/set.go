package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
)

func newSetCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "set DEVICE KEY VALUE",
		Short: "Set a device property on a running host",
		Long: `Set a device property on a running host.

VALUE is parsed as JSON; anything that is not valid JSON is sent as a string.`,
		Example: `  vdchost set 1f0e...00 brightness 42
  vdchost set 1f0e...00 on true`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := dsuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("device: %w", err)
			}

			client, ctx, cancel, err := flags.dial(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close() //nolint:errcheck // Best effort on exit

			change, err := client.SetProperty(ctx, device, args[1], parseValue(args[2]))
			if err != nil {
				return fmt.Errorf("setting %s: %w", args[1], err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %v -> %v\n",
				change.Device, change.Key, change.Previous, change.Value)
			return err
		},
	}

	flags.register(cmd)
	return cmd
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vdchost",
		Short: "digitalSTROM vDC host",
		Long: `vdchost hosts virtual device connectors (vDCs) for a digitalSTROM
installation and serves them to clients over the vDC session protocol.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "",
		"config file (default: $VDCHOST_CONFIG or "+defaultConfigPath+")")

	root.AddCommand(
		newServeCmd(),
		newVDCsCmd(),
		newSetCmd(),
		newMigrateCmd(),
		newVersionCmd(),
	)
	return root
}

// configPath resolves the configuration file: flag, then VDCHOST_CONFIG,
// then the default path.
func configPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil && f.Value.String() != "" {
		return f.Value.String()
	}
	if path := os.Getenv("VDCHOST_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

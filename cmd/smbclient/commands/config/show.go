package config

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/smbclient/internal/cli/output"
	"github.com/marmos91/smbclient/pkg/config"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	Long: `Display the configuration after defaults and environment overrides.

Prints YAML unless --output json is given.

Examples:
  smbclient config show
  SMBCLIENT_CLIENT_MAX_DIALECT=3.0 smbclient config show -o json`,
	RunE: runConfigShow,
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	flag, _ := cmd.Flags().GetString("output")
	format, err := output.ParseFormat(flag)
	if err != nil {
		return err
	}
	if format == output.FormatTable {
		format = output.FormatYAML
	}
	return output.Print(cmd.OutOrStdout(), format, cfg)
}

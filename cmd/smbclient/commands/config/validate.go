package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/smbclient/internal/cli/output"
	"github.com/marmos91/smbclient/internal/smb/types"
	"github.com/marmos91/smbclient/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the smbclient configuration file.

Checks for syntax errors, unknown dialects or ciphers, and inconsistent
settings such as required signing with signing disabled.

Examples:
  smbclient config validate
  smbclient config validate --config /etc/smbclient/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	var warnings []string
	if d, err := types.ParseDialect(cfg.Client.MinDialect); err == nil && d == types.DialectSMB1 {
		warnings = append(warnings, "SMB1 is enabled; it has no preauthentication integrity")
	}
	if !cfg.Client.SigningRequired && !cfg.Client.EncryptionEnabled {
		warnings = append(warnings, "neither signing nor encryption is required")
	}
	if cfg.Client.AllowGuestFallback {
		warnings = append(warnings, "guest fallback is allowed; guest sessions are unsigned")
	}

	w := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(w, "Configuration file: %s\n", configPath)
	_, _ = fmt.Fprintln(w, "Validation: OK")
	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(w, "\nWarnings:")
		for _, warning := range warnings {
			_, _ = fmt.Fprintf(w, "  - %s\n", warning)
		}
	}

	_, _ = fmt.Fprintln(w, "\nConfiguration summary:")
	output.KeyValues(w, [][2]string{
		{"Dialects", cfg.Client.MinDialect + " .. " + cfg.Client.MaxDialect},
		{"Port", fmt.Sprintf("%d (139 fallback: %t)", cfg.Client.Port, cfg.Client.Port139Fallback)},
		{"Max buffer", cfg.Client.MaxBufferSize.String()},
		{"DFS", fmt.Sprintf("disabled=%t ttl=%s max_hops=%d", cfg.DFS.Disabled, cfg.DFS.TTL, cfg.DFS.MaxHops)},
		{"Log level", cfg.Logging.Level},
	})
	return nil
}

// Package commands implements the smbclient CLI.
package commands

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/marmos91/smbclient/cmd/smbclient/commands/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile      string
	logLevel     string
	outputFormat string

	// credentials binds --user, --password and --domain to the
	// SMBCLIENT_USER, SMBCLIENT_PASSWORD and SMBCLIENT_DOMAIN variables.
	credentials = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "smbclient",
	Short: "SMB client transport and session engine",
	Long: `smbclient connects to SMB1, SMB2 and SMB3 servers, negotiates dialects,
signing and encryption, and follows DFS referrals.

Use "smbclient [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/smbclient/config.yaml)")
	flags.StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	flags.StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
	bindCredentialFlags(flags)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(negotiateCmd)
	rootCmd.AddCommand(echoCmd)
	rootCmd.AddCommand(dfsCmd)
	rootCmd.AddCommand(config.Cmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// bindCredentialFlags adds the credential flags to fs and binds them, with
// their environment variables, into credentials.
func bindCredentialFlags(fs *pflag.FlagSet) {
	fs.StringP("user", "U", "", "user name; empty for anonymous")
	fs.StringP("password", "P", "", "password")
	fs.StringP("domain", "W", "", "domain")

	credentials.SetEnvPrefix("SMBCLIENT")
	credentials.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	credentials.AutomaticEnv()
	fs.VisitAll(func(f *pflag.Flag) {
		switch f.Name {
		case "user", "password", "domain":
			_ = credentials.BindPFlag(f.Name, f)
		}
	})
}

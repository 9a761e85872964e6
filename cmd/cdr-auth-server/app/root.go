// Package app holds the cobra commands of cdr-auth-server.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X ...app.Version=..."
var Version = "dev"

// NewRootCmd returns the cdr-auth-server command tree
func NewRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "cdr-auth-server",
		Short: "FAPI 1.0 Advanced authorization server for the Consumer Data Right",
		Long: `cdr-auth-server is the authorization server of a CDR data holder.

It serves PAR, JARM, private_key_jwt client authentication, mTLS bound
tokens, dynamic client registration and arrangement revocation on a public
listener, and token introspection, holder initiated revocation and metrics on
an internal listener.

Configuration is read from a YAML file, CDR_AUTH_* environment variables and
flags, in increasing order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML configuration file")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("log-format", "json", "Log format: json or text")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		for key, flag := range map[string]string{
			"log.level":  "log-level",
			"log.format": "log-format",
		} {
			if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
				return fmt.Errorf("failed to bind %s flag: %w", flag, err)
			}
		}
		configFile, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}
		return initViper(v, configFile)
	}

	rootCmd.AddCommand(newServeCmd(v), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cdr-auth-server %s\n", Version)
		},
	}
}

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configPath is the path to the YAML configuration file, shared by every
// subcommand that needs to bring up a stack.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "netstackd",
	Short: "A user-space TCP/IP stack: serve, ping, and a placeholder FTP listener",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to configuration file (YAML); defaults are used if omitted")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(ftpServerCmd())
}

// Execute runs the root command and exits with code -1 on error, matching
// the stack's own network-init/bad-argument exit code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(-1)
	}
}

package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "lockbox",
	Short: "Lockbox is a password and passkey authentication service",
	Long: `Lockbox verifies passwords and passkeys and issues signed, encrypted
session tokens.

Configuration is read from LOCKBOX_* environment variables; flags override
the most common ones. Run "lockbox keygen" to create the required keys.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

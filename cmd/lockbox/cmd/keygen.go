package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/lockbox/config"
	"github.com/jmcleod/lockbox/internal/util"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a storage key and token secret",
	Long: `Prints fresh random keys as environment assignments. Changing the
storage key makes existing records unreadable; changing the token secret
invalidates every issued session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		storageKey, err := util.NewKeyHex()
		if err != nil {
			return err
		}
		tokenSecret, err := util.NewKeyHex()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%sSTORAGE_KEY=%s\n", config.Prefix, storageKey)
		fmt.Fprintf(out, "%sTOKEN_SECRET=%s\n", config.Prefix, tokenSecret)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}

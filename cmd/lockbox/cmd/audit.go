package cmd

import (
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jmcleod/lockbox/audit"
	"github.com/jmcleod/lockbox/config"
)

var auditCount int64

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log tools",
	Long:  `Commands for inspecting the audit records Lockbox writes.`,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the newest records from the Redis audit stream as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Parse()
		if err != nil {
			return err
		}
		if cfg.Audit.RedisAddr == "" {
			return errors.New(config.Prefix + "AUDIT_REDIS_ADDR is not set")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.Audit.RedisAddr})
		defer client.Close()

		recs, err := audit.ReadRecent(cmd.Context(), client, cfg.Audit.RedisStream, auditCount)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, rec := range recs {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditTailCmd.Flags().Int64VarP(&auditCount, "count", "n", 20, "Number of records to print")
}

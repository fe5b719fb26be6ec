package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/lockbox/account"
	"github.com/jmcleod/lockbox/internal/uuid"
	"github.com/jmcleod/lockbox/password"
)

var userFlags struct {
	username string
	password string
	legacy   bool
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user credentials",
	Long:  `Administrative commands operating directly on the credential store.`,
}

// withStore loads configuration, opens the store and runs fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store *account.RepositoryStore) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(cmd.ErrOrStderr())
	store, closeStore, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(cmd.Context(), store)
}

// newUserCredential builds the record for "user add". With legacy set the
// password is stored as a bcrypt hash that migrates on first login.
func newUserCredential(email, username, proof string, legacy bool, params password.Params, bcryptCost int, now time.Time) (*account.Credential, error) {
	email = account.NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid email %q", email)
	}
	if proof == "" {
		return nil, errors.New("--password is required")
	}
	if username == "" {
		username, _, _ = strings.Cut(email, "@")
	}
	c := &account.Credential{
		ID:        uuid.New(),
		Email:     email,
		Username:  username,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if legacy {
		h, err := password.LegacyHashFor(proof, bcryptCost)
		if err != nil {
			return nil, err
		}
		c.PasswordHash, c.PasswordHashVersion = h.Encoded(), h.Version()
		return c, nil
	}
	hasher, err := password.NewHasher(params)
	if err != nil {
		return nil, err
	}
	h, err := hasher.Hash(proof)
	if err != nil {
		return nil, err
	}
	c.PasswordHash, c.PasswordHashVersion = h.Encoded(), h.Version()
	return c, nil
}

var userAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Create a user with a password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		c, err := newUserCredential(args[0], userFlags.username, userFlags.password, userFlags.legacy,
			cfg.PasswordParams(), cfg.Password.BcryptCost, time.Now().UTC())
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, store *account.RepositoryStore) error {
			if err := store.Create(ctx, c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", c.Email, c.ID)
			return nil
		})
	},
}

func printUsers(w io.Writer, users []*account.Credential) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEMAIL\tUSERNAME\tPASSWORD\tPASSKEYS\tCREATED")
	for _, c := range users {
		hash := "none"
		switch {
		case c.PasswordHashVersion == account.HashVersionLegacy:
			hash = "legacy"
		case c.HasPassword():
			hash = "argon2id"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			c.ID, c.Email, c.Username, hash, len(c.Passkeys), c.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *account.RepositoryStore) error {
			users, err := store.List(ctx)
			if err != nil {
				return err
			}
			return printUsers(cmd.OutOrStdout(), users)
		})
	},
}

var userRevokeCmd = &cobra.Command{
	Use:   "revoke <email>",
	Short: "Invalidate every session of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *account.RepositoryStore) error {
			c, err := store.FindByEmail(ctx, args[0])
			if err != nil {
				return err
			}
			updated, err := store.Update(ctx, c.ID, func(cur *account.Credential) error {
				cur.TokenVersion++
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked sessions of %s (token version %d)\n", updated.Email, updated.TokenVersion)
			return nil
		})
	},
}

var userRemoveCmd = &cobra.Command{
	Use:   "remove <email>",
	Short: "Delete a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, store *account.RepositoryStore) error {
			c, err := store.FindByEmail(ctx, args[0])
			if err != nil {
				return err
			}
			if err := store.Delete(ctx, c.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", c.Email)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd, userListCmd, userRevokeCmd, userRemoveCmd)
	for _, c := range []*cobra.Command{userAddCmd, userListCmd, userRevokeCmd, userRemoveCmd} {
		addStorageFlags(c)
	}
	userAddCmd.Flags().StringVar(&userFlags.username, "username", "", "Display name (defaults to the email local part)")
	userAddCmd.Flags().StringVar(&userFlags.password, "password", "", "Initial password")
	userAddCmd.Flags().BoolVar(&userFlags.legacy, "legacy", false, "Store a bcrypt hash, as imported accounts have")
}

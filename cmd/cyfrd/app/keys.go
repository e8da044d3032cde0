// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cyfrworks/cyfr/pkg/authn"
	"github.com/cyfrworks/cyfr/pkg/config"
	"github.com/cyfrworks/cyfr/pkg/store"
)

// newKeysCmd manages API keys directly against the data directory. This is
// the bootstrap path: the first admin key has to come from somewhere before
// any client can call the key tool.
func newKeysCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
		Long: `Create, list, and revoke API keys directly against the server's database.
The server must not be running; use the key tool over MCP for a live server.`,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the config file (default: XDG config dir)")

	cmd.AddCommand(newKeysCreateCmd(&configPath))
	cmd.AddCommand(newKeysListCmd(&configPath))
	cmd.AddCommand(newKeysRevokeCmd(&configPath))
	return cmd
}

func openKeyManager(configPath string) (*authn.KeyManager, func(), error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(context.Background(), store.Options{Path: cfg.DBPath, PoolSize: cfg.DBPoolSize})
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	return authn.NewKeyManager(st), func() { _ = st.Close() }, nil
}

func newKeysCreateCmd(configPath *string) *cobra.Command {
	var (
		keyType string
		userID  string
		scope   string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			km, closeStore, err := openKeyManager(*configPath)
			if err != nil {
				return err
			}
			defer closeStore()

			record, raw, err := km.Create(cmd.Context(), authn.CreateKeyParams{
				Name:    args[0],
				KeyType: keyType,
				UserID:  userID,
				Scope:   scope,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Created key %s (%s)\n", record.ID, record.KeyType)
			fmt.Printf("Raw key (shown once, store it now):\n  %s\n", raw)
			return nil
		},
	}

	cmd.Flags().StringVar(&keyType, "type", store.KeyTypeSecret, "Key type: public, secret, or admin")
	cmd.Flags().StringVar(&userID, "user", "admin", "User the key acts as")
	cmd.Flags().StringVar(&scope, "scope", "", "Space-separated permission tokens")
	return cmd
}

func newKeysListCmd(configPath *string) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			km, closeStore, err := openKeyManager(*configPath)
			if err != nil {
				return err
			}
			defer closeStore()

			records, err := km.List(cmd.Context(), userID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tPREFIX\tREVOKED\tCREATED")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
					r.ID, r.Name, r.KeyType, r.KeyPrefix, r.Revoked,
					r.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&userID, "user", "admin", "User whose keys to list")
	return cmd
}

func newKeysRevokeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			km, closeStore, err := openKeyManager(*configPath)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := km.Revoke(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Revoked %s\n", args[0])
			return nil
		},
	}
}

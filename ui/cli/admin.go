// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zyotra/storagelayer/internal/config"
	"github.com/zyotra/storagelayer/internal/db"
	"github.com/zyotra/storagelayer/internal/i18n"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and write configuration",
	}

	var (
		system bool
		path   string
	)
	initCmd := &cobra.Command{
		Use:         "init",
		Short:       "Write the effective configuration to a file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{noStore: "1"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.cfg
			// The key belongs in the environment, not in a file on disk.
			c.Vault.Key = ""
			written := path
			var err error
			if written != "" {
				err = config.WriteConfigFileTo(&c, written)
			} else {
				written, err = config.WriteConfigFile(&c, system)
			}
			if err != nil {
				return fmt.Errorf("could not write config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("config.written", map[string]any{"Path": written}))
			return nil
		},
	}
	initCmd.Flags().BoolVar(&system, "system", false, "Write the system-wide file instead of the user file")
	initCmd.Flags().StringVarP(&path, "output", "o", "", "Write to this path")
	cmd.AddCommand(initCmd)
	return cmd
}

func newDBCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database administration",
	}
	var timeout time.Duration
	maintain := &cobra.Command{
		Use:         "maintain",
		Short:       "Run database maintenance (VACUUM, ANALYZE, OPTIMIZE)",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{noStore: "1"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			start := time.Now()
			if err := db.RunDBMaintenance(ctx, a.cfg.Database.Type, a.cfg.Database.Dsn); err != nil {
				return fmt.Errorf("maintenance failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("db.maintained", map[string]any{"Took": time.Since(start).Round(time.Millisecond)}))
			return nil
		},
	}
	maintain.Flags().DurationVar(&timeout, "timeout", 0, "Abort maintenance after this long (0 means no timeout)")
	cmd.AddCommand(maintain)
	return cmd
}

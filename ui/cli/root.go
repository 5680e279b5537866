// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/zyotra/storagelayer/buildvars"
	"github.com/zyotra/storagelayer/internal/audit"
	"github.com/zyotra/storagelayer/internal/config"
	"github.com/zyotra/storagelayer/internal/core"
	"github.com/zyotra/storagelayer/internal/db"
	"github.com/zyotra/storagelayer/internal/gate"
	"github.com/zyotra/storagelayer/internal/hostkeys"
	"github.com/zyotra/storagelayer/internal/i18n"
	"github.com/zyotra/storagelayer/internal/logging"
	"github.com/zyotra/storagelayer/internal/remote"
	"github.com/zyotra/storagelayer/internal/vault"
)

// Commands annotated with noStore run without opening the database.
const noStore = "storagelayer/no-store"

// app is the per-invocation state shared by subcommands.
type app struct {
	cfgFile string
	debug   bool
	cfg     config.Config
	store   *db.BunStore
}

// Execute runs the CLI. main handles the process exit code.
func Execute() error {
	return execute(newRootCmd())
}

// execute runs cmd and closes the store afterwards, whether or not the
// command succeeded.
func execute(cmd *cobra.Command, a *app) (err error) {
	defer func() {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close database: %w", cerr)
		}
	}()
	return cmd.Execute()
}

// NewRootCmd returns a fresh command tree.
func NewRootCmd() *cobra.Command {
	cmd, _ := newRootCmd()
	return cmd
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "storagelayer",
		Short: "Run commands on tenant machines over SSH",
		Long: `storagelayer authorizes a caller against the machine registry, decrypts the
machine's root credential and runs an ordered list of commands over a single
SSH session, stopping at the first failure.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	cmd.Version = compositeVersion(resolveBuildVersion(nil))

	cmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/storagelayer/storagelayer.yaml)")
	cmd.PersistentFlags().String("db-type", "", "Database type (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("db-dsn", "", "Database connection string (DSN)")
	cmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("lang", "", `Message language ("en", "de")`)
	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging (overrides --log-level)")

	cmd.AddCommand(
		newExecCmd(a),
		newRunRecipeCmd(a),
		newSealCmd(a),
		newMachineCmd(a),
		newTrustHostCmd(a),
		newKnownHostsCmd(a),
		newHistoryCmd(a),
		newConfigCmd(a),
		newDBCmd(a),
		newVersionCmd(),
	)
	return cmd, a
}

func (a *app) setup(cmd *cobra.Command) error {
	var path *string
	if cmd.Flags().Changed("config") && a.cfgFile != "" {
		if _, err := os.Stat(a.cfgFile); err != nil {
			return fmt.Errorf("config file specified via --config flag not found or is not accessible: %w", err)
		}
		path = &a.cfgFile
	}
	cfg, err := config.Load(cmd, path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	a.cfg = cfg
	i18n.Init(cfg.Language)
	logging.SetOutput(cmd.ErrOrStderr())
	if err := logging.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	if a.debug {
		logging.SetDebug(true)
	}
	if cmd.Annotations[noStore] != "" {
		return nil
	}
	store, err := db.New(cfg.Database.Type, cfg.Database.Dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.store = store
	return nil
}

func (a *app) vault() (*vault.Vault, error) {
	key, err := vault.NewKey(a.cfg.Vault.Key)
	if err != nil {
		return nil, errors.New("vault key is not configured; set STORAGELAYER_VAULT_KEY")
	}
	return vault.New(key, vault.WithWorkFactor(a.cfg.Vault.WorkFactor), vault.WithMaxWorkFactor(a.cfg.Vault.MaxWorkFactor)), nil
}

// runner assembles the execution core from configuration and the open store.
func (a *app) runner() (*core.Runner, error) {
	v, err := a.vault()
	if err != nil {
		return nil, err
	}
	policy, err := hostkeys.ParsePolicy(a.cfg.SSH.HostKeyPolicy)
	if err != nil {
		return nil, err
	}
	cb, err := hostkeys.Callback(a.store, policy)
	if err != nil {
		return nil, err
	}
	var w audit.Writer = audit.Nop
	if a.cfg.Audit.Enabled {
		w = audit.NewStoreWriter(a.store, a.cfg.Audit.CaptureOutput)
	}
	return core.NewRunner(core.Deps{
		Gate:  gate.New(a.store),
		Vault: v,
		Dialer: core.SSHDialer(remote.Options{
			ConnectTimeout:  a.cfg.SSH.ConnectTimeout,
			CommandTimeout:  a.cfg.SSH.CommandTimeout,
			HostKeyCallback: cb,
		}),
		Audit: w,
		Port:  a.cfg.SSH.Port,
		User:  a.cfg.SSH.User,
	}), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version",
		Annotations: map[string]string{noStore: "1"},
		Run: func(cmd *cobra.Command, args []string) {
			v, c, d := resolveBuildVersion(nil)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version: %s\n", v)
			fmt.Fprintf(out, "commit: %s\n", c)
			if d != "" {
				fmt.Fprintf(out, "built: %s\n", d)
			}
		},
	}
}

func compositeVersion(v, c, d string) string {
	if c != "" && c != "dev" {
		v += " (" + c + ")"
	}
	if d != "" {
		v += " built: " + d
	}
	return v
}

// resolveBuildVersion computes the best-available version, commit and build
// date. If info is nil, it reads build info from the runtime.
func resolveBuildVersion(info *debug.BuildInfo) (version, commit, date string) {
	version = buildvars.VersionOrDefault("dev")
	commit = buildvars.CommitOrDefault("dev")
	date = buildvars.Date

	if info == nil {
		var ok bool
		if info, ok = debug.ReadBuildInfo(); !ok {
			return version, commit, date
		}
	}
	if version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if s.Value != "" && commit == "dev" {
				commit = s.Value
				if len(commit) > 12 {
					commit = commit[:12]
				}
			}
		case "vcs.time":
			if s.Value != "" && date == "" {
				date = s.Value
			}
		}
	}
	return version, commit, date
}

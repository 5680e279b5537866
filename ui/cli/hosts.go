// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zyotra/storagelayer/internal/hostkeys"
	"github.com/zyotra/storagelayer/internal/i18n"
	"github.com/zyotra/storagelayer/internal/remote"
	"golang.org/x/crypto/ssh"
)

func newTrustHostCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "trust-host <address>",
		Short: "Adds a host's public key to the list of known hosts",
		Long: `Connects to a host, retrieves its public key and, after confirmation, saves
it to the database. With the strict host key policy this is required before
commands can run on a new machine. An address without a port uses ssh.port.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Key the host the way sessions will dial it, using ssh.port for
			// bare addresses.
			address := remote.Target{Address: args[0], Port: a.cfg.SSH.Port}.HostPort()
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, i18n.T("trust_host.retrieving", map[string]any{"Address": address}))
			key, err := hostkeys.Fetch(cmd.Context(), address, a.cfg.SSH.ConnectTimeout)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "\n%s\n", i18n.T("trust_host.authenticity", map[string]any{"Address": address}))
			fmt.Fprintln(out, i18n.T("trust_host.fingerprint", map[string]any{"Type": key.Type(), "Fingerprint": ssh.FingerprintSHA256(key)}))
			if warning := hostkeys.CheckAlgorithm(key); warning != "" {
				fmt.Fprintf(out, "\n%s\n", warning)
			}

			if !yes {
				answer := promptForConfirmation(cmd.InOrStdin(), out, i18n.T("trust_host.confirm"))
				if answer != "yes" {
					return errors.New(i18n.T("trust_host.declined", map[string]any{"Address": address}))
				}
			}
			if err := hostkeys.Trust(cmd.Context(), a.store, address, key); err != nil {
				return fmt.Errorf("failed to save host key: %w", err)
			}
			fmt.Fprintln(out, i18n.T("trust_host.added", map[string]any{"Address": address, "Type": key.Type()}))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Trust the key without prompting")
	return cmd
}

func newKnownHostsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "known-hosts",
		Short: "Manage trusted host keys",
	}
	imp := &cobra.Command{
		Use:   "import <known_hosts-file>",
		Short: "Import keys from an OpenSSH known_hosts file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			res, err := hostkeys.ImportFile(cmd.Context(), a.store, args[0])
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("known_hosts.imported", map[string]any{
				"Imported": res.Imported, "Skipped": res.Skipped, "Took": time.Since(start).Round(time.Millisecond),
			}))
			return nil
		},
	}
	cmd.AddCommand(imp)
	return cmd
}

// promptForConfirmation displays a prompt and reads a line from in.
func promptForConfirmation(in io.Reader, out io.Writer, prompt string) string {
	fmt.Fprint(out, prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	return strings.ToLower(strings.TrimSpace(line))
}

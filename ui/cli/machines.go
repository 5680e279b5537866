// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zyotra/storagelayer/internal/i18n"
	"github.com/zyotra/storagelayer/internal/security"
	"golang.org/x/term"
)

// readSecret reads one line without echo from a terminal, or the first line
// of piped input otherwise.
func readSecret(cmd *cobra.Command, prompt string) (security.Secret, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return nil, err
		}
		return security.Secret(b), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, errors.New("no secret provided on stdin")
	}
	return security.FromString(line), nil
}

func newSealCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seal",
		Short: "Encrypt a root password with the vault key",
		Long: `Reads a password (without echo on a terminal) and prints the sealed
credential to store in the machine registry.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{noStore: "1"},
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.vault()
			if err != nil {
				return err
			}
			pw, err := readSecret(cmd, i18n.T("secret.prompt"))
			if err != nil {
				return err
			}
			defer pw.Zero()
			sealed, err := v.Encrypt(pw.Reveal())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}

func newMachineCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "machine",
		Short: "Manage the machine registry",
	}

	add := &cobra.Command{
		Use:   "add <owner-id> <address>",
		Short: "Register a machine; the root password is read from stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.vault()
			if err != nil {
				return err
			}
			pw, err := readSecret(cmd, i18n.T("secret.prompt"))
			if err != nil {
				return err
			}
			defer pw.Zero()
			sealed, err := v.Encrypt(pw.Reveal())
			if err != nil {
				return err
			}
			id, err := a.store.AddMachine(cmd.Context(), args[0], args[1], sealed)
			if err != nil {
				return fmt.Errorf("failed to add machine: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("machine.added", map[string]any{"ID": id, "Address": args[1], "Owner": args[0]}))
			return nil
		},
	}

	var owner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered machines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			machines, err := a.store.ListMachines(cmd.Context(), owner)
			if err != nil {
				return fmt.Errorf("failed to list machines: %w", err)
			}
			if len(machines) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), i18n.T("machine.none"))
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tOWNER\tADDRESS")
			for _, m := range machines {
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.OwnerID, m.Address)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&owner, "owner", "", "Only list machines of this tenant")

	cmd.AddCommand(add, list)
	return cmd
}

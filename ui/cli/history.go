// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zyotra/storagelayer/internal/audit"
	"github.com/zyotra/storagelayer/internal/i18n"
	"github.com/zyotra/storagelayer/internal/model"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		machine    string
		limit      int
		showOutput bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded executions, newest first",
		Long: `Lists audit records. Commands are identified by fingerprint; their text is
never stored. With --show-output, captured output is printed when the audit
was configured to capture it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := a.store.ListExecutions(cmd.Context(), machine, limit)
			if err != nil {
				return fmt.Errorf("failed to list executions: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, i18n.T("history.none"))
				return nil
			}
			if showOutput {
				return printHistoryDetail(out, recs)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tREQUEST\tMACHINE\tCALLER\tCOMMANDS\tRESULT")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.StartedAt.Local().Format(time.DateTime), r.RequestID, r.MachineID, r.CallerID, r.CommandCount, result(r))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&machine, "machine", "", "Only show executions on this machine")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of executions")
	cmd.Flags().BoolVar(&showOutput, "show-output", false, "Print each step with its captured output")
	return cmd
}

func result(r model.ExecutionRecord) string {
	switch {
	case r.Success:
		return "ok"
	case r.FailedIndex >= 0:
		return fmt.Sprintf("%s at #%d", r.ErrorKind, r.FailedIndex)
	case r.ErrorKind != "":
		return r.ErrorKind
	}
	return "failed"
}

func printHistoryDetail(out io.Writer, recs []model.ExecutionRecord) error {
	for _, r := range recs {
		fmt.Fprintf(out, "request %s  machine %s  caller %s  %s  (%s)\n",
			r.RequestID, r.MachineID, r.CallerID, result(r), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
		for _, st := range r.Steps {
			fmt.Fprintf(out, "  #%d %s exit=%d %s\n", st.Index, st.Fingerprint, st.ExitCode, st.Duration.Round(time.Millisecond))
			for _, blob := range []struct {
				name string
				data []byte
			}{{"stdout", st.StdoutZst}, {"stderr", st.StderrZst}} {
				if len(blob.data) == 0 {
					continue
				}
				text, err := audit.Decompress(blob.data)
				if err != nil {
					return fmt.Errorf("request %s step %d %s: %w", r.RequestID, st.Index, blob.name, err)
				}
				fmt.Fprintf(out, "    %s:\n%s", blob.name, indent(text, "      "))
			}
		}
	}
	return nil
}

func indent(s, prefix string) string {
	s = strings.TrimSuffix(s, "\n")
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix) + "\n"
}

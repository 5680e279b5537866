// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/zyotra/storagelayer/internal/core"
	"github.com/zyotra/storagelayer/internal/faults"
	"github.com/zyotra/storagelayer/internal/model"
	"github.com/zyotra/storagelayer/internal/recipe"
	"github.com/zyotra/storagelayer/internal/remote"
)

// target holds the flags every execution command shares.
type target struct {
	caller  string
	address string
	stream  bool
}

func (t *target) register(fs *pflag.FlagSet) {
	fs.StringVar(&t.caller, "caller", "", "Tenant id of the caller (required)")
	fs.StringVar(&t.address, "address", "", "Address the caller expects the machine to have (required)")
	fs.BoolVar(&t.stream, "stream", false, "Print remote output as it arrives instead of a JSON report")
	_ = cobra.MarkFlagRequired(fs, "caller")
	_ = cobra.MarkFlagRequired(fs, "address")
}

func newExecCmd(a *app) *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "exec <machine-id> <command>...",
		Short: "Run commands on a machine, stopping at the first failure",
		Long: `Runs each command in order over one SSH session as root. A command that
exits non-zero stops the run; the remaining commands are not sent.

Without --stream the outcome is printed as JSON on stdout.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := core.Request{MachineID: args[0], CallerID: t.caller, Address: t.address, Commands: args[1:]}
			return a.run(cmd, req, t.stream, nil)
		},
	}
	t.register(cmd.Flags())
	return cmd
}

func newRunRecipeCmd(a *app) *cobra.Command {
	var (
		t    target
		vars []string
	)
	cmd := &cobra.Command{
		Use:   "run-recipe <machine-id> <recipe.yaml>",
		Short: "Render a provisioning recipe and run it on a machine",
		Long: `Loads a YAML recipe, validates every --var against the kind its parameter
declares, uploads the recipe's files and runs its steps.

Values of secret parameters are masked in the printed output.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := recipe.Load(args[1])
			if err != nil {
				return err
			}
			values, err := parseVars(vars)
			if err != nil {
				return err
			}
			plan, err := r.Render(values)
			if err != nil {
				return err
			}
			req := core.RequestFromPlan(args[0], t.caller, t.address, plan)
			return a.run(cmd, req, t.stream, r.Secrets(values))
		},
	}
	t.register(cmd.Flags())
	cmd.Flags().StringArrayVar(&vars, "var", nil, "Recipe parameter as name=value (repeatable)")
	return cmd
}

func parseVars(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q: want name=value", p)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("--var %s given twice", name)
		}
		out[name] = value
	}
	return out, nil
}

// report is the JSON document printed by exec and run-recipe.
type report struct {
	model.ExecutionOutcome
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

func (a *app) run(cmd *cobra.Command, req core.Request, stream bool, secrets []string) error {
	r, err := a.runner()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	mask := strings.NewReplacer(maskPairs(secrets)...)
	stdout := cmd.OutOrStdout()
	if stream {
		var mu sync.Mutex
		out := newMaskingWriter(stdout, secrets)
		errOut := newMaskingWriter(cmd.ErrOrStderr(), secrets)
		req.Observer = remote.ObserverFunc(func(c model.Chunk) {
			mu.Lock()
			defer mu.Unlock()
			w := out
			if c.Stream == model.Stderr {
				w = errOut
			}
			_ = w.WriteString(c.Data)
		})
		_, runErr := r.Run(ctx, req)
		mu.Lock()
		defer mu.Unlock()
		_ = out.Flush()
		_ = errOut.Flush()
		return runErr
	}

	outcome, runErr := r.Run(ctx, req)
	return writeReport(stdout, outcome, runErr, mask)
}

func writeReport(w io.Writer, outcome model.ExecutionOutcome, runErr error, mask *strings.Replacer) error {
	rep := report{ExecutionOutcome: outcome}
	rep.Results = make([]model.CommandResult, len(outcome.Results))
	for i, res := range outcome.Results {
		res.Stdout = mask.Replace(res.Stdout)
		res.Stderr = mask.Replace(res.Stderr)
		res.Combined = mask.Replace(res.Combined)
		rep.Results[i] = res
	}
	if runErr != nil {
		rep.Error = mask.Replace(runErr.Error())
		rep.ErrorKind = faults.KindOf(runErr).String()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	return runErr
}

func maskPairs(secrets []string) []string {
	var pairs []string
	for _, s := range secrets {
		if s != "" {
			pairs = append(pairs, s, "********")
		}
	}
	return pairs
}

// maskingWriter masks secrets in output that arrives in arbitrary pieces. It
// holds back enough trailing bytes that a secret split across writes is
// still replaced; Flush writes the rest.
type maskingWriter struct {
	w       io.Writer
	mask    *strings.Replacer
	secrets []string
	hold    int
	pending string
}

func newMaskingWriter(w io.Writer, secrets []string) *maskingWriter {
	m := &maskingWriter{w: w, mask: strings.NewReplacer(maskPairs(secrets)...)}
	for _, s := range secrets {
		if s == "" {
			continue
		}
		m.secrets = append(m.secrets, s)
		m.hold = max(m.hold, len(s)-1)
	}
	return m
}

func (m *maskingWriter) WriteString(s string) error {
	m.pending += s
	cut := m.safeCut()
	if cut == 0 {
		return nil
	}
	_, err := io.WriteString(m.w, m.mask.Replace(m.pending[:cut]))
	m.pending = m.pending[cut:]
	return err
}

// safeCut returns the length of the pending prefix that can be written
// without cutting through a secret.
func (m *maskingWriter) safeCut() int {
	cut := len(m.pending) - m.hold
	for changed := true; changed && cut > 0; {
		changed = false
		for _, s := range m.secrets {
			for i := max(0, cut-len(s)+1); i < cut; i++ {
				if strings.HasPrefix(m.pending[i:], s) {
					cut, changed = i, true
					break
				}
			}
		}
	}
	return max(cut, 0)
}

func (m *maskingWriter) Flush() error {
	if m.pending == "" {
		return nil
	}
	_, err := io.WriteString(m.w, m.mask.Replace(m.pending))
	m.pending = ""
	return err
}

// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package remote

import (
	"context"
	"fmt"

	"github.com/zyotra/storagelayer/internal/faults"
	"github.com/zyotra/storagelayer/internal/model"
)

// Executor runs a single command to completion. *Session implements it.
type Executor interface {
	Exec(ctx context.Context, command string, obs Observer) (model.CommandResult, error)
}

// RunSequential executes commands in order over exec, starting each only
// after the previous one has closed. It stops at the first command that
// exits non-zero or whose stream fails; later commands are never issued.
//
// The outcome is always returned, including on error. On failure the error
// is a *faults.Error (KindCommandFailure or KindStream) whose Index and
// Outcome describe where the run stopped. A run cancelled between commands
// stops with a KindStream error at the first command not issued, whose
// result has ExitCode -1. An empty list succeeds trivially.
func RunSequential(ctx context.Context, exec Executor, commands []string, obs Observer) (model.ExecutionOutcome, error) {
	outcome := model.NewOutcome(len(commands))
	for i, cmd := range commands {
		if err := ctx.Err(); err != nil {
			// Nothing was issued for this position. It still gets a result
			// so the outcome points at where the run stopped.
			outcome.Results = append(outcome.Results, model.CommandResult{Command: cmd, ExitCode: -1})
			outcome.FailedIndex = i
			return outcome, annotate(faults.New(faults.KindStream, fmt.Errorf("run cancelled before command #%d: %w", i, err)), i, cmd, -1, outcome)
		}
		res, err := exec.Exec(ctx, cmd, obs)
		if err != nil {
			outcome.Results = append(outcome.Results, res)
			outcome.FailedIndex = i
			fe := faults.Classify(err, faults.KindStream)
			return outcome, annotate(fe, i, cmd, res.ExitCode, outcome)
		}
		outcome.Results = append(outcome.Results, res)
		if !res.Succeeded() {
			outcome.FailedIndex = i
			fe := faults.Newf(faults.KindCommandFailure, "non-zero exit")
			return outcome, annotate(fe, i, cmd, res.ExitCode, outcome)
		}
	}
	outcome.Success = true
	return outcome, nil
}

func annotate(fe *faults.Error, index int, cmd string, exitCode int, outcome model.ExecutionOutcome) *faults.Error {
	fe.Index = index
	fe.Command = faults.Fingerprint(cmd)
	fe.ExitCode = exitCode
	snapshot := outcome
	snapshot.Results = append([]model.CommandResult(nil), outcome.Results...)
	fe.Outcome = &snapshot
	return fe
}

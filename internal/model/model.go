// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package model defines the data passed between the execution core and its
// callers: machine records, streamed chunks, command results and outcomes.
package model // import "github.com/zyotra/storagelayer/internal/model"

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMachineNotFound is returned by machine lookups when no record exists.
var ErrMachineNotFound = errors.New("machine not found")

// MachineRecord is a tenant-owned virtual machine as stored by the metadata
// store. The core only reads it.
type MachineRecord struct {
	ID      string
	OwnerID string
	Address string
	// EncryptedCredential is the sealed root password. It is only ever
	// handed to the vault.
	EncryptedCredential string
}

// String returns a log-safe representation without the credential.
func (m MachineRecord) String() string {
	return fmt.Sprintf("machine %s (%s, owner %s)", m.ID, m.Address, m.OwnerID)
}

// Stream identifies which remote output stream a chunk came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// MarshalText renders the stream name in JSON output.
func (s Stream) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Chunk is one fragment of remote output in arrival order.
type Chunk struct {
	Stream Stream `json:"stream"`
	Data   string `json:"data"`
}

// CommandResult is the immutable record of one executed command. It is
// created once the remote process has closed.
type CommandResult struct {
	Command string `json:"-"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	// Combined interleaves both streams in the order chunks arrived locally.
	Combined   string    `json:"combined"`
	ExitCode   int       `json:"exit_code"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Succeeded reports whether the remote command exited with status zero.
func (r CommandResult) Succeeded() bool { return r.ExitCode == 0 }

// Duration is the wall time between issuing the command and its close.
func (r CommandResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ExecutionOutcome is the ordered result of a pipeline run. On failure,
// Results ends with the failing command and FailedIndex points at it; on
// success FailedIndex is -1 and every command has a result.
type ExecutionOutcome struct {
	Results     []CommandResult `json:"results"`
	Success     bool            `json:"success"`
	FailedIndex int             `json:"failed_index"`
}

// NewOutcome returns an empty outcome sized for n commands.
func NewOutcome(n int) ExecutionOutcome {
	return ExecutionOutcome{Results: make([]CommandResult, 0, n), FailedIndex: -1}
}

// Failed returns the failing result, if any.
func (o ExecutionOutcome) Failed() (CommandResult, bool) {
	if o.Success || o.FailedIndex < 0 || o.FailedIndex >= len(o.Results) {
		return CommandResult{}, false
	}
	return o.Results[o.FailedIndex], true
}

// Output concatenates the standard output of every result, in order.
func (o ExecutionOutcome) Output() string {
	var b strings.Builder
	for _, r := range o.Results {
		b.WriteString(r.Stdout)
	}
	return b.String()
}

// ExecutionRecord is the audit row describing one request.
type ExecutionRecord struct {
	RequestID    string
	MachineID    string
	CallerID     string
	CommandCount int
	FailedIndex  int
	Success      bool
	ErrorKind    string
	StartedAt    time.Time
	FinishedAt   time.Time
	Steps        []StepRecord
}

// StepRecord is the audit row for one command. The command text itself is
// never stored; Fingerprint identifies it.
type StepRecord struct {
	Index       int
	Fingerprint string
	ExitCode    int
	Duration    time.Duration
	// StdoutZst and StderrZst hold zstd-compressed output when capture is
	// enabled, nil otherwise.
	StdoutZst []byte
	StderrZst []byte
}

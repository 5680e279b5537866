// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestMachineRecordStringOmitsCredential(t *testing.T) {
	m := MachineRecord{ID: "5", OwnerID: "42", Address: "10.0.0.1", EncryptedCredential: "U2FsdGVkX1secret"}
	got := m.String()
	if strings.Contains(got, "U2FsdGVkX1secret") {
		t.Fatalf("credential leaked: %s", got)
	}
	if !strings.Contains(got, "10.0.0.1") {
		t.Fatalf("expected address in %q", got)
	}
}

func TestOutcomeFailed(t *testing.T) {
	o := NewOutcome(3)
	if _, ok := o.Failed(); ok {
		t.Fatalf("empty outcome should not report a failure")
	}
	o.Results = append(o.Results, CommandResult{Command: "true"}, CommandResult{Command: "false", ExitCode: 1})
	o.FailedIndex = 1
	r, ok := o.Failed()
	if !ok || r.Command != "false" {
		t.Fatalf("expected failing result for index 1, got %+v %v", r, ok)
	}
}

func TestCommandResultJSONOmitsCommand(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := CommandResult{Command: "psql -c \"ALTER USER x PASSWORD 'p'\"", Stdout: "ok\n", ExitCode: 0, StartedAt: start, FinishedAt: start.Add(time.Second)}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), "PASSWORD") {
		t.Fatalf("command text must not be serialised: %s", b)
	}
	if r.Duration() != time.Second {
		t.Fatalf("unexpected duration %s", r.Duration())
	}
}

func TestChunkStreamJSON(t *testing.T) {
	b, err := json.Marshal(Chunk{Stream: Stderr, Data: "boom"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"stream":"stderr","data":"boom"}` {
		t.Fatalf("unexpected json: %s", b)
	}
}

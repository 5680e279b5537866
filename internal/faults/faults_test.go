// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorIsMatchesKindAndCause(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(KindConnection, context.DeadlineExceeded))
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected errors.Is(err, ErrConnection)")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cause to stay reachable")
	}
	if errors.Is(err, ErrStream) {
		t.Fatalf("connection error must not match ErrStream")
	}
	if KindOf(err) != KindConnection {
		t.Fatalf("KindOf = %v", KindOf(err))
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatalf("plain errors are unclassified")
	}
	if KindOf(nil) != KindUnknown {
		t.Fatalf("nil is unclassified")
	}
}

func TestErrorMessage(t *testing.T) {
	e := &Error{Kind: KindCommandFailure, MachineID: "5", Index: 1, ExitCode: 2}
	got := e.Error()
	for _, want := range []string{"command failed", "machine 5", "command #1", "status 2"} {
		if !strings.Contains(got, want) {
			t.Fatalf("message %q missing %q", got, want)
		}
	}
}

func TestClassifyAndWithMachine(t *testing.T) {
	plain := errors.New("eof")
	fe := Classify(plain, KindStream)
	if fe.Kind != KindStream || !errors.Is(fe, plain) {
		t.Fatalf("unexpected classification: %+v", fe)
	}
	if Classify(fe, KindConnection) != fe {
		t.Fatalf("already classified errors must pass through")
	}
	_ = WithMachine(fe, "7")
	if fe.MachineID != "7" {
		t.Fatalf("machine id not set")
	}
	_ = WithMachine(fe, "8")
	if fe.MachineID != "7" {
		t.Fatalf("machine id must not be overwritten")
	}
	if Classify(nil, KindStream) != nil {
		t.Fatalf("Classify(nil) must be nil")
	}
}

func TestFingerprintStableAndOpaque(t *testing.T) {
	cmd := "sudo -u postgres psql -c \"CREATE USER app WITH PASSWORD 'pw'\""
	a, b := Fingerprint(cmd), Fingerprint(cmd)
	if a != b || len(a) != 16 {
		t.Fatalf("fingerprint not stable: %q %q", a, b)
	}
	if strings.Contains(a, "pw") || Fingerprint("other") == a {
		t.Fatalf("fingerprint should be opaque and distinct")
	}
}

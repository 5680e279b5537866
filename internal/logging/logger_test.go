// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package logging

import (
	"bytes"
	"strings"
	"testing"

	clog "github.com/charmbracelet/log"
)

// swapLogger replaces L with a buffer-backed logger for the duration of a test.
func swapLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := L
	L = clog.New(&buf)
	t.Cleanup(func() { L = prev })
	return &buf
}

func TestLoggingHelpers_WriteToBuffer(t *testing.T) {
	buf := swapLogger(t)
	L.SetLevel(clog.DebugLevel)

	Debugf("hello %s", "dbg")
	Infof("info %d", 1)
	Warnf("warn")
	Errorf("err %v", "E")

	out := buf.String()
	for _, want := range []string{"hello dbg", "info 1", "warn", "err E"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output: %s", want, out)
		}
	}
}

func TestSetLevel(t *testing.T) {
	buf := swapLogger(t)
	if err := SetLevel("warn"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	Infof("quiet")
	Warnf("loud")
	if strings.Contains(buf.String(), "quiet") || !strings.Contains(buf.String(), "loud") {
		t.Fatalf("level not applied: %s", buf.String())
	}
	if err := SetLevel("chatty"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if err := SetLevel(""); err != nil {
		t.Fatalf("empty level should be ignored: %v", err)
	}
}

func TestWithCarriesFields(t *testing.T) {
	buf := swapLogger(t)
	With("machine", "5").Info("connected")
	if !strings.Contains(buf.String(), "machine=5") {
		t.Fatalf("expected structured field, got %s", buf.String())
	}
}

func TestSetDebugAndOutput(t *testing.T) {
	swapLogger(t)
	var buf bytes.Buffer
	SetOutput(&buf)
	L.SetLevel(clog.ErrorLevel)

	Debugf("hidden")
	SetDebug(true)
	Debugf("shown")
	SetDebug(false)
	Debugf("hidden again")
	Infof("info")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") || !strings.Contains(out, "info") {
		t.Fatalf("output = %q", out)
	}
}

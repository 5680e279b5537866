// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSecretRedactionAndJSON(t *testing.T) {
	s := FromString("supersecret")
	for _, verb := range []string{"%v", "%s", "%q", "%#v", "%x"} {
		if got := fmt.Sprintf(verb, s); got != "[SECRET]" {
			t.Fatalf("unexpected fmt output for %s: %q", verb, got)
		}
	}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}
	if string(b) != "\"[SECRET]\"" {
		t.Fatalf("unexpected json marshal: %s", string(b))
	}
}

func TestSecretInsideStructStaysRedacted(t *testing.T) {
	type holder struct {
		User string
		Pass Secret
	}
	h := holder{User: "root", Pass: FromString("hunter2")}
	for _, out := range []string{fmt.Sprintf("%v", h), fmt.Sprintf("%+v", h), fmt.Sprintf("%#v", h)} {
		if strings.Contains(out, "hunter2") {
			t.Fatalf("plaintext leaked through struct formatting: %s", out)
		}
	}
}

func TestSecretZero(t *testing.T) {
	s := FromString("abc123")
	(&s).Zero()
	if err := s.Use(func(b []byte) error {
		for i := range b {
			if b[i] != 0 {
				t.Fatalf("expected zeroed byte at index %d, got %d", i, b[i])
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("s.Use failed: %v", err)
	}

	var nilSecret *Secret
	nilSecret.Zero() // must not panic
}

func TestSecretRefusesPersistence(t *testing.T) {
	v, err := FromString("x").Value()
	if !errors.Is(err, ErrNotPersistable) {
		t.Fatalf("expected ErrNotPersistable, got %v", err)
	}
	if v != nil {
		t.Fatalf("expected nil driver value, got %v", v)
	}
}

func TestFromBytesCopies(t *testing.T) {
	src := []byte("copy-me")
	s := FromBytes(src)
	src[0] = 'X'
	if s.Reveal() != "copy-me" {
		t.Fatalf("FromBytes did not copy input: %q", s.Reveal())
	}
	if s.Len() != 7 || s.Empty() {
		t.Fatalf("unexpected Len/Empty: %d %v", s.Len(), s.Empty())
	}
}

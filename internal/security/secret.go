// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package security holds the in-memory wrapper used for decrypted machine
// credentials. A Secret lives only for the duration of one session setup: it
// redacts itself in every formatting path and refuses to be persisted.
package security

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const redacted = "[SECRET]"

// ErrNotPersistable is returned when a Secret reaches a SQL driver.
var ErrNotPersistable = errors.New("security: secrets must not be written to storage")

// Secret is a byte slice holding sensitive material such as a decrypted root
// password. Formatting, JSON/text marshaling and SQL drivers never see the
// plaintext.
type Secret []byte

// String redacts the secret for fmt.Print* convenience.
func (s Secret) String() string { return redacted }

// Format implements fmt.Formatter so that %v, %#v, %q and friends are redacted.
func (s Secret) Format(f fmt.State, c rune) {
	if _, err := io.WriteString(f, redacted); err != nil {
		_ = err // nothing sensible to do when the log sink fails
	}
}

// GoString keeps %#v output redacted when the value sits inside a struct.
func (s Secret) GoString() string { return redacted }

// MarshalJSON redacts secrets in JSON marshaling.
func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(redacted) }

// MarshalText redacts secrets for text encoding.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Value implements driver.Valuer and always fails: decrypted credentials are
// in-memory only.
func (s Secret) Value() (driver.Value, error) { return nil, ErrNotPersistable }

// Len reports the length of the secret without exposing it.
func (s Secret) Len() int { return len(s) }

// Empty reports whether the secret holds no bytes.
func (s Secret) Empty() bool { return len(s) == 0 }

// Use executes fn with the underlying bytes (not a copy). fn must not retain
// the slice.
func (s Secret) Use(fn func([]byte) error) error {
	return fn([]byte(s))
}

// Reveal returns the plaintext as a string. The only legitimate caller is
// the transport handing the password to the SSH handshake.
func (s Secret) Reveal() string { return string(s) }

// Zero overwrites the underlying byte slice with zeros.
func (s *Secret) Zero() {
	if s == nil || *s == nil {
		return
	}
	for i := range *s {
		(*s)[i] = 0
	}
}

// FromString creates a Secret from a string.
func FromString(in string) Secret { return Secret([]byte(in)) }

// FromBytes creates a Secret from bytes (it makes a copy).
func FromBytes(in []byte) Secret {
	out := make([]byte, len(in))
	copy(out, in)
	return Secret(out)
}

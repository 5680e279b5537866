// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package faults defines the classified errors surfaced by the execution
// core. Every failure handed to a caller is a *Error carrying one of five
// kinds plus the context needed to act on it.
package faults

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"github.com/zyotra/storagelayer/internal/model"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuthorization: machine not found, owner mismatch or address mismatch.
	KindAuthorization
	// KindDecryption: missing key or undecodable/unauthenticated ciphertext.
	KindDecryption
	// KindConnection: the session never reached Ready.
	KindConnection
	// KindCommandFailure: a command exited non-zero.
	KindCommandFailure
	// KindStream: the transport failed mid-command; the remote outcome is unknown.
	KindStream
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrAuthorization  = errors.New("authorization denied")
	ErrDecryption     = errors.New("credential decryption failed")
	ErrConnection     = errors.New("connection failed")
	ErrCommandFailure = errors.New("command failed")
	ErrStream         = errors.New("output stream interrupted")
)

var kindNames = map[Kind]string{
	KindUnknown:        "unknown",
	KindAuthorization:  "authorization",
	KindDecryption:     "decryption",
	KindConnection:     "connection",
	KindCommandFailure: "command_failure",
	KindStream:         "stream",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) sentinel() error {
	switch k {
	case KindAuthorization:
		return ErrAuthorization
	case KindDecryption:
		return ErrDecryption
	case KindConnection:
		return ErrConnection
	case KindCommandFailure:
		return ErrCommandFailure
	case KindStream:
		return ErrStream
	}
	return nil
}

// Error is a classified failure.
type Error struct {
	Kind      Kind
	MachineID string
	// Index is the 0-based pipeline position of the failing command, -1 when
	// the failure is not tied to a command.
	Index int
	// Command is the fingerprint of the failing command, never its text.
	Command  string
	ExitCode int
	// Outcome holds the partial results gathered before the failure.
	Outcome *model.ExecutionOutcome
	Err     error
}

// New returns an *Error of the given kind wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Index: -1, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	var b strings.Builder
	if s := e.Kind.sentinel(); s != nil {
		b.WriteString(s.Error())
	} else {
		b.WriteString("execution failed")
	}
	if e.MachineID != "" {
		fmt.Fprintf(&b, ": machine %s", e.MachineID)
	}
	if e.Index >= 0 {
		fmt.Fprintf(&b, ": command #%d", e.Index)
		if e.Kind == KindCommandFailure {
			fmt.Fprintf(&b, " exited with status %d", e.ExitCode)
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf classifies err. Unclassified errors report KindUnknown.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return KindUnknown
}

// Classify returns err as an *Error, wrapping unclassified errors with the
// fallback kind.
func Classify(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	if fe, ok := As(err); ok {
		return fe
	}
	return New(fallback, err)
}

// WithMachine annotates a classified error with the machine id. Unclassified
// errors are returned unchanged.
func WithMachine(err error, machineID string) error {
	if fe, ok := As(err); ok && fe.MachineID == "" {
		fe.MachineID = machineID
	}
	return err
}

// Fingerprint returns a short stable identifier for a command. Commands may
// embed credentials, so logs, audit rows and errors carry this instead.
func Fingerprint(command string) string {
	sum := blake3.Sum256([]byte(command))
	return hex.EncodeToString(sum[:8])
}

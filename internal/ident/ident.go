// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package ident validates values before they are interpolated into remote
// shell commands. Names and paths must pass an allow-list; free text is only
// ever inserted through Quote, and through SQLString first when it lands in
// a SQL statement.
package ident

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid value")

// MaxIdentifierLen matches the PostgreSQL NAMEDATALEN-1 limit, which is also
// within MySQL's 64-character limit.
const MaxIdentifierLen = 63

var (
	identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	pathRe       = regexp.MustCompile(`^/[A-Za-z0-9._/-]*$`)
)

// Identifier checks a database, user, table or service name.
func Identifier(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty identifier", ErrInvalid)
	}
	if len(s) > MaxIdentifierLen {
		return fmt.Errorf("%w: identifier longer than %d characters", ErrInvalid, MaxIdentifierLen)
	}
	if !identifierRe.MatchString(s) {
		return fmt.Errorf("%w: identifier %q must match %s", ErrInvalid, s, identifierRe)
	}
	return nil
}

// Path checks an absolute remote path. Traversal segments are rejected.
func Path(s string) error {
	if !pathRe.MatchString(s) {
		return fmt.Errorf("%w: path %q must be absolute and use [A-Za-z0-9._/-]", ErrInvalid, s)
	}
	for _, seg := range strings.Split(s, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: path %q contains '..'", ErrInvalid, s)
		}
	}
	return nil
}

// Port parses a TCP port.
func Port(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("%w: port %q", ErrInvalid, s)
	}
	return n, nil
}

// Quote wraps s in POSIX single quotes so the shell treats it as one literal
// word. NUL bytes cannot be represented and are rejected by QuoteChecked.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// QuoteChecked is Quote that rejects values a shell argument cannot carry.
func QuoteChecked(s string) (string, error) {
	if strings.ContainsRune(s, 0) {
		return "", fmt.Errorf("%w: value contains a NUL byte", ErrInvalid)
	}
	return Quote(s), nil
}

// SQLString returns s as a single-quoted SQL string literal with embedded
// quotes doubled. Backslashes are rejected: MySQL treats them as escapes in
// string literals and PostgreSQL does not, so no single encoding is safe for
// both.
func SQLString(s string) (string, error) {
	if strings.ContainsRune(s, 0) {
		return "", fmt.Errorf("%w: value contains a NUL byte", ErrInvalid)
	}
	if strings.ContainsRune(s, '\\') {
		return "", fmt.Errorf("%w: backslash not allowed in a SQL literal", ErrInvalid)
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'", nil
}

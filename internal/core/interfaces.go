// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package core wires the execution pipeline together. The interfaces here
// are the side-effect boundaries of a request; production code fills them
// with the gate, the vault and SSH sessions, tests with counting fakes.
package core

import (
	"context"
	"os"

	"github.com/zyotra/storagelayer/internal/gate"
	"github.com/zyotra/storagelayer/internal/model"
	"github.com/zyotra/storagelayer/internal/remote"
	"github.com/zyotra/storagelayer/internal/security"
)

// Authorizer decides whether a caller may act on a machine.
type Authorizer interface {
	VerifyOwnership(ctx context.Context, machineID, callerID, claimedAddress string) gate.Verdict
}

// Decrypter opens sealed machine credentials.
type Decrypter interface {
	Decrypt(ciphertext string) (security.Secret, error)
}

// Conn is an established remote session.
type Conn interface {
	Exec(ctx context.Context, command string, obs remote.Observer) (model.CommandResult, error)
	Upload(ctx context.Context, remotePath string, content []byte, mode os.FileMode) error
	Close()
}

// Dialer opens a Conn to target. On error the returned Conn is nil and
// nothing needs closing.
type Dialer interface {
	Dial(ctx context.Context, target remote.Target, password security.Secret) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, target remote.Target, password security.Secret) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, target remote.Target, password security.Secret) (Conn, error) {
	return f(ctx, target, password)
}

// SSHDialer returns a Dialer backed by remote.Connect with opts.
func SSHDialer(opts remote.Options) Dialer {
	return DialerFunc(func(ctx context.Context, target remote.Target, password security.Secret) (Conn, error) {
		s, err := remote.Connect(ctx, target, password, opts)
		if err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	})
}

var (
	_ Authorizer = (*gate.Gate)(nil)
	_ Conn       = (*remote.Session)(nil)
)

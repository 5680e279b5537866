// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package remote owns the SSH side of the execution core: one Session per
// request, commands executed over it one at a time with streamed output, and
// the fail-fast sequential pipeline.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	clog "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/zyotra/storagelayer/internal/faults"
	"github.com/zyotra/storagelayer/internal/logging"
	"github.com/zyotra/storagelayer/internal/security"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultPort is the administrative SSH port.
	DefaultPort = 22
	// DefaultUser is the privileged account used for every session.
	DefaultUser = "root"
	// DefaultConnectTimeout bounds TCP dial plus SSH handshake.
	DefaultConnectTimeout = 10 * time.Second
)

var (
	// ErrNotReady is returned when a command is issued on a session that is
	// not in the Ready state.
	ErrNotReady = errors.New("session is not ready")
	// ErrSessionBusy is returned when a second command is issued while one is
	// still in flight.
	ErrSessionBusy = errors.New("session already has a command in flight")
	// ErrNoHostKeyCallback is returned when Options carry no host key policy.
	ErrNoHostKeyCallback = errors.New("no host key callback configured")
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Target identifies the remote host and account.
type Target struct {
	Address string
	Port    int
	User    string
}

// HostPort returns the dial address, adding the default port when Address
// carries none.
func (t Target) HostPort() string {
	if _, _, err := net.SplitHostPort(t.Address); err == nil {
		return t.Address
	}
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	host := strings.TrimSuffix(strings.TrimPrefix(t.Address, "["), "]")
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (t Target) user() string {
	if t.User == "" {
		return DefaultUser
	}
	return t.User
}

// Options tune a Session.
type Options struct {
	ConnectTimeout time.Duration
	// CommandTimeout, when positive, bounds each command. Expiry closes the
	// transport and the command is reported as a stream failure.
	CommandTimeout  time.Duration
	HostKeyCallback ssh.HostKeyCallback
	Logger          *clog.Logger
}

// dialContext is overridden in tests.
var dialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// Session is one authenticated SSH connection. It is owned by a single
// request and supports one command at a time.
type Session struct {
	mu     sync.Mutex
	state  State
	client *ssh.Client
	sftp   *sftp.Client

	busy   atomic.Bool
	target Target
	opts   Options
	log    *clog.Logger
	id     string
}

// Connect opens a session to target authenticating with password. The
// returned Session is never nil: on failure it is in StateFailed and the
// error is a faults.KindConnection error. Close is safe in both cases.
func Connect(ctx context.Context, target Target, password security.Secret, opts Options) (*Session, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	s := &Session{state: StateDisconnected, target: target, opts: opts, id: uuid.NewString()[:8]}
	base := opts.Logger
	if base == nil {
		base = logging.L
	}
	s.log = base.With("session", s.id, "host", target.HostPort())

	s.setState(StateConnecting)
	client, err := s.dial(ctx, password)
	if err != nil {
		s.setState(StateFailed)
		s.log.Warn("connect failed", "err", err)
		return s, faults.New(faults.KindConnection, err)
	}

	s.mu.Lock()
	s.client = client
	s.state = StateReady
	s.mu.Unlock()
	s.log.Debug("session ready")
	return s, nil
}

func (s *Session) dial(parent context.Context, password security.Secret) (*ssh.Client, error) {
	if s.opts.HostKeyCallback == nil {
		return nil, ErrNoHostKeyCallback
	}
	addr := s.target.HostPort()
	timeout := s.opts.ConnectTimeout

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := dialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyConnectError(addr, timeout, err)
	}
	// The handshake runs under the same deadline; a peer that accepts TCP
	// but never speaks SSH must not hang the request.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	cfg := &ssh.ClientConfig{
		User: s.target.user(),
		Auth: []ssh.AuthMethod{
			ssh.PasswordCallback(func() (string, error) { return password.Reveal(), nil }),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					if !echos[i] {
						answers[i] = password.Reveal()
					}
				}
				return answers, nil
			}),
		},
		HostKeyCallback: s.opts.HostKeyCallback,
		Timeout:         timeout,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		// The deadline fired and closed conn underneath the handshake.
		if err == nil {
			_ = c.Close()
		}
		return nil, classifyConnectError(addr, timeout, ctx.Err())
	}
	if err != nil {
		_ = conn.Close()
		return nil, classifyConnectError(addr, timeout, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// classifyConnectError gives dial/handshake failures a readable prefix while
// keeping the cause in the chain.
func classifyConnectError(addr string, timeout time.Duration, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("connection to %s timed out after %s: %w", addr, timeout, err)
	case strings.Contains(err.Error(), "unable to authenticate"):
		return fmt.Errorf("authentication failed for %s: %w", addr, err)
	case strings.Contains(err.Error(), "host key"):
		return fmt.Errorf("host key verification failed for %s: %w", addr, err)
	default:
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	if s == nil {
		return StateClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID is a short random identifier used in logs.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// acquire reserves the session for one command and returns its client.
func (s *Session) acquire() (*ssh.Client, error) {
	if s == nil {
		return nil, ErrNotReady
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrSessionBusy
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.client == nil {
		s.busy.Store(false)
		return nil, fmt.Errorf("%w (state %s)", ErrNotReady, s.state)
	}
	return s.client, nil
}

func (s *Session) release() { s.busy.Store(false) }

// Close tears down the connection. It is idempotent, safe on a nil Session
// and after a failed Connect, and leaves the session in StateClosed.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	if s.sftp != nil {
		_ = s.sftp.Close()
		s.sftp = nil
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger().Debug("close", "err", err)
		}
		s.client = nil
	}
	s.state = StateClosed
	s.logger().Debug("session closed")
}

func (s *Session) logger() *clog.Logger {
	if s.log == nil {
		return logging.L
	}
	return s.log
}

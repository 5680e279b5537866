// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package testutil provides an in-process SSH server for tests. It speaks
// real SSH (password auth, exec channels, exit-status, SFTP) and runs a tiny
// scripted shell so tests can drive exit codes and output without a host.
package testutil

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// Handler runs one exec request. Returning drop=true closes the channel
// without an exit status, which clients see as a broken stream.
type Handler func(ctx context.Context, command string, stdout, stderr io.Writer) (exit int, drop bool)

// SSHServer is a running test server. Fields are read-only after start.
type SSHServer struct {
	Addr     string
	Host     string
	Port     int
	User     string
	Password string
	HostKey  ssh.PublicKey
	// SFTPRoot is the directory SFTP paths are resolved against.
	SFTPRoot string

	handler  Handler
	listener net.Listener
	cancel   context.CancelFunc
	g        *errgroup.Group

	mu       sync.Mutex
	commands []string
	conns    map[net.Conn]struct{}
	accepted int
}

// Option customizes a server before it starts.
type Option func(*SSHServer)

// WithHandler replaces the scripted shell.
func WithHandler(h Handler) Option { return func(s *SSHServer) { s.handler = h } }

// WithPassword sets the accepted root password.
func WithPassword(pw string) Option { return func(s *SSHServer) { s.Password = pw } }

// NewSSHServer starts a server on 127.0.0.1 and stops it at test cleanup.
func NewSSHServer(t testing.TB, opts ...Option) *SSHServer {
	t.Helper()
	s := &SSHServer{
		User:     "root",
		Password: "s3cret",
		SFTPRoot: t.TempDir(),
		handler:  Script,
		conns:    map[net.Conn]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}
	s.HostKey = signer.PublicKey()

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if c.User() == s.User && string(pw) == s.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = l
	s.Addr = l.Addr().String()
	s.Host = "127.0.0.1"
	s.Port = l.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	s.g = g
	g.Go(func() error { return s.serve(ctx, cfg) })
	t.Cleanup(s.Close)
	return s
}

// Close stops the listener, drops every connection and waits for handlers.
func (s *SSHServer) Close() {
	s.cancel()
	_ = s.listener.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	_ = s.g.Wait()
}

// Commands returns every exec request received, in order.
func (s *SSHServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Connections returns how many TCP connections were accepted.
func (s *SSHServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// HostKeyCallback pins the server's host key.
func (s *SSHServer) HostKeyCallback() ssh.HostKeyCallback {
	return ssh.FixedHostKey(s.HostKey)
}

func (s *SSHServer) serve(ctx context.Context, cfg *ssh.ServerConfig) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.accepted++
		s.mu.Unlock()
		s.g.Go(func() error {
			defer func() {
				_ = conn.Close()
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.handleConn(ctx, conn, cfg)
			return nil
		})
	}
}

func (s *SSHServer) handleConn(parent context.Context, conn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		_ = sconn.Wait()
		cancel()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleSession(ctx, ch, requests)
		}()
	}
}

func (s *SSHServer) handleSession(ctx context.Context, ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			var p struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.mu.Lock()
			s.commands = append(s.commands, p.Command)
			s.mu.Unlock()

			exit, drop := s.handler(ctx, p.Command, ch, ch.Stderr())
			if drop {
				return
			}
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(exit)}))
			return
		case "subsystem":
			var p struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &p); err != nil || p.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			srv, err := sftp.NewServer(ch, sftp.WithServerWorkingDirectory(s.SFTPRoot))
			if err != nil {
				return
			}
			_ = srv.Serve()
			_ = srv.Close()
			return
		default:
			if req.WantReply {
				_ = req.Reply(req.Type == "env", nil)
			}
		}
	}
}

// Script is the default handler. It understands:
//
//	true | false | exit N
//	echo TEXT   (stdout)   err TEXT (stderr)
//	chunks N    (N lines alternating stdout/stderr)
//	sleep DURATION
//	drop        (close without exit status)
//
// Anything else prints "command not found" and exits 127.
func Script(ctx context.Context, command string, stdout, stderr io.Writer) (int, bool) {
	name, arg, _ := strings.Cut(strings.TrimSpace(command), " ")
	switch name {
	case "true":
		return 0, false
	case "false":
		return 1, false
	case "exit":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return 2, false
		}
		return n, false
	case "echo":
		_, _ = io.WriteString(stdout, arg+"\n")
		return 0, false
	case "err":
		_, _ = io.WriteString(stderr, arg+"\n")
		return 0, false
	case "chunks":
		n, _ := strconv.Atoi(arg)
		for i := 0; i < n; i++ {
			if i%2 == 0 {
				_, _ = fmt.Fprintf(stdout, "out %d\n", i)
			} else {
				_, _ = fmt.Fprintf(stderr, "err %d\n", i)
			}
		}
		return 0, false
	case "sleep":
		d, err := time.ParseDuration(arg)
		if err != nil {
			return 2, false
		}
		select {
		case <-time.After(d):
			return 0, false
		case <-ctx.Done():
			return 0, true
		}
	case "drop":
		return 0, true
	}
	_, _ = fmt.Fprintf(stderr, "%s: command not found\n", name)
	return 127, false
}

// SilentListener accepts TCP connections and never speaks, for exercising
// handshake timeouts. It returns the listen address.
func SilentListener(t testing.TB) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var mu sync.Mutex
	var held []net.Conn
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = l.Close()
		<-done
		mu.Lock()
		for _, c := range held {
			_ = c.Close()
		}
		mu.Unlock()
	})
	return l.Addr().String()
}

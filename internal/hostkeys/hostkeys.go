// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package hostkeys verifies remote host keys against the known_hosts table.
package hostkeys

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/zyotra/storagelayer/internal/logging"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Policy decides what happens when a host presents a key.
type Policy string

const (
	// Strict requires the key to be present in the store already.
	Strict Policy = "strict"
	// TOFU stores the key on first use and enforces it afterwards.
	TOFU Policy = "tofu"
	// Insecure accepts any key. Only meant for development.
	Insecure Policy = "insecure"
)

// ErrUnknownHost and ErrMismatch are returned by the callback.
var (
	ErrUnknownHost = errors.New("unknown host key")
	ErrMismatch    = errors.New("host key mismatch")
)

// ParsePolicy validates a configured policy name. Empty means Strict.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return Strict, nil
	case Strict, TOFU, Insecure:
		return p, nil
	}
	return "", fmt.Errorf("unknown host key policy %q (want strict, tofu or insecure)", s)
}

// KeyStore is the subset of the metadata store used for host keys.
type KeyStore interface {
	GetKnownHostKey(ctx context.Context, hostname string) (string, error)
	AddKnownHostKey(ctx context.Context, hostname, key string) error
}

const lookupTimeout = 5 * time.Second

// Callback returns an ssh.HostKeyCallback enforcing policy against store.
// Hosts are keyed in known_hosts notation: "host" for port 22 and
// "[host]:port" otherwise.
func Callback(store KeyStore, policy Policy) (ssh.HostKeyCallback, error) {
	if policy == Insecure {
		logging.Warnf("host key verification is disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if policy != Strict && policy != TOFU {
		return nil, fmt.Errorf("unknown host key policy %q", policy)
	}
	if store == nil {
		return nil, errors.New("host key store is required")
	}
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		host := knownhosts.Normalize(hostname)
		presented := authorizedLine(key)

		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		defer cancel()
		known, err := store.GetKnownHostKey(ctx, host)
		if err != nil {
			return fmt.Errorf("failed to query known_hosts: %w", err)
		}
		if known == "" {
			if policy == TOFU {
				if err := store.AddKnownHostKey(ctx, host, presented); err != nil {
					return fmt.Errorf("failed to record host key for %s: %w", host, err)
				}
				logging.Warnf("trusted new host key for %s on first use (%s %s)", host, key.Type(), ssh.FingerprintSHA256(key))
				return nil
			}
			return fmt.Errorf("%w for %s; run 'storagelayer trust-host' to add it", ErrUnknownHost, host)
		}
		if strings.TrimSpace(known) != presented {
			return fmt.Errorf("%w for %s: presented %s %s; this could be a man-in-the-middle attack",
				ErrMismatch, host, key.Type(), ssh.FingerprintSHA256(key))
		}
		return nil
	}, nil
}

func authorizedLine(key ssh.PublicKey) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
}

// Fetch performs the start of an SSH handshake with address and returns the
// host key it presents. No authentication is attempted.
func Fetch(ctx context.Context, address string, timeout time.Duration) (ssh.PublicKey, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	addr := address
	if _, _, err := net.SplitHostPort(address); err != nil {
		addr = net.JoinHostPort(strings.Trim(address, "[]"), "22")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var presented ssh.PublicKey
	errGotKey := errors.New("host key retrieved")
	cfg := &ssh.ClientConfig{
		User: "storagelayer-probe",
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			presented = key
			return errGotKey
		},
	}
	c, _, _, err := ssh.NewClientConn(conn, addr, cfg)
	if presented != nil {
		return presented, nil
	}
	if err == nil {
		_ = c.Close()
		return nil, errors.New("handshake completed without a host key")
	}
	return nil, fmt.Errorf("failed to retrieve host key from %s: %w", addr, err)
}

// Trust records key as the known key for address, replacing any previous
// entry.
func Trust(ctx context.Context, store KeyStore, address string, key ssh.PublicKey) error {
	return store.AddKnownHostKey(ctx, knownhosts.Normalize(address), authorizedLine(key))
}

// Line renders host and key as an OpenSSH known_hosts line.
func Line(address string, key ssh.PublicKey) string {
	return knownhosts.Line([]string{knownhosts.Normalize(address)}, key)
}

// CheckAlgorithm returns a warning for host key types modern OpenSSH
// rejects by default, or "" when the key type is fine.
func CheckAlgorithm(key ssh.PublicKey) string {
	switch key.Type() {
	case ssh.KeyAlgoRSA:
		return "SECURITY WARNING: Host key uses ssh-rsa, which is disabled by default in modern OpenSSH. Consider rotating the host to an ed25519 key."
	case ssh.KeyAlgoDSA:
		return "SECURITY WARNING: Host key uses ssh-dss, which is deprecated and insecure."
	}
	return ""
}

// ImportResult summarizes ImportFile.
type ImportResult struct {
	Imported int
	// Skipped counts hashed hostnames and marker lines (@revoked,
	// @cert-authority), which cannot be represented in the table.
	Skipped int
}

// ImportFile loads an OpenSSH known_hosts file into store.
func ImportFile(ctx context.Context, store KeyStore, path string) (ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImportResult{}, err
	}
	defer f.Close()
	return Import(ctx, store, f)
}

// Import reads known_hosts lines from r into store.
func Import(ctx context.Context, store KeyStore, r io.Reader) (ImportResult, error) {
	var res ImportResult
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		marker, hosts, key, _, _, err := ssh.ParseKnownHosts(sc.Bytes())
		if errors.Is(err, io.EOF) {
			continue // blank or comment
		}
		if err != nil {
			return res, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if marker != "" {
			res.Skipped++
			continue
		}
		line := authorizedLine(key)
		for _, h := range hosts {
			if strings.HasPrefix(h, "|") || strings.ContainsAny(h, "*?!") {
				res.Skipped++
				continue
			}
			if err := store.AddKnownHostKey(ctx, knownhosts.Normalize(h), line); err != nil {
				return res, fmt.Errorf("line %d: store %s: %w", lineNo, h, err)
			}
			res.Imported++
		}
	}
	return res, sc.Err()
}

// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zyotra/storagelayer/internal/faults"
	"github.com/zyotra/storagelayer/internal/model"
	"golang.org/x/crypto/ssh"
)

// capture accumulates both output streams. A single mutex orders appends
// and observer delivery, so per-stream chunk order equals buffer order.
type capture struct {
	mu       sync.Mutex
	stdout   strings.Builder
	stderr   strings.Builder
	combined strings.Builder
	obs      Observer
}

type streamWriter struct {
	c      *capture
	stream model.Stream
}

func (w streamWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := string(p)
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	if w.stream == model.Stderr {
		w.c.stderr.WriteString(chunk)
	} else {
		w.c.stdout.WriteString(chunk)
	}
	w.c.combined.WriteString(chunk)
	if w.c.obs != nil {
		w.c.obs.OnChunk(model.Chunk{Stream: w.stream, Data: chunk})
	}
	return len(p), nil
}

func (c *capture) fill(r *model.CommandResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.Stdout = c.stdout.String()
	r.Stderr = c.stderr.String()
	r.Combined = c.combined.String()
}

// Exec runs command and blocks until the remote process closes. A non-zero
// exit is reported through the result, not as an error. Errors are
// faults.KindStream: the transport failed or the command timed out, and the
// remote outcome is unknown; the partial result is returned alongside.
func (s *Session) Exec(ctx context.Context, command string, obs Observer) (model.CommandResult, error) {
	result := model.CommandResult{Command: command, ExitCode: -1}
	fp := faults.Fingerprint(command)

	client, err := s.acquire()
	if err != nil {
		return result, streamErr(fp, err)
	}
	defer s.release()

	if s.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CommandTimeout)
		defer cancel()
	}

	sess, err := client.NewSession()
	if err != nil {
		return result, streamErr(fp, fmt.Errorf("open channel: %w", err))
	}
	defer sess.Close()

	c := &capture{obs: obs}
	sess.Stdout = streamWriter{c: c, stream: model.Stdout}
	sess.Stderr = streamWriter{c: c, stream: model.Stderr}

	log := s.logger().With("command", fp)
	log.Debug("exec")
	result.StartedAt = time.Now()
	if err := sess.Start(command); err != nil {
		result.FinishedAt = time.Now()
		return result, streamErr(fp, fmt.Errorf("start command: %w", err))
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	var waitErr, abortErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		// No way to signal the remote process reliably; dropping the
		// transport is the only bound we can enforce.
		abortErr = ctx.Err()
		s.Close()
		waitErr = <-done
	}
	result.FinishedAt = time.Now()
	c.fill(&result)

	if abortErr != nil {
		log.Warn("command aborted", "err", abortErr)
		return result, streamErr(fp, fmt.Errorf("command aborted: %w", abortErr))
	}

	var exitErr *ssh.ExitError
	switch {
	case waitErr == nil:
		result.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	default:
		// *ssh.ExitMissingError, io.EOF or a closed connection: the
		// command may or may not have run to completion.
		log.Warn("stream interrupted", "err", waitErr)
		return result, streamErr(fp, waitErr)
	}
	log.Debug("exit", "status", result.ExitCode, "took", result.Duration())
	return result, nil
}

func streamErr(fingerprint string, err error) error {
	e := faults.New(faults.KindStream, err)
	e.Command = fingerprint
	return e
}

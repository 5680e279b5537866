// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/zyotra/storagelayer/internal/faults"
)

// sftpClient returns the lazily opened SFTP subsystem client.
func (s *Session) sftpClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.client == nil {
		return nil, fmt.Errorf("%w (state %s)", ErrNotReady, s.state)
	}
	if s.sftp == nil {
		c, err := sftp.NewClient(s.client)
		if err != nil {
			return nil, fmt.Errorf("start sftp subsystem: %w", err)
		}
		s.sftp = c
	}
	return s.sftp, nil
}

// Upload writes content to remotePath with the given mode. The file is
// written next to its destination and renamed into place, so a reader
// never sees a partial file. Payloads go over SFTP instead of a shell
// command line, which keeps them out of process listings and shell quoting.
func (s *Session) Upload(ctx context.Context, remotePath string, content []byte, mode os.FileMode) (err error) {
	if _, err := s.acquire(); err != nil {
		return streamErr(faults.Fingerprint(remotePath), err)
	}
	defer s.release()

	wrap := func(err error) error {
		return streamErr(faults.Fingerprint(remotePath), fmt.Errorf("upload %s: %w", remotePath, err))
	}
	if err := ctx.Err(); err != nil {
		return wrap(err)
	}
	client, err := s.sftpClient()
	if err != nil {
		return wrap(err)
	}

	tmp := path.Join(path.Dir(remotePath), "."+path.Base(remotePath)+".tmp-"+s.id)
	f, err := client.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return wrap(err)
	}
	defer func() {
		if err != nil {
			_ = client.Remove(tmp)
		}
	}()
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return wrap(err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return wrap(err)
	}
	if err := f.Close(); err != nil {
		return wrap(err)
	}
	if err := client.PosixRename(tmp, remotePath); err != nil {
		// Servers without the posix-rename extension fall back to
		// remove-then-rename.
		var se *sftp.StatusError
		if !errors.As(err, &se) {
			return wrap(err)
		}
		_ = client.Remove(remotePath)
		if err := client.Rename(tmp, remotePath); err != nil {
			return wrap(err)
		}
	}
	s.logger().Debug("uploaded", "bytes", len(content))
	return nil
}

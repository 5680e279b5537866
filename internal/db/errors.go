// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"errors"
	"strings"

	"github.com/zyotra/storagelayer/internal/model"
)

var (
	// ErrNotFound is returned when a machine record does not exist.
	ErrNotFound = model.ErrMachineNotFound
	// ErrDuplicate is returned when attempting to insert a record that already exists.
	ErrDuplicate = errors.New("duplicate record")
)

// MapDBError maps common constraint violations to package sentinels. The
// mapping is string based to keep driver packages out of this file.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}
	le := strings.ToLower(err.Error())
	// MySQL duplicate entry (1062), Postgres unique violation (23505), SQLite unique constraint
	if strings.Contains(le, "duplicate") || strings.Contains(le, "unique") || strings.Contains(le, "23505") || strings.Contains(le, "1062") {
		return ErrDuplicate
	}
	return err
}

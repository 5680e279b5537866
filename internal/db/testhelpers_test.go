// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"strings"
	"testing"
)

// newTestStore opens an isolated in-memory sqlite store for the test.
func newTestStore(t *testing.T) *BunStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	s, err := NewStoreFromDSN(TypeSQLite, "file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewStoreFromDSN failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

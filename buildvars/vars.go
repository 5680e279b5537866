// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package buildvars contains variables injected at build time.
package buildvars

// Set at link time, e.g.
// -ldflags "-X github.com/zyotra/storagelayer/buildvars.Version=1.2.3".
// They are empty for local or development builds.
var (
	Version string
	Commit  string
	Date    string
)

// VersionOrDefault returns Version if set, otherwise def.
func VersionOrDefault(def string) string {
	if len(Version) > 0 {
		return Version
	}
	return def
}

// CommitOrDefault returns Commit if set, otherwise def.
func CommitOrDefault(def string) string {
	if len(Commit) > 0 {
		return Commit
	}
	return def
}

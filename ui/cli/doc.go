// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package cli implements the storagelayer command line: running commands and
// recipes on tenant machines, registering machines, trusting host keys and
// inspecting the execution history.
package cli

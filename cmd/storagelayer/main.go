// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

// Command storagelayer runs commands on tenant machines over SSH.
//
// Usage:
//
//	storagelayer exec <machine-id> --caller <tenant> --address <addr> <command>...
//
// See --help for the other subcommands.
package main

import (
	"os"

	"github.com/zyotra/storagelayer/internal/logging"
	"github.com/zyotra/storagelayer/ui/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		logging.Debugf("exit: %v", err)
		os.Exit(1)
	}
}

// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/spire-resilient/prime-core/internal/ui"
	"github.com/spire-resilient/prime-core/pkg/config"
)

// runReset wipes this replica's local on-disk state: private key,
// threshold share, roster, incarnation journal and checkpoints. It
// does not touch replica.yaml itself, mirroring the teacher's cie
// reset (data only, not configuration).
func runReset(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	confirm := fs.Bool("yes", false, "Confirm the reset (required)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: prime-replica reset [options]

WARNING: destructive. Deletes this replica's private key, threshold
share, roster, incarnation journal and checkpoints from data_dir. The
replica will generate a fresh keypair and incarnation 0 on next init.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ui.Init(globals.NoColor)

	if !*confirm {
		ui.Errorf("refusing to reset without --yes")
		return 1
	}

	cfg, err := config.Load(globals.ConfigPath)
	if err != nil {
		ui.Errorf("%v", err)
		return 1
	}

	if _, err := os.Stat(cfg.Paths.DataDir); os.IsNotExist(err) {
		ui.Info("nothing to reset: data directory does not exist")
		return 0
	}

	if err := os.RemoveAll(cfg.Paths.DataDir); err != nil {
		ui.Errorf("remove %s: %v", cfg.Paths.DataDir, err)
		return 1
	}
	ui.Successf("Removed %s", cfg.Paths.DataDir)
	ui.Info("Run 'prime-replica init' to regenerate state before serving again.")
	return 0
}

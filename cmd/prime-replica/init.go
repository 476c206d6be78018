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
	"github.com/spire-resilient/prime-core/pkg/keystore"
)

// runInit executes the 'init' CLI command: it writes a new replica.yaml
// for the given (id, n, f, k) and generates the replica's RSA keypair,
// mirroring the teacher's cie init (config file + first-run bootstrap
// in one step).
func runInit(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	id := fs.Uint32("id", 1, "This replica's id (1..N)")
	n := fs.Uint32("n", 4, "Total replica count N")
	f := fs.Uint32("f", 1, "Byzantine fault bound f")
	k := fs.Uint32("k", 0, "Benign/unavailable fault bound k")
	force := fs.Bool("force", false, "Overwrite an existing replica.yaml")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: prime-replica init [options]

Writes a new replica.yaml (N=3f+2k+1 membership, default timers and
paths) and generates this replica's RSA keypair under ./data if one
does not already exist.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ui.Init(globals.NoColor)

	if _, err := os.Stat(globals.ConfigPath); err == nil && !*force {
		ui.Errorf("%s already exists; pass --force to overwrite", globals.ConfigPath)
		return 1
	}

	m := config.Membership{N: *n, F: *f, K: *k}
	if err := m.Validate(); err != nil {
		ui.Errorf("%v", err)
		return 1
	}

	cfg := config.Default(*id, m)
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o750); err != nil {
		ui.Errorf("create data dir: %v", err)
		return 1
	}
	if err := config.Save(cfg, globals.ConfigPath); err != nil {
		ui.Errorf("%v", err)
		return 1
	}
	ui.Successf("Wrote %s", globals.ConfigPath)

	store, err := keystore.Open(cfg.Paths.DataDir)
	if err != nil {
		ui.Errorf("open keystore: %v", err)
		return 1
	}
	if _, err := store.LoadOrCreatePrivateKey(); err != nil {
		ui.Errorf("generate keypair: %v", err)
		return 1
	}
	ui.Successf("Replica key ready under %s", cfg.Paths.DataDir)

	ui.SubHeader("Next steps:")
	fmt.Printf("  1. Run '%s' on every replica, then copy each replica's\n", ui.Cyan.Sprint("prime-replica init"))
	fmt.Printf("     public key into every other replica's %s\n", ui.DimText("data/roster/<id>.pem"))
	fmt.Printf("  2. Run '%s' to start this replica\n", ui.Cyan.Sprint("prime-replica serve"))
	return 0
}

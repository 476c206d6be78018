// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/spire-resilient/prime-core/internal/ui"
	"github.com/spire-resilient/prime-core/pkg/config"
	"github.com/spire-resilient/prime-core/pkg/crypto"
	"github.com/spire-resilient/prime-core/pkg/keystore"
)

// runKeygen has two modes. The default rotates this replica's RSA
// keypair outside of the normal proactive-recovery schedule (e.g. after
// a suspected key compromise) and prints the new public key so an
// operator can push it into every peer's roster directory. With --site
// it acts as the trusted dealer instead: it generates the site
// threshold-RSA key, splits it into one share per replica, and writes
// each replica's share plus the shared public parameters into a
// per-replica directory for the operator to distribute.
func runKeygen(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	site := fs.Bool("site", false, "Deal a fresh site threshold key instead of rotating the replica key")
	out := fs.String("out", "./site-keys", "Output directory for --site share material")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: prime-replica keygen [options]

Default mode rotates this replica's RSA keypair and prints the new
public key PEM. The replica must be restarted afterward, and every peer
must install the printed key under its data/roster/<this-replica-id>.pem
before this replica's signatures will verify again.

With --site, deals a fresh site threshold key for the whole membership:
one share per replica under <out>/replica-<id>/, each alongside the
shared public parameters. Copy each directory's contents into that
replica's data_dir. The dealer's copy of the full private key is not
persisted anywhere.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ui.Init(globals.NoColor)

	cfg, err := config.Load(globals.ConfigPath)
	if err != nil {
		ui.Errorf("%v", err)
		return 1
	}

	if *site {
		return runKeygenSite(cfg, *out)
	}

	store, err := keystore.Open(cfg.Paths.DataDir)
	if err != nil {
		ui.Errorf("open keystore: %v", err)
		return 1
	}
	priv, err := store.RotatePrivateKey()
	if err != nil {
		ui.Errorf("rotate key: %v", err)
		return 1
	}
	pemBytes, err := crypto.EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		ui.Errorf("encode public key: %v", err)
		return 1
	}

	ui.Successf("Rotated key for replica %d", cfg.ReplicaID)
	ui.Infof("Install this as data/roster/%d.pem on every peer, then restart.", cfg.ReplicaID)
	fmt.Println()
	os.Stdout.Write(pemBytes)
	return 0
}

func runKeygenSite(cfg *config.Config, out string) int {
	n := int(cfg.Membership.N)
	threshold := int(cfg.Membership.ThresholdCount())

	siteKey, err := crypto.GenerateKeyPair()
	if err != nil {
		ui.Errorf("generate site key: %v", err)
		return 1
	}
	params, shares, err := crypto.GenerateThresholdShares(siteKey, n, threshold)
	if err != nil {
		ui.Errorf("deal shares: %v", err)
		return 1
	}

	for _, share := range shares {
		dir := filepath.Join(out, fmt.Sprintf("replica-%d", share.Index))
		store, err := keystore.Open(dir)
		if err != nil {
			ui.Errorf("open %s: %v", dir, err)
			return 1
		}
		if err := store.SaveThresholdShare(share); err != nil {
			ui.Errorf("write share for replica %d: %v", share.Index, err)
			return 1
		}
		if err := store.SaveThresholdParams(params); err != nil {
			ui.Errorf("write params for replica %d: %v", share.Index, err)
			return 1
		}
	}

	ui.Successf("Dealt %d shares (threshold %d) under %s", n, threshold, out)
	ui.Info("Copy each replica-<id>/ directory's contents into that replica's data_dir.")
	return 0
}

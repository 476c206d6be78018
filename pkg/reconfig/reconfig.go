// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package reconfig implements Reconfiguration (design doc §4.8):
// admitting signed ConfigArtifacts that install a new roster, site
// public key and generalized configuration number (gcn), and watching
// the external Configuration Manager's artifact directory for new
// ones via fsnotify — standing in for a push subscription trait no
// in-process dependency in this stack provides.
package reconfig

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	coreerrors "github.com/spire-resilient/prime-core/internal/errors"
	"github.com/spire-resilient/prime-core/internal/wire"
	"github.com/spire-resilient/prime-core/pkg/crypto"
)

// RosterKeyEntry is an installed roster slot: the replica's per-message
// signing public key plus its threshold-share-holder identity.
type RosterKeyEntry struct {
	ShareHolder uint32
	PublicKey   *rsa.PublicKey
}

// Layer is one replica's reconfiguration state.
type Layer struct {
	logger *slog.Logger

	mu      sync.Mutex
	gcn     uint32
	roster  map[wire.ReplicaID]*RosterKeyEntry
	watcher *fsnotify.Watcher
	dir     string

	onArtifact func(wire.ConfigArtifact)
}

// New constructs a Layer starting at gcn 0 (no artifact installed yet).
func New(logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{
		logger: logger.With("component", "reconfig"),
		roster: make(map[wire.ReplicaID]*RosterKeyEntry),
	}
}

// GCN returns the currently installed generalized configuration number.
func (l *Layer) GCN() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gcn
}

// OnArtifact registers a callback invoked whenever a ConfigArtifact is
// accepted and installed.
func (l *Layer) OnArtifact(fn func(wire.ConfigArtifact)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onArtifact = fn
}

// Admit validates and installs a ConfigArtifact, rejecting any gcn at
// or below the currently installed one (design doc §4.8's gcn
// monotonicity check). Old-gcn ordering/pre-order state is discarded
// by the caller except the committed prefix, bridged via a checkpoint
// — this layer only owns the roster/key installation itself.
func (l *Layer) Admit(artifact wire.ConfigArtifact) error {
	l.mu.Lock()
	if artifact.GCN <= l.gcn {
		l.mu.Unlock()
		return coreerrors.Stale("reconfig", fmt.Sprintf("artifact gcn %d not above current %d", artifact.GCN, l.gcn), nil)
	}
	roster := make(map[wire.ReplicaID]*RosterKeyEntry, len(artifact.Roster))
	for _, entry := range artifact.Roster {
		pub, err := crypto.ParsePublicKeyPEM(entry.PublicKeyPEM)
		if err != nil {
			l.mu.Unlock()
			return coreerrors.AuthInvalid("reconfig", "malformed roster entry public key", err)
		}
		roster[entry.Replica] = &RosterKeyEntry{ShareHolder: entry.ShareHolder, PublicKey: pub}
	}
	l.gcn = artifact.GCN
	l.roster = roster
	fn := l.onArtifact
	l.mu.Unlock()
	if fn != nil {
		fn(artifact)
	}
	return nil
}

// Roster returns the currently installed per-replica key roster.
func (l *Layer) Roster() map[wire.ReplicaID]*RosterKeyEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[wire.ReplicaID]*RosterKeyEntry, len(l.roster))
	for k, v := range l.roster {
		out[k] = v
	}
	return out
}

// WatchDir starts an fsnotify watch on dir, the Configuration Manager's
// artifact directory: every new or modified *.json file is parsed as a
// ConfigArtifact and passed to admit. Returns a stop function.
func (l *Layer) WatchDir(dir string, admit func(wire.ConfigArtifact) error) (func() error, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("reconfig: new watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("reconfig: watch %s: %w", dir, err)
	}
	l.mu.Lock()
	l.watcher = w
	l.dir = dir
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if filepath.Ext(ev.Name) != ".json" {
					continue
				}
				artifact, err := readArtifact(ev.Name)
				if err != nil {
					l.logger.Warn("reconfig: skipping unparsable artifact", "path", ev.Name, "err", err)
					continue
				}
				if err := admit(artifact); err != nil {
					l.logger.Warn("reconfig: artifact rejected", "path", ev.Name, "err", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("reconfig: watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	return func() error {
		close(done)
		return w.Close()
	}, nil
}

func readArtifact(path string) (wire.ConfigArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return wire.ConfigArtifact{}, err
	}
	var artifact wire.ConfigArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return wire.ConfigArtifact{}, err
	}
	return artifact, nil
}

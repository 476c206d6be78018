// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package reconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spire-resilient/prime-core/internal/wire"
	"github.com/spire-resilient/prime-core/pkg/crypto"
)

func genRosterEntry(t *testing.T, replica wire.ReplicaID) wire.RosterEntry {
	t.Helper()
	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	pem, err := crypto.EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	return wire.RosterEntry{Replica: replica, ShareHolder: uint32(replica), PublicKeyPEM: pem}
}

func TestAdmitInstallsRosterAndAdvancesGCN(t *testing.T) {
	l := New(nil)
	artifact := wire.ConfigArtifact{GCN: 1, Roster: []wire.RosterEntry{genRosterEntry(t, 1), genRosterEntry(t, 2)}}
	require.NoError(t, l.Admit(artifact))
	require.Equal(t, uint32(1), l.GCN())
	require.Len(t, l.Roster(), 2)
}

func TestAdmitRejectsStaleGCN(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Admit(wire.ConfigArtifact{GCN: 2, Roster: []wire.RosterEntry{genRosterEntry(t, 1)}}))
	err := l.Admit(wire.ConfigArtifact{GCN: 2, Roster: []wire.RosterEntry{genRosterEntry(t, 1)}})
	require.Error(t, err)
	err = l.Admit(wire.ConfigArtifact{GCN: 1, Roster: []wire.RosterEntry{genRosterEntry(t, 1)}})
	require.Error(t, err)
}

func TestAdmitRejectsMalformedKey(t *testing.T) {
	l := New(nil)
	err := l.Admit(wire.ConfigArtifact{GCN: 1, Roster: []wire.RosterEntry{{Replica: 1, PublicKeyPEM: []byte("not pem")}}})
	require.Error(t, err)
}

func TestWatchDirPicksUpNewArtifact(t *testing.T) {
	dir := t.TempDir()
	l := New(nil)

	var gotCh = make(chan wire.ConfigArtifact, 1)
	stop, err := l.WatchDir(dir, func(a wire.ConfigArtifact) error {
		err := l.Admit(a)
		if err == nil {
			gotCh <- a
		}
		return err
	})
	require.NoError(t, err)
	defer stop()

	artifact := wire.ConfigArtifact{GCN: 3, Roster: []wire.RosterEntry{genRosterEntry(t, 1)}}
	data, err := json.Marshal(artifact)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gcn-3.json"), data, 0o644))

	select {
	case got := <-gotCh:
		require.Equal(t, uint32(3), got.GCN)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fsnotify to observe the new artifact")
	}
	require.Equal(t, uint32(3), l.GCN())
}

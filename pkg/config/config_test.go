// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMembershipQuorums(t *testing.T) {
	cases := []struct {
		m                    Membership
		quorum, small, thresh uint32
		valid                bool
	}{
		{Membership{N: 4, F: 1, K: 0}, 3, 2, 2, true},
		{Membership{N: 6, F: 1, K: 1}, 4, 3, 3, true},
		{Membership{N: 7, F: 2, K: 0}, 5, 3, 3, true},
		{Membership{N: 5, F: 1, K: 0}, 3, 2, 2, false},
	}
	for _, c := range cases {
		require.Equal(t, c.quorum, c.m.Quorum())
		require.Equal(t, c.small, c.m.SmallQuorum())
		require.Equal(t, c.thresh, c.m.ThresholdCount())
		if c.valid {
			require.NoError(t, c.m.Validate())
		} else {
			require.Error(t, c.m.Validate())
		}
	}
}

func TestDefaultTimersAreConservative(t *testing.T) {
	tm := DefaultTimers()
	require.Equal(t, 64, tm.SigThreshold)
	require.Equal(t, 20*time.Millisecond, tm.PrePrepare)
	require.Equal(t, 500*time.Millisecond, tm.SuspectVC)
	require.Equal(t, 10*time.Second, tm.RecoveryPeriod)
	require.Equal(t, 2.5, tm.KLat)
	require.Equal(t, uint32(10), tm.CatchupHistory)
	require.Equal(t, 20, tm.MaxPOInFlight)
	require.Less(t, tm.SigMin, tm.SigMax)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.yaml")
	cfg := Default(2, Membership{N: 4, F: 1, K: 0})
	cfg.Peers = map[uint32]string{1: "10.0.0.1:7000", 3: "10.0.0.3:7000"}
	require.NoError(t, Save(cfg, path))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.ReplicaID, got.ReplicaID)
	require.Equal(t, cfg.Membership, got.Membership)
	require.Equal(t, cfg.Timers, got.Timers)
	require.Equal(t, cfg.Peers, got.Peers)
}

func TestLoadRejectsInvalidMembership(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.yaml")
	cfg := Default(1, Membership{N: 4, F: 1, K: 0})
	cfg.Membership.N = 5
	require.NoError(t, Save(cfg, path))
	_, err := Load(path)
	require.Error(t, err)
}

// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package replica

import (
	"context"
	"crypto/rsa"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spire-resilient/prime-core/internal/wire"
	"github.com/spire-resilient/prime-core/pkg/config"
	"github.com/spire-resilient/prime-core/pkg/crypto"
	"github.com/spire-resilient/prime-core/pkg/keystore"
	"github.com/spire-resilient/prime-core/pkg/transport"
)

type nullApp struct{ state []byte }

func (a *nullApp) Snapshot() ([]byte, error) { return append([]byte(nil), a.state...), nil }
func (a *nullApp) Restore(data []byte) error { a.state = append([]byte(nil), data...); return nil }

// buildCluster wires n replicas (N=4,F=1,K=0, quorum 3) over a shared
// in-memory bus, each with its own keystore and a roster populated
// before any replica starts its event loop. With thresholdKeys set,
// every replica additionally receives a dealt share of a site
// threshold key, so executed slots produce site certificates.
func buildCluster(t *testing.T, n int, thresholdKeys bool) ([]*Replica, func()) {
	t.Helper()
	membership := config.Membership{N: uint32(n), F: 1, K: 0}
	require.NoError(t, membership.Validate())

	stores := make([]*keystore.Store, n)
	pubs := make(map[wire.ReplicaID]*rsa.PublicKey, n)
	for i := 0; i < n; i++ {
		st, err := keystore.Open(t.TempDir())
		require.NoError(t, err)
		stores[i] = st
		priv, err := st.LoadOrCreatePrivateKey()
		require.NoError(t, err)
		pubs[wire.ReplicaID(i+1)] = &priv.PublicKey
	}
	for _, st := range stores {
		require.NoError(t, st.SaveRoster(pubs))
	}

	if thresholdKeys {
		siteKey, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		params, shares, err := crypto.GenerateThresholdShares(siteKey, n, int(membership.ThresholdCount()))
		require.NoError(t, err)
		for i, share := range shares {
			require.NoError(t, stores[i].SaveThresholdShare(share))
			require.NoError(t, stores[i].SaveThresholdParams(params))
		}
	}

	bus := transport.NewMemoryBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

	replicas := make([]*Replica, n)
	for i := 0; i < n; i++ {
		id := wire.ReplicaID(i + 1)
		tr := transport.NewMemoryTransport(bus, id)
		cfg := config.Default(uint32(id), membership)
		cfg.Timers.SigThreshold = 1 // exercise the single-signature RSA path, not Merkle batching
		cfg.Timers.SigMax = 2 * time.Millisecond
		cfg.Timers.PrePrepare = 5 * time.Millisecond
		cfg.Timers.POPeriodically = 2 * time.Millisecond
		cfg.Timers.SuspectPing = 50 * time.Millisecond
		cfg.Timers.SuspectTATMeasure = 50 * time.Millisecond
		cfg.Timers.SuspectVC = 500 * time.Millisecond
		cfg.Timers.CatchupRequestPeriodically = time.Second
		cfg.Timers.RecoveryPeriod = time.Hour
		cfg.Timers.Retrans = 10 * time.Millisecond
		cfg.Timers.SystemResetMinWait = 50 * time.Millisecond
		cfg.Timers.SystemResetTimeout = 2 * time.Second
		cfg.Paths.ConfigArtifactDir = "" // no on-disk reconfiguration feed in tests

		rep, err := New(cfg, stores[i], tr, &nullApp{}, logger)
		require.NoError(t, err)
		replicas[i] = rep
	}

	ctx, cancel := context.WithCancel(context.Background())
	for _, rep := range replicas {
		go rep.Loop(ctx)
	}
	return replicas, cancel
}

func TestClusterOrdersAndExecutesOneRequest(t *testing.T) {
	replicas, stop := buildCluster(t, 4, false)
	defer stop()

	leader := replicas[0] // view 0's leader is replica 1
	resultCh, err := leader.Submit(context.Background(), []byte("move breaker 12 open"))
	require.NoError(t, err)

	select {
	case res := <-resultCh:
		require.NoError(t, res.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for request to execute")
	}

	require.Eventually(t, func() bool {
		for _, rep := range replicas {
			if rep.ORD.LastExecuted() == 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "all replicas should eventually execute slot 1")
}

func TestClusterSurvivesLeaderSilenceViaViewChange(t *testing.T) {
	replicas, stop := buildCluster(t, 4, false)
	defer stop()

	// Starve the leader's outbound link by closing its transport, forcing
	// the rest of the cluster to observe TAT violations and install a new
	// view with a different leader.
	require.NoError(t, replicas[0].transport.Close())

	require.Eventually(t, func() bool {
		return replicas[1].ORD.View() > 0 && replicas[2].ORD.View() > 0
	}, 5*time.Second, 20*time.Millisecond, "surviving replicas should install a new view once the leader goes silent")
}

// TestClusterFormsSiteCertificates also exercises the system-reset
// cold-boot round: with threshold material present, every replica
// collects bootstrap-ordinal shares and the leader holds off proposing
// until the round is ready, so the submitted update only executes once
// the bootstrap completes.
func TestClusterFormsSiteCertificates(t *testing.T) {
	replicas, stop := buildCluster(t, 4, true)
	defer stop()

	resultCh, err := replicas[0].Submit(context.Background(), []byte{0xAA, 0xBB})
	require.NoError(t, err)
	select {
	case res := <-resultCh:
		require.NoError(t, res.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for request to execute")
	}

	require.Eventually(t, func() bool {
		for _, rep := range replicas {
			if _, ok := rep.SiteCertificate(1); ok {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "some replica should combine k+f+1 shares into slot 1's site certificate")
}

// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spire-resilient/prime-core/internal/wire"
	"github.com/spire-resilient/prime-core/pkg/crypto"
	"github.com/spire-resilient/prime-core/pkg/keystore"
)

func TestDueRequiresPeriodElapsed(t *testing.T) {
	store, err := keystore.Open(t.TempDir())
	require.NoError(t, err)
	l := New(1, 3, 50*time.Millisecond, store, nil)
	now := time.Now()
	require.False(t, l.Due(now), "first call only seeds lastRestart")
	require.False(t, l.Due(now.Add(10*time.Millisecond)))
	require.True(t, l.Due(now.Add(60*time.Millisecond)))
}

func TestRestartRotatesKeyAndBumpsIncarnation(t *testing.T) {
	store, err := keystore.Open(t.TempDir())
	require.NoError(t, err)
	before, err := store.LoadOrCreatePrivateKey()
	require.NoError(t, err)

	l := New(1, 3, time.Second, store, nil)
	key, ann, err := l.Restart(time.Now(), 1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), ann.Incarnation)
	require.NotEqual(t, before.D, key.D)

	journal, err := store.LoadJournal()
	require.NoError(t, err)
	require.Equal(t, uint32(1), journal.CurrentIncarnation)

	pub, err := crypto.ParsePublicKeyPEM(ann.PublicKeyPEM)
	require.NoError(t, err)
	require.Equal(t, key.PublicKey.N, pub.N)
}

func TestOnAckReachesQuorum(t *testing.T) {
	store, err := keystore.Open(t.TempDir())
	require.NoError(t, err)
	l := New(1, 3, time.Second, store, nil)
	_, ann, err := l.Restart(time.Now(), 1)
	require.NoError(t, err)

	_, installed := l.OnAck(wire.NewIncarnationAck{Acker: 2, Replica: 1, Incarnation: ann.Incarnation})
	require.False(t, installed)
	got, installed := l.OnAck(wire.NewIncarnationAck{Acker: 3, Replica: 1, Incarnation: ann.Incarnation})
	require.True(t, installed, "self-ack plus two more reaches quorum 3")
	require.Equal(t, ann, got, "the quorum install hands back the retained announcement")

	_, again := l.OnAck(wire.NewIncarnationAck{Acker: 4, Replica: 1, Incarnation: ann.Incarnation})
	require.False(t, again, "an installed incarnation is handed back exactly once")
}

func TestOnAnnounceRefusesReplayedIncarnation(t *testing.T) {
	store, err := keystore.Open(t.TempDir())
	require.NoError(t, err)
	l := New(2, 3, time.Second, store, nil)

	ack, err := l.OnAnnounce(wire.NewIncarnation{Replica: 1, Incarnation: 3})
	require.NoError(t, err)
	require.Equal(t, wire.ReplicaID(2), ack.Acker)

	_, err = l.OnAnnounce(wire.NewIncarnation{Replica: 1, Incarnation: 3})
	require.Error(t, err, "an (id, incarnation) pair is never announced twice")
	_, err = l.OnAnnounce(wire.NewIncarnation{Replica: 1, Incarnation: 2})
	require.Error(t, err)

	_, err = l.OnAnnounce(wire.NewIncarnation{Replica: 1, Incarnation: 4})
	require.NoError(t, err)
}

func TestCountsTowardKWhileInstalling(t *testing.T) {
	store, err := keystore.Open(t.TempDir())
	require.NoError(t, err)
	l := New(1, 3, time.Second, store, nil)
	_, ann, err := l.Restart(time.Now(), 1)
	require.NoError(t, err)
	require.True(t, l.CountsTowardK(1, ann.Incarnation))
	_, _ = l.OnAck(wire.NewIncarnationAck{Acker: 2, Replica: 1, Incarnation: ann.Incarnation})
	_, _ = l.OnAck(wire.NewIncarnationAck{Acker: 3, Replica: 1, Incarnation: ann.Incarnation})
	require.False(t, l.CountsTowardK(1, ann.Incarnation))
}

func TestBootstrapVoteOutRequiresMinWait(t *testing.T) {
	b := NewBootstrap(1, 3, 50*time.Millisecond, time.Second)
	now := time.Now()
	b.Begin(now)
	require.Error(t, b.VoteOut(2, now.Add(10*time.Millisecond)))
	require.NoError(t, b.VoteOut(2, now.Add(60*time.Millisecond)))
	require.Contains(t, b.VotedOut(), wire.ReplicaID(2))
}

func TestBootstrapShareQuorum(t *testing.T) {
	b := NewBootstrap(1, 3, 0, time.Second)
	b.Begin(time.Now())
	require.False(t, b.OnShare(1, crypto.PartialSignature{Index: 1}))
	require.False(t, b.OnShare(2, crypto.PartialSignature{Index: 2}))
	require.True(t, b.OnShare(3, crypto.PartialSignature{Index: 3}))
	require.Len(t, b.Shares(), 3)
}

func TestBootstrapReadyNeedsQuorumAndMinWait(t *testing.T) {
	b := NewBootstrap(1, 3, 50*time.Millisecond, time.Second)
	now := time.Now()
	require.False(t, b.Ready(now), "not ready before Begin")
	b.Begin(now)

	b.OnShare(1, crypto.PartialSignature{Index: 1})
	b.OnShare(2, crypto.PartialSignature{Index: 2})
	b.OnShare(3, crypto.PartialSignature{Index: 3})
	require.False(t, b.Ready(now.Add(10*time.Millisecond)), "quorum alone is not enough before SYSTEM_RESET_MIN_WAIT")
	require.True(t, b.Ready(now.Add(60*time.Millisecond)))

	b.Begin(now.Add(100 * time.Millisecond))
	require.False(t, b.Ready(now.Add(time.Hour)), "a re-begun round starts share collection over")
}

func TestBootstrapTimeout(t *testing.T) {
	b := NewBootstrap(1, 3, 0, 20*time.Millisecond)
	now := time.Now()
	b.Begin(now)
	require.False(t, b.TimedOut(now.Add(5*time.Millisecond)))
	require.True(t, b.TimedOut(now.Add(30*time.Millisecond)))
}

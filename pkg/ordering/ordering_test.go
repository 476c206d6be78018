// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ordering

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spire-resilient/prime-core/internal/wire"
	"github.com/spire-resilient/prime-core/pkg/preorder"
)

func digestOf(pp wire.PrePrepare) [wire.DigestSize]byte {
	var d [wire.DigestSize]byte
	d[0] = byte(pp.Seq)
	d[1] = byte(pp.Seq >> 8)
	d[2] = byte(pp.View)
	return d
}

// poWithCertifiedRequest builds a Pre-Order layer at replica 1 holding
// one certified request of its own, with peers 2 and 3 reporting it in
// their ARU rows so the matrix-derived eligibility covers it.
func poWithCertifiedRequest(t *testing.T) (*preorder.Layer, wire.PORequest) {
	t.Helper()
	po := preorder.New(1, 4, 3, 20, nil)
	req, err := po.Submit([][]byte{[]byte("update-1")})
	require.NoError(t, err)
	po.OnAck(wire.POAck{Acker: 2, Origin: 1, Seq: req.Seq})
	po.OnAck(wire.POAck{Acker: 3, Origin: 1, Seq: req.Seq})
	po.OnPeerARU(wire.POARU{Reporter: 2, CumAck: []wire.POSeqPair{req.Seq, {}, {}, {}}})
	po.OnPeerARU(wire.POARU{Reporter: 3, CumAck: []wire.POSeqPair{req.Seq, {}, {}, {}}})
	return po, req
}

func driveToCommit(t *testing.T, l *Layer, pp wire.PrePrepare) [wire.DigestSize]byte {
	t.Helper()
	d := digestOf(pp)
	require.NoError(t, l.OnPrePrepare(l.Leader(pp.View), pp, d))
	for _, signer := range []wire.ReplicaID{1, 2, 3} {
		_, err := l.OnPrepare(wire.Vote{View: pp.View, Seq: pp.Seq, Digest: d, Signer: signer})
		require.NoError(t, err)
	}
	for _, signer := range []wire.ReplicaID{1, 2, 3} {
		_, err := l.OnCommit(wire.Vote{View: pp.View, Seq: pp.Seq, Digest: d, Signer: signer})
		require.NoError(t, err)
	}
	require.Equal(t, Committed, l.SlotState(pp.Seq))
	return d
}

func TestLeaderRotation(t *testing.T) {
	po := preorder.New(1, 4, 3, 20, nil)
	l := New(1, 4, 3, 2, po, 10, nil)
	require.Equal(t, wire.ReplicaID(1), l.Leader(0))
	require.Equal(t, wire.ReplicaID(2), l.Leader(1))
	require.Equal(t, wire.ReplicaID(4), l.Leader(3))
	require.Equal(t, wire.ReplicaID(1), l.Leader(4))
}

func TestThreePhaseAgreementToCommitAndExecute(t *testing.T) {
	po, req := poWithCertifiedRequest(t)
	l := New(1, 4, 3, 2, po, 10, nil)
	require.True(t, l.IsLeader())

	pp := l.BuildPrePrepare(0)
	require.Equal(t, uint32(1), pp.Seq)

	var delivered []ClientUpdate
	l.OnDeliver(func(slot uint32, digest [wire.DigestSize]byte, updates []ClientUpdate) {
		delivered = append(delivered, updates...)
	})

	driveToCommit(t, l, pp)
	l.Execute()
	require.Equal(t, uint32(1), l.LastExecuted())
	require.Len(t, delivered, 1)
	require.Equal(t, []byte("update-1"), delivered[0].Payload)
	require.Equal(t, req.Seq, delivered[0].Seq)
}

func TestPrepareQuorumCountsRacedCommits(t *testing.T) {
	po, _ := poWithCertifiedRequest(t)
	l := New(1, 4, 3, 2, po, 10, nil)
	pp := l.BuildPrePrepare(0)
	d := digestOf(pp)
	require.NoError(t, l.OnPrePrepare(1, pp, d))

	// Commits race ahead of the prepare quorum.
	for _, signer := range []wire.ReplicaID{2, 3, 4} {
		_, err := l.OnCommit(wire.Vote{Seq: pp.Seq, Digest: d, Signer: signer})
		require.NoError(t, err)
	}
	require.Equal(t, PrePrepared, l.SlotState(pp.Seq))

	for _, signer := range []wire.ReplicaID{1, 2, 3} {
		_, err := l.OnPrepare(wire.Vote{Seq: pp.Seq, Digest: d, Signer: signer})
		require.NoError(t, err)
	}
	require.Equal(t, Committed, l.SlotState(pp.Seq))
}

func TestDigestMismatchRejected(t *testing.T) {
	po, _ := poWithCertifiedRequest(t)
	l := New(1, 4, 3, 2, po, 10, nil)
	pp := l.BuildPrePrepare(0)
	d := digestOf(pp)
	require.NoError(t, l.OnPrePrepare(1, pp, d))

	wrong := d
	wrong[5] ^= 0xFF
	_, err := l.OnPrepare(wire.Vote{Seq: pp.Seq, Digest: wrong, Signer: 2})
	require.Error(t, err)
}

func TestConflictingPrePrepareRejected(t *testing.T) {
	po, _ := poWithCertifiedRequest(t)
	l := New(1, 4, 3, 2, po, 10, nil)
	pp := l.BuildPrePrepare(0)
	d := digestOf(pp)
	require.NoError(t, l.OnPrePrepare(1, pp, d))

	conflicting := d
	conflicting[0] ^= 0xFF
	err := l.OnPrePrepare(1, pp, conflicting)
	require.Error(t, err, "second pre-prepare with a different digest for the same (view, seq) is Byzantine")

	// The identical pre-prepare again is merely stale, not suspicious.
	err = l.OnPrePrepare(1, pp, d)
	require.Error(t, err)
}

func TestPrePrepareFromNonLeaderRejected(t *testing.T) {
	po, _ := poWithCertifiedRequest(t)
	l := New(2, 4, 3, 2, po, 10, nil)
	pp := wire.PrePrepare{View: 0, Seq: 1, Matrix: po.ProofMatrix(), LastExecuted: make([]wire.POSeqPair, 4)}

	// View 0's leader is replica 1; a proposal authenticated as coming
	// from anyone else must never reach the slot table.
	err := l.OnPrePrepare(4, pp, digestOf(pp))
	require.Error(t, err)
	require.Equal(t, Void, l.SlotState(1))

	require.NoError(t, l.OnPrePrepare(1, pp, digestOf(pp)))
	require.Equal(t, PrePrepared, l.SlotState(1))
}

func TestExecuteWaitsForMissingRequest(t *testing.T) {
	// Replica 4's ordering layer sees a committed slot whose cut covers
	// (origin 1, seq 1), but it never received that PO-Request.
	po := preorder.New(4, 4, 3, 20, nil)
	seq := wire.POSeqPair{Incarnation: 1, SeqNum: 1}
	for _, reporter := range []wire.ReplicaID{1, 2, 3} {
		po.OnPeerARU(wire.POARU{Reporter: reporter, CumAck: []wire.POSeqPair{seq, {}, {}, {}}})
	}
	l := New(4, 4, 3, 2, po, 10, nil)

	pp := wire.PrePrepare{View: 0, Seq: 1, Matrix: po.ProofMatrix(), LastExecuted: make([]wire.POSeqPair, 4)}
	driveToCommit(t, l, pp)

	delivered := 0
	l.OnDeliver(func(slot uint32, digest [wire.DigestSize]byte, updates []ClientUpdate) { delivered++ })

	l.Execute()
	require.Equal(t, uint32(0), l.LastExecuted(), "slot must not execute while its request is missing")
	missing := l.MissingForExecution()
	require.Len(t, missing, 1)
	require.Equal(t, wire.ReplicaID(1), missing[0].Origin)
	require.Equal(t, seq, missing[0].Seq)

	// Reconciliation delivers the request; execution proceeds.
	require.NoError(t, po.OnRequest(wire.PORequest{Origin: 1, Seq: seq, Payload: [][]byte{[]byte("filled")}}))
	l.Execute()
	require.Equal(t, uint32(1), l.LastExecuted())
	require.Equal(t, 1, delivered)
	require.Empty(t, l.MissingForExecution())
}

func TestWalkIntervalIncarnationJump(t *testing.T) {
	var visited []wire.POSeqPair
	walkInterval(
		wire.POSeqPair{Incarnation: 1, SeqNum: 7},
		wire.POSeqPair{Incarnation: 2, SeqNum: 2},
		func(s wire.POSeqPair) { visited = append(visited, s) },
	)
	require.Equal(t, []wire.POSeqPair{
		{Incarnation: 2, SeqNum: 1},
		{Incarnation: 2, SeqNum: 2},
	}, visited, "old incarnation's undelivered tail is treated as delivered")
}

func TestGarbageCollectPrunesOldSlots(t *testing.T) {
	po := preorder.New(1, 4, 3, 20, nil)
	l := New(1, 4, 3, 2, po, 2, nil)
	for seq := uint32(1); seq <= 5; seq++ {
		pp := wire.PrePrepare{View: 0, Seq: seq, Matrix: po.ProofMatrix(), LastExecuted: make([]wire.POSeqPair, 4)}
		driveToCommit(t, l, pp)
	}
	l.Execute()
	require.Equal(t, uint32(5), l.LastExecuted())
	l.GarbageCollect()
	require.Equal(t, Void, l.SlotState(1))
	require.Equal(t, Executed, l.SlotState(4))
}

func TestAdoptCertificatesDrivesExecution(t *testing.T) {
	po, req := poWithCertifiedRequest(t)
	l := New(1, 4, 3, 2, po, 10, nil)
	pp := wire.PrePrepare{View: 0, Seq: 1, Matrix: po.ProofMatrix(), LastExecuted: make([]wire.POSeqPair, 4)}

	l.AdoptCertificates([]wire.SlotCertificate{{Seq: 1, Digest: digestOf(pp), Committed: true, PP: &pp}})
	require.Equal(t, Committed, l.SlotState(1))

	var delivered []ClientUpdate
	l.OnDeliver(func(slot uint32, digest [wire.DigestSize]byte, updates []ClientUpdate) {
		delivered = append(delivered, updates...)
	})
	l.Execute()
	require.Equal(t, uint32(1), l.LastExecuted())
	require.Len(t, delivered, 1)
	require.Equal(t, req.Seq, delivered[0].Seq)
}

func TestJumpToFastForwards(t *testing.T) {
	po := preorder.New(1, 4, 3, 20, nil)
	l := New(1, 4, 3, 2, po, 10, nil)
	cut := []wire.POSeqPair{{Incarnation: 1, SeqNum: 9}, {}, {}, {}}
	l.JumpTo(42, cut)
	require.Equal(t, uint32(42), l.LastExecuted())
	require.Equal(t, cut, l.ExecutedCut())

	// A pre-prepare at or below the jump target is stale.
	pp := wire.PrePrepare{View: 0, Seq: 40, Matrix: po.ProofMatrix(), LastExecuted: make([]wire.POSeqPair, 4)}
	require.Error(t, l.OnPrePrepare(1, pp, digestOf(pp)))
}

func TestCertificatesBetweenCoversCommittedSlots(t *testing.T) {
	po, _ := poWithCertifiedRequest(t)
	l := New(1, 4, 3, 2, po, 10, nil)
	for seq := uint32(1); seq <= 3; seq++ {
		pp := wire.PrePrepare{View: 0, Seq: seq, Matrix: po.ProofMatrix(), LastExecuted: make([]wire.POSeqPair, 4)}
		driveToCommit(t, l, pp)
	}
	certs := l.CertificatesBetween(1, 3)
	require.Len(t, certs, 3)
	for i, c := range certs {
		require.Equal(t, uint32(i+1), c.Seq)
		require.True(t, c.Committed)
		require.NotNil(t, c.PP)
	}
}

func TestInstallFromProofAdoptsCommittedAndRedrivesPrepared(t *testing.T) {
	po, _ := poWithCertifiedRequest(t)
	l := New(2, 4, 3, 2, po, 10, nil)

	committed := wire.PrePrepare{View: 0, Seq: 1, Matrix: po.ProofMatrix(), LastExecuted: make([]wire.POSeqPair, 4)}
	preparedOnly := wire.PrePrepare{View: 0, Seq: 2, Matrix: po.ProofMatrix(), LastExecuted: make([]wire.POSeqPair, 4)}
	proof := wire.NewLeaderProof{
		View: 1,
		Reports: []wire.Report{
			{Reporter: 1, View: 1, Certificates: []wire.SlotCertificate{
				{Seq: 1, Digest: digestOf(committed), Committed: true, PP: &committed},
			}},
			{Reporter: 3, View: 1, Certificates: []wire.SlotCertificate{
				{Seq: 2, Digest: digestOf(preparedOnly), Committed: false, PP: &preparedOnly},
			}},
			{Reporter: 4, View: 1},
		},
	}

	rePrepares := l.InstallFromProof(1, proof)
	require.Equal(t, uint32(1), l.View())
	require.Equal(t, Committed, l.SlotState(1), "commit certificate is adopted as-is")
	require.Equal(t, Void, l.SlotState(2), "prepared-only slot is cleared for re-driving")
	require.Len(t, rePrepares, 1)
	require.Equal(t, uint32(2), rePrepares[0].Seq)
	require.Equal(t, uint32(1), rePrepares[0].View, "re-proposal carries the new view")
}

func TestDropUncommittedKeepsCommittedPrefix(t *testing.T) {
	po, _ := poWithCertifiedRequest(t)
	l := New(1, 4, 3, 2, po, 10, nil)

	committed := wire.PrePrepare{View: 0, Seq: 1, Matrix: po.ProofMatrix(), LastExecuted: make([]wire.POSeqPair, 4)}
	driveToCommit(t, l, committed)

	inFlight := wire.PrePrepare{View: 0, Seq: 2, Matrix: po.ProofMatrix(), LastExecuted: make([]wire.POSeqPair, 4)}
	require.NoError(t, l.OnPrePrepare(1, inFlight, digestOf(inFlight)))

	l.DropUncommitted()
	require.Equal(t, Committed, l.SlotState(1))
	require.Equal(t, Void, l.SlotState(2))
}

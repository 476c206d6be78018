// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package preorder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spire-resilient/prime-core/internal/wire"
)

func TestSubmitAssignsMonotonicSeq(t *testing.T) {
	l := New(1, 4, 3, 20, nil)
	req1, err := l.Submit([][]byte{[]byte("a")})
	require.NoError(t, err)
	require.Equal(t, wire.POSeqPair{Incarnation: 1, SeqNum: 1}, req1.Seq)

	req2, err := l.Submit([][]byte{[]byte("b")})
	require.NoError(t, err)
	require.Equal(t, wire.POSeqPair{Incarnation: 1, SeqNum: 2}, req2.Seq)
}

func TestSubmitBackpressure(t *testing.T) {
	l := New(1, 4, 3, 2, nil)
	_, err := l.Submit([][]byte{[]byte("a")})
	require.NoError(t, err)
	_, err = l.Submit([][]byte{[]byte("b")})
	require.NoError(t, err)
	_, err = l.Submit([][]byte{[]byte("c")})
	require.Error(t, err)
}

func TestCertificateFormsAtQuorumAndAdvancesCumAck(t *testing.T) {
	l := New(1, 4, 3, 20, nil)
	var certified []wire.POSeqPair
	l.OnCertified(func(origin wire.ReplicaID, seq wire.POSeqPair) {
		certified = append(certified, seq)
	})

	req, err := l.Submit([][]byte{[]byte("a")})
	require.NoError(t, err)
	require.Equal(t, wire.POSeqPair{}, l.CumAck(1))

	l.OnAck(wire.POAck{Acker: 2, Origin: 1, Seq: req.Seq})
	require.Equal(t, wire.POSeqPair{}, l.CumAck(1), "2 of 3 required acks should not certify yet")

	l.OnAck(wire.POAck{Acker: 3, Origin: 1, Seq: req.Seq})
	require.Equal(t, req.Seq, l.CumAck(1))
	require.Equal(t, []wire.POSeqPair{req.Seq}, certified)
}

func TestOutOfOrderCertificatesDoNotAdvanceCumAckPastGap(t *testing.T) {
	l := New(1, 4, 3, 20, nil)
	req1, _ := l.Submit([][]byte{[]byte("a")})
	req2, _ := l.Submit([][]byte{[]byte("b")})

	// Certify seq 2 first, leaving a gap at seq 1.
	l.OnAck(wire.POAck{Acker: 2, Origin: 1, Seq: req2.Seq})
	l.OnAck(wire.POAck{Acker: 3, Origin: 1, Seq: req2.Seq})
	require.Equal(t, wire.POSeqPair{}, l.CumAck(1))

	// Now fill the gap: cum_ack should jump through both.
	l.OnAck(wire.POAck{Acker: 2, Origin: 1, Seq: req1.Seq})
	l.OnAck(wire.POAck{Acker: 3, Origin: 1, Seq: req1.Seq})
	require.Equal(t, req2.Seq, l.CumAck(1))
}

func TestStaleRequestRejected(t *testing.T) {
	l := New(1, 4, 3, 20, nil)
	req, _ := l.Submit([][]byte{[]byte("a")})
	l.OnAck(wire.POAck{Acker: 2, Origin: 1, Seq: req.Seq})
	l.OnAck(wire.POAck{Acker: 3, Origin: 1, Seq: req.Seq})
	require.Equal(t, req.Seq, l.CumAck(1))

	err := l.OnRequest(wire.PORequest{Origin: 1, Seq: req.Seq, Payload: [][]byte{[]byte("replay")}})
	require.Error(t, err)
}

func TestARUVectorAndPeerMonotonicity(t *testing.T) {
	l := New(1, 4, 3, 20, nil)
	aru := l.ARUVector()
	require.Equal(t, wire.ReplicaID(1), aru.Reporter)
	require.Len(t, aru.CumAck, 4)

	l.OnPeerARU(wire.POARU{Reporter: 2, CumAck: []wire.POSeqPair{
		{}, {Incarnation: 1, SeqNum: 5}, {}, {},
	}})
	// A regressive report from the same peer must not move the matrix
	// backwards.
	l.OnPeerARU(wire.POARU{Reporter: 2, CumAck: []wire.POSeqPair{
		{}, {Incarnation: 1, SeqNum: 3}, {}, {},
	}})
	claims := l.SortedClaims(2)
	require.Equal(t, wire.POSeqPair{Incarnation: 1, SeqNum: 5}, claims[len(claims)-1])
}

func TestProofMatrixIncludesOwnFreshRow(t *testing.T) {
	l := New(1, 4, 3, 20, nil)
	req, _ := l.Submit([][]byte{[]byte("a")})
	l.OnAck(wire.POAck{Acker: 2, Origin: 1, Seq: req.Seq})
	l.OnAck(wire.POAck{Acker: 3, Origin: 1, Seq: req.Seq})

	m := l.ProofMatrix()
	require.Len(t, m.Rows, 4)
	require.Equal(t, wire.ReplicaID(1), m.Rows[0].Reporter)
	require.Equal(t, req.Seq, m.Rows[0].CumAck[0])
}

func TestResetIncarnationSetsWhiteLine(t *testing.T) {
	l := New(1, 4, 3, 20, nil)
	req, _ := l.Submit([][]byte{[]byte("a")})
	l.OnAck(wire.POAck{Acker: 2, Origin: 1, Seq: req.Seq})
	l.OnAck(wire.POAck{Acker: 3, Origin: 1, Seq: req.Seq})

	l.ResetIncarnation(2)
	require.Equal(t, wire.POSeqPair{Incarnation: 2, SeqNum: 0}, l.CumAck(1))

	next, err := l.Submit([][]byte{[]byte("b")})
	require.NoError(t, err)
	require.Equal(t, wire.POSeqPair{Incarnation: 2, SeqNum: 1}, next.Seq)

	// A replayed request from the prior incarnation must be rejected by
	// the white line.
	err = l.OnRequest(wire.PORequest{Origin: 1, Seq: req.Seq, Payload: req.Payload})
	require.Error(t, err)
}

func TestEligiblePrefixTracksHeldRequests(t *testing.T) {
	l := New(2, 4, 3, 20, nil)
	require.NoError(t, l.OnRequest(wire.PORequest{Origin: 1, Seq: wire.POSeqPair{Incarnation: 1, SeqNum: 1}, Payload: [][]byte{[]byte("a")}}))
	require.NoError(t, l.OnRequest(wire.PORequest{Origin: 1, Seq: wire.POSeqPair{Incarnation: 1, SeqNum: 2}, Payload: [][]byte{[]byte("b")}}))
	// Seq 4 is held but 3 is not: the contiguous prefix stops at 2.
	require.NoError(t, l.OnRequest(wire.PORequest{Origin: 1, Seq: wire.POSeqPair{Incarnation: 1, SeqNum: 4}, Payload: [][]byte{[]byte("d")}}))

	prefix := l.EligiblePrefix()
	require.Equal(t, wire.POSeqPair{Incarnation: 1, SeqNum: 2}, prefix[0])
	require.Equal(t, wire.POSeqPair{}, prefix[1])

	// A prefix continues across an incarnation bump, whose numbering
	// restarts at 1.
	require.NoError(t, l.OnRequest(wire.PORequest{Origin: 1, Seq: wire.POSeqPair{Incarnation: 2, SeqNum: 1}, Payload: [][]byte{[]byte("e")}}))
	prefix = l.EligiblePrefix()
	require.Equal(t, wire.POSeqPair{Incarnation: 2, SeqNum: 1}, prefix[0])
}

func TestGarbageCollectDropsOldSlots(t *testing.T) {
	l := New(1, 4, 3, 20, nil)
	req, _ := l.Submit([][]byte{[]byte("a")})
	l.OnAck(wire.POAck{Acker: 2, Origin: 1, Seq: req.Seq})
	l.OnAck(wire.POAck{Acker: 3, Origin: 1, Seq: req.Seq})

	l.GarbageCollect(1, req.Seq)
	_, ok := l.RequestAt(1, req.Seq)
	require.False(t, ok)
}

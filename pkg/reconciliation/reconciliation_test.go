// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package reconciliation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spire-resilient/prime-core/internal/wire"
	"github.com/spire-resilient/prime-core/pkg/preorder"
)

func TestEncodeDecodeXORParityNoLoss(t *testing.T) {
	data := []byte("a reconciled update payload that is not share-aligned")
	pieces, origLen := encodeXORParity(data, 3)
	require.Len(t, pieces, 4)

	all := map[int][]byte{0: pieces[0], 1: pieces[1], 2: pieces[2]}
	out, err := decodeXORParity(all, 3, origLen)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestEncodeDecodeXORParityOneDataShareLost(t *testing.T) {
	data := []byte("some update bytes of arbitrary length 12345")
	pieces, origLen := encodeXORParity(data, 3)

	withParity := map[int][]byte{0: pieces[0], 2: pieces[2], 3: pieces[3]}
	out, err := decodeXORParity(withParity, 3, origLen)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestDecodeXORParityInsufficientPieces(t *testing.T) {
	_, err := decodeXORParity(map[int][]byte{0: {1, 2}}, 3, 2)
	require.Error(t, err)
}

// fourReplicaPO builds replica 1's Pre-Order state for an N=4 (f=1,
// k=0) membership where (origin 1, seq 1) is certified: replicas 1-3
// report it in their ARU rows, replica 4 lags at zero.
func fourReplicaPO(t *testing.T) (*preorder.Layer, wire.PORequest) {
	t.Helper()
	po := preorder.New(1, 4, 3, 20, nil)
	req, err := po.Submit([][]byte{[]byte("push me")})
	require.NoError(t, err)
	po.OnAck(wire.POAck{Acker: 2, Origin: 1, Seq: req.Seq})
	po.OnAck(wire.POAck{Acker: 3, Origin: 1, Seq: req.Seq})
	po.OnPeerARU(wire.POARU{Reporter: 2, CumAck: []wire.POSeqPair{req.Seq, {}, {}, {}}})
	po.OnPeerARU(wire.POARU{Reporter: 3, CumAck: []wire.POSeqPair{req.Seq, {}, {}, {}}})
	po.OnPeerARU(wire.POARU{Reporter: 4, CumAck: []wire.POSeqPair{{}, {}, {}, {}}})
	return po, req
}

func TestPushTargetsSelectedSenderPushesToLaggingPeer(t *testing.T) {
	po, req := fourReplicaPO(t)
	l := New(1, 4, 2, 3, false, po)

	pushes := l.PushTargets(16)
	require.Len(t, pushes, 1, "exactly one peer lags behind the threshold")
	require.Equal(t, wire.ReplicaID(4), pushes[0].To)
	require.Equal(t, wire.ReplicaID(1), pushes[0].Part.Origin)
	require.Equal(t, req.Seq, pushes[0].Part.Seq)
	require.False(t, pushes[0].Part.Coded)
}

func TestPushTargetsNonSelectedSenderStaysSilent(t *testing.T) {
	// Replica 4 never certified (origin 1, seq 1): its own cum_ack is
	// below the threshold, so it is not a potential sender even though
	// it can see from the matrix that the seq is reconcilable.
	po := preorder.New(4, 4, 3, 20, nil)
	seq := wire.POSeqPair{Incarnation: 1, SeqNum: 1}
	for _, reporter := range []wire.ReplicaID{1, 2, 3} {
		po.OnPeerARU(wire.POARU{Reporter: reporter, CumAck: []wire.POSeqPair{seq, {}, {}, {}}})
	}
	l := New(4, 4, 2, 3, false, po)
	require.Empty(t, l.PushTargets(16))
}

func TestPushTargetsCapsSendersAtMaxSendInIDOrder(t *testing.T) {
	// All of replicas 1..6 certified (origin 7, seq 1); maxSend is 4,
	// so only replicas 1..4 push. Replica 5 holds the request but is
	// past the cutoff in id order.
	seq := wire.POSeqPair{Incarnation: 1, SeqNum: 1}
	build := func(self wire.ReplicaID) *Layer {
		po := preorder.New(self, 7, 4, 20, nil)
		require.NoError(t, po.OnRequest(wire.PORequest{Origin: 7, Seq: seq, Payload: [][]byte{[]byte("x")}}))
		for a := 1; a <= 4; a++ {
			po.OnAck(wire.POAck{Acker: wire.ReplicaID(a), Origin: 7, Seq: seq})
		}
		for r := 1; r <= 6; r++ {
			po.OnPeerARU(wire.POARU{Reporter: wire.ReplicaID(r), CumAck: []wire.POSeqPair{{}, {}, {}, {}, {}, {}, seq}})
		}
		// Replica 7 lags: it originated the request but its row never
		// reported certifying it.
		po.OnPeerARU(wire.POARU{Reporter: 7, CumAck: []wire.POSeqPair{{}, {}, {}, {}, {}, {}, {}}})
		return New(self, 7, 3, 4, false, po)
	}

	require.NotEmpty(t, build(1).PushTargets(16))
	require.NotEmpty(t, build(4).PushTargets(16))
	require.Empty(t, build(5).PushTargets(16), "fifth potential sender in id order is past the 2f+k+1 cutoff")
}

func TestPushTargetsSkipsPeersThatAcked(t *testing.T) {
	po, req := fourReplicaPO(t)
	// Replica 4 catches up and reports the seq certified: nothing left
	// to push.
	po.OnPeerARU(wire.POARU{Reporter: 4, CumAck: []wire.POSeqPair{req.Seq, {}, {}, {}}})
	l := New(1, 4, 2, 3, false, po)
	require.Empty(t, l.PushTargets(16))
}

func TestPushedVerbatimPartRoundTrips(t *testing.T) {
	po, req := fourReplicaPO(t)
	sender := New(1, 4, 2, 3, false, po)
	pushes := sender.PushTargets(16)
	require.Len(t, pushes, 1)

	receiverPO := preorder.New(4, 4, 3, 20, nil)
	receiver := New(4, 4, 2, 3, false, receiverPO)
	got, ready, err := receiver.OnPart(pushes[0].Part, receiver.numShares())
	require.NoError(t, err)
	require.True(t, ready)
	require.Equal(t, req.Seq, got.Seq)
	require.Equal(t, req.Payload, got.Payload)
}

func TestCodedPartsReassemble(t *testing.T) {
	po, req := fourReplicaPO(t)
	l := New(1, 4, 2, 3, true, po)
	numShares := l.numShares()
	require.Equal(t, 2, numShares, "f+1 shares decode for f=1")

	var parts []wire.ReconPart
	for i := 0; i < numShares+1; i++ {
		p, err := l.BuildPart(1, req.Seq, numShares, i)
		require.NoError(t, err)
		parts = append(parts, p)
	}

	// Drop one data share to exercise the one-loss recovery path.
	parts = parts[1:]

	receiver := New(4, 4, 2, 3, true, preorder.New(4, 4, 3, 20, nil))
	var final wire.PORequest
	var ready bool
	var err error
	for _, p := range parts {
		final, ready, err = receiver.OnPart(p, numShares)
		require.NoError(t, err)
		if ready {
			break
		}
	}
	require.True(t, ready)
	require.Equal(t, req.Payload, final.Payload)
}

func TestCodedPushersSendDistinctShareIndices(t *testing.T) {
	seq := wire.POSeqPair{Incarnation: 1, SeqNum: 1}
	build := func(self wire.ReplicaID) *Layer {
		po := preorder.New(self, 4, 3, 20, nil)
		require.NoError(t, po.OnRequest(wire.PORequest{Origin: 2, Seq: seq, Payload: [][]byte{[]byte("coded")}}))
		for a := 1; a <= 3; a++ {
			po.OnAck(wire.POAck{Acker: wire.ReplicaID(a), Origin: 2, Seq: seq})
		}
		for r := 1; r <= 3; r++ {
			po.OnPeerARU(wire.POARU{Reporter: wire.ReplicaID(r), CumAck: []wire.POSeqPair{{}, seq, {}, {}}})
		}
		po.OnPeerARU(wire.POARU{Reporter: 4, CumAck: []wire.POSeqPair{{}, {}, {}, {}}})
		return New(self, 4, 2, 3, true, po)
	}

	seen := map[int]bool{}
	for _, self := range []wire.ReplicaID{1, 2, 3} {
		pushes := build(self).PushTargets(16)
		require.Len(t, pushes, 1)
		require.Equal(t, wire.ReplicaID(4), pushes[0].To)
		require.True(t, pushes[0].Part.Coded)
		require.False(t, seen[pushes[0].Part.PartIdx], "each selected sender transmits its own share index")
		seen[pushes[0].Part.PartIdx] = true
	}
}

// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package reconciliation implements the RECON layer (design doc §4.5):
// after updates become eligible, every replica independently decides
// from the Proof Matrix whether it is one of the selected senders for
// each (origin, seq), and if so pushes the PO-Request — erasure coded
// or verbatim — to every peer whose reported ARU has not acknowledged
// it yet. There is no request/response round: reconciliation is
// unsolicited push, bounded by the sender-selection rule.
package reconciliation

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"

	"github.com/spire-resilient/prime-core/internal/wire"
	"github.com/spire-resilient/prime-core/pkg/preorder"
)

// maxPushPerPeer bounds how many consecutive seqs are pushed to one
// lagging peer per origin per RETRANS tick; a wider gap closes across
// successive ticks as the peer's reported ARU advances.
const maxPushPerPeer = 8

// Push is one reconciliation send this replica owes under the
// sender-selection rule.
type Push struct {
	To   wire.ReplicaID
	Part wire.ReconPart
}

// Layer is one replica's Reconciliation state.
type Layer struct {
	self    wire.ReplicaID
	n       int
	small   int // f+k+1, the sender-selection threshold position
	maxSend int // 2f+k+1, the maximum senders that ever push one seq

	erasureCoded bool

	po *preorder.Layer

	mu      sync.Mutex
	pending map[string]*gapState // key(origin,seq) -> collected parts
}

type gapState struct {
	origin  wire.ReplicaID
	seq     wire.POSeqPair
	parts   map[int][]byte
	origLen int
}

func gapKey(origin wire.ReplicaID, seq wire.POSeqPair) string {
	return fmt.Sprintf("%d:%d:%d", origin, seq.Incarnation, seq.SeqNum)
}

// New constructs a Reconciliation layer. small is f+k+1, maxSend is
// 2f+k+1, matching design doc §4.5's sender-selection rule.
func New(self wire.ReplicaID, n, small, maxSend int, erasureCoded bool, po *preorder.Layer) *Layer {
	return &Layer{
		self: self, n: n, small: small, maxSend: maxSend, erasureCoded: erasureCoded,
		po:      po,
		pending: make(map[string]*gapState),
	}
}

// numShares is the erasure-code data-share count: f+1 shares decode
// (design doc §4.5), and f = maxSend - small.
func (l *Layer) numShares() int {
	return l.maxSend - l.small + 1
}

// PushTargets evaluates the sender-selection rule for every origin and
// returns the pushes this replica owes right now, capped at maxTotal.
//
// For origin j, the reconciliation threshold is the claim at position
// f+k+1 of the ascending-sorted reporter claims for j: everything at
// or below it is certified by enough replicas that reconciling it is
// safe and worthwhile. A replica is a potential sender iff its own
// cum_ack[j] has reached that threshold; of the potential senders,
// only the first 2f+k+1 in replica-id order actually send (the coded
// variant further caps senders at the share count, one distinct share
// index each); and a selected sender pushes (j, s) only to peers whose
// reported claim has not acknowledged s. Peers' claims advance as they
// certify, which is what retires a push — the next RETRANS tick simply
// finds nothing left to send.
func (l *Layer) PushTargets(maxTotal int) []Push {
	matrix := l.po.ProofMatrix()
	var out []Push
	for j := 0; j < l.n; j++ {
		origin := wire.ReplicaID(j + 1)
		claims := make([]wire.POSeqPair, 0, l.n)
		byReporter := make(map[wire.ReplicaID]wire.POSeqPair, l.n)
		for _, row := range matrix.Rows {
			var claim wire.POSeqPair
			if len(row.CumAck) == l.n {
				claim = row.CumAck[j]
			}
			claims = append(claims, claim)
			if row.Reporter != 0 {
				byReporter[row.Reporter] = claim
			}
		}
		sort.Slice(claims, func(a, b int) bool { return claims[a].Less(claims[b]) })
		idx := l.small - 1
		if idx >= len(claims) {
			idx = len(claims) - 1
		}
		threshold := claims[idx]
		if threshold.Zero() {
			continue
		}

		senders := l.selectedSenders(byReporter, threshold)
		partIdx := -1
		for i, id := range senders {
			if id == l.self {
				partIdx = i
			}
		}
		if partIdx < 0 {
			continue
		}

		for peer, claim := range byReporter {
			if peer == l.self || !claim.Less(threshold) {
				continue
			}
			pushed := 0
			walk(claim, threshold, func(seq wire.POSeqPair) bool {
				if pushed >= maxPushPerPeer || len(out) >= maxTotal {
					return false
				}
				part, err := l.BuildPart(origin, seq, l.numShares(), partIdx)
				if err != nil {
					return true // not held here; another selected sender covers it
				}
				out = append(out, Push{To: peer, Part: part})
				pushed++
				return true
			})
			if len(out) >= maxTotal {
				return out
			}
		}
	}
	return out
}

// selectedSenders returns the first maxSend potential senders in
// replica-id order: the reporters whose own claim has reached the
// threshold. The erasure-coded variant is further capped at the piece
// count, so every selected sender transmits a distinct share index.
func (l *Layer) selectedSenders(byReporter map[wire.ReplicaID]wire.POSeqPair, threshold wire.POSeqPair) []wire.ReplicaID {
	ids := make([]wire.ReplicaID, 0, len(byReporter))
	for id, claim := range byReporter {
		if threshold.LessEq(claim) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	limit := l.maxSend
	if l.erasureCoded && l.numShares()+1 < limit {
		limit = l.numShares() + 1
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// walk visits every PO-Sequence Pair strictly above from and at or
// below to, in order, stopping early when visit returns false. An
// incarnation jump restarts at the new incarnation's first seq, the
// same delivery rule the Ordering layer applies.
func walk(from, to wire.POSeqPair, visit func(wire.POSeqPair) bool) {
	if !from.Less(to) {
		return
	}
	start := from.SeqNum
	if from.Incarnation < to.Incarnation {
		start = 0
	}
	for s := start + 1; s <= to.SeqNum; s++ {
		if !visit(wire.POSeqPair{Incarnation: to.Incarnation, SeqNum: s}) {
			return
		}
	}
}

// BuildPart encodes the payload at (origin,seq) into a ReconPart as
// sender partIdx of numShares, either erasure coded or verbatim
// depending on the layer's coding mode.
func (l *Layer) BuildPart(origin wire.ReplicaID, seq wire.POSeqPair, numShares, partIdx int) (wire.ReconPart, error) {
	req, ok := l.po.RequestAt(origin, seq)
	if !ok {
		return wire.ReconPart{}, fmt.Errorf("reconciliation: no held request at origin=%d seq=%v", origin, seq)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return wire.ReconPart{}, fmt.Errorf("reconciliation: encode request: %w", err)
	}
	if !l.erasureCoded {
		return wire.ReconPart{Sender: l.self, Origin: origin, Seq: seq, PartIdx: 0, Coded: false, Data: buf.Bytes()}, nil
	}
	pieces, origLen := encodeXORParity(buf.Bytes(), numShares)
	if partIdx < 0 || partIdx >= len(pieces) {
		return wire.ReconPart{}, fmt.Errorf("reconciliation: partIdx %d out of range", partIdx)
	}
	payload := make([]byte, 4+len(pieces[partIdx]))
	payload[0] = byte(origLen)
	payload[1] = byte(origLen >> 8)
	payload[2] = byte(origLen >> 16)
	payload[3] = byte(origLen >> 24)
	copy(payload[4:], pieces[partIdx])
	return wire.ReconPart{Sender: l.self, Origin: origin, Seq: seq, PartIdx: partIdx, Coded: true, Data: payload}, nil
}

// OnPart accumulates an inbound ReconPart. Once enough pieces have
// arrived to decode (verbatim: one part; coded: numShares distinct
// parts, tolerating one missing data share as described in erasure.go)
// it returns the recovered PO-Request, ready to feed back into the
// Pre-Order layer as OnRequest.
func (l *Layer) OnPart(part wire.ReconPart, numShares int) (wire.PORequest, bool, error) {
	if !part.Coded {
		var req wire.PORequest
		if err := gob.NewDecoder(bytes.NewReader(part.Data)).Decode(&req); err != nil {
			return wire.PORequest{}, false, fmt.Errorf("reconciliation: decode verbatim part: %w", err)
		}
		return req, true, nil
	}

	key := gapKey(part.Origin, part.Seq)
	l.mu.Lock()
	state, ok := l.pending[key]
	if !ok {
		state = &gapState{origin: part.Origin, seq: part.Seq, parts: make(map[int][]byte)}
		l.pending[key] = state
	}
	if len(part.Data) < 4 {
		l.mu.Unlock()
		return wire.PORequest{}, false, fmt.Errorf("reconciliation: malformed coded part")
	}
	state.origLen = int(part.Data[0]) | int(part.Data[1])<<8 | int(part.Data[2])<<16 | int(part.Data[3])<<24
	state.parts[part.PartIdx] = part.Data[4:]
	ready := len(state.parts) >= numShares
	var partsCopy map[int][]byte
	origLen := state.origLen
	if ready {
		partsCopy = make(map[int][]byte, len(state.parts))
		for k, v := range state.parts {
			partsCopy[k] = v
		}
		delete(l.pending, key)
	}
	l.mu.Unlock()

	if !ready {
		return wire.PORequest{}, false, nil
	}
	decoded, err := decodeXORParity(partsCopy, numShares, origLen)
	if err != nil {
		return wire.PORequest{}, false, err
	}
	var req wire.PORequest
	if err := gob.NewDecoder(bytes.NewReader(decoded)).Decode(&req); err != nil {
		return wire.PORequest{}, false, fmt.Errorf("reconciliation: decode reassembled request: %w", err)
	}
	return req, true, nil
}

// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package preorder implements the Pre-Order layer (design doc §4.2):
// for each client update originating at a replica, it disseminates and
// locally orders it within a per-originator sequence, and produces the
// PO-ARU vectors the Ordering layer consumes.
package preorder

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	coreerrors "github.com/spire-resilient/prime-core/internal/errors"
	"github.com/spire-resilient/prime-core/internal/wire"
	"github.com/spire-resilient/prime-core/pkg/crypto"
)

// Slot is the PO-Slot state for one (origin, seq) pair (design doc §3).
type Slot struct {
	Origin            wire.ReplicaID
	Seq               wire.POSeqPair
	Request           *wire.PORequest
	AcksReceived      map[wire.ReplicaID]bool
	CertificateFormed bool
}

// Layer is one replica's Pre-Order state and operations.
type Layer struct {
	self        wire.ReplicaID
	n           int
	quorum      int // 2f+k+1
	maxInFlight int

	logger *slog.Logger

	mu sync.Mutex

	// nextSeq is this replica's own next PO-Sequence Pair to assign.
	nextSeq wire.POSeqPair

	// slots[origin] is keyed by a fast, non-authenticated dedup key
	// (xxhash of the seq pair) for O(1) lookup; authoritative state
	// lives in the map value.
	slots map[wire.ReplicaID]map[uint64]*Slot

	// cumAck[origin] is this replica's own certified high-water mark.
	cumAck map[wire.ReplicaID]wire.POSeqPair

	// matrix[reporter][origin] is the last POARU row heard from
	// reporter, used to build the Proof Matrix sent to the leader.
	matrix map[wire.ReplicaID]map[wire.ReplicaID]wire.POSeqPair

	// whiteLine[origin] is the garbage-collection cutoff: requests at
	// or below it are discarded on arrival.
	whiteLine map[wire.ReplicaID]wire.POSeqPair

	pendingAcks []wire.POAck // accumulated since the last PO-Ack broadcast

	onCertified func(origin wire.ReplicaID, seq wire.POSeqPair)
}

func seqKey(seq wire.POSeqPair) uint64 {
	var buf [8]byte
	buf[0] = byte(seq.Incarnation)
	buf[1] = byte(seq.Incarnation >> 8)
	buf[2] = byte(seq.Incarnation >> 16)
	buf[3] = byte(seq.Incarnation >> 24)
	buf[4] = byte(seq.SeqNum)
	buf[5] = byte(seq.SeqNum >> 8)
	buf[6] = byte(seq.SeqNum >> 16)
	buf[7] = byte(seq.SeqNum >> 24)
	return xxhash.Sum64(buf[:])
}

// New constructs a Layer for a replica among n total, with quorum
// 2f+k+1 and the MAX_PO_IN_FLIGHT backpressure bound.
func New(self wire.ReplicaID, n int, quorum int, maxInFlight int, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Layer{
		self: self, n: n, quorum: quorum, maxInFlight: maxInFlight,
		logger:    logger.With("component", "preorder"),
		nextSeq:   wire.POSeqPair{Incarnation: 1, SeqNum: 1},
		slots:     make(map[wire.ReplicaID]map[uint64]*Slot),
		cumAck:    make(map[wire.ReplicaID]wire.POSeqPair),
		matrix:    make(map[wire.ReplicaID]map[wire.ReplicaID]wire.POSeqPair),
		whiteLine: make(map[wire.ReplicaID]wire.POSeqPair),
	}
	for i := 1; i <= n; i++ {
		id := wire.ReplicaID(i)
		l.slots[id] = make(map[uint64]*Slot)
	}
	return l
}

// OnCertified registers a callback invoked whenever cum_ack[origin]
// advances to a newly-certified seq, in ascending order.
func (l *Layer) OnCertified(fn func(origin wire.ReplicaID, seq wire.POSeqPair)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCertified = fn
}

// Submit assigns the next PO-Sequence Pair at this replica for a new
// client update batch and returns the signed-pending PO-Request to
// disseminate. The caller is responsible for running it through the
// Cryptographic Envelope and the transport.
func (l *Layer) Submit(payload [][]byte) (wire.PORequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	inFlight := l.nextSeq.SeqNum - l.cumAck[l.self].SeqNum
	if l.nextSeq.Incarnation != l.cumAck[l.self].Incarnation {
		inFlight = l.nextSeq.SeqNum
	}
	if int(inFlight) > l.maxInFlight {
		return wire.PORequest{}, coreerrors.ResourceExhausted("preorder", "MAX_PO_IN_FLIGHT exceeded for own origin", nil)
	}

	req := wire.PORequest{Origin: l.self, Seq: l.nextSeq, Payload: payload}
	l.storeLocked(req)
	l.nextSeq.SeqNum++
	return req, nil
}

// OnRequest stores an inbound PO-Request, after CE verification has
// already happened. Requests at or below cum_ack/white-line for their
// origin are discarded per design doc §4.2's ordering and tie-break
// rule.
func (l *Layer) OnRequest(req wire.PORequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if req.Seq.LessEq(l.cumAck[req.Origin]) || req.Seq.LessEq(l.whiteLine[req.Origin]) {
		return coreerrors.Stale("preorder", "PO-Request at or below cum_ack/white-line", nil)
	}
	l.storeLocked(req)
	return nil
}

func (l *Layer) storeLocked(req wire.PORequest) {
	key := seqKey(req.Seq)
	slot, ok := l.slots[req.Origin][key]
	if !ok {
		slot = &Slot{Origin: req.Origin, Seq: req.Seq, AcksReceived: make(map[wire.ReplicaID]bool)}
		l.slots[req.Origin][key] = slot
	}
	newlyHeld := slot.Request == nil
	reqCopy := req
	slot.Request = &reqCopy
	// Self always acks what it holds.
	slot.AcksReceived[l.self] = true
	if newlyHeld {
		// Queue this request for the next signed PO-Ack bundle broadcast
		// (design doc §4.2 step 2).
		l.pendingAcks = append(l.pendingAcks, wire.POAck{
			Acker:  l.self,
			Origin: req.Origin,
			Seq:    req.Seq,
			Digest: requestDigest(req),
		})
	}
	l.maybeFormCertificateLocked(slot)
}

// requestDigest hashes a request's payload bytes for the ack bundle's
// digest field.
func requestDigest(req wire.PORequest) [wire.DigestSize]byte {
	var flat []byte
	for _, p := range req.Payload {
		flat = append(flat, p...)
	}
	return crypto.Digest(flat)
}

// OnAck records an inbound PO-Ack bundle entry.
func (l *Layer) OnAck(ack wire.POAck) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := seqKey(ack.Seq)
	slot, ok := l.slots[ack.Origin][key]
	if !ok {
		slot = &Slot{Origin: ack.Origin, Seq: ack.Seq, AcksReceived: make(map[wire.ReplicaID]bool)}
		l.slots[ack.Origin][key] = slot
	}
	slot.AcksReceived[ack.Acker] = true
	l.maybeFormCertificateLocked(slot)
}

func (l *Layer) maybeFormCertificateLocked(slot *Slot) {
	if slot.CertificateFormed || len(slot.AcksReceived) < l.quorum {
		return
	}
	slot.CertificateFormed = true
	l.advanceCumAckLocked(slot.Origin)
}

// advanceCumAckLocked extends cum_ack[origin] through the longest
// contiguous run of certificates starting right after the current
// high-water mark. A run may continue into the next incarnation, whose
// numbering restarts at 1 (the fresh-boot case is the same crossing:
// cum_ack starts at the zero pair and the first slot is (1, 1)).
func (l *Layer) advanceCumAckLocked(origin wire.ReplicaID) {
	cur := l.cumAck[origin]
	for {
		next := wire.POSeqPair{Incarnation: cur.Incarnation, SeqNum: cur.SeqNum + 1}
		slot, ok := l.slots[origin][seqKey(next)]
		if !ok || !slot.CertificateFormed {
			bump := wire.POSeqPair{Incarnation: cur.Incarnation + 1, SeqNum: 1}
			slot, ok = l.slots[origin][seqKey(bump)]
			if !ok || !slot.CertificateFormed {
				break
			}
			next = bump
		}
		cur = next
		l.cumAck[origin] = cur
		if l.onCertified != nil {
			l.onCertified(origin, cur)
		}
	}
}

// PendingAcks returns and clears the set of (origin,seq,digest) entries
// newly held since the last call, for the periodic signed PO-Ack
// broadcast (design doc §4.2 step 2).
func (l *Layer) PendingAcks() []wire.POAck {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.pendingAcks
	l.pendingAcks = nil
	return out
}

// PendingSlotCount reports the number of held slots that have not yet
// formed a certificate, across all origins.
func (l *Layer) PendingSlotCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, slots := range l.slots {
		for _, slot := range slots {
			if !slot.CertificateFormed {
				count++
			}
		}
	}
	return count
}

// ARUVector returns this replica's current PO-ARU: cum_ack[j] for every
// origin j in 1..n.
func (l *Layer) ARUVector() wire.POARU {
	l.mu.Lock()
	defer l.mu.Unlock()
	cum := make([]wire.POSeqPair, l.n)
	for i := 0; i < l.n; i++ {
		cum[i] = l.cumAck[wire.ReplicaID(i+1)]
	}
	return wire.POARU{Reporter: l.self, CumAck: cum}
}

// OnPeerARU updates the Proof Matrix row for a reporting peer.
func (l *Layer) OnPeerARU(aru wire.POARU) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row := make(map[wire.ReplicaID]wire.POSeqPair, len(aru.CumAck))
	for i, v := range aru.CumAck {
		origin := wire.ReplicaID(i + 1)
		if prev, ok := l.matrix[aru.Reporter]; ok {
			if old, exists := prev[origin]; exists && v.Less(old) {
				// PO-ARU monotonicity (design doc §3/§8): never regress
				// a peer's reported high-water mark; keep the larger.
				v = old
			}
		}
		row[origin] = v
	}
	l.matrix[aru.Reporter] = row
}

// ProofMatrix assembles the current N-by-N matrix of PO-ARUs, including
// this replica's own freshest row, for the leader to fold into a
// Pre-Prepare (design doc §4.2 step 5).
func (l *Layer) ProofMatrix() wire.ProofMatrix {
	own := l.ARUVector()
	l.mu.Lock()
	defer l.mu.Unlock()
	rows := make([]wire.POARU, l.n)
	for i := 0; i < l.n; i++ {
		reporter := wire.ReplicaID(i + 1)
		if reporter == l.self {
			rows[i] = own
			continue
		}
		row, ok := l.matrix[reporter]
		cum := make([]wire.POSeqPair, l.n)
		if ok {
			for j := 0; j < l.n; j++ {
				cum[j] = row[wire.ReplicaID(j+1)]
			}
		}
		rows[i] = wire.POARU{Reporter: reporter, CumAck: cum}
	}
	return wire.ProofMatrix{Rows: rows}
}

// EligiblePrefix returns, for each origin, the largest contiguous seq
// such that this replica holds the PO-Request (design doc §4.2's
// eligible_prefix), independent of certification.
func (l *Layer) EligiblePrefix() []wire.POSeqPair {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]wire.POSeqPair, l.n)
	for i := 0; i < l.n; i++ {
		origin := wire.ReplicaID(i + 1)
		cur := wire.POSeqPair{}
		for {
			next := wire.POSeqPair{Incarnation: cur.Incarnation, SeqNum: cur.SeqNum + 1}
			slot, ok := l.slots[origin][seqKey(next)]
			if !ok || slot.Request == nil {
				bump := wire.POSeqPair{Incarnation: cur.Incarnation + 1, SeqNum: 1}
				slot, ok = l.slots[origin][seqKey(bump)]
				if !ok || slot.Request == nil {
					break
				}
				next = bump
			}
			cur = next
		}
		out[i] = cur
	}
	return out
}

// RequestAt returns the held PO-Request at (origin,seq), if any.
func (l *Layer) RequestAt(origin wire.ReplicaID, seq wire.POSeqPair) (wire.PORequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[origin][seqKey(seq)]
	if !ok || slot.Request == nil {
		return wire.PORequest{}, false
	}
	return *slot.Request, true
}

// CumAck returns this replica's current certified high-water mark for
// origin.
func (l *Layer) CumAck(origin wire.ReplicaID) wire.POSeqPair {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cumAck[origin]
}

// ResetIncarnation implements the "incarnation increase resets seq to 1
// and marks all prior seqs as delivered" rule (design doc §4.2) for
// this replica's own origin, used by Proactive Recovery after a
// restart.
func (l *Layer) ResetIncarnation(newIncarnation uint32) {
	l.ResetOrigin(l.self, newIncarnation)
}

// ResetOrigin applies the incarnation reset for an arbitrary origin,
// used when a peer's NewIncarnation reaches its quorum install: all of
// the old incarnation's seqs are treated as delivered, and the origin
// starts over at (newIncarnation, 1).
func (l *Layer) ResetOrigin(origin wire.ReplicaID, newIncarnation uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.whiteLine[origin] = wire.POSeqPair{Incarnation: newIncarnation - 1, SeqNum: ^uint32(0)}
	l.cumAck[origin] = wire.POSeqPair{Incarnation: newIncarnation, SeqNum: 0}
	l.slots[origin] = make(map[uint64]*Slot)
	if origin == l.self {
		l.nextSeq = wire.POSeqPair{Incarnation: newIncarnation, SeqNum: 1}
	}
}

// DropUncertifiedAcks clears the ack sets of every slot that has not
// yet formed a certificate, used by Reconfiguration: acks authenticated
// under the old gcn cannot count toward a certificate in the new one,
// while already-formed certificates stand as part of the committed
// prefix (design doc §4.8).
func (l *Layer) DropUncertifiedAcks() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, slots := range l.slots {
		for _, slot := range slots {
			if slot.CertificateFormed {
				continue
			}
			slot.AcksReceived = make(map[wire.ReplicaID]bool)
			if slot.Request != nil {
				slot.AcksReceived[l.self] = true
			}
		}
	}
}

// GarbageCollect discards slots for origin at or below upto, called
// once the Ordering layer reports a slot has been executed and
// superseded by CATCHUP_HISTORY further executions (design doc §3's
// garbage-collection-safety invariant).
func (l *Layer) GarbageCollect(origin wire.ReplicaID, upto wire.POSeqPair) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.whiteLine[origin].Less(upto) {
		l.whiteLine[origin] = upto
	}
	for key, slot := range l.slots[origin] {
		if slot.Seq.LessEq(upto) {
			delete(l.slots[origin], key)
		}
	}
}

// SortedClaims returns the reporters' cum_ack[origin] claims from the
// matrix, sorted ascending: the same per-origin ranking that ORD's
// eligibility cut and RECON's sender-selection threshold read, though
// those layers sort the Proof Matrix themselves rather than call this.
func (l *Layer) SortedClaims(origin wire.ReplicaID) []wire.POSeqPair {
	l.mu.Lock()
	defer l.mu.Unlock()
	claims := make([]wire.POSeqPair, 0, l.n)
	for i := 0; i < l.n; i++ {
		reporter := wire.ReplicaID(i + 1)
		if reporter == l.self {
			claims = append(claims, l.cumAck[origin])
			continue
		}
		row, ok := l.matrix[reporter]
		if !ok {
			claims = append(claims, wire.POSeqPair{})
			continue
		}
		claims = append(claims, row[origin])
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].Less(claims[j]) })
	return claims
}

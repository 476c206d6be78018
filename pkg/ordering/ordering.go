// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ordering implements the Ordering layer (design doc §4.3): the
// three-phase Pre-Prepare/Prepare/Commit agreement over global slots,
// the eligibility computation that turns the Pre-Order layer's Proof
// Matrix into a cut of client updates, and delivery to the application.
package ordering

import (
	"log/slog"
	"sort"
	"sync"

	coreerrors "github.com/spire-resilient/prime-core/internal/errors"
	"github.com/spire-resilient/prime-core/internal/wire"
	"github.com/spire-resilient/prime-core/pkg/preorder"
)

// State is an Ord-Slot's position in the state machine (design doc §3).
type State int

const (
	Void State = iota
	PrePrepared
	Prepared
	Committed
	Executed
	Reconciled
	Garbage
)

func (s State) String() string {
	switch s {
	case Void:
		return "VOID"
	case PrePrepared:
		return "PRE-PREPARED"
	case Prepared:
		return "PREPARED"
	case Committed:
		return "COMMITTED"
	case Executed:
		return "EXECUTED"
	case Reconciled:
		return "RECONCILED"
	case Garbage:
		return "GARBAGE"
	default:
		return "UNKNOWN"
	}
}

// Slot is one global ordering slot.
type Slot struct {
	State    State
	View     uint32
	PP       *wire.PrePrepare
	PPHash   [wire.DigestSize]byte
	Prepares map[wire.ReplicaID]wire.Vote
	Commits  map[wire.ReplicaID]wire.Vote
}

// ClientUpdate is one opaque client-submitted payload delivered to the
// application in total order, tagged with its originating PO-Sequence
// Pair for idempotent re-delivery detection upstream.
type ClientUpdate struct {
	Origin  wire.ReplicaID
	Seq     wire.POSeqPair
	Payload []byte
}

// Missing identifies a PO-Request a committed slot needs before it can
// execute, for the Reconciliation layer to fetch.
type Missing struct {
	Origin wire.ReplicaID
	Seq    wire.POSeqPair
}

// Layer is one replica's Ordering state.
type Layer struct {
	self   wire.ReplicaID
	n      int
	quorum int // 2f+k+1
	small  int // f+k+1

	logger *slog.Logger
	po     *preorder.Layer

	mu sync.Mutex

	view uint32

	slots map[uint32]*Slot

	lastExecutedSeq uint32
	executedUpto    []wire.POSeqPair // cut of the last executed slot, indexed by origin

	// cutHistory keeps the per-slot effective cut for the garbage
	// collector, so Pre-Order state can be pruned exactly as far as the
	// slot leaving the catchup window had made eligible.
	cutHistory map[uint32][]wire.POSeqPair

	nextSlot uint32

	deliverFn func(slot uint32, digest [wire.DigestSize]byte, updates []ClientUpdate)

	history uint32 // CATCHUP_HISTORY, for garbage collection
}

// New constructs an ordering Layer.
func New(self wire.ReplicaID, n, quorum, small int, po *preorder.Layer, history uint32, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{
		self: self, n: n, quorum: quorum, small: small, po: po, history: history,
		logger:       logger.With("component", "ordering"),
		slots:        make(map[uint32]*Slot),
		executedUpto: make([]wire.POSeqPair, n),
		cutHistory:   make(map[uint32][]wire.POSeqPair),
		nextSlot:     1,
	}
}

// OnDeliver registers the application delivery callback. digest is the
// executed Pre-Prepare's hash, the value the site certificate is
// threshold-signed over.
func (l *Layer) OnDeliver(fn func(slot uint32, digest [wire.DigestSize]byte, updates []ClientUpdate)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deliverFn = fn
}

// Leader returns the replica id that leads the given view under
// round-robin rotation (design doc §4.3).
func (l *Layer) Leader(view uint32) wire.ReplicaID {
	return wire.ReplicaID(view%uint32(l.n)) + 1
}

// View returns the replica's currently installed view.
func (l *Layer) View() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view
}

// SetView installs a new view number, called by the View-Change layer
// once a New-Leader-Proof is accepted.
func (l *Layer) SetView(view uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.view = view
}

// IsLeader reports whether self leads the current view.
func (l *Layer) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Leader(l.view) == l.self
}

// OnProofMatrix merges a peer's Proof Matrix rows into the Pre-Order
// layer's matrix state, so the leader's next Pre-Prepare carries the
// highest matrix it holds (design doc §4.3's leader duty). Row merging
// is monotone; a stale matrix never regresses anything.
func (l *Layer) OnProofMatrix(m wire.ProofMatrixMsg) {
	for _, row := range m.Matrix.Rows {
		if row.Reporter == 0 || len(row.CumAck) != l.n {
			continue
		}
		l.po.OnPeerARU(row)
	}
}

// cutFromMatrix derives the made-eligible vector for a slot from its
// Proof Matrix: for each origin j, the value at position 2f+k+1 of the
// ascending-sorted reporter claims for j — equivalently, the largest
// PO-Sequence Pair at least f+k+1 reporters claim to have certified
// (design doc §4.3). Every receiver computes this identically from the
// Pre-Prepare's own matrix; nothing is trusted from the leader beyond
// the matrix it chose to bundle.
func (l *Layer) cutFromMatrix(matrix wire.ProofMatrix) []wire.POSeqPair {
	cut := make([]wire.POSeqPair, l.n)
	for j := 0; j < l.n; j++ {
		claims := make([]wire.POSeqPair, 0, len(matrix.Rows))
		for _, row := range matrix.Rows {
			if len(row.CumAck) != l.n {
				claims = append(claims, wire.POSeqPair{})
				continue
			}
			claims = append(claims, row.CumAck[j])
		}
		sort.Slice(claims, func(a, b int) bool { return claims[a].Less(claims[b]) })
		idx := len(claims) - l.small
		if idx < 0 {
			idx = 0
		}
		cut[j] = claims[idx]
	}
	return cut
}

// BuildPrePrepare constructs the next Pre-Prepare proposal from the
// highest Proof Matrix this replica holds. Only meaningful when
// IsLeader() is true; the caller drives this on the PRE_PREPARE timer.
func (l *Layer) BuildPrePrepare(gcn uint32) wire.PrePrepare {
	matrix := l.po.ProofMatrix()
	l.mu.Lock()
	defer l.mu.Unlock()
	lastExec := make([]wire.POSeqPair, l.n)
	copy(lastExec, l.executedUpto)
	return wire.PrePrepare{
		View:         l.view,
		Seq:          l.nextSlot,
		GCN:          gcn,
		Matrix:       matrix,
		LastExecuted: lastExec,
	}
}

// OnPrePrepare admits a leader's proposal for a fresh slot. sender is
// the envelope's authenticated sender: only the view's designated
// leader may originate Pre-Prepares, and a proposal from anyone else
// is ProtocolInvalid — admitting it would let any replica drive a slot
// to Prepared/Committed. A second, conflicting Pre-Prepare for the
// same (view, seq) is the signature Byzantine-leader move (design doc
// §3's at-most-one invariant) and is rejected the same way; both are
// surfaced to the View-Change layer as suspicion evidence.
func (l *Layer) OnPrePrepare(sender wire.ReplicaID, pp wire.PrePrepare, digest [wire.DigestSize]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sender != l.Leader(pp.View) {
		return coreerrors.ProtocolInvalid("ordering", "pre-prepare from a replica that does not lead its view", nil)
	}
	if pp.View != l.view {
		return coreerrors.Stale("ordering", "pre-prepare for non-current view", nil)
	}
	if pp.Seq <= l.lastExecutedSeq {
		return coreerrors.Stale("ordering", "pre-prepare below last executed", nil)
	}
	if len(pp.LastExecuted) != l.n || len(pp.Matrix.Rows) != l.n {
		return coreerrors.ProtocolInvalid("ordering", "pre-prepare with malformed matrix dimensions", nil)
	}
	slot, ok := l.slots[pp.Seq]
	if !ok {
		slot = &Slot{Prepares: make(map[wire.ReplicaID]wire.Vote), Commits: make(map[wire.ReplicaID]wire.Vote)}
		l.slots[pp.Seq] = slot
	}
	if slot.PP != nil {
		if slot.PPHash == digest {
			return coreerrors.Stale("ordering", "duplicate pre-prepare for slot", nil)
		}
		return coreerrors.ProtocolInvalid("ordering", "conflicting pre-prepare for (view, seq)", nil)
	}
	ppCopy := pp
	slot.PP = &ppCopy
	slot.PPHash = digest
	slot.View = pp.View
	slot.State = PrePrepared
	if pp.Seq >= l.nextSlot {
		l.nextSlot = pp.Seq + 1
	}
	return nil
}

// OnPrepare records a Prepare vote and returns true exactly once, the
// moment the slot transitions PRE-PREPARED -> PREPARED. Commit votes
// that raced ahead of the prepare quorum are re-counted immediately, so
// a slot never stalls on arrival order.
func (l *Layer) OnPrepare(v wire.Vote) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[v.Seq]
	if !ok || slot.PP == nil {
		return false, coreerrors.Stale("ordering", "prepare for unknown slot", nil)
	}
	if v.Digest != slot.PPHash {
		return false, coreerrors.ProtocolInvalid("ordering", "prepare digest mismatch", nil)
	}
	slot.Prepares[v.Signer] = v
	if slot.State == PrePrepared && len(slot.Prepares) >= l.quorum {
		slot.State = Prepared
		if len(slot.Commits) >= l.quorum {
			slot.State = Committed
		}
		return true, nil
	}
	return false, nil
}

// OnCommit records a Commit vote and returns true exactly once, the
// moment the slot transitions to COMMITTED.
func (l *Layer) OnCommit(v wire.Vote) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[v.Seq]
	if !ok || slot.PP == nil {
		return false, coreerrors.Stale("ordering", "commit for unknown slot", nil)
	}
	if v.Digest != slot.PPHash {
		return false, coreerrors.ProtocolInvalid("ordering", "commit digest mismatch", nil)
	}
	slot.Commits[v.Signer] = v
	if slot.State == Prepared && len(slot.Commits) >= l.quorum {
		slot.State = Committed
		return true, nil
	}
	return false, nil
}

// Execute walks committed slots in ascending order starting from
// lastExecutedSeq+1, delivering each one's newly eligible client
// updates in ascending (origin, seq) order. A slot only executes once
// every PO-Request its cut makes eligible is actually held — a slot
// whose requests are still in flight waits for dissemination or
// reconciliation to fill them, preserving agreement on delivered
// content across replicas.
func (l *Layer) Execute() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		next := l.lastExecutedSeq + 1
		slot, ok := l.slots[next]
		if !ok || slot.State != Committed {
			return
		}
		cut := l.effectiveCutLocked(slot)
		if len(l.missingLocked(cut)) > 0 {
			return
		}
		updates := l.collectUpdatesLocked(cut)
		slot.State = Executed
		l.lastExecutedSeq = next
		l.cutHistory[next] = cut
		l.executedUpto = cut
		if l.deliverFn != nil {
			l.deliverFn(next, slot.PPHash, updates)
		}
	}
}

// effectiveCutLocked is a slot's matrix-derived cut clamped so it never
// regresses below the previous slot's cut; since execution is strictly
// in order, the clamp is deterministic across replicas.
func (l *Layer) effectiveCutLocked(slot *Slot) []wire.POSeqPair {
	cut := l.cutFromMatrix(slot.PP.Matrix)
	for i := range cut {
		if cut[i].Less(l.executedUpto[i]) {
			cut[i] = l.executedUpto[i]
		}
	}
	return cut
}

// missingLocked lists the (origin, seq) pairs in (executedUpto, cut]
// whose PO-Request this replica does not hold yet.
func (l *Layer) missingLocked(cut []wire.POSeqPair) []Missing {
	var missing []Missing
	for i := 0; i < l.n; i++ {
		origin := wire.ReplicaID(i + 1)
		walkInterval(l.executedUpto[i], cut[i], func(seq wire.POSeqPair) {
			if _, ok := l.po.RequestAt(origin, seq); !ok {
				missing = append(missing, Missing{Origin: origin, Seq: seq})
			}
		})
	}
	return missing
}

// collectUpdatesLocked returns every PO-Request strictly above
// executedUpto and at or below cut, ordered ascending by (origin, seq)
// as design doc §4.3 requires for deterministic execution.
func (l *Layer) collectUpdatesLocked(cut []wire.POSeqPair) []ClientUpdate {
	var out []ClientUpdate
	for i := 0; i < l.n; i++ {
		origin := wire.ReplicaID(i + 1)
		walkInterval(l.executedUpto[i], cut[i], func(seq wire.POSeqPair) {
			if req, ok := l.po.RequestAt(origin, seq); ok {
				for _, p := range req.Payload {
					out = append(out, ClientUpdate{Origin: origin, Seq: seq, Payload: p})
				}
			}
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Origin != out[j].Origin {
			return out[i].Origin < out[j].Origin
		}
		return out[i].Seq.Less(out[j].Seq)
	})
	return out
}

// walkInterval visits every PO-Sequence Pair strictly above from and at
// or below to. When to's incarnation is newer, from's seq_num is
// treated as 0 within to's incarnation (design doc §4.3): the old
// incarnation's undelivered tail is considered delivered by the reset.
func walkInterval(from, to wire.POSeqPair, visit func(wire.POSeqPair)) {
	if !from.Less(to) {
		return
	}
	start := from.SeqNum
	if from.Incarnation < to.Incarnation {
		start = 0
	}
	for s := start + 1; s <= to.SeqNum; s++ {
		visit(wire.POSeqPair{Incarnation: to.Incarnation, SeqNum: s})
	}
}

// MissingForExecution reports the PO-Requests blocking the next
// committed slot from executing, for the Reconciliation layer to fetch
// (design doc §4.5's purpose: after commit, every correct replica must
// become able to execute).
func (l *Layer) MissingForExecution() []Missing {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[l.lastExecutedSeq+1]
	if !ok || slot.State != Committed {
		return nil
	}
	return l.missingLocked(l.effectiveCutLocked(slot))
}

// LastExecuted returns the highest slot number executed so far.
func (l *Layer) LastExecuted() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastExecutedSeq
}

// ExecutedCut returns a copy of the cut of the last executed slot,
// advertised in catchup checkpoints as the fast-forward ARU.
func (l *Layer) ExecutedCut() []wire.POSeqPair {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]wire.POSeqPair, l.n)
	copy(out, l.executedUpto)
	return out
}

// SlotState returns the state of a given global slot, Void if unknown.
func (l *Layer) SlotState(seq uint32) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[seq]
	if !ok {
		return Void
	}
	return slot.State
}

// CertificatesBetween returns commit certificates for executed or
// committed slots in [from, to], for catchup responses. Slots already
// garbage collected are simply absent; the caller falls back to a
// checkpoint when the certificates cannot cover the requested gap.
func (l *Layer) CertificatesBetween(from, to uint32) []wire.SlotCertificate {
	l.mu.Lock()
	defer l.mu.Unlock()
	var certs []wire.SlotCertificate
	for seq := from; seq <= to; seq++ {
		slot, ok := l.slots[seq]
		if !ok || slot.PP == nil || slot.State < Committed {
			continue
		}
		certs = append(certs, wire.SlotCertificate{
			Seq:       seq,
			Digest:    slot.PPHash,
			Committed: true,
			PP:        slot.PP,
		})
	}
	return certs
}

// AdoptCertificates installs commit certificates received through
// catchup: each becomes a COMMITTED slot ready for the normal Execute
// walk, which re-derives its cut from the certified Pre-Prepare.
func (l *Layer) AdoptCertificates(certs []wire.SlotCertificate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range certs {
		if !c.Committed || c.PP == nil || c.Seq <= l.lastExecutedSeq {
			continue
		}
		slot, ok := l.slots[c.Seq]
		if !ok {
			slot = &Slot{Prepares: make(map[wire.ReplicaID]wire.Vote), Commits: make(map[wire.ReplicaID]wire.Vote)}
			l.slots[c.Seq] = slot
		}
		if slot.State >= Committed {
			continue
		}
		ppCopy := *c.PP
		slot.PP = &ppCopy
		slot.PPHash = c.Digest
		slot.View = c.PP.View
		slot.State = Committed
		if c.Seq >= l.nextSlot {
			l.nextSlot = c.Seq + 1
		}
	}
}

// JumpTo fast-forwards past a checkpoint: execution state moves to
// (seq, cut) without delivering the skipped slots, whose content the
// restored application snapshot already reflects. Slots at or below seq
// are dropped.
func (l *Layer) JumpTo(seq uint32, cut []wire.POSeqPair) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq <= l.lastExecutedSeq || len(cut) != l.n {
		return
	}
	l.lastExecutedSeq = seq
	l.executedUpto = make([]wire.POSeqPair, l.n)
	copy(l.executedUpto, cut)
	for s := range l.slots {
		if s <= seq {
			delete(l.slots, s)
		}
	}
	for s := range l.cutHistory {
		if s <= seq {
			delete(l.cutHistory, s)
		}
	}
	if seq >= l.nextSlot {
		l.nextSlot = seq + 1
	}
}

// DropUncommitted discards every slot that has not reached COMMITTED,
// used by Reconfiguration: their Prepare/Commit evidence was
// authenticated under the old gcn and cannot be completed in the new
// one, while the committed prefix is preserved (design doc §4.8).
func (l *Layer) DropUncommitted() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for seq, slot := range l.slots {
		if slot.State < Committed {
			delete(l.slots, seq)
		}
	}
}

// GarbageCollect discards slot state more than history slots behind
// lastExecutedSeq and prunes the Pre-Order layer to the departing
// slot's cut, honoring design doc §3's garbage-collection-safety
// invariant (a slot is only discarded once CATCHUP_HISTORY further
// slots have executed).
func (l *Layer) GarbageCollect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastExecutedSeq <= l.history {
		return
	}
	cutoff := l.lastExecutedSeq - l.history
	for seq, slot := range l.slots {
		if seq > cutoff || slot.State != Executed {
			continue
		}
		slot.State = Garbage
		delete(l.slots, seq)
		if cut, ok := l.cutHistory[seq]; ok {
			for i, upto := range cut {
				if !upto.Zero() {
					l.po.GarbageCollect(wire.ReplicaID(i+1), upto)
				}
			}
			delete(l.cutHistory, seq)
		}
	}
}

// Report builds this replica's New-Leader-Proof contribution: its
// highest prepared/committed certificates above lastExecutedSeq (design
// doc §4.4), for the View-Change layer to aggregate.
func (l *Layer) Report(view uint32) wire.Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	var certs []wire.SlotCertificate
	for seq, slot := range l.slots {
		if seq <= l.lastExecutedSeq {
			continue
		}
		if slot.State != Prepared && slot.State != Committed {
			continue
		}
		certs = append(certs, wire.SlotCertificate{
			Seq:       seq,
			Digest:    slot.PPHash,
			Committed: slot.State == Committed,
			PP:        slot.PP,
		})
	}
	sort.Slice(certs, func(i, j int) bool { return certs[i].Seq < certs[j].Seq })
	return wire.Report{Reporter: l.self, View: view, LastExecuted: l.lastExecutedSeq, Certificates: certs}
}

// InstallFromProof re-drives slot state from an accepted New-Leader-
// Proof: every Committed certificate is adopted as-is; every
// Prepared-only certificate is re-proposed as a fresh Pre-Prepare in
// the new view so it can be re-driven to Commit (design doc §4.4's
// safety rule for adopting prior work across a view change). The
// returned Pre-Prepares are only broadcast by the new view's leader.
func (l *Layer) InstallFromProof(newView uint32, proof wire.NewLeaderProof) []wire.PrePrepare {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.view = newView

	bestBySlot := make(map[uint32]wire.SlotCertificate)
	for _, r := range proof.Reports {
		for _, c := range r.Certificates {
			cur, ok := bestBySlot[c.Seq]
			if !ok || (c.Committed && !cur.Committed) {
				bestBySlot[c.Seq] = c
			}
		}
	}

	var rePrepares []wire.PrePrepare
	for seq, c := range bestBySlot {
		if c.PP == nil || seq <= l.lastExecutedSeq {
			continue
		}
		if !c.Committed {
			// Prepared-only evidence: clear the slot and let the new
			// leader's re-broadcast (same matrix, new view, fresh digest)
			// re-drive it through Prepare and Commit from scratch. The
			// matrix pins the content, so the re-driven slot executes
			// identically.
			delete(l.slots, seq)
			ppCopy := *c.PP
			ppCopy.View = newView
			rePrepares = append(rePrepares, ppCopy)
			if seq >= l.nextSlot {
				l.nextSlot = seq + 1
			}
			continue
		}
		slot, ok := l.slots[seq]
		if !ok {
			slot = &Slot{Prepares: make(map[wire.ReplicaID]wire.Vote), Commits: make(map[wire.ReplicaID]wire.Vote)}
			l.slots[seq] = slot
		}
		ppCopy := *c.PP
		slot.PP = &ppCopy
		slot.PPHash = c.Digest
		slot.View = newView
		slot.State = Committed
		if seq >= l.nextSlot {
			l.nextSlot = seq + 1
		}
	}
	return rePrepares
}

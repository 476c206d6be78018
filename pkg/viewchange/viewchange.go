// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package viewchange implements the Suspect & View-Change layer (design
// doc §4.4): turn-around-time measurement against a ping-derived
// acceptable bound, quorum-triggered suspicion of the current leader,
// and New-Leader-Proof aggregation to install the next view.
package viewchange

import (
	"log/slog"
	"sync"
	"time"

	"github.com/spire-resilient/prime-core/internal/wire"
)

// pingSample is one completed RTT measurement used to derive the
// acceptable turn-around-time bound.
type pingSample struct {
	rtt time.Duration
}

// Layer is one replica's Suspect & View-Change state.
type Layer struct {
	self   wire.ReplicaID
	n      int
	quorum int

	kLat       float64
	prePrepare time.Duration // leader's batching period, part of any honest TAT
	suspectVC  time.Duration // escalation timeout while a view change is pending

	logger *slog.Logger

	mu sync.Mutex

	view uint32

	outstandingPings map[uint64]time.Time
	samples          []pingSample

	// pmOutstandingSince is the turn-around-time clock: set when this
	// replica sends its Proof Matrix to the leader, cleared by the
	// covering Pre-Prepare (design doc §3's TAT definition).
	pmOutstandingSince time.Time

	lastLeaderActivity time.Time
	tatMeasures        map[uint32]map[wire.ReplicaID]wire.TATMeasure // view -> reporter -> measure

	reports map[uint32]map[wire.ReplicaID]wire.Report // view -> reporter -> report

	pending      bool // a view change is currently in flight
	pendingSince time.Time
	target       uint32 // the view the pending change aims to install

	onViewChange func(newView uint32, proof wire.NewLeaderProof)
}

// New constructs a view-change Layer. prePrepare is the leader's
// Pre-Prepare period (an honest leader's turn-around necessarily
// includes up to one of these); suspectVC is the aggressive timeout a
// pending view change itself runs under before escalating to a nested
// one.
func New(self wire.ReplicaID, n, quorum int, kLat float64, prePrepare, suspectVC time.Duration, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{
		self: self, n: n, quorum: quorum, kLat: kLat,
		prePrepare:       prePrepare,
		suspectVC:        suspectVC,
		logger:           logger.With("component", "viewchange"),
		outstandingPings: make(map[uint64]time.Time),
		tatMeasures:      make(map[uint32]map[wire.ReplicaID]wire.TATMeasure),
		reports:          make(map[uint32]map[wire.ReplicaID]wire.Report),
	}
}

// OnViewChange registers the callback invoked once a New-Leader-Proof
// for a later view is accepted.
func (l *Layer) OnViewChange(fn func(newView uint32, proof wire.NewLeaderProof)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onViewChange = fn
}

// View returns the currently installed view.
func (l *Layer) View() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view
}

// NotePing records a ping just sent, keyed by its nonce.
func (l *Layer) NotePing(nonce uint64, sentAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outstandingPings[nonce] = sentAt
}

// OnPong completes an RTT sample and feeds the acceptable-bound
// estimator.
func (l *Layer) OnPong(pong wire.Pong) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sentAt, ok := l.outstandingPings[pong.Nonce]
	if !ok {
		return
	}
	delete(l.outstandingPings, pong.Nonce)
	rtt := time.Since(sentAt)
	l.samples = append(l.samples, pingSample{rtt: rtt})
	if len(l.samples) > 64 {
		l.samples = l.samples[len(l.samples)-64:]
	}
}

// AcceptableBound returns the Pre-Prepare period plus K_LAT times the
// largest observed RTT: the turn-around time an honest-but-slow leader
// could legitimately exhibit. A measured TAT above this is suspect
// (design doc §4.4). Falls back to a generous default with no samples
// yet.
func (l *Layer) AcceptableBound() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.samples) == 0 {
		return l.prePrepare + 100*time.Millisecond
	}
	var maxRTT time.Duration
	for _, s := range l.samples {
		if s.rtt > maxRTT {
			maxRTT = s.rtt
		}
	}
	return l.prePrepare + time.Duration(float64(maxRTT)*l.kLat)
}

// NoteProofMatrixSent starts the turn-around-time clock if it is not
// already running: the measurement covers the oldest Proof Matrix the
// leader has not yet answered.
func (l *Layer) NoteProofMatrixSent(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pmOutstandingSince.IsZero() {
		l.pmOutstandingSince = now
	}
}

// NoteLeaderActivity records a covering Pre-Prepare from the current
// leader, stopping the turn-around-time clock.
func (l *Layer) NoteLeaderActivity(at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastLeaderActivity = at
	l.pmOutstandingSince = time.Time{}
}

// MeasureTAT builds this replica's own TATMeasure for the current view
// if the time since its oldest unanswered Proof Matrix exceeds the
// acceptable bound, signalling the caller should broadcast it.
func (l *Layer) MeasureTAT(now time.Time) (wire.TATMeasure, bool) {
	bound := l.AcceptableBound()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pmOutstandingSince.IsZero() {
		return wire.TATMeasure{}, false
	}
	elapsed := now.Sub(l.pmOutstandingSince)
	if elapsed <= bound {
		return wire.TATMeasure{}, false
	}
	return wire.TATMeasure{
		Reporter:     l.self,
		View:         l.view,
		MeasuredNS:   int64(elapsed),
		AcceptableNS: int64(bound),
	}, true
}

// OnTATMeasure records a peer's TATMeasure and reports whether a
// quorum (2f+k+1) of distinct reporters have now reported a measured
// TAT above the acceptable bound for the current view, triggering
// suspicion of the leader.
func (l *Layer) OnTATMeasure(m wire.TATMeasure) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m.View != l.view {
		return false
	}
	if m.MeasuredNS <= m.AcceptableNS {
		return false
	}
	row, ok := l.tatMeasures[m.View]
	if !ok {
		row = make(map[wire.ReplicaID]wire.TATMeasure)
		l.tatMeasures[m.View] = row
	}
	row[m.Reporter] = m
	return len(row) >= l.quorum
}

// BeginViewChange marks the layer as having a view change in flight
// targeting newView, returning false if one is already pending.
func (l *Layer) BeginViewChange(newView uint32, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending {
		return false
	}
	l.pending = true
	l.pendingSince = now
	l.target = newView
	return true
}

// NestedTimeout reports whether the pending view change has itself
// stalled beyond the SUSPECT_VC window — the new leader is as silent as
// the old — and if so bumps the target view by one (nested view
// changes, design doc §4.4) and restarts the aggressive clock. The
// returned view is the one the caller should now Report toward.
func (l *Layer) NestedTimeout(now time.Time) (uint32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.pending {
		return 0, false
	}
	if now.Sub(l.pendingSince) < l.suspectVC {
		return 0, false
	}
	l.pendingSince = now
	l.target++
	return l.target, true
}

// PendingTarget returns the view a pending change aims for, 0-false if
// none is in flight.
func (l *Layer) PendingTarget() (uint32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target, l.pending
}

// OnReport records a peer's Report for a candidate view and, once
// quorum (2f+k+1) Reports from distinct reporters have accumulated,
// returns the aggregated New-Leader-Proof. Only the candidate view's
// designated leader aggregates; other replicas wait for the proof.
func (l *Layer) OnReport(r wire.Report) (wire.NewLeaderProof, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.View <= l.view {
		return wire.NewLeaderProof{}, false
	}
	row, ok := l.reports[r.View]
	if !ok {
		row = make(map[wire.ReplicaID]wire.Report)
		l.reports[r.View] = row
	}
	row[r.Reporter] = r
	if len(row) < l.quorum {
		return wire.NewLeaderProof{}, false
	}
	reports := make([]wire.Report, 0, len(row))
	for _, rep := range row {
		reports = append(reports, rep)
	}
	return wire.NewLeaderProof{View: r.View, Reports: reports}, true
}

// InstallProof validates and installs a New-Leader-Proof, advancing the
// view and clearing pending state. It requires at least quorum distinct
// reporters, matching the aggregation rule in OnReport.
func (l *Layer) InstallProof(proof wire.NewLeaderProof) bool {
	l.mu.Lock()
	if proof.View <= l.view {
		l.mu.Unlock()
		return false
	}
	seen := make(map[wire.ReplicaID]bool, len(proof.Reports))
	for _, r := range proof.Reports {
		seen[r.Reporter] = true
	}
	if len(seen) < l.quorum {
		l.mu.Unlock()
		return false
	}
	l.view = proof.View
	l.pending = false
	l.pmOutstandingSince = time.Time{}
	l.lastLeaderActivity = time.Time{}
	for v := range l.tatMeasures {
		if v <= proof.View {
			delete(l.tatMeasures, v)
		}
	}
	for v := range l.reports {
		if v <= proof.View {
			delete(l.reports, v)
		}
	}
	fn := l.onViewChange
	l.mu.Unlock()
	if fn != nil {
		fn(proof.View, proof)
	}
	return true
}

// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package recovery implements Proactive Recovery (design doc §4.7):
// scheduled restarts on a fresh RSA key pair and incarnation number,
// installed once 2f+k+1 peers acknowledge it, plus the system-reset
// bootstrap variant for cold start.
package recovery

import (
	"crypto/rsa"
	"log/slog"
	"sync"
	"time"

	coreerrors "github.com/spire-resilient/prime-core/internal/errors"
	"github.com/spire-resilient/prime-core/internal/wire"
	"github.com/spire-resilient/prime-core/pkg/crypto"
	"github.com/spire-resilient/prime-core/pkg/keystore"
)

// Layer drives one replica's proactive-recovery lifecycle.
type Layer struct {
	self   wire.ReplicaID
	quorum int
	period time.Duration

	store  *keystore.Store
	logger *slog.Logger

	mu          sync.Mutex
	lastRestart time.Time
	installing  map[uint64]map[wire.ReplicaID]bool // (replica, incarnation) -> acker set
	announced   map[uint64]wire.NewIncarnation     // (replica, incarnation) -> announcement
	installed   map[wire.ReplicaID]uint32          // replica -> highest installed incarnation
	seen        map[wire.ReplicaID]uint32          // replica -> highest announced incarnation
}

func instKey(replica wire.ReplicaID, incarnation uint32) uint64 {
	return uint64(replica)<<32 | uint64(incarnation)
}

// New constructs a recovery Layer. period is RECOVERY_PERIOD: the
// minimum interval between scheduled restarts for this replica.
func New(self wire.ReplicaID, quorum int, period time.Duration, store *keystore.Store, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{
		self: self, quorum: quorum, period: period, store: store,
		logger:     logger.With("component", "recovery"),
		installing: make(map[uint64]map[wire.ReplicaID]bool),
		announced:  make(map[uint64]wire.NewIncarnation),
		installed:  make(map[wire.ReplicaID]uint32),
		seen:       make(map[wire.ReplicaID]uint32),
	}
}

// Due reports whether it is time to restart: at least period has
// elapsed since the last restart (or process start, on first call).
func (l *Layer) Due(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastRestart.IsZero() {
		l.lastRestart = now
		return false
	}
	return now.Sub(l.lastRestart) >= l.period
}

// Restart rotates the private key, bumps the incarnation, and returns
// the signed-pending NewIncarnation announcement to broadcast. The
// caller must sign it via the Cryptographic Envelope before sending —
// Layer has no signing key of its own.
func (l *Layer) Restart(now time.Time, gcn uint32) (*rsa.PrivateKey, wire.NewIncarnation, error) {
	key, err := l.store.RotatePrivateKey()
	if err != nil {
		return nil, wire.NewIncarnation{}, err
	}
	journal, err := l.store.LoadJournal()
	if err != nil {
		return nil, wire.NewIncarnation{}, err
	}
	next := journal.CurrentIncarnation + 1
	journal = keystore.Journal{CurrentID: uint32(l.self), CurrentIncarnation: next, CurrentGCN: gcn}
	if err := l.store.SaveJournal(journal); err != nil {
		return nil, wire.NewIncarnation{}, err
	}

	pubPEM, err := crypto.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, wire.NewIncarnation{}, err
	}
	ann := wire.NewIncarnation{Replica: l.self, Incarnation: next, GCN: gcn, PublicKeyPEM: pubPEM}

	l.mu.Lock()
	l.lastRestart = now
	l.installing[instKey(l.self, next)] = map[wire.ReplicaID]bool{l.self: true}
	l.announced[instKey(l.self, next)] = ann
	l.seen[l.self] = next
	l.mu.Unlock()

	return key, ann, nil
}

// OnAnnounce admits another replica's NewIncarnation, refusing any
// incarnation at or below the highest already announced for that
// replica (design doc §3's incarnation-monotonicity invariant: an
// (id, incarnation) pair is never reused). On success the announcement
// is retained so the quorum install in OnAck can hand it back to the
// caller for roster adoption.
func (l *Layer) OnAnnounce(ann wire.NewIncarnation) (wire.NewIncarnationAck, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ann.Incarnation <= l.seen[ann.Replica] {
		return wire.NewIncarnationAck{}, coreerrors.Stale("recovery", "incarnation not above the highest announced for replica", nil)
	}
	l.seen[ann.Replica] = ann.Incarnation
	l.announced[instKey(ann.Replica, ann.Incarnation)] = ann
	return wire.NewIncarnationAck{Acker: l.self, Replica: ann.Replica, Incarnation: ann.Incarnation}, nil
}

// OnAck records an inbound NewIncarnationAck. When (replica,
// incarnation) reaches quorum acks, the retained announcement is
// returned exactly once — the trigger to adopt the new public key
// system-wide and reset that replica's Pre-Order state.
func (l *Layer) OnAck(ack wire.NewIncarnationAck) (wire.NewIncarnation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := instKey(ack.Replica, ack.Incarnation)
	set, ok := l.installing[key]
	if !ok {
		set = make(map[wire.ReplicaID]bool)
		l.installing[key] = set
	}
	set[ack.Acker] = true
	if len(set) < l.quorum {
		return wire.NewIncarnation{}, false
	}
	if l.installed[ack.Replica] >= ack.Incarnation {
		return wire.NewIncarnation{}, false // already handed back
	}
	ann, ok := l.announced[key]
	if !ok {
		return wire.NewIncarnation{}, false
	}
	l.installed[ack.Replica] = ack.Incarnation
	return ann, true
}

// CountsTowardK reports that a replica mid-proactive-recovery (between
// announcing a NewIncarnation and reaching quorum install) should be
// treated as benignly unavailable for fault-counting purposes — it
// counts toward k, not f, per design doc §4.7.
func (l *Layer) CountsTowardK(replica wire.ReplicaID, incarnation uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.installing[instKey(replica, incarnation)]
	if !ok {
		return false
	}
	return len(set) < l.quorum
}

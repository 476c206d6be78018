// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package recovery

import (
	"sync"
	"time"

	coreerrors "github.com/spire-resilient/prime-core/internal/errors"
	"github.com/spire-resilient/prime-core/internal/wire"
	"github.com/spire-resilient/prime-core/pkg/crypto"
)

// Bootstrap drives the system-reset cold-boot variant of proactive
// recovery (design doc §4.7): instead of one replica restarting on its
// own schedule, every replica restarts together, and the bootstrap
// leader collects threshold shares of the bootstrap ordinal before any
// replica resumes ordering.
type Bootstrap struct {
	self       wire.ReplicaID
	quorum     int
	minWait    time.Duration
	timeout    time.Duration

	mu        sync.Mutex
	startedAt time.Time
	shares    map[wire.ReplicaID]crypto.PartialSignature
	votedOut  map[wire.ReplicaID]bool
}

// NewBootstrap constructs a system-reset coordinator.
func NewBootstrap(self wire.ReplicaID, quorum int, minWait, timeout time.Duration) *Bootstrap {
	return &Bootstrap{
		self: self, quorum: quorum, minWait: minWait, timeout: timeout,
		shares:   make(map[wire.ReplicaID]crypto.PartialSignature),
		votedOut: make(map[wire.ReplicaID]bool),
	}
}

// Begin marks the start of a system-reset round at now. Per design doc
// §4.7, no replica may be declared unresponsive before SYSTEM_RESET_MIN_WAIT
// has elapsed, bounding false-positive vote-outs during a simultaneous
// restart where every replica is briefly silent.
func (b *Bootstrap) Begin(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startedAt = now
	b.shares = make(map[wire.ReplicaID]crypto.PartialSignature)
	b.votedOut = make(map[wire.ReplicaID]bool)
}

// OnShare records a replica's threshold-share contribution of the
// bootstrap ordinal and reports whether the quorum given to
// NewBootstrap (2f+k+1 in pkg/replica) has now been reached.
func (b *Bootstrap) OnShare(replica wire.ReplicaID, ps crypto.PartialSignature) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shares[replica] = ps
	return len(b.shares) >= b.quorum
}

// Ready reports whether this round has both waited out
// SYSTEM_RESET_MIN_WAIT and collected quorum shares — the two
// conditions design doc §4.7 requires before the bootstrap leader may
// propose.
func (b *Bootstrap) Ready(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startedAt.IsZero() {
		return false
	}
	return now.Sub(b.startedAt) >= b.minWait && len(b.shares) >= b.quorum
}

// Shares returns the currently collected partial signatures, for the
// caller to attempt Combine once quorum is reached.
func (b *Bootstrap) Shares() map[wire.ReplicaID]crypto.PartialSignature {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[wire.ReplicaID]crypto.PartialSignature, len(b.shares))
	for k, v := range b.shares {
		out[k] = v
	}
	return out
}

// VoteOut marks replica as unresponsive for this bootstrap round, only
// honored once minWait has elapsed since Begin (design doc §4.7's
// vote-out-if-no-commit logic).
func (b *Bootstrap) VoteOut(replica wire.ReplicaID, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Sub(b.startedAt) < b.minWait {
		return coreerrors.Stale("recovery", "vote-out attempted before SYSTEM_RESET_MIN_WAIT elapsed", nil)
	}
	b.votedOut[replica] = true
	return nil
}

// TimedOut reports whether the round has exceeded SYSTEM_RESET_TIMEOUT
// without reaching quorum. The quorum is fixed at construction: voted-out
// replicas are not subtracted from it, and Begin clears the voted-out set.
func (b *Bootstrap) TimedOut(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.startedAt) >= b.timeout && len(b.shares) < b.quorum
}

// VotedOut returns the set of replicas voted out this round.
func (b *Bootstrap) VotedOut() []wire.ReplicaID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]wire.ReplicaID, 0, len(b.votedOut))
	for id := range b.votedOut {
		out = append(out, id)
	}
	return out
}

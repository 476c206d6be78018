// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"crypto/rsa"
	"sync"

	coreerrors "github.com/spire-resilient/prime-core/internal/errors"
	"github.com/spire-resilient/prime-core/internal/wire"
)

// CE is the Cryptographic Envelope (design doc §4.1): the single point
// every outbound message is signed through, and every inbound message
// is verified through, before any state-mutating logic sees it.
type CE struct {
	priv    *rsa.PrivateKey
	batcher *Batcher

	mu     sync.RWMutex
	roster map[wire.ReplicaID]*rsa.PublicKey
}

// NewCE constructs a CE signing with priv, batching up to
// sigThreshold digests per RSA signature.
func NewCE(priv *rsa.PrivateKey, sigThreshold int) *CE {
	return &CE{
		priv:    priv,
		batcher: NewBatcher(priv, sigThreshold),
		roster:  make(map[wire.ReplicaID]*rsa.PublicKey),
	}
}

// SetRoster installs the per-replica public keys used for inbound
// verification (design doc §4.8: roster is gcn-scoped and replaced
// wholesale on reconfiguration).
func (c *CE) SetRoster(roster map[wire.ReplicaID]*rsa.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roster = roster
}

// PublicKeyOf returns the known public key for replica, if any.
func (c *CE) PublicKeyOf(replica wire.ReplicaID) (*rsa.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pk, ok := c.roster[replica]
	return pk, ok
}

// Enqueue queues payload's digest for the next batched signature and
// returns the channel its SignatureBlock arrives on once a batch
// containing it is flushed — either because the FIFO reached
// sig_threshold, or because the event loop's signature timer called
// FlushBatch. The caller must never block on the channel from the same
// goroutine that drives FlushBatch; it parks the frame in an outbox
// and drains once signatures are ready.
func (c *CE) Enqueue(payload []byte) <-chan wire.SignatureBlock {
	return c.batcher.Add(Digest(payload))
}

// FlushBatch forces any queued signatures out now; driven by the
// replica event loop's signature timer (design doc §4.1, §5).
func (c *CE) FlushBatch() error {
	return c.batcher.Flush()
}

// PendingBatchLen reports the current FIFO depth. The replica event loop
// does not consult it: its signature timer flushes at SIG_MAX regardless.
func (c *CE) PendingBatchLen() int {
	return c.batcher.Len()
}

// VerifyEnvelope authenticates an inbound message: sender must be
// known, and either its direct RSA signature or its Merkle proof plus
// batch-root signature must check out. Failure here is always a
// KindAuthInvalid error (design doc §7): the caller must drop silently
// and count, never mutate state.
func (c *CE) VerifyEnvelope(sender wire.ReplicaID, payload []byte, sig wire.SignatureBlock) error {
	pub, ok := c.PublicKeyOf(sender)
	if !ok {
		return coreerrors.AuthInvalid("ce", "unknown sender", nil)
	}
	return VerifyWithKey(pub, payload, sig)
}

// VerifyWithKey authenticates a payload's signature block against an
// explicit public key, outside any roster. New-incarnation
// announcements need this: they are signed with a fresh key no roster
// holds yet, so the embedded key itself is what the envelope must
// verify against (design doc §4.7).
func VerifyWithKey(pub *rsa.PublicKey, payload []byte, sig wire.SignatureBlock) error {
	digest := Digest(payload)
	if sig.Kind == wire.SigKindRSA {
		return Verify(pub, digest, sig.RSA)
	}
	if err := Verify(pub, sig.Root, sig.RootSig); err != nil {
		return err
	}
	// Leaf index is not carried on the wire (design doc's signature
	// block only carries siblings + root): a message authenticates if
	// there exists *some* leaf position consistent with the carried
	// proof. Batch size is bounded by sig_threshold, so this is a small
	// search over 2^len(proof) candidate indices.
	total := 1 << len(sig.Siblings)
	for idx := 0; idx < total; idx++ {
		if VerifyMerkleProof(digest, idx, sig.Siblings, sig.Root) {
			return nil
		}
	}
	return coreerrors.AuthInvalid("ce", "merkle proof does not verify against signed root", nil)
}

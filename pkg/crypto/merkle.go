// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"crypto/rsa"
	"fmt"
	"sync"

	"github.com/spire-resilient/prime-core/internal/wire"
)

// pendingEntry is one message awaiting a batched signature.
type pendingEntry struct {
	digest [wire.DigestSize]byte
	done   chan wire.SignatureBlock
}

// Batcher accumulates digests in a FIFO and produces a single RSA
// signature over their SHA-1 Merkle root once the batch reaches
// sig_threshold entries (design doc §4.1). Timer-driven flush on
// sig_min/sig_max is the caller's responsibility (pkg/replica's event
// loop owns all timers); Batcher itself is a plain, lock-protected
// queue so it can be driven from tests without a scheduler.
type Batcher struct {
	mu        sync.Mutex
	key       *rsa.PrivateKey
	threshold int
	pending   []pendingEntry
}

// NewBatcher constructs a Batcher that signs with key once threshold
// digests have queued.
func NewBatcher(key *rsa.PrivateKey, threshold int) *Batcher {
	return &Batcher{key: key, threshold: threshold}
}

// Add enqueues digest and returns a channel that receives this
// message's SignatureBlock once a batch containing it is flushed. Add
// flushes automatically once the FIFO reaches the configured threshold.
func (b *Batcher) Add(digest [wire.DigestSize]byte) <-chan wire.SignatureBlock {
	b.mu.Lock()
	ch := make(chan wire.SignatureBlock, 1)
	b.pending = append(b.pending, pendingEntry{digest: digest, done: ch})
	shouldFlush := len(b.pending) >= b.threshold
	b.mu.Unlock()
	if shouldFlush {
		b.Flush()
	}
	return ch
}

// Len reports the number of digests currently queued.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush signs the current batch (if non-empty) and delivers a
// SignatureBlock to every waiting Add call. It is safe to call Flush on
// an empty batcher (a no-op) — callers driven by the sig_max timer do
// this unconditionally.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if len(batch) == 1 {
		sig, err := Sign(b.key, batch[0].digest)
		if err != nil {
			return err
		}
		batch[0].done <- wire.SignatureBlock{Kind: wire.SigKindRSA, RSA: sig}
		close(batch[0].done)
		return nil
	}

	leaves := make([][wire.DigestSize]byte, len(batch))
	for i, e := range batch {
		leaves[i] = e.digest
	}
	tree := BuildMerkleTree(leaves)
	rootSig, err := Sign(b.key, tree.Root)
	if err != nil {
		return err
	}
	for i, e := range batch {
		proof := tree.Proof(i)
		if len(proof) > wire.MaxMerkleDigests {
			return fmt.Errorf("crypto: merkle proof of %d siblings exceeds MaxMerkleDigests (batch too large)", len(proof))
		}
		e.done <- wire.SignatureBlock{
			Kind:     wire.SigKindMerkle,
			Siblings: proof,
			Root:     tree.Root,
			RootSig:  rootSig,
		}
		close(e.done)
	}
	return nil
}

// MerkleTree is a binary SHA-1 Merkle tree over a batch of leaf
// digests, levels[0] being the leaves.
type MerkleTree struct {
	levels [][][wire.DigestSize]byte
	Root   [wire.DigestSize]byte
}

// BuildMerkleTree builds a tree over leaves, duplicating the last node
// at each level when the level has odd size (standard Merkle padding).
func BuildMerkleTree(leaves [][wire.DigestSize]byte) *MerkleTree {
	if len(leaves) == 0 {
		return &MerkleTree{levels: [][][wire.DigestSize]byte{{}}}
	}
	levels := [][][wire.DigestSize]byte{leaves}
	cur := leaves
	for len(cur) > 1 {
		next := make([][wire.DigestSize]byte, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			if i+1 < len(cur) {
				next = append(next, hashPair(cur[i], cur[i+1]))
			} else {
				next = append(next, hashPair(cur[i], cur[i]))
			}
		}
		levels = append(levels, next)
		cur = next
	}
	return &MerkleTree{levels: levels, Root: cur[0]}
}

func hashPair(a, b [wire.DigestSize]byte) [wire.DigestSize]byte {
	buf := make([]byte, 0, 2*wire.DigestSize)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return Digest(buf)
}

// Proof returns the sibling digests on the path from leaf index i to
// the root, bottom-up.
func (t *MerkleTree) Proof(i int) [][wire.DigestSize]byte {
	var proof [][wire.DigestSize]byte
	idx := i
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		var sibIdx int
		if idx%2 == 0 {
			sibIdx = idx + 1
		} else {
			sibIdx = idx - 1
		}
		if sibIdx >= len(nodes) {
			sibIdx = idx // odd tail duplicate
		}
		proof = append(proof, nodes[sibIdx])
		idx /= 2
	}
	return proof
}

// VerifyMerkleProof recomputes the root from leaf (at position idx
// within its batch) and its sibling proof, and reports whether it
// matches root.
func VerifyMerkleProof(leaf [wire.DigestSize]byte, idx int, proof [][wire.DigestSize]byte, root [wire.DigestSize]byte) bool {
	cur := leaf
	for _, sib := range proof {
		if idx%2 == 0 {
			cur = hashPair(cur, sib)
		} else {
			cur = hashPair(sib, cur)
		}
		idx /= 2
	}
	return cur == root
}

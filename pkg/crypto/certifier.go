// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"crypto/rsa"
	"math/big"
	"sync"

	coreerrors "github.com/spire-resilient/prime-core/internal/errors"
	"github.com/spire-resilient/prime-core/internal/wire"
)

// SiteCertifier collects threshold-signature shares per executed global
// slot and combines them into the slot's site certificate: a classical
// RSA signature verifiable against the single site public key (design
// doc §4.1). A combine-verification failure always enters the proof
// phase; shareholders whose zero-knowledge proof fails are blamed and
// excluded from every later collection round until they recover with a
// fresh incarnation.
type SiteCertifier struct {
	params  *ThresholdParams
	share   ShareKey
	sitePub *rsa.PublicKey

	mu     sync.Mutex
	rounds map[uint32]*certRound // slot -> collected shares
	certs  map[uint32][wire.RSASignatureSize]byte
	blamed map[uint32]bool // shareholder index -> excluded
}

type certRound struct {
	digest   [wire.DigestSize]byte
	partials map[uint32]PartialSignature
	done     bool
}

// NewSiteCertifier constructs a certifier for a replica holding share
// under params. The site public key is reconstructed from the params'
// modulus and exponent.
func NewSiteCertifier(params *ThresholdParams, share ShareKey) *SiteCertifier {
	return &SiteCertifier{
		params:  params,
		share:   share,
		sitePub: &rsa.PublicKey{N: params.N, E: int(params.E)},
		rounds:  make(map[uint32]*certRound),
		certs:   make(map[uint32][wire.RSASignatureSize]byte),
		blamed:  make(map[uint32]bool),
	}
}

// ShareFor generates this replica's share over an executed slot's
// digest, framed for the wire with the spec's exact 128-byte
// zero-left-padded share encoding.
func (c *SiteCertifier) ShareFor(slot uint32, digest [wire.DigestSize]byte) (wire.ThresholdShare, error) {
	ps, err := GenShare(c.params, c.share, digest)
	if err != nil {
		return wire.ThresholdShare{}, err
	}
	return wire.ThresholdShare{
		Slot:        slot,
		Digest:      digest,
		Index:       ps.Index,
		Share:       wire.PadLeft128(ps.Value.Bytes()),
		ProofVPrime: ps.Proof.VPrime.Bytes(),
		ProofXPrime: ps.Proof.XPrime.Bytes(),
		ProofZ:      ps.Proof.Z.Bytes(),
	}, nil
}

// PartialFromWire rebuilds a PartialSignature from its wire framing.
func PartialFromWire(ts wire.ThresholdShare) PartialSignature {
	return PartialSignature{
		Index: ts.Index,
		Value: new(big.Int).SetBytes(ts.Share[:]),
		Proof: ShareProof{
			VPrime: new(big.Int).SetBytes(ts.ProofVPrime),
			XPrime: new(big.Int).SetBytes(ts.ProofXPrime),
			Z:      new(big.Int).SetBytes(ts.ProofZ),
		},
	}
}

// VerifyWireShare checks a wire share's zero-knowledge proof against
// the published verification keys, without entering a collection
// round. Used by the system-reset bootstrap, which collects shares for
// SYSTEM_RESET_MIN_WAIT rather than combining eagerly.
func (c *SiteCertifier) VerifyWireShare(ts wire.ThresholdShare) bool {
	return VerifyShare(c.params, ts.Digest, PartialFromWire(ts))
}

// OnShare records an inbound share for its slot and, once k+f+1
// unblamed shares have accumulated, attempts Combine. On success the
// slot's certificate is retained and returned with done=true. On a
// combine-verification failure the blame set is absorbed (those
// shareholders are excluded from this and future rounds) and the error
// is surfaced so the caller can count and log it; collection continues
// as further shares arrive.
func (c *SiteCertifier) OnShare(ts wire.ThresholdShare) ([wire.RSASignatureSize]byte, bool, error) {
	ps := PartialFromWire(ts)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.blamed[ps.Index] {
		return [wire.RSASignatureSize]byte{}, false, coreerrors.AuthInvalid("certifier", "share from blamed shareholder", nil)
	}
	if cert, ok := c.certs[ts.Slot]; ok {
		return cert, true, nil
	}
	round, ok := c.rounds[ts.Slot]
	if !ok {
		round = &certRound{digest: ts.Digest, partials: make(map[uint32]PartialSignature)}
		c.rounds[ts.Slot] = round
	}
	if round.digest != ts.Digest {
		return [wire.RSASignatureSize]byte{}, false, coreerrors.ProtocolInvalid("certifier", "share digest diverges from slot digest", nil)
	}
	round.partials[ps.Index] = ps
	if len(round.partials) < c.params.Threshold {
		return [wire.RSASignatureSize]byte{}, false, nil
	}

	partials := make([]PartialSignature, 0, len(round.partials))
	for _, p := range round.partials {
		partials = append(partials, p)
	}
	cert, blame, err := Combine(c.params, c.sitePub, round.digest, partials)
	if err != nil {
		for _, idx := range blame {
			c.blamed[idx] = true
			delete(round.partials, idx)
		}
		return [wire.RSASignatureSize]byte{}, false, err
	}
	c.certs[ts.Slot] = cert
	delete(c.rounds, ts.Slot)
	return cert, true, nil
}

// Certificate returns the combined site certificate for slot, if one
// has formed.
func (c *SiteCertifier) Certificate(slot uint32) ([wire.RSASignatureSize]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cert, ok := c.certs[slot]
	return cert, ok
}

// Blamed returns the shareholder indices currently excluded by the
// blame sub-protocol.
func (c *SiteCertifier) Blamed() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint32, 0, len(c.blamed))
	for idx := range c.blamed {
		out = append(out, idx)
	}
	return out
}

// Pardon clears a shareholder's blame, called when it installs a fresh
// incarnation through proactive recovery (design doc §8 scenario 6:
// excluded "until it recovers").
func (c *SiteCertifier) Pardon(index uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blamed, index)
}

// GarbageCollect drops share-collection rounds and certificates at or
// below upto, alongside the Ordering layer's own slot GC.
func (c *SiteCertifier) GarbageCollect(upto uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for slot := range c.rounds {
		if slot <= upto {
			delete(c.rounds, slot)
		}
	}
	for slot := range c.certs {
		if slot <= upto {
			delete(c.certs, slot)
		}
	}
}

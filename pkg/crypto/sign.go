// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // digest size chosen to match the design's 20-byte wire field, not used for collision resistance guarantees here
	"fmt"

	"github.com/spire-resilient/prime-core/internal/wire"

	coreerrors "github.com/spire-resilient/prime-core/internal/errors"
)

// Digest computes the SHA-1 digest of b, the digest size used
// throughout the wire format (design doc §6).
func Digest(b []byte) [wire.DigestSize]byte {
	return sha1.Sum(b) //nolint:gosec
}

// Sign produces a 128-byte RSA-PKCS1v15 signature over digest.
func Sign(key *rsa.PrivateKey, digest [wire.DigestSize]byte) ([wire.RSASignatureSize]byte, error) {
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, digest[:])
	if err != nil {
		return [wire.RSASignatureSize]byte{}, fmt.Errorf("crypto: sign: %w", err)
	}
	return wire.PadLeft128(sig), nil
}

// Verify checks an RSA-PKCS1v15 signature over digest against pub.
// Per design doc §4.1, verification failure for an individual message
// is silent at the CE layer — callers surface it as a KindAuthInvalid
// error for the caller's component to drop, count, and never mutate
// state from.
func Verify(pub *rsa.PublicKey, digest [wire.DigestSize]byte, sig [wire.RSASignatureSize]byte) error {
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], sig[:]); err != nil {
		return coreerrors.AuthInvalid("crypto", "rsa signature verification failed", err)
	}
	return nil
}

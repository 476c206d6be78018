// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package crypto implements the Cryptographic Envelope (design doc
// §4.1): per-message RSA sign/verify batched by Merkle tree, and
// threshold-RSA share generation, combination and verification. Keys
// are process-local and passed explicitly into a per-replica context
// object at construction, per design doc §9 — no package-level globals.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// RSAKeySize is the modulus size used for per-replica signing keys and
// for the site threshold key.
const RSAKeySize = 1024 // matches the 128-byte (RSASignatureSize) wire field

// GenerateKeyPair creates a fresh per-replica RSA key pair, used on
// first boot and again on every proactive-recovery restart (design doc
// §4.7) where a replica must change cryptographic identity.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, RSAKeySize)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return key, nil
}

// SavePrivateKeyPEM writes key as a PKCS#1 PEM file at path.
func SavePrivateKeyPEM(key *rsa.PrivateKey, path string) error {
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("crypto: write private key %s: %w", path, err)
	}
	return nil
}

// LoadPrivateKeyPEM reads a PKCS#1 PEM private key from path.
func LoadPrivateKeyPEM(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read private key %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("crypto: no PEM block in %s", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse private key %s: %w", path, err)
	}
	return key, nil
}

// SavePublicKeyPEM writes pub as a PKIX PEM file at path.
func SavePublicKeyPEM(pub *rsa.PublicKey, path string) error {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("crypto: marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o644); err != nil {
		return fmt.Errorf("crypto: write public key %s: %w", path, err)
	}
	return nil
}

// LoadPublicKeyPEM reads a PKIX PEM public key from path.
func LoadPublicKeyPEM(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read public key %s: %w", path, err)
	}
	return ParsePublicKeyPEM(data)
}

// ParsePublicKeyPEM parses a PKIX PEM public key from an in-memory blob,
// used when a public key arrives over the wire (e.g. in a
// NewIncarnation message or a roster entry) rather than from disk.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("crypto: no PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("crypto: public key is not RSA")
	}
	return rsaPub, nil
}

// EncodePublicKeyPEM returns pub as a PKIX PEM blob, for embedding in
// wire messages.
func EncodePublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// ReplicaID identifies a replica slot 1..N. BroadcastID is the
// reserved destination meaning "send to every replica" on the Overlay
// Transport trait (design doc §6).
type ReplicaID uint32

const BroadcastID ReplicaID = 0

// PORequest is a client update disseminated and locally ordered by the
// Pre-Order layer (design doc §3). Payload is opaque to the core.
type PORequest struct {
	Origin  ReplicaID
	Seq     POSeqPair
	Payload [][]byte
}

// POAck is a batched, Merkle-signed acknowledgement that the acker
// holds (origin, seq) with the given digest.
type POAck struct {
	Acker  ReplicaID
	Origin ReplicaID
	Seq    POSeqPair
	Digest [DigestSize]byte
}

// POARU is the per-replica Aggregate-Received-Up-to vector: cum_ack[j]
// is the largest PO-Sequence Pair from origin j the reporting replica
// knows at least 2f+k+1 replicas have acked.
type POARU struct {
	Reporter ReplicaID
	CumAck   []POSeqPair // indexed 0..N-1 by origin
}

// ProofMatrix bundles one POARU row per reporting replica; the leader
// folds this into a Pre-Prepare to drive eligibility (design doc §4.3).
type ProofMatrix struct {
	Rows []POARU // indexed by reporter
}

// ProofMatrixMsg carries a replica's current Proof Matrix to the
// leader (design doc §4.2 step 5); the leader merges its rows into its
// own matrix, and the sender starts a turn-around-time measurement
// that only a covering Pre-Prepare stops.
type ProofMatrixMsg struct {
	Sender ReplicaID
	Matrix ProofMatrix
}

// PrePrepare is the leader's proposal for global slot Seq in View.
// LastExecuted reflects what the previous slot had made eligible; the
// newly eligible cut for this slot is derived by every receiver from
// Matrix, never trusted from the leader.
type PrePrepare struct {
	View         uint32
	Seq          uint32
	GCN          uint32
	Matrix       ProofMatrix
	LastExecuted []POSeqPair // indexed by origin
}

// Vote is the common shape of Prepare and Commit messages: a reference
// to a Pre-Prepare's digest, not its contents.
type Vote struct {
	View   uint32
	Seq    uint32
	GCN    uint32
	Digest [DigestSize]byte
	Signer ReplicaID
}

// TATMeasure is broadcast when a replica's measured leader turn-around
// time exceeds the acceptable bound (design doc §4.4).
type TATMeasure struct {
	Reporter     ReplicaID
	View         uint32
	MeasuredNS   int64
	AcceptableNS int64
}

// ThresholdShare is one replica's threshold-signature share over an
// executed slot's digest, combined at k+f+1 into the slot's site
// certificate. Share is the big-endian modular integer, zero-left-
// padded to exactly RSASignatureSize bytes (design doc §6); the proof
// fields carry the Shoup zero-knowledge proof the blame sub-protocol
// checks when a combine fails.
type ThresholdShare struct {
	Sender      ReplicaID
	Slot        uint32
	Digest      [DigestSize]byte
	Index       uint32
	Share       [RSASignatureSize]byte
	ProofVPrime []byte
	ProofXPrime []byte
	ProofZ      []byte
}

// BootstrapShare is one replica's threshold share over the bootstrap
// ordinal digest, collected by the bootstrap leader during a
// system-reset cold boot (design doc §4.7) before any ordering
// resumes.
type BootstrapShare struct {
	Sender ReplicaID
	Round  uint32
	Share  ThresholdShare
}

// Report carries a replica's highest prepared certificates above its
// last executed slot, for New-Leader-Proof aggregation.
type Report struct {
	Reporter     ReplicaID
	View         uint32
	LastExecuted uint32
	Certificates []SlotCertificate
}

// SlotCertificate records the strongest evidence a replica holds for a
// global slot: a Commit certificate (if reached) or else a Prepare
// certificate.
type SlotCertificate struct {
	Seq       uint32
	Digest    [DigestSize]byte
	Committed bool
	PP        *PrePrepare
}

// NewLeaderProof aggregates 2f+k+1 Reports into the evidence a new
// leader presents to install a view.
type NewLeaderProof struct {
	View    uint32
	Reports []Report
}

// NewIncarnation announces a fresh (id, incarnation) pair signed by the
// new private key (design doc §4.7).
type NewIncarnation struct {
	Replica      ReplicaID
	Incarnation  uint32
	GCN          uint32
	PublicKeyPEM []byte
}

// NewIncarnationAck acknowledges a NewIncarnation; 2f+k+1 acks install
// it system-wide.
type NewIncarnationAck struct {
	Acker       ReplicaID
	Replica     ReplicaID
	Incarnation uint32
}

// CatchupRequest advertises the sender's executed-upto ARU.
type CatchupRequest struct {
	Requester    ReplicaID
	ExecutedUpto uint32
}

// CatchupResponse delivers either ordered certificates covering a gap
// or a checkpoint plus fast-forward ARU.
type CatchupResponse struct {
	Responder    ReplicaID
	Certificates []SlotCertificate
	Checkpoint   *Checkpoint
}

// Checkpoint is a compressed state snapshot used to fast-forward a
// replica whose gap exceeds CATCHUP_HISTORY.
type Checkpoint struct {
	Seq             uint32
	GCN             uint32
	ExecutedARU     []POSeqPair
	StateDigest     [DigestSize]byte
	CompressedState []byte // zstd-compressed opaque state blob
}

// ReconPart is one coded (or verbatim) share of a PO-Request, pushed
// unsolicited by a replica the RECON sender-selection rule qualifies
// to any peer whose reported ARU has not acknowledged (Origin, Seq)
// yet (design doc §4.5).
type ReconPart struct {
	Sender  ReplicaID
	Origin  ReplicaID
	Seq     POSeqPair
	PartIdx int
	Coded   bool
	Data    []byte
}

// ConfigArtifact is the signed membership/key-rotation artifact
// published by the external Configuration Manager (design doc §4.8).
type ConfigArtifact struct {
	GCN              uint32
	Roster           []RosterEntry
	SitePublicKeyPEM []byte
}

// RosterEntry binds a replica id to its threshold-share-holder identity
// and per-replica public key within a GCN.
type RosterEntry struct {
	Replica      ReplicaID
	ShareHolder  uint32
	PublicKeyPEM []byte
}

// Ping/Pong support the TAT-acceptable-bound RTT sampling in §4.4.
type Ping struct {
	Sender       ReplicaID
	Nonce        uint64
	SentUnixNano int64
}

type Pong struct {
	Sender       ReplicaID
	Nonce        uint64
	EchoUnixNano int64
}

// EncodePayload gob-encodes a message body. Only the envelope (Header +
// SignatureBlock) carries a bit-exact wire format per design doc §6;
// message bodies beyond PO-Sequence Pairs are not spec'd bit-exact, so
// gob (stdlib, deterministic enough within one Go toolchain version,
// already implicitly relied on by the design's "serialize/deserialize
// round-trips" property) is used uniformly across message kinds.
func EncodePayload(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("wire: encode payload: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePayload decodes a gob-encoded payload into v.
func DecodePayload(b []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return fmt.Errorf("wire: decode payload: %w", err)
	}
	return nil
}

// Envelope is a fully framed wire message: header, gob payload, trailing
// signature block.
type Envelope struct {
	Header    Header
	Payload   []byte
	Signature SignatureBlock
}

// Encode serializes the envelope as header || payload || signature.
func (e Envelope) Encode() []byte {
	h := e.Header
	h.Length = uint16(len(e.Payload))
	buf := make([]byte, 0, HeaderSize+len(e.Payload)+1+RSASignatureSize)
	buf = append(buf, h.Encode()...)
	buf = append(buf, e.Payload...)
	buf = append(buf, e.Signature.Encode()...)
	return buf
}

// DecodeEnvelope parses a full wire message.
func DecodeEnvelope(buf []byte) (Envelope, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Envelope{}, err
	}
	if len(buf) < HeaderSize+int(h.Length) {
		return Envelope{}, fmt.Errorf("wire: short envelope body")
	}
	payload := buf[HeaderSize : HeaderSize+int(h.Length)]
	sig, _, err := DecodeSignatureBlock(buf[HeaderSize+int(h.Length):])
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Header: h, Payload: payload, Signature: sig}, nil
}

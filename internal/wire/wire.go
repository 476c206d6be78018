// Copyright 2026 Spire Resilient Systems
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package wire implements the bit-exact wire format shared by every
// message the replication core sends or receives (design doc §6):
// fixed-width little-endian integers, a common message header, a
// trailing signature block (single RSA signature or Merkle proof plus
// batch-root signature), and the PO-Sequence Pair encoding.
//
// Endianness: every multi-byte field is written little-endian. A sender
// whose native order differs sets the EndianFlip bit in the header;
// receivers on the other order flip every subsequent field themselves.
// This resolves design doc §9 Open Question (c): one canonical order,
// one flip marker, instead of per-field ambiguity.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Wire-level constants from design doc §6.
const (
	// RSASignatureSize is the fixed size of a single RSA signature and
	// of a threshold share / combined signature, zero-left-padded.
	RSASignatureSize = 128

	// DigestSize is the SHA-1 digest size used by Merkle batching.
	DigestSize = 20

	// MaxMerkleDigests bounds the sibling-path length attached to a
	// batched message: ceil(log2(SIG_THRESHOLD)) for SIG_THRESHOLD=64.
	MaxMerkleDigests = 6

	// PrimeMaxPacketSize is the packet-size ceiling; the core never
	// fragments, the overlay does.
	PrimeMaxPacketSize = 32000

	// HeaderSize is the encoded size of Header.
	HeaderSize = 4 + 4 + 2 + 2 + 4 + 4
)

// MessageType enumerates the wire message kinds.
type MessageType uint32

const (
	MsgPreOrderRequest MessageType = iota + 1
	MsgPreOrderAck
	MsgPOARU
	MsgPrePrepare
	MsgPrepare
	MsgCommit
	MsgTATMeasure
	MsgReport
	MsgNewLeaderProof
	MsgNewIncarnation
	MsgNewIncarnationAck
	MsgCatchupRequest
	MsgCatchupResponse
	MsgCheckpoint
	MsgReconPart
	MsgConfigArtifact
	MsgPing
	MsgPong
	MsgProofMatrix
	MsgThresholdShare
	MsgBootstrapShare
)

// maxMessageType bounds the valid MessageType range, used by header
// decoding to tell a little-endian header from a flipped one.
const maxMessageType = MsgBootstrapShare

// EndiannessFlag bits, stored in the high bit of ControlLinkID; see
// Header.EndianFlip.
const endianFlipBit uint32 = 1 << 31

// Header is the common message header prepended to every wire message
// (design doc §6): {type, sender_id, length, ack_len, sequence_on_link,
// control_link_id}. ControlLinkID's top bit is stolen as the
// endianness-flip marker, keeping the on-wire layout exactly the sizes
// the design doc lists.
type Header struct {
	Type           MessageType
	SenderID       uint32
	Length         uint16
	AckLen         uint16
	SequenceOnLink uint32
	ControlLinkID  uint32
	EndianFlip     bool
}

// Encode writes the header in little-endian order (or big-endian, if
// EndianFlip is set, to signal a non-native-order sender).
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	order := byteOrder(h.EndianFlip)
	order.PutUint32(buf[0:4], uint32(h.Type))
	order.PutUint32(buf[4:8], h.SenderID)
	order.PutUint16(buf[8:10], h.Length)
	order.PutUint16(buf[10:12], h.AckLen)
	order.PutUint32(buf[12:16], h.SequenceOnLink)
	ctrl := h.ControlLinkID &^ endianFlipBit
	if h.EndianFlip {
		ctrl |= endianFlipBit
	}
	order.PutUint32(buf[16:20], ctrl)
	return buf
}

// DecodeHeader reads a Header from buf. Little-endian is the canonical
// order; a header whose type field is only plausible big-endian came
// from an opposite-order sender, which must also have set the flip
// marker in the control-link field — the two signals are cross-checked
// so a corrupt header fails loudly instead of misparsing.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: %d bytes", len(buf))
	}
	flip := false
	if t := binary.LittleEndian.Uint32(buf[0:4]); t == 0 || t > uint32(maxMessageType) {
		flip = true
	}
	order := byteOrder(flip)
	ctrl := order.Uint32(buf[16:20])
	if flip != (ctrl&endianFlipBit != 0) {
		return Header{}, fmt.Errorf("wire: endianness marker disagrees with field order")
	}
	h := Header{
		Type:           MessageType(order.Uint32(buf[0:4])),
		SenderID:       order.Uint32(buf[4:8]),
		Length:         order.Uint16(buf[8:10]),
		AckLen:         order.Uint16(buf[10:12]),
		SequenceOnLink: order.Uint32(buf[12:16]),
		ControlLinkID:  ctrl &^ endianFlipBit,
		EndianFlip:     flip,
	}
	return h, nil
}

func byteOrder(flip bool) binary.ByteOrder {
	if flip {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// POSeqPair is the (incarnation, seq_num) pair ordered lexicographically
// (design doc §3). Two little-endian u32 fields on the wire.
type POSeqPair struct {
	Incarnation uint32
	SeqNum      uint32
}

// Less reports whether p sorts strictly before o, lexicographically on
// (Incarnation, SeqNum).
func (p POSeqPair) Less(o POSeqPair) bool {
	if p.Incarnation != o.Incarnation {
		return p.Incarnation < o.Incarnation
	}
	return p.SeqNum < o.SeqNum
}

// LessEq reports p <= o lexicographically.
func (p POSeqPair) LessEq(o POSeqPair) bool {
	return p == o || p.Less(o)
}

// Zero reports whether p is the zero pair (no requests certified yet).
func (p POSeqPair) Zero() bool { return p.Incarnation == 0 && p.SeqNum == 0 }

// Encode writes p as two little-endian u32s.
func (p POSeqPair) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], p.Incarnation)
	binary.LittleEndian.PutUint32(buf[4:8], p.SeqNum)
	return buf
}

// DecodePOSeqPair reads a POSeqPair from buf.
func DecodePOSeqPair(buf []byte) (POSeqPair, error) {
	if len(buf) < 8 {
		return POSeqPair{}, fmt.Errorf("wire: short PO-seq-pair: %d bytes", len(buf))
	}
	return POSeqPair{
		Incarnation: binary.LittleEndian.Uint32(buf[0:4]),
		SeqNum:      binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// SignatureKind distinguishes the two forms a SignatureBlock may take.
type SignatureKind uint8

const (
	SigKindRSA SignatureKind = iota
	SigKindMerkle
)

// SignatureBlock is the trailing authenticator appended to every
// outbound message (design doc §6): either a 128-byte RSA signature, or
// a Merkle proof of at most MaxMerkleDigests 20-byte SHA-1 digests
// followed by the signed batch root.
type SignatureBlock struct {
	Kind     SignatureKind
	RSA      [RSASignatureSize]byte // valid when Kind == SigKindRSA
	Siblings [][DigestSize]byte     // valid when Kind == SigKindMerkle
	Root     [DigestSize]byte
	RootSig  [RSASignatureSize]byte
}

// Encode serializes the signature block.
func (s SignatureBlock) Encode() []byte {
	if s.Kind == SigKindRSA {
		buf := make([]byte, 1+RSASignatureSize)
		buf[0] = byte(SigKindRSA)
		copy(buf[1:], s.RSA[:])
		return buf
	}
	buf := make([]byte, 0, 1+1+len(s.Siblings)*DigestSize+DigestSize+RSASignatureSize)
	buf = append(buf, byte(SigKindMerkle), byte(len(s.Siblings)))
	for _, d := range s.Siblings {
		buf = append(buf, d[:]...)
	}
	buf = append(buf, s.Root[:]...)
	buf = append(buf, s.RootSig[:]...)
	return buf
}

// DecodeSignatureBlock parses a SignatureBlock from buf, returning the
// number of bytes consumed.
func DecodeSignatureBlock(buf []byte) (SignatureBlock, int, error) {
	if len(buf) < 1 {
		return SignatureBlock{}, 0, fmt.Errorf("wire: empty signature block")
	}
	kind := SignatureKind(buf[0])
	if kind == SigKindRSA {
		if len(buf) < 1+RSASignatureSize {
			return SignatureBlock{}, 0, fmt.Errorf("wire: short RSA signature block")
		}
		var s SignatureBlock
		s.Kind = SigKindRSA
		copy(s.RSA[:], buf[1:1+RSASignatureSize])
		return s, 1 + RSASignatureSize, nil
	}
	if len(buf) < 2 {
		return SignatureBlock{}, 0, fmt.Errorf("wire: short merkle signature block")
	}
	n := int(buf[1])
	if n > MaxMerkleDigests {
		return SignatureBlock{}, 0, fmt.Errorf("wire: merkle sibling count %d exceeds MaxMerkleDigests", n)
	}
	want := 2 + n*DigestSize + DigestSize + RSASignatureSize
	if len(buf) < want {
		return SignatureBlock{}, 0, fmt.Errorf("wire: short merkle signature block body")
	}
	s := SignatureBlock{Kind: SigKindMerkle, Siblings: make([][DigestSize]byte, n)}
	off := 2
	for i := 0; i < n; i++ {
		copy(s.Siblings[i][:], buf[off:off+DigestSize])
		off += DigestSize
	}
	copy(s.Root[:], buf[off:off+DigestSize])
	off += DigestSize
	copy(s.RootSig[:], buf[off:off+RSASignatureSize])
	return s, want, nil
}

// PadLeft128 zero-left-pads b to exactly RSASignatureSize bytes, as
// required for threshold shares and combined signatures (design doc §6,
// §9). Panics if b is longer than RSASignatureSize — callers are
// expected to operate modulo an RSASignatureSize*8-bit modulus.
func PadLeft128(b []byte) [RSASignatureSize]byte {
	var out [RSASignatureSize]byte
	if len(b) > RSASignatureSize {
		panic(fmt.Sprintf("wire: value of %d bytes does not fit in %d-byte field", len(b), RSASignatureSize))
	}
	copy(out[RSASignatureSize-len(b):], b)
	return out
}

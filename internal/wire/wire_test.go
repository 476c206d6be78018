// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Type:           MsgPrePrepare,
		SenderID:       3,
		Length:         512,
		AckLen:         8,
		SequenceOnLink: 99,
		ControlLinkID:  7,
	}
	got, err := DecodeHeader(h.Encode())
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeaderRoundTripWithEndianFlip(t *testing.T) {
	h := Header{
		Type:           MsgCommit,
		SenderID:       6,
		Length:         100,
		AckLen:         0,
		SequenceOnLink: 12345,
		ControlLinkID:  2,
		EndianFlip:     true,
	}
	buf := h.Encode()
	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got, "a flipped sender's header decodes to identical field values")
}

func TestHeaderRejectsInconsistentFlipMarker(t *testing.T) {
	h := Header{Type: MsgPing, SenderID: 1, EndianFlip: true}
	buf := h.Encode()
	buf[16] &^= 0x80 // strip the marker while leaving big-endian field order
	_, err := DecodeHeader(buf)
	require.Error(t, err)
}

func TestHeaderShortBuffer(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1))
	require.Error(t, err)
}

func TestPOSeqPairOrderingAndRoundTrip(t *testing.T) {
	cases := []struct {
		a, b POSeqPair
		less bool
	}{
		{POSeqPair{1, 1}, POSeqPair{1, 2}, true},
		{POSeqPair{1, 9}, POSeqPair{2, 1}, true},
		{POSeqPair{2, 1}, POSeqPair{1, 9}, false},
		{POSeqPair{1, 1}, POSeqPair{1, 1}, false},
	}
	for _, c := range cases {
		require.Equal(t, c.less, c.a.Less(c.b), "%v < %v", c.a, c.b)
	}

	p := POSeqPair{Incarnation: 7, SeqNum: 40}
	got, err := DecodePOSeqPair(p.Encode())
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestSignatureBlockRSARoundTrip(t *testing.T) {
	var s SignatureBlock
	s.Kind = SigKindRSA
	for i := range s.RSA {
		s.RSA[i] = byte(i)
	}
	got, n, err := DecodeSignatureBlock(s.Encode())
	require.NoError(t, err)
	require.Equal(t, 1+RSASignatureSize, n)
	require.Equal(t, s, got)
}

func TestSignatureBlockMerkleRoundTrip(t *testing.T) {
	s := SignatureBlock{
		Kind:     SigKindMerkle,
		Siblings: make([][DigestSize]byte, 3),
	}
	for i := range s.Siblings {
		s.Siblings[i][0] = byte(i + 1)
	}
	s.Root[0] = 0xAB
	s.RootSig[127] = 0xCD
	got, _, err := DecodeSignatureBlock(s.Encode())
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestSignatureBlockRejectsOversizedProof(t *testing.T) {
	s := SignatureBlock{
		Kind:     SigKindMerkle,
		Siblings: make([][DigestSize]byte, MaxMerkleDigests+1),
	}
	_, _, err := DecodeSignatureBlock(s.Encode())
	require.Error(t, err)
}

func TestPadLeft128(t *testing.T) {
	out := PadLeft128([]byte{0x01, 0x02})
	require.Equal(t, byte(0), out[0])
	require.Equal(t, byte(0x01), out[126])
	require.Equal(t, byte(0x02), out[127])

	require.Panics(t, func() { PadLeft128(make([]byte, RSASignatureSize+1)) })
}

func TestEnvelopeRoundTrip(t *testing.T) {
	req := PORequest{Origin: 2, Seq: POSeqPair{1, 5}, Payload: [][]byte{{0xAA, 0xBB}}}
	payload, err := EncodePayload(req)
	require.NoError(t, err)

	env := Envelope{
		Header:  Header{Type: MsgPreOrderRequest, SenderID: 2},
		Payload: payload,
		Signature: SignatureBlock{
			Kind: SigKindRSA,
		},
	}
	decoded, err := DecodeEnvelope(env.Encode())
	require.NoError(t, err)
	require.Equal(t, MsgPreOrderRequest, decoded.Header.Type)

	var got PORequest
	require.NoError(t, DecodePayload(decoded.Payload, &got))
	require.Equal(t, req, got)
}

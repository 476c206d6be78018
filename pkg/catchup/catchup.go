// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package catchup implements the Catchup & Jump layer (design doc
// §4.6): periodic advertisement of executed-upto progress, rate-
// limited responses, and checkpoint-based fast-forward when a
// replica's gap exceeds CATCHUP_HISTORY.
package catchup

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	coreerrors "github.com/spire-resilient/prime-core/internal/errors"
	"github.com/spire-resilient/prime-core/internal/wire"
)

// StateSnapshotter is the application-provided state snapshot/restore
// trait (design doc §6's State Machine Application): the core itself
// is opaque to application state, so compression and transfer are the
// only pieces owned here.
type StateSnapshotter interface {
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// Layer is one replica's Catchup & Jump state.
type Layer struct {
	self    wire.ReplicaID
	history uint32
	moveon  time.Duration
	epsilon time.Duration
	app     StateSnapshotter

	logger *slog.Logger

	mu             sync.Mutex
	lastResponseAt map[wire.ReplicaID]time.Time
}

// New constructs a Catchup & Jump layer.
func New(self wire.ReplicaID, history uint32, moveon, epsilon time.Duration, app StateSnapshotter, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{
		self: self, history: history, moveon: moveon, epsilon: epsilon, app: app,
		logger:         logger.With("component", "catchup"),
		lastResponseAt: make(map[wire.ReplicaID]time.Time),
	}
}

// BuildRequest assembles a signed catchup request advertising
// executedUpto, to broadcast every CATCHUP_REQUEST_PERIODICALLY.
func (l *Layer) BuildRequest(executedUpto uint32) wire.CatchupRequest {
	return wire.CatchupRequest{Requester: l.self, ExecutedUpto: executedUpto}
}

// ShouldRespond applies CATCHUP_MOVEON rate limiting: a replica only
// answers a given requester once per moveon interval, and once another
// replica has been observed answering the same requester within the
// epsilon grace window, this replica backs off (design doc §4.6's
// CATCHUP_MOVEON responder-switch logic).
func (l *Layer) ShouldRespond(requester wire.ReplicaID, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.lastResponseAt[requester]
	if ok && now.Sub(last) < l.moveon {
		return false
	}
	l.lastResponseAt[requester] = now
	return true
}

// OnPeerResponded lets the layer observe that another replica answered
// requester, so within epsilon of that observation this replica moves
// on rather than sending a redundant response.
func (l *Layer) OnPeerResponded(responder, requester wire.ReplicaID, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastResponseAt[requester] = now.Add(-l.moveon + l.epsilon)
}

// BuildResponse answers a CatchupRequest either with the ordered
// certificates covering [req.ExecutedUpto+1, localExecuted] when the
// gap is within CATCHUP_HISTORY, or a checkpoint carrying the
// fast-forward ARU otherwise.
func (l *Layer) BuildResponse(req wire.CatchupRequest, localExecuted uint32, executedARU []wire.POSeqPair, gcn uint32, certs func(from, to uint32) []wire.SlotCertificate) (wire.CatchupResponse, error) {
	if req.ExecutedUpto >= localExecuted {
		return wire.CatchupResponse{Responder: l.self}, nil
	}
	gap := localExecuted - req.ExecutedUpto
	if gap <= l.history {
		return wire.CatchupResponse{
			Responder:    l.self,
			Certificates: certs(req.ExecutedUpto+1, localExecuted),
		}, nil
	}
	if l.app == nil {
		return wire.CatchupResponse{}, coreerrors.Recovery("catchup", "gap exceeds history and no state snapshotter configured", nil)
	}
	raw, err := l.app.Snapshot()
	if err != nil {
		return wire.CatchupResponse{}, coreerrors.Fatal("catchup", "snapshot application state", err)
	}
	compressed, err := compressZstd(raw)
	if err != nil {
		return wire.CatchupResponse{}, err
	}
	return wire.CatchupResponse{
		Responder: l.self,
		Checkpoint: &wire.Checkpoint{
			Seq:             localExecuted,
			GCN:             gcn,
			ExecutedARU:     executedARU,
			StateDigest:     digestOf(raw),
			CompressedState: compressed,
		},
	}, nil
}

// ApplyResponse applies an inbound CatchupResponse: if it carries a
// checkpoint, decompress and restore application state (a "jump");
// otherwise the caller is expected to feed the returned certificates
// through the Ordering layer incrementally.
func (l *Layer) ApplyResponse(resp wire.CatchupResponse) ([]wire.SlotCertificate, error) {
	if resp.Checkpoint == nil {
		return resp.Certificates, nil
	}
	if l.app == nil {
		return nil, coreerrors.Fatal("catchup", "received checkpoint with no state snapshotter configured", nil)
	}
	raw, err := decompressZstd(resp.Checkpoint.CompressedState)
	if err != nil {
		return nil, err
	}
	if digestOf(raw) != resp.Checkpoint.StateDigest {
		return nil, coreerrors.AuthInvalid("catchup", "checkpoint digest mismatch", nil)
	}
	if err := l.app.Restore(raw); err != nil {
		return nil, coreerrors.Fatal("catchup", "restore application state", err)
	}
	return nil, nil
}

func compressZstd(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, coreerrors.Fatal("catchup", "construct zstd encoder", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, coreerrors.Fatal("catchup", "construct zstd decoder", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, coreerrors.Recovery("catchup", "decompress checkpoint", err)
	}
	return out, nil
}

// digestOf hashes a checkpoint's raw state with xxhash rather than the
// Cryptographic Envelope's SHA-1 Digest: checkpoint integrity only
// needs to catch accidental corruption across compression and
// transfer, not resist forgery (the enclosing CatchupResponse carries
// its own envelope signature).
func digestOf(b []byte) [wire.DigestSize]byte {
	sum := xxhash.Sum64(b)
	var d [wire.DigestSize]byte
	binary.LittleEndian.PutUint64(d[:8], sum)
	return d
}

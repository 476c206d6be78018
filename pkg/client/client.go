// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package client implements the Client Endpoint trait (design doc §6):
// local submission that turns each application-submitted update into
// its own Pre-Order request, and the delivery-notification side that
// resolves a submitter's pending call once its update is executed.
package client

import (
	"sync"

	"github.com/spire-resilient/prime-core/internal/wire"
	"github.com/spire-resilient/prime-core/pkg/ordering"
	"github.com/spire-resilient/prime-core/pkg/preorder"
)

// Endpoint is the per-replica Client Endpoint: update submission plus
// delivery-result resolution.
type Endpoint struct {
	po *preorder.Layer

	mu      sync.Mutex
	pending map[string]chan Result // "origin:incarnation:seqnum" -> waiter
}

// Result is what a submitter learns once its update executes.
type Result struct {
	Slot uint32
	Err  error
}

// New constructs a client Endpoint bound to the replica's Pre-Order
// layer.
func New(po *preorder.Layer) *Endpoint {
	return &Endpoint{po: po, pending: make(map[string]chan Result)}
}

// Submit enqueues payload as a new PO-Request for this replica's
// origin. The returned PORequest is what the caller's driving loop
// must disseminate; the Result channel resolves once the update is
// reported executed via NotifyExecuted.
func (e *Endpoint) Submit(payload []byte) (wire.PORequest, <-chan Result, error) {
	req, err := e.po.Submit([][]byte{payload})
	if err != nil {
		return wire.PORequest{}, nil, err
	}
	ch := make(chan Result, 1)
	e.mu.Lock()
	e.pending[key(req.Origin, req.Seq)] = ch
	e.mu.Unlock()
	return req, ch, nil
}

// NotifyExecuted resolves every pending submitter whose update appears
// in updates, called by the replica orchestrator's Ordering.OnDeliver
// callback.
func (e *Endpoint) NotifyExecuted(slot uint32, updates []ordering.ClientUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, u := range updates {
		k := key(u.Origin, u.Seq)
		ch, ok := e.pending[k]
		if !ok {
			continue
		}
		delete(e.pending, k)
		ch <- Result{Slot: slot}
		close(ch)
	}
}

func key(origin wire.ReplicaID, seq wire.POSeqPair) string {
	var b [16]byte
	b[0] = byte(origin)
	b[1] = byte(origin >> 8)
	b[2] = byte(origin >> 16)
	b[3] = byte(origin >> 24)
	b[4] = byte(seq.Incarnation)
	b[5] = byte(seq.Incarnation >> 8)
	b[6] = byte(seq.Incarnation >> 16)
	b[7] = byte(seq.Incarnation >> 24)
	b[8] = byte(seq.SeqNum)
	b[9] = byte(seq.SeqNum >> 8)
	b[10] = byte(seq.SeqNum >> 16)
	b[11] = byte(seq.SeqNum >> 24)
	return string(b[:])
}

// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport defines the Overlay Transport trait the
// replication core consumes (design doc §6) and provides two concrete
// implementations: an in-process fake for tests, and a minimal
// best-effort TCP transport for real deployments. Neither implies
// ordering or reliability beyond what the underlying link happens to
// provide — callers must not assume either.
package transport

import (
	"context"

	"github.com/spire-resilient/prime-core/internal/wire"
)

// Inbound is one received frame plus its sender.
type Inbound struct {
	From wire.ReplicaID
	Data []byte
}

// Transport is the Overlay Transport trait: send to one replica or
// broadcast, and receive whatever arrives next.
type Transport interface {
	Send(ctx context.Context, to wire.ReplicaID, data []byte) error
	Recv(ctx context.Context) (Inbound, error)
	Close() error
}

// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/spire-resilient/prime-core/internal/wire"
)

// Memory is an in-process Transport fake wiring a fixed set of replica
// ids to buffered channels, for unit and integration tests that need
// several replicas in one process without sockets.
type Memory struct {
	self wire.ReplicaID
	bus  *memoryBus
	in   chan Inbound
}

// memoryBus is the shared switch every Memory endpoint registers with.
type memoryBus struct {
	mu    sync.RWMutex
	peers map[wire.ReplicaID]chan Inbound
}

// NewMemoryBus creates a shared bus for a set of in-process replicas.
func NewMemoryBus() *memoryBus { return &memoryBus{peers: make(map[wire.ReplicaID]chan Inbound)} }

// NewMemoryTransport registers self on bus and returns its endpoint.
func NewMemoryTransport(bus *memoryBus, self wire.ReplicaID) *Memory {
	ch := make(chan Inbound, 1024)
	bus.mu.Lock()
	bus.peers[self] = ch
	bus.mu.Unlock()
	return &Memory{self: self, bus: bus, in: ch}
}

func (m *Memory) Send(ctx context.Context, to wire.ReplicaID, data []byte) error {
	cp := append([]byte(nil), data...)
	m.bus.mu.RLock()
	defer m.bus.mu.RUnlock()
	if _, open := m.bus.peers[m.self]; !open {
		return fmt.Errorf("transport: endpoint %d is closed", m.self)
	}
	if to == wire.BroadcastID {
		for id, ch := range m.bus.peers {
			if id == m.self {
				continue
			}
			deliver(ctx, ch, Inbound{From: m.self, Data: cp})
		}
		return nil
	}
	ch, ok := m.bus.peers[to]
	if !ok {
		return fmt.Errorf("transport: unknown peer %d", to)
	}
	deliver(ctx, ch, Inbound{From: m.self, Data: cp})
	return nil
}

func deliver(ctx context.Context, ch chan Inbound, msg Inbound) {
	select {
	case ch <- msg:
	case <-ctx.Done():
	default:
		// best-effort: a full buffer drops the message, exactly as a
		// real overlay link may under congestion.
	}
}

func (m *Memory) Recv(ctx context.Context) (Inbound, error) {
	select {
	case msg := <-m.in:
		return msg, nil
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	}
}

func (m *Memory) Close() error {
	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()
	delete(m.bus.peers, m.self)
	return nil
}

// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/spire-resilient/prime-core/internal/wire"
)

// TCP is a minimal best-effort Transport: one long-lived connection per
// peer, length-prefixed frames, no retry and no delivery ordering
// guarantee beyond what a single TCP stream happens to preserve for
// messages sent on it. Production deployments sit this behind the
// overlay messaging substrate (out of scope, design doc §1); TCP here
// stands in for "some reachable, possibly-lossy link."
type TCP struct {
	self wire.ReplicaID

	mu    sync.RWMutex
	conns map[wire.ReplicaID]net.Conn

	ln net.Listener
	in chan Inbound
}

// NewTCP listens on listenAddr for inbound peer connections. Outbound
// connections are opened only by Dial; Send to a peer that has not been
// dialed returns an error.
func NewTCP(self wire.ReplicaID, listenAddr string) (*TCP, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", listenAddr, err)
	}
	t := &TCP{
		self:  self,
		conns: make(map[wire.ReplicaID]net.Conn),
		ln:    ln,
		in:    make(chan Inbound, 1024),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCP) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			return
		}
		go t.readLoop(conn, 0)
	}
}

// Dial registers an outbound connection to peer at addr, used once by
// the replica process's startup roster resolution.
func (t *TCP) Dial(peer wire.ReplicaID, addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	t.mu.Lock()
	t.conns[peer] = conn
	t.mu.Unlock()
	go t.readLoop(conn, peer)
	return nil
}

func (t *TCP) readLoop(conn net.Conn, knownPeer wire.ReplicaID) {
	defer conn.Close()
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		if n > wire.PrimeMaxPacketSize {
			return
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(conn, data); err != nil {
			return
		}
		from := knownPeer
		if from == 0 && len(data) >= wire.HeaderSize {
			if h, err := wire.DecodeHeader(data); err == nil {
				from = wire.ReplicaID(h.SenderID)
			}
		}
		select {
		case t.in <- Inbound{From: from, Data: data}:
		default:
		}
	}
}

func (t *TCP) Send(ctx context.Context, to wire.ReplicaID, data []byte) error {
	if to == wire.BroadcastID {
		t.mu.RLock()
		peers := make([]wire.ReplicaID, 0, len(t.conns))
		for id := range t.conns {
			peers = append(peers, id)
		}
		t.mu.RUnlock()
		var firstErr error
		for _, id := range peers {
			if err := t.sendTo(id, data); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return t.sendTo(to, data)
}

func (t *TCP) sendTo(to wire.ReplicaID, data []byte) error {
	t.mu.RLock()
	conn, ok := t.conns[to]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: no connection to peer %d", to)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write length to %d: %w", to, err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("transport: write payload to %d: %w", to, err)
	}
	return nil
}

func (t *TCP) Recv(ctx context.Context) (Inbound, error) {
	select {
	case msg := <-t.in:
		return msg, nil
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	}
}

func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		c.Close()
	}
	return t.ln.Close()
}

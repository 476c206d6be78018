// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"bytes"
	"encoding/gob"
	"sync"
)

// opaqueApp is a minimal application state machine satisfying
// catchup.StateSnapshotter. Client application payload semantics are
// explicitly out of scope here; this exists so `prime-replica serve`
// has something concrete to checkpoint and fast-forward, the way a
// real SCADA front-end process would plug in its own.
type opaqueApp struct {
	mu      sync.Mutex
	applied [][]byte
}

func (a *opaqueApp) apply(payload []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, append([]byte(nil), payload...))
}

func (a *opaqueApp) Snapshot() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a.applied); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *opaqueApp) Restore(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var applied [][]byte
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&applied); err != nil {
		return err
	}
	a.applied = applied
	return nil
}

// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package keystore implements the Key Store trait (design doc §6):
// read-only at boot, read-write across proactive recovery. It persists
// exactly the state design doc §6 lists: the private signing key and
// threshold share in PEM form, the per-replica roster in PEM form, and
// the incarnation journal.
package keystore

import (
	"crypto/rsa"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	coreerrors "github.com/spire-resilient/prime-core/internal/errors"
	"github.com/spire-resilient/prime-core/internal/wire"
	"github.com/spire-resilient/prime-core/pkg/crypto"
)

// Journal is the small incarnation journal read on recovery to refuse
// duplicate incarnations (design doc §6).
type Journal struct {
	CurrentID          uint32 `json:"current_id"`
	CurrentIncarnation uint32 `json:"current_incarnation"`
	CurrentGCN         uint32 `json:"current_gcn"`
}

// Store is a filesystem-backed Key Store.
type Store struct {
	dir string
}

// Open prepares a Store rooted at dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("keystore: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// LoadJournal reads the incarnation journal, returning the zero value
// (not an error) if it has never been written — i.e. first boot.
func (s *Store) LoadJournal() (Journal, error) {
	data, err := os.ReadFile(s.path("incarnation.json"))
	if os.IsNotExist(err) {
		return Journal{}, nil
	}
	if err != nil {
		return Journal{}, coreerrors.Fatal("keystore", "read incarnation journal", err)
	}
	var j Journal
	if err := json.Unmarshal(data, &j); err != nil {
		return Journal{}, coreerrors.Fatal("keystore", "corrupt incarnation journal", err)
	}
	return j, nil
}

// SaveJournal persists j, refusing (design doc §6: "Recovery reads (c)
// to refuse duplicate incarnations") to ever move CurrentIncarnation
// backwards for the same replica id.
func (s *Store) SaveJournal(j Journal) error {
	prev, err := s.LoadJournal()
	if err == nil && prev.CurrentID == j.CurrentID && j.CurrentIncarnation <= prev.CurrentIncarnation && prev.CurrentIncarnation != 0 {
		return coreerrors.Fatal("keystore", fmt.Sprintf("refusing duplicate/decreasing incarnation %d <= %d for replica %d", j.CurrentIncarnation, prev.CurrentIncarnation, j.CurrentID), nil)
	}
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal journal: %w", err)
	}
	tmp := s.path("incarnation.json.tmp")
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return coreerrors.Fatal("keystore", "write incarnation journal", err)
	}
	if err := os.Rename(tmp, s.path("incarnation.json")); err != nil {
		return coreerrors.Fatal("keystore", "commit incarnation journal", err)
	}
	return nil
}

// LoadOrCreatePrivateKey reads the replica's RSA private key, or
// generates and persists a fresh one on first boot.
func (s *Store) LoadOrCreatePrivateKey() (*rsa.PrivateKey, error) {
	path := s.path("replica.pem")
	if _, err := os.Stat(path); err == nil {
		return crypto.LoadPrivateKeyPEM(path)
	}
	key, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := crypto.SavePrivateKeyPEM(key, path); err != nil {
		return nil, err
	}
	return key, nil
}

// RotatePrivateKey generates and persists a fresh private key,
// overwriting the previous one. Called on every proactive-recovery
// restart (design doc §4.7: "fresh per-replica RSA key pair is
// generated").
func (s *Store) RotatePrivateKey() (*rsa.PrivateKey, error) {
	key, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := crypto.SavePrivateKeyPEM(key, s.path("replica.pem")); err != nil {
		return nil, err
	}
	return key, nil
}

// SaveThresholdShare persists this replica's threshold share as a PEM
// block wrapping the share's JSON body (it is not a standard key type,
// so the PEM type names it explicitly).
func (s *Store) SaveThresholdShare(share crypto.ShareKey) error {
	body, err := json.Marshal(share)
	if err != nil {
		return fmt.Errorf("keystore: marshal threshold share: %w", err)
	}
	block := &pem.Block{Type: "PRIME THRESHOLD SHARE", Bytes: body}
	if err := os.WriteFile(s.path("share.pem"), pem.EncodeToMemory(block), 0o600); err != nil {
		return coreerrors.Fatal("keystore", "write threshold share", err)
	}
	return nil
}

// LoadThresholdShare reads the persisted threshold share, with
// ok=false if none has been provisioned yet. A share file that exists
// but cannot be parsed is the §7 "loss of the threshold share" fatal
// condition.
func (s *Store) LoadThresholdShare() (crypto.ShareKey, bool, error) {
	data, err := os.ReadFile(s.path("share.pem"))
	if os.IsNotExist(err) {
		return crypto.ShareKey{}, false, nil
	}
	if err != nil {
		return crypto.ShareKey{}, false, coreerrors.Fatal("keystore", "read threshold share", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIME THRESHOLD SHARE" {
		return crypto.ShareKey{}, false, coreerrors.Fatal("keystore", "threshold share file is not a share PEM", nil)
	}
	var share crypto.ShareKey
	if err := json.Unmarshal(block.Bytes, &share); err != nil {
		return crypto.ShareKey{}, false, coreerrors.Fatal("keystore", "corrupt threshold share", err)
	}
	return share, true, nil
}

// SaveThresholdParams persists the site threshold-RSA public
// parameters next to the share, so a restarted replica can rebuild its
// SiteCertifier without re-dealing.
func (s *Store) SaveThresholdParams(params *crypto.ThresholdParams) error {
	data, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal threshold params: %w", err)
	}
	if err := os.WriteFile(s.path("threshold.json"), data, 0o640); err != nil {
		return coreerrors.Fatal("keystore", "write threshold params", err)
	}
	return nil
}

// LoadThresholdParams reads the persisted site threshold parameters,
// with ok=false if the site key has not been dealt yet.
func (s *Store) LoadThresholdParams() (*crypto.ThresholdParams, bool, error) {
	data, err := os.ReadFile(s.path("threshold.json"))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, coreerrors.Fatal("keystore", "read threshold params", err)
	}
	var params crypto.ThresholdParams
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, false, coreerrors.Fatal("keystore", "corrupt threshold params", err)
	}
	return &params, true, nil
}

// SaveRoster persists the current per-replica public-key roster as one
// PEM file per replica under dir/roster.
func (s *Store) SaveRoster(roster map[wire.ReplicaID]*rsa.PublicKey) error {
	dir := s.path("roster")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("keystore: mkdir roster: %w", err)
	}
	for id, pub := range roster {
		if err := crypto.SavePublicKeyPEM(pub, filepath.Join(dir, fmt.Sprintf("%d.pem", id))); err != nil {
			return err
		}
	}
	return nil
}

// LoadRoster reads every *.pem file under dir/roster into a roster map.
func (s *Store) LoadRoster() (map[wire.ReplicaID]*rsa.PublicKey, error) {
	dir := s.path("roster")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[wire.ReplicaID]*rsa.PublicKey{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: read roster dir: %w", err)
	}
	roster := make(map[wire.ReplicaID]*rsa.PublicKey, len(entries))
	for _, e := range entries {
		var id uint32
		if _, err := fmt.Sscanf(e.Name(), "%d.pem", &id); err != nil {
			continue
		}
		pub, err := crypto.LoadPublicKeyPEM(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		roster[wire.ReplicaID(id)] = pub
	}
	return roster, nil
}

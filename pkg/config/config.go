// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads the replica's YAML configuration, in the same
// shape the teacher CLI loads .cie/project.yaml: a versioned struct with
// environment-variable overrides applied on top, defaults for anything
// unset.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Timers holds every timer constant from design doc §6. Field names
// match the spec's constant names so operators can map directly.
type Timers struct {
	SigMin                     time.Duration `yaml:"sig_min"`
	SigMax                     time.Duration `yaml:"sig_max"`
	SigThreshold               int           `yaml:"sig_threshold"`
	PrePrepare                 time.Duration `yaml:"pre_prepare"`
	POPeriodically             time.Duration `yaml:"po_periodically"`
	SuspectPing                time.Duration `yaml:"suspect_ping"`
	SuspectTATMeasure          time.Duration `yaml:"suspect_tat_measure"`
	SuspectVC                  time.Duration `yaml:"suspect_vc"`
	Retrans                    time.Duration `yaml:"retrans"`
	RecoveryPeriod             time.Duration `yaml:"recovery_period"`
	CatchupRequestPeriodically time.Duration `yaml:"catchup_request_periodically"`
	CatchupMoveon              time.Duration `yaml:"catchup_moveon"`
	CatchupEpsilon             time.Duration `yaml:"catchup_epsilon"`
	SystemResetTimeout         time.Duration `yaml:"system_reset_timeout"`
	SystemResetMinWait         time.Duration `yaml:"system_reset_min_wait"`
	KLat                       float64       `yaml:"k_lat"`
	CatchupHistory             uint32        `yaml:"catchup_history"`
	MaxPOInFlight              int           `yaml:"max_po_in_flight"`
}

// DefaultTimers returns the conservative defaults from design doc §6,
// resolving Open Question (b) (two configuration files disagreed; the
// more conservative value wins here).
func DefaultTimers() Timers {
	return Timers{
		SigMin:                     1 * time.Millisecond,
		SigMax:                     5 * time.Millisecond,
		SigThreshold:               64,
		PrePrepare:                 20 * time.Millisecond,
		POPeriodically:             2 * time.Millisecond,
		SuspectPing:                500 * time.Millisecond,
		SuspectTATMeasure:          20 * time.Millisecond,
		SuspectVC:                  500 * time.Millisecond,
		Retrans:                    2 * time.Second,
		RecoveryPeriod:             10 * time.Second,
		CatchupRequestPeriodically: 10 * time.Second,
		CatchupMoveon:              100 * time.Millisecond,
		CatchupEpsilon:             20 * time.Millisecond,
		SystemResetTimeout:         10 * time.Second,
		SystemResetMinWait:         2 * time.Second,
		KLat:                       2.5,
		CatchupHistory:             10,
		MaxPOInFlight:              20,
	}
}

// Membership holds the N = 3f+2k+1 fault-tolerance parameters.
type Membership struct {
	N uint32 `yaml:"n"`
	F uint32 `yaml:"f"`
	K uint32 `yaml:"k"`
}

// Quorum returns 2f+k+1, the count used throughout PO/ORD/VC.
func (m Membership) Quorum() uint32 { return 2*m.F + m.K + 1 }

// SmallQuorum returns f+k+1, the "at least one correct replica" bound
// used by RECON's sender-selection rule and ORD's eligibility selection.
func (m Membership) SmallQuorum() uint32 { return m.F + m.K + 1 }

// ThresholdCount returns k+f+1, the minimum number of threshold-
// signature shares required to Combine.
func (m Membership) ThresholdCount() uint32 { return m.K + m.F + 1 }

// Validate checks N == 3f+2k+1.
func (m Membership) Validate() error {
	want := 3*m.F + 2*m.K + 1
	if m.N != want {
		return fmt.Errorf("config: N=%d does not satisfy N=3f+2k+1 (f=%d k=%d want %d)", m.N, m.F, m.K, want)
	}
	return nil
}

// Paths holds on-disk locations for persisted state (design doc §6).
type Paths struct {
	DataDir        string `yaml:"data_dir"`
	PrivateKeyPEM  string `yaml:"private_key_pem"`
	ThresholdShare string `yaml:"threshold_share"`
	RosterDir      string `yaml:"roster_dir"`
	IncarnationJournal string `yaml:"incarnation_journal"`
	ConfigArtifactDir  string `yaml:"config_artifact_dir"`
	CheckpointDir  string `yaml:"checkpoint_dir"`
}

// Config is the top-level replica configuration, loaded from YAML with
// environment-variable overrides, mirroring the teacher's
// cmd/cie/config.go DefaultConfig + getEnv pattern.
type Config struct {
	Version    string     `yaml:"version"`
	ReplicaID  uint32     `yaml:"replica_id"`
	Membership Membership `yaml:"membership"`
	Timers     Timers     `yaml:"timers"`
	Paths      Paths      `yaml:"paths"`
	ListenAddr string     `yaml:"listen_addr"`
	MetricsAddr string    `yaml:"metrics_addr"`
	ErasureCoded bool     `yaml:"erasure_coded"`
	Peers      map[uint32]string `yaml:"peers"` // replica id -> dial address, excluding self
}

const configVersion = "1"

// Default returns a Config with sensible local-development defaults for
// the given replica id and membership.
func Default(replicaID uint32, m Membership) *Config {
	return &Config{
		Version:    configVersion,
		ReplicaID:  replicaID,
		Membership: m,
		Timers:     DefaultTimers(),
		Paths: Paths{
			DataDir:            getEnv("PRIME_DATA_DIR", "./data"),
			PrivateKeyPEM:      getEnv("PRIME_PRIVATE_KEY", "./data/replica.pem"),
			ThresholdShare:     getEnv("PRIME_THRESHOLD_SHARE", "./data/share.pem"),
			RosterDir:          getEnv("PRIME_ROSTER_DIR", "./data/roster"),
			IncarnationJournal: getEnv("PRIME_INCARNATION_JOURNAL", "./data/incarnation.json"),
			ConfigArtifactDir:  getEnv("PRIME_CONFIG_ARTIFACT_DIR", "./data/config"),
			CheckpointDir:      getEnv("PRIME_CHECKPOINT_DIR", "./data/checkpoints"),
		},
		ListenAddr:  getEnv("PRIME_LISTEN_ADDR", "0.0.0.0:7000"),
		MetricsAddr: getEnv("PRIME_METRICS_ADDR", "0.0.0.0:9100"),
		ErasureCoded: getEnvBool("PRIME_ERASURE_CODED", false),
	}
}

// Load reads a YAML config file from path and overlays environment
// overrides for the fields that commonly vary per deployment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{Timers: DefaultTimers()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Membership.Validate(); err != nil {
		return nil, err
	}
	if v := os.Getenv("PRIME_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PRIME_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	return cfg, nil
}

// Save writes cfg as YAML to path.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func getEnv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getEnvBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

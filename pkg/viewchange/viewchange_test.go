// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package viewchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spire-resilient/prime-core/internal/wire"
)

func newLayer() *Layer {
	return New(1, 4, 3, 2.5, 20*time.Millisecond, 500*time.Millisecond, nil)
}

func TestAcceptableBoundDefaultsWithNoSamples(t *testing.T) {
	l := newLayer()
	require.Equal(t, 120*time.Millisecond, l.AcceptableBound(), "pre-prepare period plus the no-samples fallback")
}

func TestPongSamplesShrinkBound(t *testing.T) {
	l := newLayer()
	now := time.Now()
	l.NotePing(1, now.Add(-10*time.Millisecond))
	l.OnPong(wire.Pong{Nonce: 1})
	bound := l.AcceptableBound()
	require.Greater(t, bound, 20*time.Millisecond, "bound always includes the leader's batching period")
	require.Less(t, bound, 120*time.Millisecond)
}

func TestMeasureTATRequiresOutstandingProofMatrix(t *testing.T) {
	l := newLayer()
	now := time.Now()
	_, due := l.MeasureTAT(now)
	require.False(t, due, "no measurement without an unanswered proof matrix")

	l.NoteProofMatrixSent(now.Add(-time.Second))
	m, due := l.MeasureTAT(now)
	require.True(t, due)
	require.Greater(t, m.MeasuredNS, m.AcceptableNS)

	// A covering pre-prepare stops the clock.
	l.NoteLeaderActivity(now)
	_, due = l.MeasureTAT(now.Add(time.Second))
	require.False(t, due)
}

func TestMeasureTATKeepsOldestOutstandingSend(t *testing.T) {
	l := newLayer()
	now := time.Now()
	l.NoteProofMatrixSent(now.Add(-time.Second))
	l.NoteProofMatrixSent(now) // a later send must not reset the clock
	m, due := l.MeasureTAT(now)
	require.True(t, due)
	require.GreaterOrEqual(t, m.MeasuredNS, int64(time.Second))
}

func TestTATMeasureQuorumTriggersSuspicion(t *testing.T) {
	l := newLayer()
	over := wire.TATMeasure{View: 0, MeasuredNS: int64(200 * time.Millisecond), AcceptableNS: int64(50 * time.Millisecond)}
	m1, m2, m3 := over, over, over
	m1.Reporter, m2.Reporter, m3.Reporter = 1, 2, 3
	require.False(t, l.OnTATMeasure(m1))
	require.False(t, l.OnTATMeasure(m2))
	require.True(t, l.OnTATMeasure(m3), "quorum of 3 distinct reporters should trigger suspicion")
}

func TestTATMeasureBelowBoundIgnored(t *testing.T) {
	l := newLayer()
	ok := l.OnTATMeasure(wire.TATMeasure{Reporter: 1, View: 0, MeasuredNS: int64(10 * time.Millisecond), AcceptableNS: int64(50 * time.Millisecond)})
	require.False(t, ok)
}

func TestReportAggregationInstallsNewLeaderProof(t *testing.T) {
	l := newLayer()
	var installed uint32
	l.OnViewChange(func(newView uint32, proof wire.NewLeaderProof) { installed = newView })

	_, ok := l.OnReport(wire.Report{Reporter: 1, View: 1, LastExecuted: 4})
	require.False(t, ok)
	_, ok = l.OnReport(wire.Report{Reporter: 2, View: 1, LastExecuted: 4})
	require.False(t, ok)
	proof, ok := l.OnReport(wire.Report{Reporter: 3, View: 1, LastExecuted: 4})
	require.True(t, ok)
	require.Equal(t, uint32(1), proof.View)
	require.Len(t, proof.Reports, 3)

	require.True(t, l.InstallProof(proof))
	require.Equal(t, uint32(1), l.View())
	require.Equal(t, uint32(1), installed)
}

func TestInstallProofRejectsStaleView(t *testing.T) {
	l := newLayer()
	proof := wire.NewLeaderProof{View: 0, Reports: []wire.Report{{Reporter: 1}, {Reporter: 2}, {Reporter: 3}}}
	require.False(t, l.InstallProof(proof))
}

func TestInstallProofRejectsBelowQuorum(t *testing.T) {
	l := newLayer()
	proof := wire.NewLeaderProof{View: 1, Reports: []wire.Report{{Reporter: 1}, {Reporter: 2}}}
	require.False(t, l.InstallProof(proof))
}

func TestBeginViewChangeIsSinglePending(t *testing.T) {
	l := newLayer()
	now := time.Now()
	require.True(t, l.BeginViewChange(1, now))
	require.False(t, l.BeginViewChange(1, now))
	target, pending := l.PendingTarget()
	require.True(t, pending)
	require.Equal(t, uint32(1), target)
}

func TestNestedTimeoutEscalatesTargetView(t *testing.T) {
	l := newLayer()
	now := time.Now()
	require.True(t, l.BeginViewChange(1, now))

	_, due := l.NestedTimeout(now.Add(100 * time.Millisecond))
	require.False(t, due, "within the SUSPECT_VC window the pending change is left alone")

	view, due := l.NestedTimeout(now.Add(600 * time.Millisecond))
	require.True(t, due)
	require.Equal(t, uint32(2), view, "nested view change bumps the target by one")

	view, due = l.NestedTimeout(now.Add(1200 * time.Millisecond))
	require.True(t, due)
	require.Equal(t, uint32(3), view)
}

func TestInstallProofClearsPending(t *testing.T) {
	l := newLayer()
	now := time.Now()
	require.True(t, l.BeginViewChange(1, now))
	proof := wire.NewLeaderProof{View: 1, Reports: []wire.Report{{Reporter: 1}, {Reporter: 2}, {Reporter: 3}}}
	require.True(t, l.InstallProof(proof))
	_, pending := l.PendingTarget()
	require.False(t, pending)
	_, due := l.NestedTimeout(now.Add(time.Hour))
	require.False(t, due)
}

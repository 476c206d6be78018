// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package replica wires the eight design-doc §4 layers into one
// cooperative, single-goroutine event loop: a driving loop the teacher
// CLI's serve command runs as an HTTP server, generalized here to a
// protocol loop multiplexing timers and transport I/O instead of HTTP
// requests.
package replica

import (
	"context"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	coreerrors "github.com/spire-resilient/prime-core/internal/errors"
	"github.com/spire-resilient/prime-core/internal/wire"
	"github.com/spire-resilient/prime-core/pkg/catchup"
	"github.com/spire-resilient/prime-core/pkg/client"
	"github.com/spire-resilient/prime-core/pkg/config"
	"github.com/spire-resilient/prime-core/pkg/crypto"
	"github.com/spire-resilient/prime-core/pkg/keystore"
	"github.com/spire-resilient/prime-core/pkg/metrics"
	"github.com/spire-resilient/prime-core/pkg/ordering"
	"github.com/spire-resilient/prime-core/pkg/preorder"
	"github.com/spire-resilient/prime-core/pkg/reconciliation"
	"github.com/spire-resilient/prime-core/pkg/reconfig"
	"github.com/spire-resilient/prime-core/pkg/recovery"
	"github.com/spire-resilient/prime-core/pkg/transport"
	"github.com/spire-resilient/prime-core/pkg/viewchange"
)

// outboundFrame is one message parked in the outbox while its batched
// signature is produced (design doc §4.1: the FIFO of messages awaiting
// a Merkle-batched signature). Frames leave the outbox strictly in
// enqueue order once their SignatureBlock is ready.
type outboundFrame struct {
	to      wire.ReplicaID
	header  wire.Header
	payload []byte
	sig     <-chan wire.SignatureBlock
}

// submitRequest carries a local client submission into the event loop,
// the IPC-readiness leg of design doc §5's dispatcher.
type submitRequest struct {
	payload []byte
	reply   chan submitReply
}

type submitReply struct {
	result <-chan client.Result
	err    error
}

// executedRecord queues a newly executed slot's digest for threshold
// signing after the Execute walk returns.
type executedRecord struct {
	slot   uint32
	digest [wire.DigestSize]byte
}

// Replica bundles one replica process's full protocol state and drives
// it from a single goroutine (Loop), matching the no-locks-in-the-core
// cooperative concurrency model of design doc §5; only the I/O edges
// (transport, timers, the config-artifact watcher) run on separate
// goroutines and hand work back through channels.
type Replica struct {
	cfg  *config.Config
	self wire.ReplicaID

	CE      *crypto.CE
	PO      *preorder.Layer
	ORD     *ordering.Layer
	VC      *viewchange.Layer
	RECON   *reconciliation.Layer
	CU      *catchup.Layer
	PR      *recovery.Layer
	RC      *reconfig.Layer
	Client  *client.Endpoint
	Metrics *metrics.Registry

	store     *keystore.Store
	transport transport.Transport
	logger    *slog.Logger

	privKey        *rsa.PrivateKey
	certifier      *crypto.SiteCertifier
	linkSeq        uint32
	reconNumShares int

	bootstrap      *recovery.Bootstrap
	bootstrapDone  bool
	bootstrapRound uint32

	roster map[wire.ReplicaID]*rsa.PublicKey

	outbox       []outboundFrame
	pendingCerts []executedRecord
	submitCh     chan submitRequest
	artifactCh   chan wire.ConfigArtifact

	stopWatch    func() error
	executedHook func(slot uint32, updates []ordering.ClientUpdate)
	shutdown     func(reason string)
}

// New constructs a Replica from configuration, opening or creating
// on-disk state via store, and binding it to the given transport.
func New(cfg *config.Config, store *keystore.Store, tr transport.Transport, app catchup.StateSnapshotter, logger *slog.Logger) (*Replica, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Membership.Validate(); err != nil {
		return nil, err
	}
	self := wire.ReplicaID(cfg.ReplicaID)
	n := int(cfg.Membership.N)
	quorum := int(cfg.Membership.Quorum())
	small := int(cfg.Membership.SmallQuorum())

	priv, err := store.LoadOrCreatePrivateKey()
	if err != nil {
		return nil, err
	}
	ce := crypto.NewCE(priv, cfg.Timers.SigThreshold)

	roster, err := store.LoadRoster()
	if err != nil {
		return nil, err
	}
	ce.SetRoster(roster)

	po := preorder.New(self, n, quorum, cfg.Timers.MaxPOInFlight, logger)
	ord := ordering.New(self, n, quorum, small, po, cfg.Timers.CatchupHistory, logger)
	vc := viewchange.New(self, n, quorum, cfg.Timers.KLat, cfg.Timers.PrePrepare, cfg.Timers.SuspectVC, logger)
	recon := reconciliation.New(self, n, small, quorum, cfg.ErasureCoded, po)
	cu := catchup.New(self, cfg.Timers.CatchupHistory, cfg.Timers.CatchupMoveon, cfg.Timers.CatchupEpsilon, app, logger)
	pr := recovery.New(self, quorum, cfg.Timers.RecoveryPeriod, store, logger)
	rc := reconfig.New(logger)
	cl := client.New(po)
	reg := metrics.New()

	rep := &Replica{
		cfg: cfg, self: self,
		CE: ce, PO: po, ORD: ord, VC: vc, RECON: recon, CU: cu, PR: pr, RC: rc, Client: cl, Metrics: reg,
		store: store, transport: tr, logger: logger.With("replica", self),
		privKey:        priv,
		reconNumShares: int(cfg.Membership.F) + 1,
		roster:         roster,
		submitCh:       make(chan submitRequest, 64),
		artifactCh:     make(chan wire.ConfigArtifact, 8),
		shutdown: func(reason string) {
			logger.Error("fatal condition, halting", "reason", reason)
			os.Exit(1)
		},
	}

	// Threshold material is provisioned out of band (keygen --site); a
	// replica without it orders normally but issues no site certificates.
	if params, ok, err := store.LoadThresholdParams(); err != nil {
		return nil, err
	} else if ok {
		share, haveShare, err := store.LoadThresholdShare()
		if err != nil {
			return nil, err
		}
		if !haveShare {
			return nil, coreerrors.Fatal("replica", "threshold params present but share missing", nil)
		}
		rep.certifier = crypto.NewSiteCertifier(params, share)
		rep.bootstrap = recovery.NewBootstrap(self, quorum, cfg.Timers.SystemResetMinWait, cfg.Timers.SystemResetTimeout)
	} else {
		// Without threshold material there is no bootstrap ordinal to
		// collect shares of; ordering starts immediately.
		rep.bootstrapDone = true
	}

	po.OnCertified(func(origin wire.ReplicaID, seq wire.POSeqPair) {
		reg.POCertificatesFormed.Inc()
	})
	vc.OnViewChange(func(newView uint32, proof wire.NewLeaderProof) {
		reg.ViewChangesInstalled.Inc()
		reg.CurrentView.Set(float64(newView))
	})
	ord.OnDeliver(func(slot uint32, digest [wire.DigestSize]byte, updates []ordering.ClientUpdate) {
		cl.NotifyExecuted(slot, updates)
		reg.OrdLastExecuted.Set(float64(slot))
		rep.pendingCerts = append(rep.pendingCerts, executedRecord{slot: slot, digest: digest})
		if rep.executedHook != nil {
			rep.executedHook(slot, updates)
		}
	})

	rc.OnArtifact(func(a wire.ConfigArtifact) {
		reg.ReconfigGCN.Set(float64(a.GCN))
		newRoster := make(map[wire.ReplicaID]*rsa.PublicKey, len(a.Roster))
		for id, entry := range rc.Roster() {
			newRoster[id] = entry.PublicKey
		}
		rep.roster = newRoster
		rep.CE.SetRoster(newRoster)
		// Evidence authenticated under the old gcn cannot complete in the
		// new one; the committed prefix stands (design doc §4.8).
		rep.ORD.DropUncommitted()
		rep.PO.DropUncertifiedAcks()
	})

	if dir := cfg.Paths.ConfigArtifactDir; dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("replica: create config artifact dir: %w", err)
		}
		stop, err := rc.WatchDir(dir, func(a wire.ConfigArtifact) error {
			// Hand the artifact to the event loop; admission and the
			// roster swap must not run on the watcher goroutine.
			select {
			case rep.artifactCh <- a:
			default:
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		rep.stopWatch = stop
	}

	return rep, nil
}

// OnExecuted registers a callback invoked after every global slot is
// delivered, in addition to the client-notification path. Intended for
// the hosting process's application state machine, which the core
// treats as opaque.
func (r *Replica) OnExecuted(fn func(slot uint32, updates []ordering.ClientUpdate)) {
	r.executedHook = fn
}

// Submit hands a client update to the event loop, which assigns it the
// next PO-Sequence Pair and disseminates it. The returned channel
// resolves once the update executes in a global slot.
func (r *Replica) Submit(ctx context.Context, payload []byte) (<-chan client.Result, error) {
	sr := submitRequest{payload: payload, reply: make(chan submitReply, 1)}
	select {
	case r.submitCh <- sr:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-sr.reply:
		return rep.result, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SiteCertificate returns the threshold-combined site certificate for
// an executed slot, if this replica holds threshold material and the
// certificate has formed.
func (r *Replica) SiteCertificate(slot uint32) ([wire.RSASignatureSize]byte, bool) {
	if r.certifier == nil {
		return [wire.RSASignatureSize]byte{}, false
	}
	return r.certifier.Certificate(slot)
}

// send encodes msg, queues its digest for the next batched signature,
// parks the frame in the outbox, and — for broadcasts — loops the
// message back through this replica's own dispatcher: a replica is a
// member of its own broadcast group and counts its own acks, votes and
// measures. Pings are not looped back so self-RTT never drags the
// acceptable TAT bound toward zero.
func (r *Replica) send(ctx context.Context, to wire.ReplicaID, typ wire.MessageType, msg any) error {
	payload, err := wire.EncodePayload(msg)
	if err != nil {
		return err
	}
	r.linkSeq++
	h := wire.Header{
		Type:           typ,
		SenderID:       uint32(r.self),
		SequenceOnLink: r.linkSeq,
	}
	r.outbox = append(r.outbox, outboundFrame{
		to:      to,
		header:  h,
		payload: payload,
		sig:     r.CE.Enqueue(payload),
	})
	if to == wire.BroadcastID && typ != wire.MsgPing {
		env := wire.Envelope{Header: h, Payload: payload}
		if derr := r.dispatch(ctx, env); derr != nil {
			r.handleDispatchError(ctx, env, derr)
		}
	}
	r.drainOutbox(ctx)
	return nil
}

// drainOutbox transmits every frame whose signature is ready, in FIFO
// order, stopping at the first frame still waiting on its batch.
func (r *Replica) drainOutbox(ctx context.Context) {
	for len(r.outbox) > 0 {
		f := r.outbox[0]
		select {
		case sig, ok := <-f.sig:
			r.outbox = r.outbox[1:]
			if !ok {
				continue
			}
			env := wire.Envelope{Header: f.header, Payload: f.payload, Signature: sig}
			if err := r.transport.Send(ctx, f.to, env.Encode()); err != nil {
				r.logger.Debug("transport send failed", "to", f.to, "type", f.header.Type, "err", err)
			}
		default:
			return
		}
	}
}

// Loop runs the replica's event loop until ctx is cancelled. Every
// state mutation happens on this goroutine; recvLoop only decodes
// frames off the wire and forwards them here.
func (r *Replica) Loop(ctx context.Context) error {
	inbound := make(chan transport.Inbound, 256)
	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	go r.recvLoop(recvCtx, inbound)

	if r.bootstrap != nil && !r.bootstrapDone {
		// Cold boot: no executed history. Every replica contributes its
		// threshold share of the bootstrap ordinal, and the leader holds
		// off proposing until the round is Ready (design doc §4.7's
		// system-reset variant).
		r.bootstrap.Begin(time.Now())
		r.sendBootstrapShare(ctx)
	}

	poTick := time.NewTicker(r.cfg.Timers.POPeriodically)
	ppTick := time.NewTicker(r.cfg.Timers.PrePrepare)
	pingTick := time.NewTicker(r.cfg.Timers.SuspectPing)
	tatTick := time.NewTicker(r.cfg.Timers.SuspectTATMeasure)
	catchupTick := time.NewTicker(r.cfg.Timers.CatchupRequestPeriodically)
	recoveryTick := time.NewTicker(r.cfg.Timers.RecoveryPeriod / 4)
	reconTick := time.NewTicker(r.cfg.Timers.Retrans)
	bootPeriod := r.cfg.Timers.SystemResetMinWait / 2
	if bootPeriod <= 0 {
		bootPeriod = time.Second
	}
	bootTick := time.NewTicker(bootPeriod)
	// The signature-batch timer fires at SIG_MAX; nothing fires earlier,
	// which trivially honors the SIG_MIN lower bound.
	sigFlushTick := time.NewTicker(r.cfg.Timers.SigMax)
	defer poTick.Stop()
	defer ppTick.Stop()
	defer pingTick.Stop()
	defer tatTick.Stop()
	defer catchupTick.Stop()
	defer recoveryTick.Stop()
	defer reconTick.Stop()
	defer bootTick.Stop()
	defer sigFlushTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-inbound:
			r.onFrame(ctx, in)
		case sr := <-r.submitCh:
			r.handleSubmit(ctx, sr)
		case a := <-r.artifactCh:
			r.handleArtifact(ctx, a)
		case <-poTick.C:
			r.poDuty(ctx)
		case <-ppTick.C:
			r.leaderDuty(ctx)
		case <-pingTick.C:
			r.pingDuty(ctx)
		case <-tatTick.C:
			r.tatDuty(ctx)
		case <-catchupTick.C:
			r.catchupDuty(ctx)
		case <-recoveryTick.C:
			r.recoveryDuty(ctx)
		case <-reconTick.C:
			r.reconDuty(ctx)
		case <-bootTick.C:
			r.bootstrapDuty(ctx)
		case <-sigFlushTick.C:
			if err := r.CE.FlushBatch(); err != nil {
				r.logger.Warn("signature batch flush failed", "err", err)
			}
		}
		r.executeAndCertify(ctx)
		r.ORD.GarbageCollect()
		r.drainOutbox(ctx)
	}
}

func (r *Replica) recvLoop(ctx context.Context, out chan<- transport.Inbound) {
	for {
		in, err := r.transport.Recv(ctx)
		if err != nil {
			return
		}
		select {
		case out <- in:
		case <-ctx.Done():
			return
		}
	}
}

// executeAndCertify drives the Ordering layer's in-order execution walk
// and threshold-signs each newly executed slot's digest toward its site
// certificate. The OnDeliver callback registered at construction
// appends to pendingCerts on the same goroutine, so draining it here
// needs no synchronization.
func (r *Replica) executeAndCertify(ctx context.Context) {
	r.ORD.Execute()
	if len(r.pendingCerts) == 0 {
		return
	}
	newly := r.pendingCerts
	r.pendingCerts = nil
	if r.certifier == nil {
		return
	}
	for _, e := range newly {
		share, err := r.certifier.ShareFor(e.slot, e.digest)
		if err != nil {
			r.logger.Warn("threshold share generation failed", "slot", e.slot, "err", err)
			continue
		}
		share.Sender = r.self
		if err := r.send(ctx, wire.BroadcastID, wire.MsgThresholdShare, share); err != nil {
			r.logger.Warn("broadcast threshold share failed", "err", err)
		}
	}
}

func (r *Replica) handleSubmit(ctx context.Context, sr submitRequest) {
	req, resultCh, err := r.Client.Submit(sr.payload)
	if err != nil {
		sr.reply <- submitReply{err: err}
		return
	}
	if err := r.send(ctx, wire.BroadcastID, wire.MsgPreOrderRequest, req); err != nil {
		sr.reply <- submitReply{err: err}
		return
	}
	sr.reply <- submitReply{result: resultCh}
}

func (r *Replica) handleArtifact(ctx context.Context, a wire.ConfigArtifact) {
	if err := r.RC.Admit(a); err != nil {
		r.logger.Debug("config artifact rejected", "gcn", a.GCN, "err", err)
		return
	}
	if err := r.send(ctx, wire.BroadcastID, wire.MsgConfigArtifact, a); err != nil {
		r.logger.Warn("re-broadcast config artifact failed", "err", err)
	}
}

// poDuty is the periodic Pre-Order send (design doc §4.2 steps 2, 4 and
// 5): the signed PO-Ack bundle, the PO-ARU broadcast, and the Proof
// Matrix to the current leader, which also starts the turn-around-time
// clock the leader's next covering Pre-Prepare stops.
func (r *Replica) poDuty(ctx context.Context) {
	for _, ack := range r.PO.PendingAcks() {
		if err := r.send(ctx, wire.BroadcastID, wire.MsgPreOrderAck, ack); err != nil {
			r.logger.Warn("broadcast PO-Ack failed", "err", err)
		}
	}
	aru := r.PO.ARUVector()
	if err := r.send(ctx, wire.BroadcastID, wire.MsgPOARU, aru); err != nil {
		r.logger.Warn("broadcast PO-ARU failed", "err", err)
	}
	leader := r.ORD.Leader(r.ORD.View())
	if leader != r.self {
		pm := wire.ProofMatrixMsg{Sender: r.self, Matrix: r.PO.ProofMatrix()}
		if r.bootstrapDone {
			// The TAT clock only runs once ordering is allowed to start;
			// during a system-reset round the leader is legitimately not
			// proposing yet.
			r.VC.NoteProofMatrixSent(time.Now())
		}
		if err := r.send(ctx, leader, wire.MsgProofMatrix, pm); err != nil {
			r.logger.Warn("send proof matrix to leader failed", "leader", leader, "err", err)
		}
	}
	r.Metrics.POPendingSlots.Set(float64(r.PO.PendingSlotCount()))
}

func (r *Replica) leaderDuty(ctx context.Context) {
	if !r.bootstrapDone || !r.ORD.IsLeader() {
		return
	}
	pp := r.ORD.BuildPrePrepare(r.RC.GCN())
	if err := r.send(ctx, wire.BroadcastID, wire.MsgPrePrepare, pp); err != nil {
		r.logger.Warn("broadcast pre-prepare failed", "err", err)
	}
}

func (r *Replica) pingDuty(ctx context.Context) {
	nonce := rand.Uint64()
	r.VC.NotePing(nonce, time.Now())
	ping := wire.Ping{Sender: r.self, Nonce: nonce, SentUnixNano: time.Now().UnixNano()}
	if err := r.send(ctx, wire.BroadcastID, wire.MsgPing, ping); err != nil {
		r.logger.Warn("broadcast ping failed", "err", err)
	}
}

func (r *Replica) tatDuty(ctx context.Context) {
	if !r.bootstrapDone {
		return
	}
	now := time.Now()
	if view, due := r.VC.NestedTimeout(now); due {
		report := r.ORD.Report(view)
		if err := r.send(ctx, wire.BroadcastID, wire.MsgReport, report); err != nil {
			r.logger.Warn("broadcast report for nested view change failed", "err", err)
		}
		return
	}
	m, due := r.VC.MeasureTAT(now)
	if !due {
		return
	}
	if err := r.send(ctx, wire.BroadcastID, wire.MsgTATMeasure, m); err != nil {
		r.logger.Warn("broadcast TAT-measure failed", "err", err)
	}
}

func (r *Replica) catchupDuty(ctx context.Context) {
	req := r.CU.BuildRequest(r.ORD.LastExecuted())
	if err := r.send(ctx, wire.BroadcastID, wire.MsgCatchupRequest, req); err != nil {
		r.logger.Warn("broadcast catchup request failed", "err", err)
	}
	r.Metrics.CatchupRequestsSent.Inc()
}

// reconDuty runs the RECON push round (design doc §4.5): the layer
// evaluates this replica's sender-eligibility per origin from the
// Proof Matrix and hands back the parts it owes to lagging peers; a
// wider gap closes across successive RETRANS ticks as those peers'
// reported ARUs advance.
func (r *Replica) reconDuty(ctx context.Context) {
	for _, push := range r.RECON.PushTargets(64) {
		if err := r.send(ctx, push.To, wire.MsgReconPart, push.Part); err != nil {
			r.logger.Warn("push recon part failed", "to", push.To, "err", err)
			continue
		}
		r.Metrics.ReconPartsSent.Inc()
	}
}

// bootstrapDuty drives the system-reset round: mark it complete once
// quorum shares have been collected and SYSTEM_RESET_MIN_WAIT has
// passed, or vote out the bootstrap leader and re-begin the round under
// the next leader when SYSTEM_RESET_TIMEOUT expires without either.
func (r *Replica) bootstrapDuty(ctx context.Context) {
	if r.bootstrapDone || r.bootstrap == nil {
		return
	}
	now := time.Now()
	if r.ORD.LastExecuted() > 0 {
		// History arrived via catchup: the rest of the system was never
		// down, so this was a lone restart, not a cold boot.
		r.bootstrapDone = true
		return
	}
	// Re-broadcast this round's share: peers that cold-booted slightly
	// later missed the first send.
	r.sendBootstrapShare(ctx)
	if r.bootstrap.Ready(now) {
		r.bootstrapDone = true
		r.logger.Info("system-reset bootstrap complete", "round", r.bootstrapRound)
		return
	}
	if r.bootstrap.TimedOut(now) {
		leader := r.ORD.Leader(r.ORD.View())
		if err := r.bootstrap.VoteOut(leader, now); err == nil {
			r.logger.Warn("bootstrap leader voted out", "leader", leader, "round", r.bootstrapRound)
		}
		r.bootstrapRound++
		r.bootstrap.Begin(now)
		r.sendBootstrapShare(ctx)
		if r.VC.BeginViewChange(r.ORD.View()+1, now) {
			report := r.ORD.Report(r.ORD.View() + 1)
			if err := r.send(ctx, wire.BroadcastID, wire.MsgReport, report); err != nil {
				r.logger.Warn("broadcast report after bootstrap vote-out failed", "err", err)
			}
		}
	}
}

// sendBootstrapShare broadcasts this replica's threshold share of the
// bootstrap ordinal for the current round.
func (r *Replica) sendBootstrapShare(ctx context.Context) {
	if r.certifier == nil {
		return
	}
	ts, err := r.certifier.ShareFor(0, bootstrapDigest(r.RC.GCN(), r.bootstrapRound))
	if err != nil {
		r.logger.Warn("bootstrap share generation failed", "err", err)
		return
	}
	ts.Sender = r.self
	msg := wire.BootstrapShare{Sender: r.self, Round: r.bootstrapRound, Share: ts}
	if err := r.send(ctx, wire.BroadcastID, wire.MsgBootstrapShare, msg); err != nil {
		r.logger.Warn("broadcast bootstrap share failed", "err", err)
	}
}

// bootstrapDigest pins the bootstrap ordinal every replica
// threshold-signs during a system reset: deterministic in (gcn, round)
// so all correct replicas sign the same value.
func bootstrapDigest(gcn, round uint32) [wire.DigestSize]byte {
	var b [16]byte
	copy(b[:8], "sysreset")
	binary.LittleEndian.PutUint32(b[8:12], gcn)
	binary.LittleEndian.PutUint32(b[12:16], round)
	return crypto.Digest(b[:])
}

func (r *Replica) recoveryDuty(ctx context.Context) {
	if !r.PR.Due(time.Now()) {
		return
	}
	key, ann, err := r.PR.Restart(time.Now(), r.RC.GCN())
	if err != nil {
		r.logger.Error("proactive recovery restart failed", "err", err)
		return
	}
	r.privKey = key
	r.CE = crypto.NewCE(key, r.cfg.Timers.SigThreshold)
	r.CE.SetRoster(r.roster)
	r.PO.ResetIncarnation(ann.Incarnation)
	r.Metrics.RecoveryRestarts.Inc()
	if err := r.send(ctx, wire.BroadcastID, wire.MsgNewIncarnation, ann); err != nil {
		r.logger.Warn("broadcast new incarnation failed", "err", err)
	}
}

func (r *Replica) onFrame(ctx context.Context, in transport.Inbound) {
	env, err := wire.DecodeEnvelope(in.Data)
	if err != nil {
		r.logger.Warn("dropping undecodable frame", "from", in.From, "err", err)
		return
	}
	if err := r.CE.VerifyEnvelope(wire.ReplicaID(env.Header.SenderID), env.Payload, env.Signature); err != nil {
		// A fresh incarnation's announcement is signed by a key no
		// roster holds yet; it authenticates against the public key it
		// carries (design doc §4.7). Everything else drops.
		if env.Header.Type != wire.MsgNewIncarnation || !selfCertified(env) {
			r.logger.Warn("dropping frame with invalid envelope", "from", in.From, "type", env.Header.Type, "err", err)
			return
		}
	}
	if err := r.dispatch(ctx, env); err != nil {
		r.handleDispatchError(ctx, env, err)
	}
}

// selfCertified reports whether a NewIncarnation envelope verifies
// against the public key embedded in its own announcement.
func selfCertified(env wire.Envelope) bool {
	var ann wire.NewIncarnation
	if err := wire.DecodePayload(env.Payload, &ann); err != nil {
		return false
	}
	if wire.ReplicaID(env.Header.SenderID) != ann.Replica {
		return false
	}
	pub, err := crypto.ParsePublicKeyPEM(ann.PublicKeyPEM)
	if err != nil {
		return false
	}
	return crypto.VerifyWithKey(pub, env.Payload, env.Signature) == nil
}

// handleDispatchError applies design doc §7's propagation policy: most
// kinds are dropped after logging, KindProtocolInvalid is surfaced to
// View-Change as suspicion evidence, and KindFatal halts the process.
func (r *Replica) handleDispatchError(ctx context.Context, env wire.Envelope, err error) {
	kind, ok := coreerrors.Of(err)
	if !ok {
		r.logger.Warn("handler error", "type", env.Header.Type, "err", err)
		return
	}
	switch kind {
	case coreerrors.KindAuthInvalid, coreerrors.KindStale:
		r.logger.Debug("dropped message", "type", env.Header.Type, "kind", kind, "err", err)
	case coreerrors.KindResourceExhausted:
		r.logger.Warn("backpressure", "type", env.Header.Type, "err", err)
	case coreerrors.KindProtocolInvalid:
		r.logger.Warn("protocol violation, raising suspicion", "type", env.Header.Type, "err", err)
		if r.VC.BeginViewChange(r.ORD.View()+1, time.Now()) {
			report := r.ORD.Report(r.ORD.View() + 1)
			if sendErr := r.send(ctx, wire.BroadcastID, wire.MsgReport, report); sendErr != nil {
				r.logger.Warn("broadcast report after suspicion failed", "err", sendErr)
			}
		}
	case coreerrors.KindRecovery:
		r.logger.Warn("recovery condition, requesting catchup", "type", env.Header.Type, "err", err)
		r.catchupDuty(ctx)
	case coreerrors.KindFatal:
		r.shutdown(err.Error())
	default:
		r.logger.Warn("handler error", "type", env.Header.Type, "err", err)
	}
}

// checkGCN enforces design doc §4.8's generation discipline on ordered
// messages: a smaller gcn is stale, a larger one belongs to a
// configuration this replica has not installed and cannot authenticate.
func (r *Replica) checkGCN(gcn uint32) error {
	cur := r.RC.GCN()
	if gcn == cur {
		return nil
	}
	if gcn < cur {
		return coreerrors.Stale("replica", "message from an earlier configuration", nil)
	}
	return coreerrors.AuthInvalid("replica", "message from a configuration not yet installed", nil)
}

func (r *Replica) dispatch(ctx context.Context, env wire.Envelope) error {
	switch env.Header.Type {
	case wire.MsgPreOrderRequest:
		var m wire.PORequest
		if err := wire.DecodePayload(env.Payload, &m); err != nil {
			return err
		}
		return r.PO.OnRequest(m)
	case wire.MsgPreOrderAck:
		var m wire.POAck
		if err := wire.DecodePayload(env.Payload, &m); err != nil {
			return err
		}
		r.PO.OnAck(m)
		return nil
	case wire.MsgPOARU:
		var m wire.POARU
		if err := wire.DecodePayload(env.Payload, &m); err != nil {
			return err
		}
		r.PO.OnPeerARU(m)
		return nil
	case wire.MsgProofMatrix:
		var m wire.ProofMatrixMsg
		if err := wire.DecodePayload(env.Payload, &m); err != nil {
			return err
		}
		r.ORD.OnProofMatrix(m)
		return nil
	case wire.MsgPrePrepare:
		var m wire.PrePrepare
		if err := wire.DecodePayload(env.Payload, &m); err != nil {
			return err
		}
		if err := r.checkGCN(m.GCN); err != nil {
			return err
		}
		d20 := crypto.Digest(env.Payload)
		// The envelope's authenticated sender must be the view's leader;
		// OnPrePrepare rejects anyone else, and NoteLeaderActivity only
		// runs after that check so a non-leader cannot spoof leader
		// progress to suppress TAT suspicion during a delay attack.
		if err := r.ORD.OnPrePrepare(wire.ReplicaID(env.Header.SenderID), m, d20); err != nil {
			return err
		}
		r.VC.NoteLeaderActivity(time.Now())
		vote := wire.Vote{View: m.View, Seq: m.Seq, GCN: m.GCN, Digest: d20, Signer: r.self}
		return r.send(ctx, wire.BroadcastID, wire.MsgPrepare, vote)
	case wire.MsgPrepare:
		var v wire.Vote
		if err := wire.DecodePayload(env.Payload, &v); err != nil {
			return err
		}
		if err := r.checkGCN(v.GCN); err != nil {
			return err
		}
		became, err := r.ORD.OnPrepare(v)
		if err != nil {
			return err
		}
		if became {
			commit := wire.Vote{View: v.View, Seq: v.Seq, GCN: v.GCN, Digest: v.Digest, Signer: r.self}
			return r.send(ctx, wire.BroadcastID, wire.MsgCommit, commit)
		}
		return nil
	case wire.MsgCommit:
		var v wire.Vote
		if err := wire.DecodePayload(env.Payload, &v); err != nil {
			return err
		}
		if err := r.checkGCN(v.GCN); err != nil {
			return err
		}
		became, err := r.ORD.OnCommit(v)
		if became {
			r.Metrics.OrdSlotsCommitted.Inc()
		}
		return err
	case wire.MsgThresholdShare:
		var ts wire.ThresholdShare
		if err := wire.DecodePayload(env.Payload, &ts); err != nil {
			return err
		}
		if r.certifier == nil {
			return nil
		}
		if _, done, err := r.certifier.OnShare(ts); err != nil {
			return err
		} else if done {
			r.logger.Debug("site certificate formed", "slot", ts.Slot)
		}
		return nil
	case wire.MsgTATMeasure:
		var m wire.TATMeasure
		if err := wire.DecodePayload(env.Payload, &m); err != nil {
			return err
		}
		if r.VC.OnTATMeasure(m) && r.VC.BeginViewChange(m.View+1, time.Now()) {
			report := r.ORD.Report(m.View + 1)
			return r.send(ctx, wire.BroadcastID, wire.MsgReport, report)
		}
		return nil
	case wire.MsgReport:
		var rep wire.Report
		if err := wire.DecodePayload(env.Payload, &rep); err != nil {
			return err
		}
		// Only the candidate view's designated leader aggregates Reports
		// into a New-Leader-Proof (design doc §4.4).
		if r.ORD.Leader(rep.View) != r.self {
			return nil
		}
		proof, ok := r.VC.OnReport(rep)
		if !ok {
			return nil
		}
		return r.send(ctx, wire.BroadcastID, wire.MsgNewLeaderProof, proof)
	case wire.MsgNewLeaderProof:
		var proof wire.NewLeaderProof
		if err := wire.DecodePayload(env.Payload, &proof); err != nil {
			return err
		}
		if !r.VC.InstallProof(proof) {
			return nil
		}
		rePrepares := r.ORD.InstallFromProof(proof.View, proof)
		if r.ORD.Leader(proof.View) != r.self {
			return nil
		}
		for _, pp := range rePrepares {
			if err := r.send(ctx, wire.BroadcastID, wire.MsgPrePrepare, pp); err != nil {
				r.logger.Warn("re-broadcast pre-prepare after view change failed", "err", err)
			}
		}
		return nil
	case wire.MsgNewIncarnation:
		var ann wire.NewIncarnation
		if err := wire.DecodePayload(env.Payload, &ann); err != nil {
			return err
		}
		ack, err := r.PR.OnAnnounce(ann)
		if err != nil {
			return err
		}
		return r.send(ctx, wire.BroadcastID, wire.MsgNewIncarnationAck, ack)
	case wire.MsgNewIncarnationAck:
		var ack wire.NewIncarnationAck
		if err := wire.DecodePayload(env.Payload, &ack); err != nil {
			return err
		}
		ann, installed := r.PR.OnAck(ack)
		if !installed {
			return nil
		}
		r.installIncarnation(ann)
		return nil
	case wire.MsgCatchupRequest:
		var req wire.CatchupRequest
		if err := wire.DecodePayload(env.Payload, &req); err != nil {
			return err
		}
		if req.Requester == r.self {
			return nil
		}
		if req.ExecutedUpto >= r.ORD.LastExecuted() {
			return nil
		}
		if !r.CU.ShouldRespond(req.Requester, time.Now()) {
			return nil
		}
		resp, err := r.CU.BuildResponse(req, r.ORD.LastExecuted(), r.ORD.ExecutedCut(), r.RC.GCN(), r.ORD.CertificatesBetween)
		if err != nil {
			return err
		}
		return r.send(ctx, req.Requester, wire.MsgCatchupResponse, resp)
	case wire.MsgCatchupResponse:
		var resp wire.CatchupResponse
		if err := wire.DecodePayload(env.Payload, &resp); err != nil {
			return err
		}
		certs, err := r.CU.ApplyResponse(resp)
		if err != nil {
			return err
		}
		if resp.Checkpoint != nil {
			r.Metrics.CatchupCheckpointJumps.Inc()
			r.ORD.JumpTo(resp.Checkpoint.Seq, resp.Checkpoint.ExecutedARU)
			return nil
		}
		r.ORD.AdoptCertificates(certs)
		return nil
	case wire.MsgReconPart:
		var part wire.ReconPart
		if err := wire.DecodePayload(env.Payload, &part); err != nil {
			return err
		}
		r.Metrics.ReconPartsReceived.Inc()
		req, ready, err := r.RECON.OnPart(part, r.reconNumShares)
		if err != nil {
			return err
		}
		if ready {
			return r.PO.OnRequest(req)
		}
		return nil
	case wire.MsgBootstrapShare:
		var m wire.BootstrapShare
		if err := wire.DecodePayload(env.Payload, &m); err != nil {
			return err
		}
		if r.bootstrap == nil || r.bootstrapDone {
			return nil
		}
		if m.Round != r.bootstrapRound {
			return coreerrors.Stale("replica", "bootstrap share for a different round", nil)
		}
		if m.Share.Digest != bootstrapDigest(r.RC.GCN(), r.bootstrapRound) {
			return coreerrors.ProtocolInvalid("replica", "bootstrap share over an unexpected ordinal digest", nil)
		}
		if !r.certifier.VerifyWireShare(m.Share) {
			return coreerrors.AuthInvalid("replica", "bootstrap share proof does not verify", nil)
		}
		r.bootstrap.OnShare(wire.ReplicaID(env.Header.SenderID), crypto.PartialFromWire(m.Share))
		return nil
	case wire.MsgConfigArtifact:
		var artifact wire.ConfigArtifact
		if err := wire.DecodePayload(env.Payload, &artifact); err != nil {
			return err
		}
		return r.RC.Admit(artifact)
	case wire.MsgPing:
		var ping wire.Ping
		if err := wire.DecodePayload(env.Payload, &ping); err != nil {
			return err
		}
		pong := wire.Pong{Sender: r.self, Nonce: ping.Nonce, EchoUnixNano: time.Now().UnixNano()}
		return r.send(ctx, wire.ReplicaID(env.Header.SenderID), wire.MsgPong, pong)
	case wire.MsgPong:
		var pong wire.Pong
		if err := wire.DecodePayload(env.Payload, &pong); err != nil {
			return err
		}
		r.VC.OnPong(pong)
		return nil
	default:
		return fmt.Errorf("replica: unknown message type %d", env.Header.Type)
	}
}

// installIncarnation adopts a peer's quorum-installed NewIncarnation:
// its fresh public key replaces the roster slot, its Pre-Order sequence
// starts over at the new incarnation, and any blame it accumulated in
// the threshold-share sub-protocol is pardoned (design doc §4.7, §8
// scenario 6).
func (r *Replica) installIncarnation(ann wire.NewIncarnation) {
	if ann.Replica == r.self {
		return
	}
	pub, err := crypto.ParsePublicKeyPEM(ann.PublicKeyPEM)
	if err != nil {
		r.logger.Warn("installed incarnation carries unparsable public key", "replica", ann.Replica, "err", err)
		return
	}
	newRoster := make(map[wire.ReplicaID]*rsa.PublicKey, len(r.roster))
	for id, pk := range r.roster {
		newRoster[id] = pk
	}
	newRoster[ann.Replica] = pub
	r.roster = newRoster
	r.CE.SetRoster(newRoster)
	r.PO.ResetOrigin(ann.Replica, ann.Incarnation)
	if r.certifier != nil {
		r.certifier.Pardon(uint32(ann.Replica))
	}
	r.logger.Info("installed new incarnation", "replica", ann.Replica, "incarnation", ann.Incarnation)
}

// Close releases the replica's transport and config-artifact watcher.
func (r *Replica) Close() error {
	if r.stopWatch != nil {
		_ = r.stopWatch()
	}
	return r.transport.Close()
}

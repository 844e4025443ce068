// Package broadcast implements C3, the Double-Echo Engine: the
// probabilistic Byzantine-fault-tolerant broadcast core that decides,
// for each candidate certificate, when enough Echo and Ready votes have
// arrived to gossip, echo, ready-fanout and finally commit it to
// storage. Grounded on topos-tce-broadcast/src/double_echo/mod.rs:
// DoubleEcho's cert_candidate map, dispatch/start_delivery,
// state_change_follow_up and the is_e_ready/is_r_ready/is_ok_to_deliver
// threshold checks.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/topos-tce/tce-node/berrors"
	"github.com/topos-tce/tce-node/blog"
	"github.com/topos-tce/tce-node/core"
	"github.com/topos-tce/tce-node/sampling"
	"github.com/topos-tce/tce-node/storage"
	"github.com/topos-tce/tce-node/tracing"
)

// MaxBufferSize bounds the number of certificates waiting for a sample
// view before the Engine starts rejecting new Broadcast calls, matching
// DoubleEcho::MAX_BUFFER_SIZE.
const MaxBufferSize = 2048

// candidateState is a certificate candidate's per-sample-set consumption
// record: a clone of the sample view's relevant sets at the time the
// candidate was created, whittled down as Echo/Ready votes arrive.
type candidateState struct {
	sets    map[sampling.SetKind]map[core.SubnetId]struct{}
	readies []core.SignedReady
}

func newCandidateState(view sampling.View) *candidateState {
	cs := &candidateState{sets: make(map[sampling.SetKind]map[core.SubnetId]struct{}, 5)}
	for _, kind := range []sampling.SetKind{
		sampling.EchoSubscription, sampling.ReadySubscription, sampling.DeliverySubscription,
		sampling.EchoSubscriber, sampling.ReadySubscriber,
	} {
		set := make(map[core.SubnetId]struct{})
		for peer := range view.Sets[kind] {
			set[peer] = struct{}{}
		}
		cs.sets[kind] = set
	}
	return cs
}

func (cs *candidateState) consume(kind sampling.SetKind, peer core.SubnetId) {
	delete(cs.sets[kind], peer)
}

// Engine is C3. One Engine serves one node; it is not safe to share a
// single certificate's candidacy across multiple Engines.
type Engine struct {
	mu sync.Mutex

	myPeerID core.SubnetId
	params   sampling.Params
	store    storage.Store
	emitter  Emitter
	log      blog.Logger
	metrics  *Metrics
	clock    clock.Clock
	tracer   trace.Tracer

	currentView *sampling.View

	candidates      map[core.CertificateId]*candidateState
	candidatesByID  map[core.CertificateId]core.Certificate
	pendingDelivery map[core.CertificateId]struct{}
	pendingReadies  map[core.CertificateId][]core.SignedReady
	deliveryStart   map[core.CertificateId]time.Time

	buffer []core.Certificate
}

// NewEngine constructs an Engine with no current sample view; certificates
// submitted before the first view arrives are held in the bounded buffer.
func NewEngine(myPeerID core.SubnetId, params sampling.Params, store storage.Store, emitter Emitter, log blog.Logger, metrics *Metrics, clk clock.Clock) *Engine {
	return &Engine{
		myPeerID:        myPeerID,
		params:          params,
		store:           store,
		emitter:         emitter,
		log:             log,
		metrics:         metrics,
		clock:           clk,
		tracer:          tracing.Tracer("github.com/topos-tce/tce-node/broadcast"),
		candidates:      make(map[core.CertificateId]*candidateState),
		candidatesByID:  make(map[core.CertificateId]core.Certificate),
		pendingDelivery: make(map[core.CertificateId]struct{}),
		pendingReadies:  make(map[core.CertificateId][]core.SignedReady),
		deliveryStart:   make(map[core.CertificateId]time.Time),
	}
}

// WithTracer overrides the tracer NewEngine installed by default (the
// process-wide provider's tracer, a no-op until tracing.NewProvider
// configures a collector) and returns e for chaining.
func (e *Engine) WithTracer(tracer trace.Tracer) *Engine {
	e.tracer = tracer
	return e
}

// OnSampleView installs a new stable sampling view and drains the
// buffer accumulated while no view was available, matching run()'s
// "while let Some(cert) = buffer.pop_front()" step after a new view
// arrives.
func (e *Engine) OnSampleView(ctx context.Context, view sampling.View) {
	e.mu.Lock()
	e.currentView = &view
	buffered := e.buffer
	e.buffer = nil
	e.mu.Unlock()

	for _, cert := range buffered {
		e.handleBroadcast(ctx, cert)
	}
}

// Broadcast submits a certificate for delivery, either because it was
// submitted locally (SubmitCertificate) or received for the first time
// via gossip. If no sample view is available yet it is buffered, up to
// MaxBufferSize; beyond that it is rejected with berrors.BufferFull.
func (e *Engine) Broadcast(ctx context.Context, cert core.Certificate) error {
	e.mu.Lock()
	hasView := e.currentView != nil
	if !hasView {
		if len(e.buffer) >= MaxBufferSize {
			e.mu.Unlock()
			return berrors.BufferFullError("broadcast buffer is full (%d certificates)", MaxBufferSize)
		}
		e.buffer = append(e.buffer, cert)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.handleBroadcast(ctx, cert)
	return nil
}

func (e *Engine) handleBroadcast(ctx context.Context, cert core.Certificate) {
	e.dispatch(ctx, cert)
}

// HandleGossip processes a certificate received from a peer over gossip
// — the network's analog of handle_deliver in the original (a certificate
// arriving with no local submission).
func (e *Engine) HandleGossip(ctx context.Context, cert core.Certificate) {
	e.dispatch(ctx, cert)
}

// dispatch is DoubleEcho::dispatch: validate, dedupe against both the
// live candidate set and storage, gossip onward, and start delivery.
func (e *Engine) dispatch(ctx context.Context, cert core.Certificate) {
	expectGenesis := cert.PrevID.IsGenesis()
	if err := certPreDeliveryCheck(&cert, expectGenesis); err != nil {
		e.log.Warningf("rejecting certificate %s: %s", cert.ID, err)
		return
	}

	e.mu.Lock()
	_, isCandidate := e.candidates[cert.ID]
	e.mu.Unlock()
	if isCandidate {
		return
	}

	if delivered, err := e.store.GetCertificate(ctx, cert.ID); err == nil && delivered != nil {
		return
	}

	e.mu.Lock()
	view := e.currentView
	e.mu.Unlock()
	if view == nil {
		return
	}

	e.emitter.Emit(Event{Kind: EventGossip, Peers: gossipPeers(*view), Certificate: cert})
	e.startDelivery(ctx, cert, *view)
}

// gossipPeers returns the union of EchoSubscriber and ReadySubscriber —
// the peers this node gossips new certificates to, per
// DoubleEcho::gossip_peers.
func gossipPeers(view sampling.View) []core.SubnetId {
	seen := make(map[core.SubnetId]struct{})
	var out []core.SubnetId
	for _, kind := range []sampling.SetKind{sampling.EchoSubscriber, sampling.ReadySubscriber} {
		for peer := range view.Sets[kind] {
			if _, ok := seen[peer]; !ok {
				seen[peer] = struct{}{}
				out = append(out, peer)
			}
		}
	}
	return out
}

// startDelivery registers a new delivery candidate and sends the
// initial Echo to this node's EchoSubscriber set, per
// DoubleEcho::start_delivery.
func (e *Engine) startDelivery(ctx context.Context, cert core.Certificate, view sampling.View) {
	if len(view.Sets[sampling.EchoSubscription]) == 0 ||
		len(view.Sets[sampling.ReadySubscription]) == 0 ||
		len(view.Sets[sampling.DeliverySubscription]) == 0 {
		e.log.Errf("ill-formed sample view for node %s, cannot start delivery of %s", e.myPeerID, cert.ID)
		e.emitter.Emit(Event{Kind: EventDie})
		return
	}

	state := newCandidateState(view)

	e.mu.Lock()
	e.candidates[cert.ID] = state
	e.candidatesByID[cert.ID] = cert
	e.deliveryStart[cert.ID] = e.clock.Now()
	e.mu.Unlock()

	echoPeers := make([]core.SubnetId, 0, len(state.sets[sampling.EchoSubscriber]))
	for peer := range state.sets[sampling.EchoSubscriber] {
		echoPeers = append(echoPeers, peer)
	}
	if len(echoPeers) == 0 {
		e.log.Warningf("EchoSubscriber set is empty for node %s", e.myPeerID)
		return
	}

	e.emitter.Emit(Event{Kind: EventEcho, Peers: echoPeers, Certificate: cert})
}

// HandleEcho consumes fromPeer's Echo vote for id's EchoSubscription
// sample, per DoubleEcho::handle_echo.
func (e *Engine) HandleEcho(fromPeer core.SubnetId, id core.CertificateId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.candidates[id]; ok {
		state.consume(sampling.EchoSubscription, fromPeer)
	}
}

// HandleReady consumes ready's vote for id's ReadySubscription and
// DeliverySubscription samples and records the signature toward the
// eventual ProofOfDelivery, per DoubleEcho::handle_ready. A Ready from a
// peer in neither remaining set (a non-member, or a repeat vote already
// consumed) is ignored and not recorded.
func (e *Engine) HandleReady(ready core.SignedReady, id core.CertificateId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.candidates[id]
	if !ok {
		return
	}
	_, inReady := state.sets[sampling.ReadySubscription][ready.ValidatorID]
	_, inDelivery := state.sets[sampling.DeliverySubscription][ready.ValidatorID]
	if !inReady && !inDelivery {
		return
	}
	state.consume(sampling.ReadySubscription, ready.ValidatorID)
	state.consume(sampling.DeliverySubscription, ready.ValidatorID)
	state.readies = append(state.readies, ready)
}

// StateChangeFollowUp is DoubleEcho::state_change_follow_up: fan out
// Ready votes for every candidate that just reached its Echo or Ready
// threshold, then attempt to commit every candidate that has reached
// its delivery threshold and passes the post-delivery checks.
func (e *Engine) StateChangeFollowUp(ctx context.Context) {
	e.mu.Lock()

	type readyFanout struct {
		cert  core.Certificate
		peers []core.SubnetId
	}
	var fanouts []readyFanout
	stateModified := false

	for id, state := range e.candidates {
		if isEReady(e.params, state) || isRReady(e.params, state) {
			if readySubscribers, ok := state.sets[sampling.ReadySubscriber]; ok && len(readySubscribers) > 0 {
				peers := make([]core.SubnetId, 0, len(readySubscribers))
				for peer := range readySubscribers {
					peers = append(peers, peer)
				}
				fanouts = append(fanouts, readyFanout{cert: e.candidatesByID[id], peers: peers})
				state.sets[sampling.ReadySubscriber] = make(map[core.SubnetId]struct{})
			}
		}

		if isOkToDeliver(e.params, state) {
			e.pendingDelivery[id] = struct{}{}
			e.pendingReadies[id] = state.readies
			stateModified = true
		}
	}

	if stateModified {
		for id := range e.pendingDelivery {
			delete(e.candidates, id)
		}
	}

	pendingIDs := make([]core.CertificateId, 0, len(e.pendingDelivery))
	for id := range e.pendingDelivery {
		pendingIDs = append(pendingIDs, id)
	}
	e.mu.Unlock()

	for _, f := range fanouts {
		e.emitter.Emit(Event{Kind: EventReady, Peers: f.peers, Certificate: f.cert})
	}

	if len(pendingIDs) == 0 {
		return
	}

	for _, id := range pendingIDs {
		e.tryCommit(ctx, id)
	}
}

// tryCommit attempts to commit a pending-delivery candidate: the
// post-delivery checks must pass, and storage must accept the assigned
// position. A candidate that fails either stays pending and is retried
// on the next StateChangeFollowUp.
func (e *Engine) tryCommit(ctx context.Context, id core.CertificateId) {
	ctx, span := e.tracer.Start(ctx, "broadcast.tryCommit", trace.WithAttributes(
		attribute.String("certificate_id", id.String()),
	))
	defer span.End()

	e.mu.Lock()
	cert, ok := e.candidatesByID[id]
	readies := e.pendingReadies[id]
	e.mu.Unlock()
	if !ok {
		return
	}

	head, err := e.store.LastDeliveredPositionForSubnet(ctx, cert.SourceSubnetID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.log.Errf("checking head for %s: %s", cert.SourceSubnetID, err)
		return
	}

	if err := certPostDeliveryCheck(&cert, head); err != nil {
		e.log.Warningf("post-delivery check not yet satisfied for %s: %s", cert.ID, err)
		if pendErr := e.store.InsertPending(ctx, cert); pendErr != nil {
			span.SetStatus(codes.Error, pendErr.Error())
			e.log.Errf("recording %s as pending: %s", cert.ID, pendErr)
		}
		return
	}

	position := core.ZeroPosition
	if head != nil {
		position = head.Position.Increment()
	}

	delivered := core.CertificateDelivered{
		Certificate: cert,
		ProofOfDelivery: core.ProofOfDelivery{
			CertificateID:    cert.ID,
			DeliveryPosition: core.SourceStreamPositionKey{Source: cert.SourceSubnetID, Position: position},
			Readies:          readies,
			Threshold:        uint64(e.params.DeliveryThreshold),
		},
	}

	positions, err := e.store.InsertCertificateDelivered(ctx, delivered)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.log.Errf("committing certificate %s: %s", cert.ID, err)
		return
	}
	span.SetAttributes(attribute.Int64("delivery_position", int64(position)))
	if err := e.store.RemovePending(ctx, cert.SourceSubnetID, cert.ID); err != nil {
		e.log.Warningf("clearing pending entry for delivered certificate %s: %s", cert.ID, err)
	}

	e.mu.Lock()
	delete(e.pendingDelivery, id)
	delete(e.pendingReadies, id)
	delete(e.candidatesByID, id)
	start, hadStart := e.deliveryStart[id]
	delete(e.deliveryStart, id)
	e.mu.Unlock()

	if hadStart && e.metrics != nil {
		e.metrics.deliverySeconds.Observe(e.clock.Now().Sub(start).Seconds())
	}
	e.log.Infof("certificate %s delivered at position %d", cert.ID, position)

	event := Event{Kind: EventDelivered, Delivered: delivered}
	if positions != nil {
		event.Positions = *positions
	}
	e.emitter.Emit(event)
}

// DefaultPendingTTL is the elapsed-retry interval for certificates stuck
// in the pending queue (spec.md §5's "30 s TTL with elapsed-retry";
// DESIGN.md resolves the drop-vs-re-broadcast question in favor of
// re-broadcast, since the predecessor may simply not have reached this
// node yet rather than never existing).
const DefaultPendingTTL = 30 * time.Second

// RetryExpiredPending re-submits every pending certificate older than
// ttl, and every certificate still pending from before this process
// started (node calls this once at startup with ttl 0, then
// periodically with DefaultPendingTTL). A certificate already a
// candidate or already delivered is a no-op in dispatch, so retrying one
// that resolved itself in the meantime is harmless.
func (e *Engine) RetryExpiredPending(ctx context.Context, ttl time.Duration) {
	expired, err := e.store.GetExpiredPending(ctx, ttl)
	if err != nil {
		e.log.Errf("listing expired pending certificates: %s", err)
		return
	}
	for _, cert := range expired {
		if err := e.Broadcast(ctx, cert); err != nil {
			e.log.Warningf("retrying pending certificate %s: %s", cert.ID, err)
		}
	}
}

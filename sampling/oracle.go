package sampling

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"github.com/topos-tce/tce-node/blog"
	"github.com/topos-tce/tce-node/core"
)

// DefaultHandshakeTimeout bounds how long the Oracle waits for a peer to
// ack an outstanding Echo/Ready subscribe handshake before evicting it
// and drawing a replacement, per spec.md §4.2: "Targets that refuse or
// time out are replaced."
const DefaultHandshakeTimeout = 10 * time.Second

// Transport is how the Oracle asks peers to subscribe to it and answers
// their subscribe requests. gossip.Adapter implements this; it is kept
// as a narrow interface here so sampling has no import-time dependency
// on gossip's wire format.
type Transport interface {
	RequestEchoSubscription(peer core.SubnetId)
	RequestReadySubscription(peer core.SubnetId)
	AcknowledgeEchoSubscription(peer core.SubnetId)
	AcknowledgeReadySubscription(peer core.SubnetId)
}

// Oracle is C2: it owns the five subscription sets, rebuilds them when
// the visible peer set changes, and publishes a new View once every
// outstanding handshake has resolved. A peer that neither acks nor
// reports a failed handshake within handshakeTimeout is evicted from
// its pending set and replaced with another visible peer, so a single
// unresponsive target can never block a view from stabilizing forever.
type Oracle struct {
	mu sync.Mutex

	log              blog.Logger
	transport        Transport
	params           Params
	clk              clock.Clock
	handshakeTimeout time.Duration

	visiblePeers []core.SubnetId

	// pendingEcho/pendingReady/pendingDelivery map a peer with an
	// outstanding subscribe handshake to the deadline it must ack by.
	pendingEcho     map[core.SubnetId]time.Time
	pendingReady    map[core.SubnetId]time.Time
	pendingDelivery map[core.SubnetId]time.Time

	view   View
	status Status

	subscribers []chan View
}

// NewOracle constructs an Oracle with an empty view and Stabilized
// status, matching PeerSamplingOracle::spawn_new's initial state.
// handshakeTimeout defaults to DefaultHandshakeTimeout when zero.
func NewOracle(params Params, transport Transport, log blog.Logger, clk clock.Clock, handshakeTimeout time.Duration) (*Oracle, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &Oracle{
		log:              log,
		transport:        transport,
		params:           params,
		clk:              clk,
		handshakeTimeout: handshakeTimeout,
		pendingEcho:      make(map[core.SubnetId]time.Time),
		pendingReady:     make(map[core.SubnetId]time.Time),
		pendingDelivery:  make(map[core.SubnetId]time.Time),
		view:             emptyView(0),
		status:           Stabilized,
	}, nil
}

// CurrentView returns a copy of the oracle's current view. Between
// OnVisiblePeersChanged and the next stabilization this is the view being
// rebuilt, not the last stable one published. Callers that need to be
// notified of new stable views should use Subscribe instead.
func (o *Oracle) CurrentView() View {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.view.clone()
}

// Status reports whether the Oracle's current view is stable or being
// rebuilt.
func (o *Oracle) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// HasActiveSample backs ConsoleService.Status (SPEC_FULL.md supplemental
// feature 5): true once the view holds at least one peer in any set.
func (o *Oracle) HasActiveSample() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, set := range o.view.Sets {
		if len(set) > 0 {
			return true
		}
	}
	return false
}

// Subscribe registers a channel that receives every subsequently
// published View. The channel is buffered by one and never closed;
// callers that stop reading will simply stop receiving new views.
func (o *Oracle) Subscribe() <-chan View {
	ch := make(chan View, 1)
	o.mu.Lock()
	o.subscribers = append(o.subscribers, ch)
	o.mu.Unlock()
	return ch
}

func (o *Oracle) publish(view View) {
	for _, ch := range o.subscribers {
		select {
		case ch <- view:
		default:
			// Drop if the subscriber hasn't drained the last view yet;
			// CurrentView() remains available for a synchronous read.
		}
	}
}

// OnVisiblePeersChanged replaces the visible peer set and rebuilds all
// three inbound samples from it, matching
// TrbpCommands::OnVisiblePeersChanged.
func (o *Oracle) OnVisiblePeersChanged(peers []core.SubnetId) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.visiblePeers = peers
	o.status = BuildingNewView
	o.view = emptyView(o.view.Sequence + 1)

	o.initEchoSample()
	o.initReadySample()
	o.initDeliverySample()

	o.followUpLocked()
}

func (o *Oracle) initEchoSample() {
	clear(o.pendingEcho)
	deadline := o.clk.Now().Add(o.handshakeTimeout)
	for _, peer := range sampleWithoutReplacement(o.visiblePeers, o.params.EchoSampleSize) {
		o.pendingEcho[peer] = deadline
		o.transport.RequestEchoSubscription(peer)
	}
}

func (o *Oracle) initReadySample() {
	clear(o.pendingReady)
	deadline := o.clk.Now().Add(o.handshakeTimeout)
	for _, peer := range sampleWithoutReplacement(o.visiblePeers, o.params.ReadySampleSize) {
		o.pendingReady[peer] = deadline
		o.transport.RequestReadySubscription(peer)
	}
}

func (o *Oracle) initDeliverySample() {
	clear(o.pendingDelivery)
	deadline := o.clk.Now().Add(o.handshakeTimeout)
	for _, peer := range sampleWithoutReplacement(o.visiblePeers, o.params.DeliverySampleSize) {
		o.pendingDelivery[peer] = deadline
		// Delivery subscription rides the same Ready-subscribe handshake
		// as ReadySubscription, per the original's init_delivery_inbound_sample.
		o.transport.RequestReadySubscription(peer)
	}
}

// OnEchoSubscribeRequest handles a peer asking this node to be its Echo
// source: it joins EchoSubscriber and gets an acknowledgement.
func (o *Oracle) OnEchoSubscribeRequest(peer core.SubnetId) {
	o.mu.Lock()
	o.view.Sets[EchoSubscriber][peer] = struct{}{}
	o.mu.Unlock()
	o.transport.AcknowledgeEchoSubscription(peer)
}

// OnReadySubscribeRequest handles a peer asking this node to be its
// Ready source: it joins ReadySubscriber and gets an acknowledgement.
func (o *Oracle) OnReadySubscribeRequest(peer core.SubnetId) {
	o.mu.Lock()
	o.view.Sets[ReadySubscriber][peer] = struct{}{}
	o.mu.Unlock()
	o.transport.AcknowledgeReadySubscription(peer)
}

// OnEchoSubscribeAck resolves a pending outbound Echo subscription.
func (o *Oracle) OnEchoSubscribeAck(peer core.SubnetId) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, pending := o.pendingEcho[peer]; pending {
		delete(o.pendingEcho, peer)
		o.view.Sets[EchoSubscription][peer] = struct{}{}
	}
	o.followUpLocked()
}

// OnReadySubscribeAck resolves a pending outbound Ready and/or Delivery
// subscription. Sampling is with replacement across the two pools, so a
// single ack can resolve both (mirrors the original's comment "Sampling
// with replacement, so can be both cases").
func (o *Oracle) OnReadySubscribeAck(peer core.SubnetId) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, pending := o.pendingReady[peer]; pending {
		delete(o.pendingReady, peer)
		o.view.Sets[ReadySubscription][peer] = struct{}{}
	}
	if _, pending := o.pendingDelivery[peer]; pending {
		delete(o.pendingDelivery, peer)
		o.view.Sets[DeliverySubscription][peer] = struct{}{}
	}
	o.followUpLocked()
}

// OnEchoSubscribeFailed reports that the handshake requesting peer's Echo
// subscription could not be delivered (transport-level failure, not a
// timeout). peer is evicted from the Echo pending set and replaced
// immediately rather than waiting out the remainder of its deadline.
func (o *Oracle) OnEchoSubscribeFailed(peer core.SubnetId) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evictAndReplaceLocked(peer, o.pendingEcho, o.transport.RequestEchoSubscription)
	o.followUpLocked()
}

// OnReadySubscribeFailed is OnEchoSubscribeFailed's counterpart for the
// Ready-subscribe handshake, which can back both the Ready and Delivery
// pending sets.
func (o *Oracle) OnReadySubscribeFailed(peer core.SubnetId) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evictAndReplaceLocked(peer, o.pendingReady, o.transport.RequestReadySubscription)
	o.evictAndReplaceLocked(peer, o.pendingDelivery, o.transport.RequestReadySubscription)
	o.followUpLocked()
}

// CheckTimeouts evicts and replaces every peer whose pending handshake
// deadline has passed. Callers (node's background loop) call this on a
// fixed tick so a peer that silently drops a subscribe request — neither
// acking nor producing a transport-level failure — cannot block a view
// from stabilizing forever, satisfying spec.md §4.2's "targets that
// refuse or time out are replaced."
func (o *Oracle) CheckTimeouts() {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clk.Now()
	o.evictExpiredLocked(o.pendingEcho, now, o.transport.RequestEchoSubscription)
	o.evictExpiredLocked(o.pendingReady, now, o.transport.RequestReadySubscription)
	o.evictExpiredLocked(o.pendingDelivery, now, o.transport.RequestReadySubscription)
	o.followUpLocked()
}

func (o *Oracle) evictExpiredLocked(pending map[core.SubnetId]time.Time, now time.Time, request func(core.SubnetId)) {
	var expired []core.SubnetId
	for peer, deadline := range pending {
		if !now.Before(deadline) {
			expired = append(expired, peer)
		}
	}
	for _, peer := range expired {
		o.evictAndReplaceLocked(peer, pending, request)
	}
}

// evictAndReplaceLocked drops peer from pending (a no-op if it isn't
// there — already acked, or already evicted by a concurrent path) and
// draws a replacement from the visible peer set, re-issuing request for
// it. A replacement that also fails to ack is itself evicted on the next
// CheckTimeouts tick or failure report.
func (o *Oracle) evictAndReplaceLocked(peer core.SubnetId, pending map[core.SubnetId]time.Time, request func(core.SubnetId)) {
	if _, ok := pending[peer]; !ok {
		return
	}
	delete(pending, peer)

	replacement, ok := o.drawReplacementLocked(pending, peer)
	if !ok {
		o.log.Warningf("sampling: peer %s did not ack subscribe handshake, no replacement peer available", peer)
		return
	}

	o.log.Warningf("sampling: peer %s did not ack subscribe handshake, replacing with %s", peer, replacement)
	pending[replacement] = o.clk.Now().Add(o.handshakeTimeout)
	request(replacement)
}

// drawReplacementLocked picks a visible peer that is neither avoid nor
// already in pending, uniformly at random.
func (o *Oracle) drawReplacementLocked(pending map[core.SubnetId]time.Time, avoid core.SubnetId) (core.SubnetId, bool) {
	var candidates []core.SubnetId
	for _, peer := range o.visiblePeers {
		if peer == avoid {
			continue
		}
		if _, already := pending[peer]; already {
			continue
		}
		candidates = append(candidates, peer)
	}
	if len(candidates) == 0 {
		return core.SubnetId{}, false
	}
	return candidates[rand.IntN(len(candidates))], true
}

// followUpLocked implements state_change_follow_up: once every pending
// handshake has resolved and there is at least one visible peer, the
// view is stable and gets published.
func (o *Oracle) followUpLocked() {
	if o.status == Stabilized {
		return
	}

	stable := len(o.pendingEcho) == 0 && len(o.pendingReady) == 0 && len(o.pendingDelivery) == 0 && len(o.visiblePeers) > 0
	if !stable {
		return
	}

	o.status = Stabilized
	published := o.view.clone()
	o.log.Infof("sampling view %d stabilized: echo=%d ready=%d delivery=%d",
		published.Sequence, len(published.Sets[EchoSubscription]), len(published.Sets[ReadySubscription]), len(published.Sets[DeliverySubscription]))
	o.publish(published)
}

// sampleWithoutReplacement returns up to n distinct peers chosen
// uniformly at random from candidates, or all of them if n >= len.
func sampleWithoutReplacement(candidates []core.SubnetId, n int) []core.SubnetId {
	if n <= 0 || len(candidates) == 0 {
		return nil
	}
	if n >= len(candidates) {
		out := make([]core.SubnetId, len(candidates))
		copy(out, candidates)
		return out
	}

	shuffled := make([]core.SubnetId, len(candidates))
	copy(shuffled, candidates)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}

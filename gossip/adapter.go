package gossip

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/topos-tce/tce-node/blog"
	"github.com/topos-tce/tce-node/broadcast"
	"github.com/topos-tce/tce-node/core"
)

// SampleReceiver is the inbound half of sampling.Oracle that the Adapter
// drives as subscribe requests and acks arrive over the wire, plus the
// failure path a handshake that could not be delivered at all takes.
type SampleReceiver interface {
	OnEchoSubscribeRequest(peer core.SubnetId)
	OnReadySubscribeRequest(peer core.SubnetId)
	OnEchoSubscribeAck(peer core.SubnetId)
	OnReadySubscribeAck(peer core.SubnetId)
	OnEchoSubscribeFailed(peer core.SubnetId)
	OnReadySubscribeFailed(peer core.SubnetId)
}

// BroadcastReceiver is the inbound half of broadcast.Engine that the
// Adapter drives as certificates and votes arrive over the wire.
type BroadcastReceiver interface {
	HandleGossip(ctx context.Context, cert core.Certificate)
	HandleEcho(fromPeer core.SubnetId, id core.CertificateId)
	HandleReady(ready core.SignedReady, id core.CertificateId)
	StateChangeFollowUp(ctx context.Context)
}

// ReadySigner signs this node's own Ready vote for a certificate it has
// decided to ready-fan-out. It is a narrow interface so the Adapter
// doesn't need to hold private key material itself; node wires it to
// core.Sign plus the node's own signing key.
type ReadySigner interface {
	SignReady(id core.CertificateId) (core.SignedReady, error)
}

// Adapter is C4: it turns broadcast.Engine's outward Events and
// sampling.Oracle's outward Transport calls into wire Batches, and turns
// incoming Batches back into calls on SampleReceiver/BroadcastReceiver.
// Grounded on spec.md §4.4's two-queue, fixed-tick drain contract.
type Adapter struct {
	myPeerID core.SubnetId

	directory PeerDirectory
	client    PeerClient
	signer    ReadySigner
	log       blog.Logger
	metrics   *Metrics

	tickInterval  time.Duration
	batchSize     int
	handshakeWait time.Duration

	sampleReceiver    SampleReceiver
	broadcastReceiver BroadcastReceiver

	mu     sync.Mutex
	queues map[core.SubnetId]map[Topic]*fifoQueue

	stop chan struct{}
}

// NewAdapter constructs an Adapter. tickIntervalMillis and batchSize
// default to DefaultTickIntervalMillis/DefaultBatchSize when zero.
func NewAdapter(myPeerID core.SubnetId, directory PeerDirectory, client PeerClient, signer ReadySigner, log blog.Logger, metrics *Metrics, tickIntervalMillis, batchSize int) *Adapter {
	if tickIntervalMillis <= 0 {
		tickIntervalMillis = DefaultTickIntervalMillis
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Adapter{
		myPeerID:      myPeerID,
		directory:     directory,
		client:        client,
		signer:        signer,
		log:           log,
		metrics:       metrics,
		tickInterval:  time.Duration(tickIntervalMillis) * time.Millisecond,
		batchSize:     batchSize,
		handshakeWait: 10 * time.Second,
		queues:        make(map[core.SubnetId]map[Topic]*fifoQueue),
		stop:          make(chan struct{}),
	}
}

// SetReceivers wires the Adapter to the components it delivers incoming
// messages to. Called once during node startup, after both the Sampling
// Oracle and the Double-Echo Engine exist.
func (a *Adapter) SetReceivers(sampleReceiver SampleReceiver, broadcastReceiver BroadcastReceiver) {
	a.sampleReceiver = sampleReceiver
	a.broadcastReceiver = broadcastReceiver
}

// WithHandshakeTimeout overrides the 10s default sendReliable retries a
// subscribe handshake for, and returns a for chaining.
func (a *Adapter) WithHandshakeTimeout(timeout time.Duration) *Adapter {
	if timeout > 0 {
		a.handshakeWait = timeout
	}
	return a
}

func (a *Adapter) queueFor(peer core.SubnetId, topic Topic) *fifoQueue {
	a.mu.Lock()
	defer a.mu.Unlock()
	byTopic, ok := a.queues[peer]
	if !ok {
		byTopic = make(map[Topic]*fifoQueue)
		a.queues[peer] = byTopic
	}
	q, ok := byTopic[topic]
	if !ok {
		q = &fifoQueue{}
		byTopic[topic] = q
	}
	return q
}

func (a *Adapter) enqueue(peer core.SubnetId, topic Topic, msg Message) {
	encoded, err := msg.Encode()
	if err != nil {
		a.log.Errf("dropping outbound message to %s: %s", peer, err)
		return
	}
	a.queueFor(peer, topic).push(encoded)
}

func (a *Adapter) enqueueToPeers(peers []core.SubnetId, topic Topic, msg Message) {
	for _, peer := range peers {
		a.enqueue(peer, topic, msg)
	}
}

// Emit implements broadcast.Emitter.
func (a *Adapter) Emit(e broadcast.Event) {
	switch e.Kind {
	case broadcast.EventGossip:
		cert := e.Certificate
		a.enqueueToPeers(e.Peers, TopicGossip, Message{Kind: KindCertificate, From: a.myPeerID, Certificate: &cert})
	case broadcast.EventEcho:
		a.enqueueToPeers(e.Peers, TopicEcho, Message{Kind: KindEcho, From: a.myPeerID, CertificateID: e.Certificate.ID})
	case broadcast.EventReady:
		ready, err := a.signer.SignReady(e.Certificate.ID)
		if err != nil {
			a.log.Errf("failed to sign ready vote for %s: %s", e.Certificate.ID, err)
			return
		}
		a.enqueueToPeers(e.Peers, TopicReady, Message{Kind: KindReady, From: a.myPeerID, CertificateID: e.Certificate.ID, Ready: &ready})
	case broadcast.EventDelivered:
		// Delivery is a local/storage event; nothing further goes out on
		// the gossip topics for it (stream.Server is what pushes
		// deliveries to subscribed clients).
	case broadcast.EventDie:
		a.log.AuditErrf("broadcast engine reported an unrecoverable sample view for peer %s", a.myPeerID)
	}
}

// RequestEchoSubscription, RequestReadySubscription,
// AcknowledgeEchoSubscription and AcknowledgeReadySubscription implement
// sampling.Transport. Handshake messages bypass the ticked queue and are
// sent immediately with retry, since the Oracle cannot stabilize a view
// until they land.
func (a *Adapter) RequestEchoSubscription(peer core.SubnetId) {
	a.sendHandshake(peer, Message{Kind: KindEchoSubscribeReq, From: a.myPeerID})
}

func (a *Adapter) RequestReadySubscription(peer core.SubnetId) {
	a.sendHandshake(peer, Message{Kind: KindReadySubscribeReq, From: a.myPeerID})
}

func (a *Adapter) AcknowledgeEchoSubscription(peer core.SubnetId) {
	a.sendHandshake(peer, Message{Kind: KindEchoSubscribeAck, From: a.myPeerID})
}

func (a *Adapter) AcknowledgeReadySubscription(peer core.SubnetId) {
	a.sendHandshake(peer, Message{Kind: KindReadySubscribeAck, From: a.myPeerID})
}

func (a *Adapter) sendHandshake(peer core.SubnetId, msg Message) {
	endpoint, ok := a.directory.Endpoint(peer)
	if !ok {
		a.log.Warningf("no known endpoint for peer %s, dropping handshake message", peer)
		return
	}
	encoded, err := msg.Encode()
	if err != nil {
		a.log.Errf("encoding handshake message to %s: %s", peer, err)
		return
	}
	batch := Batch{Topic: TopicEcho, Messages: [][]byte{encoded}}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.handshakeWait)
		defer cancel()
		if err := sendReliable(ctx, a.client, endpoint, batch, a.handshakeWait); err != nil {
			a.log.Warningf("handshake message %s to %s failed after retries: %s", msg.Kind, peer, err)
			if a.metrics != nil {
				a.metrics.handshakeFailures.Inc()
			}
			switch msg.Kind {
			case KindEchoSubscribeReq:
				a.sampleReceiver.OnEchoSubscribeFailed(peer)
			case KindReadySubscribeReq:
				a.sampleReceiver.OnReadySubscribeFailed(peer)
			}
		}
	}()
}

// Run drains every (peer, topic) queue on a fixed tick until ctx is
// canceled or Stop is called, matching the fixed 100ms drain loop of
// spec.md §4.4. golang.org/x/time/rate paces the ticks themselves so a
// slow peer round-trip earlier in the loop body can't compress the
// interval between ticks.
func (a *Adapter) Run(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Every(a.tickInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		default:
		}
		a.drainTick(ctx)
	}
}

// Stop ends a running Run loop.
func (a *Adapter) Stop() {
	close(a.stop)
}

func (a *Adapter) drainTick(ctx context.Context) {
	a.mu.Lock()
	type target struct {
		peer  core.SubnetId
		topic Topic
		q     *fifoQueue
	}
	var targets []target
	for peer, byTopic := range a.queues {
		for topic, q := range byTopic {
			targets = append(targets, target{peer: peer, topic: topic, q: q})
		}
	}
	a.mu.Unlock()

	for _, t := range targets {
		items := t.q.drain(a.batchSize)
		if len(items) == 0 {
			continue
		}
		endpoint, ok := a.directory.Endpoint(t.peer)
		if !ok {
			if a.metrics != nil {
				a.metrics.messagesDropped.Add(float64(len(items)))
			}
			continue
		}
		batch := Batch{Topic: t.topic, Messages: items}
		if err := a.client.SendBatch(ctx, endpoint, batch); err != nil {
			a.log.Warningf("dropping batch of %d %s messages to %s: %s", len(items), t.topic, t.peer, err)
			if a.metrics != nil {
				a.metrics.messagesDropped.Add(float64(len(items)))
			}
			continue
		}
		if a.metrics != nil {
			a.metrics.messagesSent.Add(float64(len(items)))
		}
	}
}

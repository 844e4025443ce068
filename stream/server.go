package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/topos-tce/tce-node/berrors"
	"github.com/topos-tce/tce-node/blog"
	"github.com/topos-tce/tce-node/core"
	"github.com/topos-tce/tce-node/storage"
)

// DefaultQueueSize bounds the number of undelivered events buffered for
// a single client before the stream is closed with an error (spec.md
// §4.6 Backpressure).
const DefaultQueueSize = 256

// replayBatchSize is how many certificates the server reads from
// storage per round-trip while replaying a (target, source) stream.
const replayBatchSize = 64

var errSubscriptionClosed = errors.New("stream: subscription closed")

// Delivery is what node wiring reports to Server.NotifyDelivered every
// time a certificate is committed, whether by broadcast.Engine or
// sync.Synchronizer — both write through storage.Store and obtain a
// core.CertificatePositions from the same commit path.
type Delivery struct {
	Certificate core.CertificateDelivered
	Positions   core.CertificatePositions
}

// Notifier is implemented by Server. node wires it into both
// broadcast.Engine's Emitter (for freshly delivered certificates) and
// sync.Synchronizer (for checkpoint-synced ones), so a push-stream
// subscriber sees every commit regardless of how it arrived.
type Notifier interface {
	NotifyDelivered(Delivery)
}

// replayState tracks a (target, source) pair a subscription is still
// replaying. Live deliveries that race ahead of the replay cursor are
// buffered here instead of being pushed out of order; once replay
// catches up, the buffer drains and the pair is no longer tracked here.
type replayState struct {
	buffer []CertificatePushed
}

// Subscription is one client's open stream. Events() yields a
// StreamOpened, then a CertificatePushed for every matching
// certificate — replayed, then live — in per-(target, source) position
// order.
type Subscription struct {
	id      uint64
	targets map[core.SubnetId]struct{}
	events  chan Event

	mu        sync.Mutex
	replaying map[core.TargetSourceKey]*replayState
	closed    bool
	closeErr  error
}

// Events returns the channel of events for this stream. It is closed
// when the stream ends, whether by server-side error (see Err) or by
// the client calling Server.Close.
func (sub *Subscription) Events() <-chan Event {
	return sub.events
}

// Err returns the reason the stream was closed by the server, or nil if
// it is still open or was closed voluntarily via Server.Close.
func (sub *Subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.closeErr
}

func (sub *Subscription) wants(target core.SubnetId) bool {
	_, ok := sub.targets[target]
	return ok
}

// closeWithError closes the subscription unconditionally, regardless of
// whether its channel currently has room. Used when a step other than a
// client-queue overflow (e.g. a storage failure) ends the stream.
func (sub *Subscription) closeWithError(err error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	sub.closeErr = err
	close(sub.events)
}

// tryPush attempts to send ev without blocking. On success it returns
// true. If the channel is already closed it returns false. If the
// channel is full, it closes the subscription with onOverflow and
// returns false — the bounded-queue backpressure policy of §4.6.
func (sub *Subscription) tryPush(ev Event, onOverflow error) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return false
	}
	select {
	case sub.events <- ev:
		return true
	default:
		sub.closed = true
		sub.closeErr = onOverflow
		close(sub.events)
		return false
	}
}

// Server is C6: it replays stored certificates to newly opened
// subscriptions and tails live deliveries thereafter. Grounded on
// spec.md §4.6; the registry-of-channels shape follows
// broadcast.Emitter's decoupling of protocol logic from transport,
// generalized from a single emitter to a dynamic set of subscribers.
type Server struct {
	store     storage.ReadStore
	log       blog.Logger
	metrics   *Metrics
	queueSize int

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
}

// NewServer constructs a push-stream Server. queueSize defaults to
// DefaultQueueSize when zero or negative.
func NewServer(store storage.ReadStore, log blog.Logger, metrics *Metrics, queueSize int) *Server {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Server{
		store:     store,
		log:       log,
		metrics:   metrics,
		queueSize: queueSize,
		subs:      make(map[uint64]*Subscription),
	}
}

// OpenStream registers a new subscription, sends StreamOpened, replays
// everything past the requested positions, and leaves the subscription
// live for every target subnet named in req. The returned Subscription
// is usable even if it was closed along the way — inspect Err() once
// Events() is drained to find out why.
func (s *Server) OpenStream(ctx context.Context, req OpenStream) *Subscription {
	targets := make(map[core.SubnetId]struct{}, len(req.TargetCheckpoint.TargetSubnetIDs))
	for _, t := range req.TargetCheckpoint.TargetSubnetIDs {
		targets[t] = struct{}{}
	}

	sub := &Subscription{
		targets:   targets,
		events:    make(chan Event, s.queueSize),
		replaying: make(map[core.TargetSourceKey]*replayState),
	}
	for _, pos := range req.TargetCheckpoint.Positions {
		sub.replaying[core.TargetSourceKey{Target: pos.Target, Source: pos.Source}] = &replayState{}
	}

	s.mu.Lock()
	s.nextID++
	sub.id = s.nextID
	s.subs[sub.id] = sub
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.streamsOpened.Inc()
	}

	subnetIDs := make([]core.SubnetId, 0, len(targets))
	for t := range targets {
		subnetIDs = append(subnetIDs, t)
	}
	if !sub.tryPush(Event{Opened: &StreamOpened{SubnetIDs: subnetIDs}}, berrors.QueueOverflowError("client queue full before replay began")) {
		s.unregister(sub)
		return sub
	}

	for _, pos := range req.TargetCheckpoint.Positions {
		if err := s.replay(ctx, sub, pos); err != nil {
			if !errors.Is(err, errSubscriptionClosed) {
				sub.closeWithError(err)
			}
			s.unregister(sub)
			return sub
		}
	}

	return sub
}

// replay streams every certificate stored at a position greater than
// pos.Position for (pos.Target, pos.Source), in order, then drains any
// live deliveries that were buffered for the same pair while replay was
// in flight. It relies on target-stream positions being dense (spec.md
// §5) to assign each returned certificate its position without a
// second round-trip.
func (s *Server) replay(ctx context.Context, sub *Subscription, pos core.TargetStreamPositionKey) error {
	key := core.TargetSourceKey{Target: pos.Target, Source: pos.Source}
	from := core.ZeroPosition
	if pos.Position != core.BeforeGenesisPosition {
		from = pos.Position.Increment()
	}

	var cutoff *core.Position
	for {
		certs, err := s.store.GetTargetStreamCertificatesFromPosition(ctx, pos.Target, pos.Source, from, replayBatchSize)
		if err != nil {
			return berrors.StorageIOError("replaying %s from %s at %d: %s", pos.Target, pos.Source, from, err)
		}
		for i, c := range certs {
			cursor := from + core.Position(i)
			pushed := CertificatePushed{
				Certificate: c,
				Position:    core.TargetStreamPositionKey{Target: pos.Target, Source: pos.Source, Position: cursor},
			}
			if !sub.tryPush(Event{Pushed: &pushed}, berrors.QueueOverflowError("client queue full during replay of %s from %s", pos.Target, pos.Source)) {
				return errSubscriptionClosed
			}
			if s.metrics != nil {
				s.metrics.certificatesPushed.Inc()
			}
			cutoff = &cursor
		}
		if len(certs) < replayBatchSize {
			break
		}
		from = cutoff.Increment()
	}

	return s.finishReplay(sub, key, cutoff)
}

// finishReplay drains whatever live deliveries raced ahead of replay
// for key, discarding any at or before cutoff (already covered by
// replay — a nil cutoff means replay delivered nothing, so every
// buffered delivery is kept) and pushing the rest in arrival order,
// then stops tracking key so NotifyDelivered pushes it directly from
// now on.
func (s *Server) finishReplay(sub *Subscription, key core.TargetSourceKey, cutoff *core.Position) error {
	sub.mu.Lock()
	state, ok := sub.replaying[key]
	if !ok {
		sub.mu.Unlock()
		return nil
	}
	buffered := state.buffer
	delete(sub.replaying, key)
	sub.mu.Unlock()

	for _, pushed := range buffered {
		if cutoff != nil && pushed.Position.Position <= *cutoff {
			continue
		}
		p := pushed
		if !sub.tryPush(Event{Pushed: &p}, berrors.QueueOverflowError("client queue full draining buffered deliveries for %s from %s", key.Target, key.Source)) {
			return errSubscriptionClosed
		}
		if s.metrics != nil {
			s.metrics.certificatesPushed.Inc()
		}
	}
	return nil
}

// NotifyDelivered pushes d to every open subscription whose target set
// includes one of d's target subnets. A subscription still replaying a
// given (target, source) pair buffers the delivery instead, to preserve
// per-pair position order (spec.md §5).
func (s *Server) NotifyDelivered(d Delivery) {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		for target, pos := range d.Positions.Targets {
			if !sub.wants(target) {
				continue
			}
			pushed := CertificatePushed{Certificate: d.Certificate, Position: pos}
			s.deliverOrBuffer(sub, core.TargetSourceKey{Target: target, Source: pos.Source}, pushed)
		}
	}
}

func (s *Server) deliverOrBuffer(sub *Subscription, key core.TargetSourceKey, pushed CertificatePushed) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	if state, replaying := sub.replaying[key]; replaying {
		state.buffer = append(state.buffer, pushed)
		sub.mu.Unlock()
		return
	}
	select {
	case sub.events <- Event{Pushed: &pushed}:
		sub.mu.Unlock()
		if s.metrics != nil {
			s.metrics.certificatesPushed.Inc()
		}
		return
	default:
	}
	sub.closed = true
	sub.closeErr = berrors.QueueOverflowError("client queue full delivering %s from %s", key.Target, key.Source)
	close(sub.events)
	sub.mu.Unlock()
	s.unregister(sub)
}

func (s *Server) unregister(sub *Subscription) {
	s.mu.Lock()
	_, tracked := s.subs[sub.id]
	delete(s.subs, sub.id)
	s.mu.Unlock()
	if !tracked {
		return
	}
	if s.metrics != nil {
		s.metrics.streamsClosed.Inc()
	}
	if err := sub.Err(); err != nil && s.log != nil {
		s.log.Warningf("stream: closing subscription %d: %s", sub.id, err)
	}
}

// Close ends sub voluntarily — the client disconnected or canceled its
// context. No error is recorded on the subscription.
func (s *Server) Close(sub *Subscription) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	close(sub.events)
	sub.mu.Unlock()
	s.unregister(sub)
}

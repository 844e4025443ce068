package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"github.com/topos-tce/tce-node/berrors"
	"github.com/topos-tce/tce-node/blog"
	"github.com/topos-tce/tce-node/core"
)

type pendingEntry struct {
	cert      core.Certificate
	insertAt  time.Time
}

// MemoryStore is an in-process Store implementation. It exists both as a
// lightweight standalone mode and as the reference implementation that
// memory_test.go exercises directly; MySQLStore implements the same
// interface over durable storage and shares its position-assignment and
// two-phase-commit semantics, grounded on the same source file.
type MemoryStore struct {
	mu sync.RWMutex

	certLocks   *lockGuards[core.CertificateId]
	sourceLocks *lockGuards[core.SubnetId]

	clock clock.Clock
	log   blog.Logger
	m     *Metrics

	certificates map[core.CertificateId]core.CertificateDelivered
	// sourceStream[source][position] = certificate id
	sourceStream map[core.SubnetId]map[core.Position]core.CertificateId
	sourceHead   map[core.SubnetId]core.SourceHead
	// targetStream[target,source][position] = certificate id
	targetStream map[core.TargetSourceKey]map[core.Position]core.CertificateId
	targetHead   map[core.TargetSourceKey]core.Position

	pending          map[core.SubnetId]pendingEntry
	unverifiedProofs map[core.CertificateId]core.ProofOfDelivery
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(clk clock.Clock, log blog.Logger, m *Metrics) *MemoryStore {
	return &MemoryStore{
		certLocks:        newLockGuards[core.CertificateId](),
		sourceLocks:      newLockGuards[core.SubnetId](),
		clock:            clk,
		log:              log,
		m:                m,
		certificates:     make(map[core.CertificateId]core.CertificateDelivered),
		sourceStream:     make(map[core.SubnetId]map[core.Position]core.CertificateId),
		sourceHead:       make(map[core.SubnetId]core.SourceHead),
		targetStream:     make(map[core.TargetSourceKey]map[core.Position]core.CertificateId),
		targetHead:       make(map[core.TargetSourceKey]core.Position),
		pending:          make(map[core.SubnetId]pendingEntry),
		unverifiedProofs: make(map[core.CertificateId]core.ProofOfDelivery),
	}
}

// Recover is a no-op for MemoryStore: there is no second write phase to
// lose, the whole commit happens under one lock below.
func (s *MemoryStore) Recover(ctx context.Context) error {
	return nil
}

// Close is a no-op for MemoryStore: there is nothing to release.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) GetCertificate(ctx context.Context, id core.CertificateId) (*core.CertificateDelivered, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.certificates[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *MemoryStore) MultiGetCertificate(ctx context.Context, ids []core.CertificateId) ([]*core.CertificateDelivered, error) {
	out := make([]*core.CertificateDelivered, len(ids))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, id := range ids {
		if d, ok := s.certificates[id]; ok {
			dCopy := d
			out[i] = &dCopy
		}
	}
	return out, nil
}

func (s *MemoryStore) LastDeliveredPositionForSubnet(ctx context.Context, source core.SubnetId) (*core.SourceHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	head, ok := s.sourceHead[source]
	if !ok {
		return nil, nil
	}
	return &head, nil
}

func (s *MemoryStore) GetSourceStreamCertificatesFromPosition(ctx context.Context, source core.SubnetId, from core.Position, limit int) ([]core.CertificateDelivered, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.sourceStream[source]
	if !ok {
		return nil, nil
	}

	positions := make([]core.Position, 0, len(stream))
	for p := range stream {
		if p >= from {
			positions = append(positions, p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })

	if len(positions) > limit {
		positions = positions[:limit]
	}

	out := make([]core.CertificateDelivered, 0, len(positions))
	for _, p := range positions {
		out = append(out, s.certificates[stream[p]])
	}
	return out, nil
}

func (s *MemoryStore) GetTargetStreamCertificatesFromPosition(ctx context.Context, target, source core.SubnetId, from core.Position, limit int) ([]core.CertificateDelivered, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := core.TargetSourceKey{Target: target, Source: source}
	stream, ok := s.targetStream[key]
	if !ok {
		return nil, nil
	}

	positions := make([]core.Position, 0, len(stream))
	for p := range stream {
		if p >= from {
			positions = append(positions, p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })

	if len(positions) > limit {
		positions = positions[:limit]
	}

	out := make([]core.CertificateDelivered, 0, len(positions))
	for _, p := range positions {
		out = append(out, s.certificates[stream[p]])
	}
	return out, nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context) (map[core.SubnetId]core.SourceHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[core.SubnetId]core.SourceHead, len(s.sourceHead))
	for k, v := range s.sourceHead {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) GetLastPendingCertificate(ctx context.Context, source core.SubnetId) (*core.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[source]
	if !ok {
		return nil, nil
	}
	cert := p.cert
	return &cert, nil
}

func (s *MemoryStore) GetLastPendingCertificates(ctx context.Context, sources []core.SubnetId) (map[core.SubnetId]*core.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[core.SubnetId]*core.Certificate, len(sources))
	for _, source := range sources {
		if p, ok := s.pending[source]; ok {
			cert := p.cert
			out[source] = &cert
		}
	}
	return out, nil
}

func (s *MemoryStore) GetExpiredPending(ctx context.Context, ttl time.Duration) ([]core.Certificate, error) {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Certificate
	for _, p := range s.pending {
		if now.Sub(p.insertAt) >= ttl {
			out = append(out, p.cert)
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertPending(ctx context.Context, cert core.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, replacing := s.pending[cert.SourceSubnetID]
	s.pending[cert.SourceSubnetID] = pendingEntry{cert: cert, insertAt: s.clock.Now()}
	if s.m != nil && !replacing {
		s.m.pendingGauge.Inc()
	}
	return nil
}

func (s *MemoryStore) RemovePending(ctx context.Context, source core.SubnetId, id core.CertificateId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[source]; ok && p.cert.ID == id {
		delete(s.pending, source)
		if s.m != nil {
			s.m.pendingGauge.Dec()
		}
	}
	return nil
}

func (s *MemoryStore) InsertCertificateDelivered(ctx context.Context, delivered core.CertificateDelivered) (*core.CertificatePositions, error) {
	return s.commit(ctx, delivered)
}

func (s *MemoryStore) SynchronizeCertificate(ctx context.Context, delivered core.CertificateDelivered) (*core.CertificatePositions, error) {
	return s.commit(ctx, delivered)
}

// commit implements insert_certificate_delivered from
// topos-tce-storage/src/fullnode/mod.rs: lock the certificate id and the
// source subnet id, reject if the expected position is already taken by
// a different certificate, otherwise write the perpetual record ("batch")
// and every target-stream index entry ("index_batch"). Both writes are
// applied under the same source lock here since MemoryStore has no
// separate failure domain between the two; MySQLStore is where the
// two-phase split and its recovery path actually matter.
func (s *MemoryStore) commit(ctx context.Context, delivered core.CertificateDelivered) (*core.CertificatePositions, error) {
	start := s.clock.Now()
	cert := delivered.Certificate
	expected := delivered.ProofOfDelivery.DeliveryPosition

	certLock := s.certLocks.get(cert.ID)
	certLock.Lock()
	defer certLock.Unlock()

	sourceLock := s.sourceLocks.get(cert.SourceSubnetID)
	sourceLock.Lock()
	defer sourceLock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.sourceStream[cert.SourceSubnetID]
	if !ok {
		stream = make(map[core.Position]core.CertificateId)
		s.sourceStream[cert.SourceSubnetID] = stream
	}

	if existing, taken := stream[expected.Position]; taken && existing != cert.ID {
		if s.m != nil {
			s.m.positionConflicts.Inc()
		}
		return nil, berrors.PositionAlreadyTakenError(
			"position %d on source %s already held by certificate %s", expected.Position, cert.SourceSubnetID, existing)
	}

	s.certificates[cert.ID] = delivered
	stream[expected.Position] = cert.ID

	if head, ok := s.sourceHead[cert.SourceSubnetID]; !ok || expected.Position > head.Position {
		s.sourceHead[cert.SourceSubnetID] = core.SourceHead{
			SubnetID:      cert.SourceSubnetID,
			CertificateID: cert.ID,
			Position:      expected.Position,
		}
	}

	targets := make(map[core.SubnetId]core.TargetStreamPositionKey, len(cert.TargetSubnets))
	for _, target := range cert.TargetSubnets {
		key := core.TargetSourceKey{Target: target, Source: cert.SourceSubnetID}

		nextPos := core.ZeroPosition
		if head, ok := s.targetHead[key]; ok {
			nextPos = head.Increment()
		}

		targetStream, ok := s.targetStream[key]
		if !ok {
			targetStream = make(map[core.Position]core.CertificateId)
			s.targetStream[key] = targetStream
		}
		targetStream[nextPos] = cert.ID
		s.targetHead[key] = nextPos

		targets[target] = core.TargetStreamPositionKey{Target: target, Source: cert.SourceSubnetID, Position: nextPos}
	}

	if _, wasPending := s.pending[cert.SourceSubnetID]; wasPending {
		delete(s.pending, cert.SourceSubnetID)
		if s.m != nil {
			s.m.pendingGauge.Dec()
		}
	}

	if s.m != nil {
		s.m.certificatesDelivered.Inc()
		s.m.commitLatency.Observe(s.clock.Now().Sub(start).Seconds())
	}
	s.log.Infof("certificate %s delivered at source position %d", cert.ID, expected.Position)

	return &core.CertificatePositions{
		Source:  expected,
		Targets: targets,
	}, nil
}

func (s *MemoryStore) InsertUnverifiedProofs(ctx context.Context, proofs []core.ProofOfDelivery) ([]core.CertificateId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var missingBodies []core.CertificateId
	for _, p := range proofs {
		s.unverifiedProofs[p.CertificateID] = p
		if _, known := s.certificates[p.CertificateID]; !known {
			missingBodies = append(missingBodies, p.CertificateID)
		}
	}
	return missingBodies, nil
}

var _ Store = (*MemoryStore)(nil)

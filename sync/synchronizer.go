package sync

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/jmhodges/clock"

	"github.com/topos-tce/tce-node/berrors"
	"github.com/topos-tce/tce-node/blog"
	"github.com/topos-tce/tce-node/core"
	"github.com/topos-tce/tce-node/sampling"
	"github.com/topos-tce/tce-node/storage"
)

// DefaultInterval and DefaultMaxFetchBatch are spec.md §6's
// sync_interval_seconds and max_fetch_batch defaults.
const (
	DefaultInterval      = 5 * time.Second
	DefaultMaxFetchBatch = 10
)

// Synchronizer is C5. On each tick it asks one random peer for a
// checkpoint diff, persists any proofs of delivery it hasn't seen, and
// fetches + commits the certificate bodies those proofs attest to.
// Grounded on CheckpointsCollector::into_future /
// CheckpointsCollector::initiate_request.
type Synchronizer struct {
	store      storage.Store
	peers      sampling.PeerSource
	client     Client
	log        blog.Logger
	metrics    *Metrics
	clock      clock.Clock
	fetchCache FetchCache
	notifier   Notifier

	interval      time.Duration
	maxFetchBatch int
}

// NewSynchronizer constructs a Synchronizer. interval and maxFetchBatch
// default to DefaultInterval/DefaultMaxFetchBatch when zero.
func NewSynchronizer(store storage.Store, peers sampling.PeerSource, client Client, log blog.Logger, metrics *Metrics, clk clock.Clock, interval time.Duration, maxFetchBatch int) *Synchronizer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxFetchBatch <= 0 {
		maxFetchBatch = DefaultMaxFetchBatch
	}
	return &Synchronizer{
		store:         store,
		peers:         peers,
		client:        client,
		log:           log,
		metrics:       metrics,
		clock:         clk,
		interval:      interval,
		maxFetchBatch: maxFetchBatch,
	}
}

// WithFetchCache enables deduplication of repeat FetchCertificates
// requests against cache and returns s for chaining. Optional: a
// Synchronizer with no cache attached fetches every still-missing id on
// every tick, which is correct but, against a slow or unreliable peer,
// wastefully repetitive.
func (s *Synchronizer) WithFetchCache(cache FetchCache) *Synchronizer {
	s.fetchCache = cache
	return s
}

// Run ticks RunOnce on a fixed interval until ctx is canceled. Any
// failure aborts only the tick it occurred on; the next tick starts
// fresh, per spec.md §4.5.
func (s *Synchronizer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.RunOnce(ctx)
		s.clock.Sleep(s.interval)
	}
}

// RunOnce performs a single synchronization round. It never returns an
// error to the caller — every failure is logged and counted, matching
// the original's "any failure on any step aborts this tick only".
func (s *Synchronizer) RunOnce(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.ticksStarted.Inc()
	}

	if err := s.runOnce(ctx); err != nil {
		s.log.Warningf("sync: tick aborted: %s", err)
		if s.metrics != nil {
			s.metrics.ticksFailed.Inc()
		}
	}
}

func (s *Synchronizer) runOnce(ctx context.Context) error {
	peer, err := s.randomPeer()
	if err != nil {
		return err
	}

	localCheckpoint, err := s.localCheckpointProofs(ctx)
	if err != nil {
		return err
	}

	diff, err := s.client.FetchCheckpoint(ctx, peer, localCheckpoint)
	if err != nil {
		return berrors.RpcTransientError("fetching checkpoint from %s: %s", peer, err)
	}

	missingProofs, err := s.insertUnverifiedProofs(ctx, diff)
	if err != nil {
		return err
	}
	if len(missingProofs) == 0 {
		return nil
	}

	missing := make([]core.CertificateId, 0, len(missingProofs))
	for id := range missingProofs {
		if !s.claimFetch(ctx, id) {
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return nil
	}
	sortByDeliveryPosition(missing, missingProofs)

	fetchPeer, err := s.randomPeer()
	if err != nil {
		return err
	}

	for _, chunk := range chunkIDs(missing, s.maxFetchBatch) {
		certs, err := s.client.FetchCertificates(ctx, fetchPeer, chunk)
		if err != nil {
			return berrors.RpcTransientError("fetching certificates from %s: %s", fetchPeer, err)
		}
		sortCertsByDeliveryPosition(certs, missingProofs)
		for _, cert := range certs {
			proof := missingProofs[cert.ID]
			if err := s.synchronizeCertificate(ctx, cert, proof); err != nil {
				s.log.Warningf("sync: discarding certificate %s: %s", cert.ID, err)
				continue
			}
			if s.metrics != nil {
				s.metrics.certificatesSynced.Inc()
			}
		}
	}
	return nil
}

// sortByDeliveryPosition orders ids so that, within each source subnet,
// certificates appear in ascending delivery-stream position. Go gives no
// iteration-order guarantee over the map runOnce builds missing ids
// from, so without this step same-source certificates would be fetched
// and committed in random order — and precedenceCheck's strict,
// exact-match prev_id gate would discard most of them rather than retry
// in-tick, turning a join-and-catch-up burst into many sync ticks
// instead of one.
func sortByDeliveryPosition(ids []core.CertificateId, proofs map[core.CertificateId]core.ProofOfDelivery) {
	sort.Slice(ids, func(i, j int) bool {
		return deliveryPositionLess(proofs[ids[i]].DeliveryPosition, proofs[ids[j]].DeliveryPosition)
	})
}

// sortCertsByDeliveryPosition re-establishes delivery-position order on a
// FetchCertificates response, which may not echo back the requested
// chunk's order.
func sortCertsByDeliveryPosition(certs []core.Certificate, proofs map[core.CertificateId]core.ProofOfDelivery) {
	sort.SliceStable(certs, func(i, j int) bool {
		return deliveryPositionLess(proofs[certs[i].ID].DeliveryPosition, proofs[certs[j].ID].DeliveryPosition)
	})
}

func deliveryPositionLess(a, b core.SourceStreamPositionKey) bool {
	if a.Source != b.Source {
		return bytes.Compare(a.Source[:], b.Source[:]) < 0
	}
	return a.Position < b.Position
}

// claimFetch reports whether id should be fetched this tick. With no
// cache attached every id is always fetched; otherwise a failure to reach
// the cache fails open, since skipping a legitimate fetch attempt because
// Redis is unreachable would stall delivery entirely.
func (s *Synchronizer) claimFetch(ctx context.Context, id core.CertificateId) bool {
	if s.fetchCache == nil {
		return true
	}
	claimed, err := s.fetchCache.ClaimFetch(ctx, id)
	if err != nil {
		s.log.Warningf("sync: fetch cache unavailable for %s, fetching anyway: %s", id, err)
		return true
	}
	if !claimed && s.metrics != nil {
		s.metrics.fetchesDeduplicated.Inc()
	}
	return claimed
}

func (s *Synchronizer) randomPeer() (core.SubnetId, error) {
	peers, err := s.peers.RandomPeers(1)
	if err != nil {
		return core.SubnetId{}, berrors.RpcTransientError("selecting a sync peer: %s", err)
	}
	if len(peers) == 0 {
		return core.SubnetId{}, berrors.RpcTransientError("no peer available for checkpoint sync")
	}
	return peers[0], nil
}

// localCheckpointProofs builds the request body for FetchCheckpoint: the
// ProofOfDelivery recorded for the certificate currently at the head of
// every source subnet's stream this node knows about.
func (s *Synchronizer) localCheckpointProofs(ctx context.Context) ([]core.ProofOfDelivery, error) {
	checkpoint, err := s.store.GetCheckpoint(ctx)
	if err != nil {
		return nil, berrors.StorageIOError("reading local checkpoint: %s", err)
	}

	proofs := make([]core.ProofOfDelivery, 0, len(checkpoint))
	for _, head := range checkpoint {
		delivered, err := s.store.GetCertificate(ctx, head.CertificateID)
		if err != nil {
			return nil, berrors.StorageIOError("reading head certificate %s: %s", head.CertificateID, err)
		}
		if delivered == nil {
			continue
		}
		proofs = append(proofs, delivered.ProofOfDelivery)
	}
	return proofs, nil
}

// insertUnverifiedProofs persists every proof in diff and returns the
// proof of delivery for each distinct certificate id, across all
// subnets, whose body is still missing — per
// CheckpointsCollector::insert_unverified_proofs, generalized to hand
// the proof itself back to the caller instead of requiring a second
// storage round-trip to find it again.
func (s *Synchronizer) insertUnverifiedProofs(ctx context.Context, diff CheckpointDiff) (map[core.CertificateId]core.ProofOfDelivery, error) {
	byID := make(map[core.CertificateId]core.ProofOfDelivery)
	for _, proofs := range diff {
		for _, p := range proofs {
			byID[p.CertificateID] = p
		}
	}

	missing := make(map[core.CertificateId]core.ProofOfDelivery)
	for _, proofs := range diff {
		if len(proofs) == 0 {
			continue
		}
		ids, err := s.store.InsertUnverifiedProofs(ctx, proofs)
		if err != nil {
			return nil, berrors.StorageIOError("persisting unverified proofs: %s", err)
		}
		if s.metrics != nil {
			s.metrics.proofsPersisted.Add(float64(len(proofs)))
		}
		for _, id := range ids {
			missing[id] = byID[id]
		}
	}
	return missing, nil
}

// Delivery mirrors stream.Delivery's shape without importing the stream
// package directly, the same narrow-interface pattern as FetchCache:
// node wires a Notifier (stream.Server satisfies this structurally) so
// a push-stream subscriber sees certificates synced over checkpoint
// reconciliation exactly like ones delivered locally through broadcast.
type Delivery struct {
	Certificate core.CertificateDelivered
	Positions   core.CertificatePositions
}

// Notifier receives every certificate this Synchronizer commits.
type Notifier interface {
	NotifyDelivered(Delivery)
}

// WithNotifier attaches a Notifier that's told about every certificate
// committed via synchronizeCertificate and returns s for chaining.
func (s *Synchronizer) WithNotifier(notifier Notifier) *Synchronizer {
	s.notifier = notifier
	return s
}

// synchronizeCertificate verifies cert's signature, cross-checks it
// against the proof of delivery persisted as unverified for its id, runs
// the precedence check, and commits it via storage —
// CheckpointsCollector feeding a fetched body to synchronize_certificate.
func (s *Synchronizer) synchronizeCertificate(ctx context.Context, cert core.Certificate, proof core.ProofOfDelivery) error {
	if err := core.Validate(&cert, cert.PrevID.IsGenesis()); err != nil {
		return berrors.InvalidCertificateError("signature/structure check failed: %s", err)
	}

	if proof.CertificateID != cert.ID {
		return berrors.InvalidCertificateError("no proof of delivery on file for %s, refusing to commit an unattested body", cert.ID)
	}
	if !proof.Satisfied() {
		return berrors.ProofInsufficientError("proof for %s has %d distinct signatures, threshold is %d", cert.ID, proof.CountDistinctValid(), proof.Threshold)
	}
	for _, ready := range proof.Readies {
		if !core.VerifyReady(cert.ID, ready) {
			return berrors.ProofInsufficientError("ready vote from %s on proof for %s failed signature verification", ready.ValidatorID, cert.ID)
		}
	}

	head, err := s.store.LastDeliveredPositionForSubnet(ctx, cert.SourceSubnetID)
	if err != nil {
		return berrors.StorageIOError("reading head for %s: %s", cert.SourceSubnetID, err)
	}
	if err := precedenceCheck(&cert, head); err != nil {
		return err
	}

	delivered := core.CertificateDelivered{Certificate: cert, ProofOfDelivery: proof}
	positions, err := s.store.SynchronizeCertificate(ctx, delivered)
	if err != nil {
		return berrors.StorageIOError("committing synchronized certificate %s: %s", cert.ID, err)
	}
	if s.notifier != nil && positions != nil {
		s.notifier.NotifyDelivered(Delivery{Certificate: delivered, Positions: *positions})
	}
	return nil
}

// precedenceCheck mirrors broadcast.certPostDeliveryCheck: the
// Synchronizer trusts the peer's proof of delivery as the authority on
// whether a certificate was delivered, but it still refuses to commit a
// body whose prev_id contradicts the local stream it already holds.
func precedenceCheck(cert *core.Certificate, head *core.SourceHead) error {
	switch {
	case head == nil:
		if !cert.PrevID.IsGenesis() {
			return berrors.PrecedenceUnsatisfiedError("certificate %s claims prev_id %s but source %s has no delivered certificates yet", cert.ID, cert.PrevID, cert.SourceSubnetID)
		}
	case cert.PrevID != head.CertificateID:
		return berrors.PrecedenceUnsatisfiedError("certificate %s claims prev_id %s but source %s head is %s", cert.ID, cert.PrevID, cert.SourceSubnetID, head.CertificateID)
	}
	return nil
}

// chunkIDs splits ids into groups of at most size, preserving order.
func chunkIDs(ids []core.CertificateId, size int) [][]core.CertificateId {
	if len(ids) == 0 {
		return nil
	}
	var chunks [][]core.CertificateId
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}
	return chunks
}

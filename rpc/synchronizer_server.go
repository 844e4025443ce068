package rpc

import (
	"context"
	"net/http"

	"github.com/topos-tce/tce-node/berrors"
	"github.com/topos-tce/tce-node/blog"
	"github.com/topos-tce/tce-node/core"
	"github.com/topos-tce/tce-node/storage"
)

// checkpointFetchBatch bounds how many certificates this node reads from
// storage per round-trip while building a FetchCheckpoint response, the
// same pagination shape stream.Server.replay uses for the push-stream
// API.
const checkpointFetchBatch = 256

// SynchronizerService is the peer-facing half of C5: it answers another
// node's FetchCheckpoint/FetchCertificates calls from this node's own
// storage. Grounded on spec.md §6's SynchronizerService and
// original_source/crates/topos-tce-synchronizer's checkpoint-diff
// computation — the client side of this same protocol is sync.Client,
// implemented for HTTP transport by HTTPSynchronizerClient below.
type SynchronizerService struct {
	store   storage.ReadStore
	log     blog.Logger
	metrics *Metrics
}

// NewSynchronizerService constructs a SynchronizerService.
func NewSynchronizerService(store storage.ReadStore, log blog.Logger, metrics *Metrics) *SynchronizerService {
	return &SynchronizerService{store: store, log: log, metrics: metrics}
}

func (s *SynchronizerService) routes() routeTable {
	return routeTable{
		"/v1/sync/checkpoint":   s.fetchCheckpoint,
		"/v1/sync/certificates": s.fetchCertificates,
	}
}

func (s *SynchronizerService) fetchCheckpoint(ctx context.Context, e *RequestEvent, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(e, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req FetchCheckpointRequest
	if !decodeJSON(e, w, r, &req) {
		return
	}

	requesterPositions := make(map[core.SubnetId]core.Position, len(req.Checkpoint))
	requesterHas := make(map[core.SubnetId]bool, len(req.Checkpoint))
	for _, proof := range req.Checkpoint {
		requesterPositions[proof.DeliveryPosition.Source] = proof.DeliveryPosition.Position
		requesterHas[proof.DeliveryPosition.Source] = true
	}

	localCheckpoint, err := s.store.GetCheckpoint(ctx)
	if err != nil {
		s.errored()
		writeErrorForErr(e, w, berrors.StorageIOError("reading local checkpoint: %s", err))
		return
	}

	diff := make(map[core.SubnetId][]core.ProofOfDelivery, len(localCheckpoint))
	for source, head := range localCheckpoint {
		from := core.ZeroPosition
		if requesterHas[source] {
			from = requesterPositions[source].Increment()
		}
		if requesterHas[source] && requesterPositions[source] >= head.Position {
			continue
		}

		proofs, err := s.collectProofsFrom(ctx, source, from)
		if err != nil {
			s.errored()
			writeErrorForErr(e, w, err)
			return
		}
		if len(proofs) > 0 {
			diff[source] = proofs
		}
	}

	s.served()
	writeJSON(e, w, http.StatusOK, FetchCheckpointResponse{Diff: diff})
}

func (s *SynchronizerService) collectProofsFrom(ctx context.Context, source core.SubnetId, from core.Position) ([]core.ProofOfDelivery, error) {
	var proofs []core.ProofOfDelivery
	for {
		certs, err := s.store.GetSourceStreamCertificatesFromPosition(ctx, source, from, checkpointFetchBatch)
		if err != nil {
			return nil, berrors.StorageIOError("reading source stream for %s from %d: %s", source, from, err)
		}
		for _, c := range certs {
			proofs = append(proofs, c.ProofOfDelivery)
		}
		if len(certs) < checkpointFetchBatch {
			return proofs, nil
		}
		from = from + core.Position(len(certs))
	}
}

func (s *SynchronizerService) fetchCertificates(ctx context.Context, e *RequestEvent, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(e, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req FetchCertificatesRequest
	if !decodeJSON(e, w, r, &req) {
		return
	}

	delivered, err := s.store.MultiGetCertificate(ctx, req.CertificateIDs)
	if err != nil {
		s.errored()
		writeErrorForErr(e, w, berrors.StorageIOError("reading certificates: %s", err))
		return
	}

	certs := make([]core.Certificate, 0, len(delivered))
	for _, d := range delivered {
		if d != nil {
			certs = append(certs, d.Certificate)
		}
	}

	s.served()
	writeJSON(e, w, http.StatusOK, FetchCertificatesResponse{Certificates: certs})
}

func (s *SynchronizerService) served() {
	if s.metrics != nil {
		s.metrics.synchronizerServed.Inc()
	}
}

func (s *SynchronizerService) errored() {
	if s.metrics != nil {
		s.metrics.synchronizerErrored.Inc()
	}
}

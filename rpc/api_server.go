package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/topos-tce/tce-node/berrors"
	"github.com/topos-tce/tce-node/blog"
	"github.com/topos-tce/tce-node/core"
	"github.com/topos-tce/tce-node/storage"
	"github.com/topos-tce/tce-node/stream"
)

// Broadcaster is the narrow slice of broadcast.Engine the API surface
// needs: submitting a locally-originated certificate for delivery.
type Broadcaster interface {
	Broadcast(ctx context.Context, cert core.Certificate) error
}

// StreamOpener is the narrow slice of stream.Server the API surface
// needs to implement WatchCertificates.
type StreamOpener interface {
	OpenStream(ctx context.Context, req stream.OpenStream) *stream.Subscription
	Close(sub *stream.Subscription)
}

// SubmissionLimiter is the narrow slice of ratelimit.SubmissionLimiter
// submitCertificate needs. A nil SubmissionLimiter (the zero value of
// APIService.limiter) admits everything, which is what every APIService
// not given one via WithLimiter gets.
type SubmissionLimiter interface {
	Allow(ctx context.Context, subnet core.SubnetId) (bool, error)
}

// APIService implements the node's externally facing certificate API:
// submit a certificate, inspect a source subnet's head and pending
// queue, and open a push-stream of deliveries. Grounded on spec.md §6's
// APIService; the one-handler-per-route dispatch follows
// gossip/server.go's shape, generalized with the shared *RequestEvent
// TopHandler needs for request logging (see http.go, adapted from
// AKJUS-boulder/web.TopHandler).
type APIService struct {
	store     storage.ReadStore
	broadcast Broadcaster
	streams   StreamOpener
	log       blog.Logger
	metrics   *Metrics
	limiter   SubmissionLimiter

	drainSubscriptions atomic.Bool
	drainSubmissions   atomic.Bool
}

// NewAPIService constructs an APIService.
func NewAPIService(store storage.ReadStore, broadcast Broadcaster, streams StreamOpener, log blog.Logger, metrics *Metrics) *APIService {
	return &APIService{store: store, broadcast: broadcast, streams: streams, log: log, metrics: metrics}
}

// WithLimiter attaches a SubmissionLimiter that submitCertificate
// consults before handing a certificate to Broadcaster, and returns s for
// chaining.
func (s *APIService) WithLimiter(limiter SubmissionLimiter) *APIService {
	s.limiter = limiter
	return s
}

// SetDrainSubscriptions, once true, makes watchCertificates refuse every
// new stream open with 503. node sets this first in its shutdown
// sequence (C6), before anything else stops.
func (s *APIService) SetDrainSubscriptions(draining bool) {
	s.drainSubscriptions.Store(draining)
}

// SetDrainSubmissions, once true, makes submitCertificate refuse every
// new certificate with 503 without touching Broadcaster. node sets this
// once the Double-Echo Engine should stop taking on new work (C3), after
// C6 and C4 have already drained.
func (s *APIService) SetDrainSubmissions(draining bool) {
	s.drainSubmissions.Store(draining)
}

func (s *APIService) routes() routeTable {
	return routeTable{
		"/v1/certificates/submit":      s.submitCertificate,
		"/v1/certificates/source-head": s.getSourceHead,
		"/v1/certificates/pending":     s.getLastPendingCertificates,
		"/v1/certificates/watch":       s.watchCertificates,
	}
}

func (s *APIService) submitCertificate(ctx context.Context, e *RequestEvent, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(e, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.drainSubmissions.Load() {
		writeError(e, w, http.StatusServiceUnavailable, "node is shutting down")
		return
	}

	var req SubmitCertificateRequest
	if !decodeJSON(e, w, r, &req) {
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, req.Certificate.SourceSubnetID)
		if err != nil {
			writeErrorForErr(e, w, berrors.RpcTransientError("checking submission rate limit: %s", err))
			return
		}
		if !allowed {
			if s.metrics != nil {
				s.metrics.submitRejected.Inc()
			}
			writeError(e, w, http.StatusTooManyRequests, "submission rate limit exceeded for source subnet %s", req.Certificate.SourceSubnetID)
			return
		}
	}

	if err := s.broadcast.Broadcast(ctx, req.Certificate); err != nil {
		if s.metrics != nil {
			s.metrics.submitRejected.Inc()
		}
		writeErrorForErr(e, w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.submitAccepted.Inc()
	}
	writeJSON(e, w, http.StatusAccepted, struct{}{})
}

func (s *APIService) getSourceHead(ctx context.Context, e *RequestEvent, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(e, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req GetSourceHeadRequest
	if !decodeJSON(e, w, r, &req) {
		return
	}

	head, err := s.store.LastDeliveredPositionForSubnet(ctx, req.SubnetID)
	if err != nil {
		writeErrorForErr(e, w, berrors.StorageIOError("reading source head for %s: %s", req.SubnetID, err))
		return
	}
	writeJSON(e, w, http.StatusOK, GetSourceHeadResponse{Head: head})
}

func (s *APIService) getLastPendingCertificates(ctx context.Context, e *RequestEvent, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(e, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req GetLastPendingCertificatesRequest
	if !decodeJSON(e, w, r, &req) {
		return
	}

	byPSource, err := s.store.GetLastPendingCertificates(ctx, req.SubnetIDs)
	if err != nil {
		writeErrorForErr(e, w, berrors.StorageIOError("reading pending certificates: %s", err))
		return
	}

	resp := GetLastPendingCertificatesResponse{Pending: make(map[core.SubnetId]PendingStatus, len(byPSource))}
	for source, cert := range byPSource {
		// Index is always 0 — see DESIGN.md's storage Open Question: a
		// source chain is blocked on at most one precedence gap at a
		// time, so there is never a second queued entry to index past.
		resp.Pending[source] = PendingStatus{Certificate: cert, Index: 0}
	}
	writeJSON(e, w, http.StatusOK, resp)
}

// watchCertificates streams an open stream.Subscription to the caller as
// newline-delimited JSON, one stream.Event per line, flushing after each
// one. The connection stays open until the client disconnects (observed
// via r.Context().Done()) or the stream closes server-side (backpressure
// overflow, storage failure during replay).
func (s *APIService) watchCertificates(ctx context.Context, e *RequestEvent, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(e, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.drainSubscriptions.Load() {
		writeError(e, w, http.StatusServiceUnavailable, "node is shutting down")
		return
	}

	var req stream.OpenStream
	if !decodeJSON(e, w, r, &req) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(e, w, http.StatusInternalServerError, "streaming unsupported by this response writer")
		return
	}

	sub := s.streams.OpenStream(ctx, req)
	defer s.streams.Close(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				if err := sub.Err(); err != nil {
					e.AddError("stream closed: %s", err)
				}
				return
			}
			if err := enc.Encode(ev); err != nil {
				e.AddError("encoding stream event: %s", err)
				return
			}
			flusher.Flush()
		}
	}
}

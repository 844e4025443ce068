package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/topos-tce/tce-node/core"
	"github.com/topos-tce/tce-node/sync"
)

// PeerDirectory resolves a peer's SubnetId to the HTTP endpoint this
// node should send SynchronizerService requests to. Deliberately the
// same shape as gossip.PeerDirectory rather than an import of it — each
// package that needs peer resolution declares the narrow interface it
// needs, and node supplies one directory implementation that satisfies
// both structurally.
type PeerDirectory interface {
	Endpoint(peer core.SubnetId) (string, bool)
}

// HTTPSynchronizerClient implements sync.Client over plain HTTP+JSON,
// the peer-facing counterpart of SynchronizerService. Grounded on
// gossip.HTTPPeerClient's shape (one *http.Client, one JSON POST per
// call, errors reported as plain fmt.Errorf wraps since RpcTransient
// classification happens one layer up in sync.Synchronizer).
type HTTPSynchronizerClient struct {
	directory  PeerDirectory
	httpClient *http.Client
}

// NewHTTPSynchronizerClient builds an HTTPSynchronizerClient with a
// bounded per-request timeout.
func NewHTTPSynchronizerClient(directory PeerDirectory, timeout time.Duration) *HTTPSynchronizerClient {
	return &HTTPSynchronizerClient{directory: directory, httpClient: &http.Client{Timeout: timeout}}
}

var _ sync.Client = (*HTTPSynchronizerClient)(nil)

func (c *HTTPSynchronizerClient) FetchCheckpoint(ctx context.Context, peer core.SubnetId, checkpoint []core.ProofOfDelivery) (sync.CheckpointDiff, error) {
	var resp FetchCheckpointResponse
	if err := c.post(ctx, peer, "/v1/sync/checkpoint", FetchCheckpointRequest{Checkpoint: checkpoint}, &resp); err != nil {
		return nil, err
	}
	return sync.CheckpointDiff(resp.Diff), nil
}

func (c *HTTPSynchronizerClient) FetchCertificates(ctx context.Context, peer core.SubnetId, ids []core.CertificateId) ([]core.Certificate, error) {
	var resp FetchCertificatesResponse
	if err := c.post(ctx, peer, "/v1/sync/certificates", FetchCertificatesRequest{CertificateIDs: ids}, &resp); err != nil {
		return nil, err
	}
	return resp.Certificates, nil
}

func (c *HTTPSynchronizerClient) post(ctx context.Context, peer core.SubnetId, path string, body, out interface{}) error {
	endpoint, ok := c.directory.Endpoint(peer)
	if !ok {
		return fmt.Errorf("rpc: no known endpoint for peer %s", peer)
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("rpc: marshaling request to %s: %w", peer, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("rpc: building request to %s: %w", peer, err)
	}
	req.Header.Set("Content-Type", "application/json")
	// A fresh correlation id per call, not propagated from ctx: each
	// FetchCheckpoint/FetchCertificates round trip is its own unit of
	// work in the peer's request log, distinct from whatever request id
	// (if any) caused this Synchronizer tick to run.
	req.Header.Set(RequestIDHeader, uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc: calling %s%s: %w", peer, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("rpc: peer %s rejected %s with status %d: %s", peer, path, resp.StatusCode, errResp.Error)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rpc: decoding response from %s%s: %w", peer, path, err)
	}
	return nil
}

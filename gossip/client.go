package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/topos-tce/tce-node/core"
)

// PeerDirectory resolves a peer's SubnetId to the HTTP endpoint this
// node should send gossip batches to. node wires this to whatever peer
// discovery mechanism the deployment uses; peer discovery itself is out
// of scope here (spec.md §1).
type PeerDirectory interface {
	Endpoint(peer core.SubnetId) (string, bool)
}

// PeerClient sends an already-serialized Batch to one peer.
type PeerClient interface {
	SendBatch(ctx context.Context, endpoint string, batch Batch) error
}

// HTTPPeerClient is the production PeerClient: one JSON POST per batch.
// Grounded on AKJUS-boulder's web package request shape (a plain
// net/http client, no generated transport stubs, consistent with
// SPEC_FULL.md's decision to drop grpc/protobuf for this repository).
type HTTPPeerClient struct {
	httpClient *http.Client
}

// NewHTTPPeerClient builds an HTTPPeerClient with a bounded per-request
// timeout.
func NewHTTPPeerClient(timeout time.Duration) *HTTPPeerClient {
	return &HTTPPeerClient{httpClient: &http.Client{Timeout: timeout}}
}

func (c *HTTPPeerClient) SendBatch(ctx context.Context, endpoint string, batch Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("gossip: marshaling batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/gossip/batch", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gossip: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gossip: sending batch to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("gossip: peer %s rejected batch with status %d", endpoint, resp.StatusCode)
	}
	return nil
}

// sendReliable retries a single-message batch with exponential backoff,
// for subscribe-handshake messages the Sampling Oracle needs acked
// before it can stabilize a view. Flood-gossip batches never use this
// path: per spec.md §4.4 the adapter "MAY drop" those, retransmission
// comes from other peers re-gossiping instead.
func sendReliable(ctx context.Context, client PeerClient, endpoint string, batch Batch, maxElapsed time.Duration) error {
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = maxElapsed
	policy := backoff.WithContext(exp, ctx)
	return backoff.Retry(func() error {
		return client.SendBatch(ctx, endpoint, batch)
	}, policy)
}

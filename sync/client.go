// Package sync implements C5, the Checkpoint Synchronizer: a periodic
// loop that reconciles this node's local checkpoint against a random
// peer's, persists proofs of delivery it has not yet seen, fetches the
// certificate bodies those proofs attest to, and commits them through
// storage. Grounded on
// original_source/crates/topos-tce-synchronizer/src/checkpoints_collector/mod.rs.
package sync

import (
	"context"

	"github.com/topos-tce/tce-node/core"
)

// CheckpointDiff maps a source subnet to the proofs of delivery on its
// stream that are newer than what the requester already holds.
type CheckpointDiff map[core.SubnetId][]core.ProofOfDelivery

// Client is the peer-to-peer half of SynchronizerService (spec.md §6):
// FetchCheckpoint and FetchCertificates, issued against a single chosen
// peer per call.
type Client interface {
	// FetchCheckpoint asks peer for everything in its checkpoint that
	// advances past checkpoint, grouped by source subnet.
	FetchCheckpoint(ctx context.Context, peer core.SubnetId, checkpoint []core.ProofOfDelivery) (CheckpointDiff, error)

	// FetchCertificates asks peer for the bodies of the named
	// certificates. The response may omit ids the peer doesn't have.
	FetchCertificates(ctx context.Context, peer core.SubnetId, ids []core.CertificateId) ([]core.Certificate, error)
}

// Package storage implements C1, the certificate store: the durable,
// multi-indexed record of delivered certificates, their stream
// positions, the pending queue of not-yet-deliverable certificates, and
// the checkpoint used by the synchronizer. It is grounded on
// topos-tce-storage's fullnode store: the same position-assignment rules
// and the same two-phase "perpetual batch, then index batch" commit with
// startup recovery if the second phase never landed.
package storage

import (
	"context"
	"time"

	"github.com/topos-tce/tce-node/core"
)

// ReadStore is the read side of the certificate store (§6, C1).
type ReadStore interface {
	// GetCertificate returns the delivered certificate with id, or
	// (nil, nil) if it does not exist.
	GetCertificate(ctx context.Context, id core.CertificateId) (*core.CertificateDelivered, error)

	// MultiGetCertificate returns one entry per id in ids, in the same
	// order, with a nil entry for any id that isn't delivered.
	MultiGetCertificate(ctx context.Context, ids []core.CertificateId) ([]*core.CertificateDelivered, error)

	// LastDeliveredPositionForSubnet returns the current head of a
	// source subnet's stream, or (nil, nil) if nothing has been
	// delivered for it yet.
	LastDeliveredPositionForSubnet(ctx context.Context, source core.SubnetId) (*core.SourceHead, error)

	// GetSourceStreamCertificatesFromPosition returns up to limit
	// certificates delivered on source's stream starting at (and
	// including) from, in position order.
	GetSourceStreamCertificatesFromPosition(ctx context.Context, source core.SubnetId, from core.Position, limit int) ([]core.CertificateDelivered, error)

	// GetTargetStreamCertificatesFromPosition returns up to limit
	// certificates addressed to target from source, starting at (and
	// including) from, in position order.
	GetTargetStreamCertificatesFromPosition(ctx context.Context, target, source core.SubnetId, from core.Position, limit int) ([]core.CertificateDelivered, error)

	// GetCheckpoint returns the current head of every source subnet
	// known to the store.
	GetCheckpoint(ctx context.Context) (map[core.SubnetId]core.SourceHead, error)

	// GetLastPendingCertificate returns the most recently queued pending
	// certificate for source, or (nil, nil) if none is pending.
	GetLastPendingCertificate(ctx context.Context, source core.SubnetId) (*core.Certificate, error)

	// GetLastPendingCertificates is the batch form of
	// GetLastPendingCertificate, one entry per source in sources.
	GetLastPendingCertificates(ctx context.Context, sources []core.SubnetId) (map[core.SubnetId]*core.Certificate, error)

	// GetExpiredPending returns every pending certificate that has been
	// waiting longer than ttl, for the Engine to retry broadcasting
	// (supplemental feature: pending certificates are re-surfaced, not
	// dropped, see DESIGN.md Open Question 2).
	GetExpiredPending(ctx context.Context, ttl time.Duration) ([]core.Certificate, error)
}

// WriteStore is the write side of the certificate store (§6, C1).
type WriteStore interface {
	// InsertPending queues a certificate that cannot yet be delivered
	// (its prev_id doesn't match the source's current head). Inserting
	// a certificate that is already pending for the same source
	// replaces the previous entry.
	InsertPending(ctx context.Context, cert core.Certificate) error

	// InsertCertificateDelivered commits a certificate and its proof of
	// delivery, assigning it the next source-stream position and a
	// target-stream position for every target subnet it names. Returns
	// berrors.ErrPositionAlreadyTaken if the certificate's expected
	// position is already occupied by a different certificate.
	InsertCertificateDelivered(ctx context.Context, delivered core.CertificateDelivered) (*core.CertificatePositions, error)

	// SynchronizeCertificate commits a certificate obtained via
	// checkpoint sync, bypassing the broadcast precondition checks a
	// freshly-broadcast certificate would go through (the peer's proof
	// of delivery is the authority here). Positioning and the two-phase
	// commit are otherwise identical to InsertCertificateDelivered.
	SynchronizeCertificate(ctx context.Context, delivered core.CertificateDelivered) (*core.CertificatePositions, error)

	// InsertUnverifiedProofs records proofs of delivery fetched during
	// checkpoint sync before the corresponding certificate bodies have
	// arrived, keyed by CertificateID. It returns the ids among proofs
	// whose certificate body the store still does not have on hand, i.e.
	// the ids the synchronizer must still fetch.
	InsertUnverifiedProofs(ctx context.Context, proofs []core.ProofOfDelivery) ([]core.CertificateId, error)

	// RemovePending removes a pending certificate for source, called
	// once it has been delivered or superseded.
	RemovePending(ctx context.Context, source core.SubnetId, id core.CertificateId) error
}

// Store is the full certificate store contract used by the rest of the
// node.
type Store interface {
	ReadStore
	WriteStore

	// Recover completes any two-phase commit whose index batch never
	// landed (process crash between the two writes). Called once at
	// startup before any other Store method is used.
	Recover(ctx context.Context) error

	// Close releases the store's underlying resources. node calls this
	// last in its shutdown sequence (C1), once every component that
	// might still issue a read or write has already drained.
	Close() error
}

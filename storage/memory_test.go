package storage

import (
	"context"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/topos-tce/tce-node/berrors"
	"github.com/topos-tce/tce-node/blog"
	"github.com/topos-tce/tce-node/core"
	"github.com/topos-tce/tce-node/internal/test"
)

func newTestStore() (*MemoryStore, clock.FakeClock) {
	clk := clock.NewFake()
	m := NewMetrics(prometheus.NewRegistry())
	return NewMemoryStore(clk, blog.NewMock(), m), clk
}

func subnet(b byte) core.SubnetId {
	var s core.SubnetId
	s[0] = b
	return s
}

func certID(b byte) core.CertificateId {
	var c core.CertificateId
	c[0] = b
	return c
}

func TestInsertCertificateDeliveredAssignsSourceAndTargetPositions(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	source := subnet(1)
	target := subnet(2)

	delivered := core.CertificateDelivered{
		Certificate: core.Certificate{
			ID:             certID(1),
			SourceSubnetID: source,
			TargetSubnets:  []core.SubnetId{target},
		},
		ProofOfDelivery: core.ProofOfDelivery{
			DeliveryPosition: core.SourceStreamPositionKey{Source: source, Position: 0},
			Threshold:        1,
			Readies:          []core.SignedReady{{ValidatorID: subnet(9)}},
		},
	}

	positions, err := store.InsertCertificateDelivered(ctx, delivered)
	test.AssertNotError(t, err, "InsertCertificateDelivered")
	test.AssertEquals(t, positions.Source.Position, core.Position(0), "source position")
	test.AssertEquals(t, positions.Targets[target].Position, core.Position(0), "first target position")

	head, err := store.LastDeliveredPositionForSubnet(ctx, source)
	test.AssertNotError(t, err, "LastDeliveredPositionForSubnet")
	test.AssertEquals(t, head.Position, core.Position(0), "source head position")
	test.AssertEquals(t, head.CertificateID, certID(1), "source head certificate")
}

func TestInsertCertificateDeliveredRejectsPositionConflict(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	source := subnet(1)

	first := core.CertificateDelivered{
		Certificate: core.Certificate{ID: certID(1), SourceSubnetID: source},
		ProofOfDelivery: core.ProofOfDelivery{
			DeliveryPosition: core.SourceStreamPositionKey{Source: source, Position: 0},
			Threshold:        1, Readies: []core.SignedReady{{ValidatorID: subnet(9)}},
		},
	}
	_, err := store.InsertCertificateDelivered(ctx, first)
	test.AssertNotError(t, err, "first insert")

	second := core.CertificateDelivered{
		Certificate: core.Certificate{ID: certID(2), SourceSubnetID: source},
		ProofOfDelivery: core.ProofOfDelivery{
			DeliveryPosition: core.SourceStreamPositionKey{Source: source, Position: 0},
			Threshold:        1, Readies: []core.SignedReady{{ValidatorID: subnet(9)}},
		},
	}
	_, err = store.InsertCertificateDelivered(ctx, second)
	test.AssertError(t, err, "second insert at same position should fail")
	test.AssertTrue(t, berrors.ErrPositionAlreadyTaken != nil, "sentinel exists")
}

func TestTargetStreamPositionsIncrementPerTargetSourcePair(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	source := subnet(1)
	target := subnet(2)

	for i := 0; i < 3; i++ {
		delivered := core.CertificateDelivered{
			Certificate: core.Certificate{ID: certID(byte(i + 1)), SourceSubnetID: source, TargetSubnets: []core.SubnetId{target}},
			ProofOfDelivery: core.ProofOfDelivery{
				DeliveryPosition: core.SourceStreamPositionKey{Source: source, Position: core.Position(i)},
				Threshold:        1, Readies: []core.SignedReady{{ValidatorID: subnet(9)}},
			},
		}
		positions, err := store.InsertCertificateDelivered(ctx, delivered)
		test.AssertNotError(t, err, "insert")
		test.AssertEquals(t, positions.Targets[target].Position, core.Position(i), "target stream position increments")
	}

	certs, err := store.GetTargetStreamCertificatesFromPosition(ctx, target, source, 0, 10)
	test.AssertNotError(t, err, "GetTargetStreamCertificatesFromPosition")
	test.AssertEquals(t, len(certs), 3, "all three certificates should appear in the target stream")
}

func TestPendingQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	store, clk := newTestStore()
	source := subnet(1)

	cert := core.Certificate{ID: certID(1), SourceSubnetID: source}
	test.AssertNotError(t, store.InsertPending(ctx, cert), "InsertPending")

	got, err := store.GetLastPendingCertificate(ctx, source)
	test.AssertNotError(t, err, "GetLastPendingCertificate")
	test.AssertEquals(t, got.ID, cert.ID, "pending certificate id")

	clk.Add(31 * time.Second)
	expired, err := store.GetExpiredPending(ctx, 30*time.Second)
	test.AssertNotError(t, err, "GetExpiredPending")
	test.AssertEquals(t, len(expired), 1, "one pending certificate should have expired")

	test.AssertNotError(t, store.RemovePending(ctx, source, cert.ID), "RemovePending")
	got, err = store.GetLastPendingCertificate(ctx, source)
	test.AssertNotError(t, err, "GetLastPendingCertificate after removal")
	if got != nil {
		t.Fatalf("expected no pending certificate after removal, got %v", got)
	}
}

func TestInsertUnverifiedProofsReportsMissingBodies(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	source := subnet(1)

	known := core.CertificateDelivered{
		Certificate: core.Certificate{ID: certID(1), SourceSubnetID: source},
		ProofOfDelivery: core.ProofOfDelivery{
			CertificateID:    certID(1),
			DeliveryPosition: core.SourceStreamPositionKey{Source: source, Position: 0},
			Threshold:        1, Readies: []core.SignedReady{{ValidatorID: subnet(9)}},
		},
	}
	_, err := store.InsertCertificateDelivered(ctx, known)
	test.AssertNotError(t, err, "insert known certificate")

	proofs := []core.ProofOfDelivery{
		{CertificateID: certID(1), DeliveryPosition: core.SourceStreamPositionKey{Source: source, Position: 0}, Threshold: 1},
		{CertificateID: certID(2), DeliveryPosition: core.SourceStreamPositionKey{Source: source, Position: 1}, Threshold: 1},
	}

	missing, err := store.InsertUnverifiedProofs(ctx, proofs)
	test.AssertNotError(t, err, "InsertUnverifiedProofs")
	test.AssertEquals(t, len(missing), 1, "only the certificate without a known body should be reported missing")
	test.AssertEquals(t, missing[0], certID(2), "missing certificate id")
}

func TestCheckpointReflectsAllSources(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	for i := byte(1); i <= 2; i++ {
		source := subnet(i)
		delivered := core.CertificateDelivered{
			Certificate: core.Certificate{ID: certID(i), SourceSubnetID: source},
			ProofOfDelivery: core.ProofOfDelivery{
				DeliveryPosition: core.SourceStreamPositionKey{Source: source, Position: 0},
				Threshold:        1, Readies: []core.SignedReady{{ValidatorID: subnet(9)}},
			},
		}
		_, err := store.InsertCertificateDelivered(ctx, delivered)
		test.AssertNotError(t, err, "insert")
	}

	checkpoint, err := store.GetCheckpoint(ctx)
	test.AssertNotError(t, err, "GetCheckpoint")
	test.AssertEquals(t, len(checkpoint), 2, "checkpoint should report both sources")
}

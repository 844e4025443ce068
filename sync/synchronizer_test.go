package sync

import (
	"context"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/topos-tce/tce-node/blog"
	"github.com/topos-tce/tce-node/core"
	"github.com/topos-tce/tce-node/internal/test"
	"github.com/topos-tce/tce-node/storage"
)

func subnet(b byte) core.SubnetId {
	var s core.SubnetId
	s[0] = b
	return s
}

func testSigningKey(t *testing.T, b byte) (*secp256k1.PrivateKey, core.SubnetId) {
	t.Helper()
	raw := make([]byte, 32)
	raw[31] = b
	priv, err := core.ParsePrivateKey(raw)
	test.AssertNotError(t, err, "ParsePrivateKey")
	return priv, core.SubnetIDFromPrivateKey(priv)
}

func signedGenesisCert(t *testing.T, priv *secp256k1.PrivateKey, source core.SubnetId) core.Certificate {
	t.Helper()
	signFn := func(payload []byte) ([]byte, error) { return core.Sign(priv, payload), nil }
	cert, err := core.NewCertificate(core.CertificateId{}, source, [32]byte{}, [32]byte{}, [32]byte{}, nil, 0, nil, signFn)
	test.AssertNotError(t, err, "NewCertificate")
	return *cert
}

// readyVote signs a Ready vote for cert from validator priv, the same
// payload convention core.VerifyReady checks against.
func readyVote(priv *secp256k1.PrivateKey, validator core.SubnetId, id core.CertificateId) core.SignedReady {
	return core.SignedReady{ValidatorID: validator, Signature: core.Sign(priv, core.ReadyPayload(id))}
}

type fakePeerSource struct {
	peers []core.SubnetId
}

func (f *fakePeerSource) RandomPeers(n int) ([]core.SubnetId, error) {
	if len(f.peers) == 0 {
		return nil, nil
	}
	if n > len(f.peers) {
		n = len(f.peers)
	}
	return f.peers[:n], nil
}

type fakeClient struct {
	diff         CheckpointDiff
	certificates map[core.CertificateId]core.Certificate
}

func (f *fakeClient) FetchCheckpoint(ctx context.Context, peer core.SubnetId, checkpoint []core.ProofOfDelivery) (CheckpointDiff, error) {
	return f.diff, nil
}

func (f *fakeClient) FetchCertificates(ctx context.Context, peer core.SubnetId, ids []core.CertificateId) ([]core.Certificate, error) {
	var out []core.Certificate
	for _, id := range ids {
		if c, ok := f.certificates[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func newTestStore() *storage.MemoryStore {
	return storage.NewMemoryStore(clock.NewFake(), blog.NewMock(), storage.NewMetrics(prometheus.NewRegistry()))
}

func TestRunOnceFetchesAndCommitsMissingCertificate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	priv, source := testSigningKey(t, 1)
	cert := signedGenesisCert(t, priv, source)

	validatorKey, validator := testSigningKey(t, 2)
	proof := core.ProofOfDelivery{
		CertificateID:    cert.ID,
		DeliveryPosition: core.SourceStreamPositionKey{Source: source, Position: 0},
		Threshold:        1,
		Readies:          []core.SignedReady{readyVote(validatorKey, validator, cert.ID)},
	}

	client := &fakeClient{
		diff:         CheckpointDiff{source: {proof}},
		certificates: map[core.CertificateId]core.Certificate{cert.ID: cert},
	}
	peers := &fakePeerSource{peers: []core.SubnetId{subnet(9)}}

	sync := NewSynchronizer(store, peers, client, blog.NewMock(), nil, clock.NewFake(), 0, 0)
	sync.RunOnce(ctx)

	delivered, err := store.GetCertificate(ctx, cert.ID)
	test.AssertNotError(t, err, "GetCertificate")
	if delivered == nil {
		t.Fatal("expected the synchronized certificate to be committed")
	}
	test.AssertEquals(t, delivered.Certificate.ID, cert.ID, "committed certificate id")
}

func TestRunOnceDiscardsCertificateWithInsufficientProof(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	priv, source := testSigningKey(t, 1)
	cert := signedGenesisCert(t, priv, source)

	proof := core.ProofOfDelivery{
		CertificateID:    cert.ID,
		DeliveryPosition: core.SourceStreamPositionKey{Source: source, Position: 0},
		Threshold:        2,
		Readies:          nil,
	}

	client := &fakeClient{
		diff:         CheckpointDiff{source: {proof}},
		certificates: map[core.CertificateId]core.Certificate{cert.ID: cert},
	}
	peers := &fakePeerSource{peers: []core.SubnetId{subnet(9)}}

	sync := NewSynchronizer(store, peers, client, blog.NewMock(), nil, clock.NewFake(), 0, 0)
	sync.RunOnce(ctx)

	delivered, err := store.GetCertificate(ctx, cert.ID)
	test.AssertNotError(t, err, "GetCertificate")
	if delivered != nil {
		t.Fatal("a certificate whose proof doesn't meet its threshold must not be committed")
	}
}

// TestRunOnceConvergesManySameSourceCertificatesInOneTick exercises a
// join-and-catch-up burst: one source subnet with a long chain of
// delivered certificates this node has never seen. Every proof arrives
// in the same checkpoint diff; without sorting missing ids by delivery
// position before fetching, most of the chain would fail
// precedenceCheck's strict prev_id gate and get discarded rather than
// retried, so the chain would converge over many ticks instead of one.
func TestRunOnceConvergesManySameSourceCertificatesInOneTick(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	priv, source := testSigningKey(t, 1)
	validatorKey, validator := testSigningKey(t, 2)

	const chainLength = 37
	certs := make([]core.Certificate, chainLength)
	proofs := make([]core.ProofOfDelivery, chainLength)
	certsByID := make(map[core.CertificateId]core.Certificate, chainLength)

	prevID := core.CertificateId{}
	for i := 0; i < chainLength; i++ {
		signFn := func(payload []byte) ([]byte, error) { return core.Sign(priv, payload), nil }
		cert, err := core.NewCertificate(prevID, source, [32]byte{}, [32]byte{}, [32]byte{byte(i)}, nil, 0, nil, signFn)
		test.AssertNotError(t, err, "NewCertificate")
		certs[i] = *cert
		certsByID[cert.ID] = *cert
		proofs[i] = core.ProofOfDelivery{
			CertificateID:    cert.ID,
			DeliveryPosition: core.SourceStreamPositionKey{Source: source, Position: core.Position(i)},
			Threshold:        1,
			Readies:          []core.SignedReady{readyVote(validatorKey, validator, cert.ID)},
		}
		prevID = cert.ID
	}

	// Shuffle the diff order so a synchronizer that trusted map/slice
	// iteration order instead of sorting would process the chain out of
	// precedence order.
	shuffled := make([]core.ProofOfDelivery, chainLength)
	copy(shuffled, proofs)
	for i := chainLength - 1; i > 0; i-- {
		j := (i*7 + 3) % (i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	client := &fakeClient{
		diff:         CheckpointDiff{source: shuffled},
		certificates: certsByID,
	}
	peers := &fakePeerSource{peers: []core.SubnetId{subnet(9)}}

	sync := NewSynchronizer(store, peers, client, blog.NewMock(), nil, clock.NewFake(), 0, 10)
	sync.RunOnce(ctx)

	for i, cert := range certs {
		delivered, err := store.GetCertificate(ctx, cert.ID)
		test.AssertNotError(t, err, "GetCertificate")
		if delivered == nil {
			t.Fatalf("certificate at chain position %d was not committed within one sync tick", i)
		}
	}
}

func TestRunOnceAbortsTickWithNoAvailablePeer(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	client := &fakeClient{}
	peers := &fakePeerSource{}

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	sync := NewSynchronizer(store, peers, client, blog.NewMock(), metrics, clock.NewFake(), 0, 0)
	sync.RunOnce(ctx)

	families, err := reg.Gather()
	test.AssertNotError(t, err, "gathering metrics")
	var failed float64
	for _, mf := range families {
		if mf.GetName() == "tce_sync_ticks_failed_total" {
			failed = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	test.AssertEquals(t, failed, float64(1), "a tick with no available peer should be counted as failed")
}

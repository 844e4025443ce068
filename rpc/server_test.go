package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/topos-tce/tce-node/berrors"
	"github.com/topos-tce/tce-node/blog"
	"github.com/topos-tce/tce-node/core"
	"github.com/topos-tce/tce-node/internal/test"
	"github.com/topos-tce/tce-node/storage"
	"github.com/topos-tce/tce-node/stream"
)

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

func newTestStore() *storage.MemoryStore {
	return storage.NewMemoryStore(clock.NewFake(), blog.NewMock(), storage.NewMetrics(prometheus.NewRegistry()))
}

type stubBroadcaster struct {
	err error
}

func (b *stubBroadcaster) Broadcast(ctx context.Context, cert core.Certificate) error {
	return b.err
}

type stubSampleStatus struct {
	active bool
}

func (s stubSampleStatus) HasActiveSample() bool { return s.active }

func newTestHandler(store *storage.MemoryStore, broadcaster Broadcaster) http.Handler {
	log := blog.NewMock()
	streamSrv := stream.NewServer(store, log, nil, 0)
	api := NewAPIService(store, broadcaster, streamSrv, log, NewMetrics(prometheus.NewRegistry()))
	syncSvc := NewSynchronizerService(store, log, NewMetrics(prometheus.NewRegistry()))
	console := NewConsoleService(stubSampleStatus{active: true})
	return NewHandler(log, api, syncSvc, console)
}

func doJSON(t *testing.T, handler http.Handler, path string, body, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := json.Marshal(body)
	test.AssertNotError(t, err, "marshaling request")
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		test.AssertNotError(t, json.Unmarshal(rec.Body.Bytes(), out), "decoding response")
	}
	return rec
}

func TestSubmitCertificateAcceptsAndRejects(t *testing.T) {
	store := newTestStore()

	accepting := newTestHandler(store, &stubBroadcaster{})
	rec := doJSON(t, accepting, "/v1/certificates/submit", SubmitCertificateRequest{Certificate: core.Certificate{ID: certID(1)}}, nil)
	test.AssertEquals(t, rec.Code, http.StatusAccepted, "accepted submission")

	rejecting := newTestHandler(store, &stubBroadcaster{err: berrors.InvalidCertificateError("bad signature")})
	rec = doJSON(t, rejecting, "/v1/certificates/submit", SubmitCertificateRequest{Certificate: core.Certificate{ID: certID(1)}}, nil)
	test.AssertEquals(t, rec.Code, http.StatusBadRequest, "rejected submission maps InvalidCertificate to 400")
}

type stubLimiter struct {
	allow bool
	err   error
}

func (l stubLimiter) Allow(ctx context.Context, subnet core.SubnetId) (bool, error) {
	return l.allow, l.err
}

func TestSubmitCertificateRejectsOverLimit(t *testing.T) {
	store := newTestStore()
	log := blog.NewMock()
	streamSrv := stream.NewServer(store, log, nil, 0)
	api := NewAPIService(store, &stubBroadcaster{}, streamSrv, log, NewMetrics(prometheus.NewRegistry())).
		WithLimiter(stubLimiter{allow: false})
	syncSvc := NewSynchronizerService(store, log, NewMetrics(prometheus.NewRegistry()))
	console := NewConsoleService(stubSampleStatus{active: true})
	handler := NewHandler(log, api, syncSvc, console)

	rec := doJSON(t, handler, "/v1/certificates/submit", SubmitCertificateRequest{Certificate: core.Certificate{ID: certID(1)}}, nil)
	test.AssertEquals(t, rec.Code, http.StatusTooManyRequests, "over-limit submission status")
}

func TestGetSourceHeadReportsNilBeforeAnyDelivery(t *testing.T) {
	store := newTestStore()
	handler := newTestHandler(store, &stubBroadcaster{})

	var resp GetSourceHeadResponse
	rec := doJSON(t, handler, "/v1/certificates/source-head", GetSourceHeadRequest{SubnetID: subnet(1)}, &resp)
	test.AssertEquals(t, rec.Code, http.StatusOK, "source head status")
	if resp.Head != nil {
		t.Fatal("expected no head for a subnet with nothing delivered")
	}
}

func TestGetSourceHeadReflectsDeliveredCertificate(t *testing.T) {
	store := newTestStore()
	source := subnet(1)
	delivered := core.CertificateDelivered{
		Certificate: core.Certificate{ID: certID(1), SourceSubnetID: source},
		ProofOfDelivery: core.ProofOfDelivery{
			CertificateID:    certID(1),
			DeliveryPosition: core.SourceStreamPositionKey{Source: source, Position: 0},
			Threshold:        1,
		},
	}
	_, err := store.InsertCertificateDelivered(context.Background(), delivered)
	test.AssertNotError(t, err, "InsertCertificateDelivered")

	handler := newTestHandler(store, &stubBroadcaster{})
	var resp GetSourceHeadResponse
	rec := doJSON(t, handler, "/v1/certificates/source-head", GetSourceHeadRequest{SubnetID: source}, &resp)
	test.AssertEquals(t, rec.Code, http.StatusOK, "source head status")
	if resp.Head == nil || resp.Head.CertificateID != certID(1) {
		t.Fatal("expected the delivered certificate to be reported as the head")
	}
}

func TestGetLastPendingCertificatesReportsIndexZero(t *testing.T) {
	store := newTestStore()
	source := subnet(1)
	err := store.InsertPending(context.Background(), core.Certificate{ID: certID(9), SourceSubnetID: source})
	test.AssertNotError(t, err, "InsertPending")

	handler := newTestHandler(store, &stubBroadcaster{})
	var resp GetLastPendingCertificatesResponse
	rec := doJSON(t, handler, "/v1/certificates/pending", GetLastPendingCertificatesRequest{SubnetIDs: []core.SubnetId{source}}, &resp)
	test.AssertEquals(t, rec.Code, http.StatusOK, "pending status")
	status, ok := resp.Pending[source]
	if !ok || status.Certificate == nil || status.Certificate.ID != certID(9) {
		t.Fatal("expected the pending certificate to be reported")
	}
	test.AssertEquals(t, status.Index, uint64(0), "pending index is always 0")
}

func TestConsoleStatusReportsActiveSample(t *testing.T) {
	store := newTestStore()
	handler := newTestHandler(store, &stubBroadcaster{})

	req := httptest.NewRequest(http.MethodGet, "/v1/console/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	test.AssertEquals(t, rec.Code, http.StatusOK, "console status")

	var resp StatusResponse
	test.AssertNotError(t, json.Unmarshal(rec.Body.Bytes(), &resp), "decoding status response")
	test.AssertTrue(t, resp.HasActiveSample, "expected HasActiveSample to reflect the stub oracle")
}

func TestFetchCheckpointReturnsOnlyWhatsNewerThanTheRequester(t *testing.T) {
	store := newTestStore()
	source := subnet(1)
	for i := byte(0); i < 3; i++ {
		delivered := core.CertificateDelivered{
			Certificate: core.Certificate{ID: certID(i + 1), SourceSubnetID: source},
			ProofOfDelivery: core.ProofOfDelivery{
				CertificateID:    certID(i + 1),
				DeliveryPosition: core.SourceStreamPositionKey{Source: source, Position: core.Position(i)},
				Threshold:        1,
			},
		}
		_, err := store.InsertCertificateDelivered(context.Background(), delivered)
		test.AssertNotError(t, err, "InsertCertificateDelivered")
	}

	handler := newTestHandler(store, &stubBroadcaster{})

	requesterCheckpoint := []core.ProofOfDelivery{{
		CertificateID:    certID(1),
		DeliveryPosition: core.SourceStreamPositionKey{Source: source, Position: 0},
		Threshold:        1,
	}}

	var resp FetchCheckpointResponse
	rec := doJSON(t, handler, "/v1/sync/checkpoint", FetchCheckpointRequest{Checkpoint: requesterCheckpoint}, &resp)
	test.AssertEquals(t, rec.Code, http.StatusOK, "fetch checkpoint status")
	proofs, ok := resp.Diff[source]
	if !ok || len(proofs) != 2 {
		t.Fatalf("expected 2 proofs newer than position 0, got %d", len(proofs))
	}
	test.AssertEquals(t, proofs[0].CertificateID, certID(2), "first diff entry")
	test.AssertEquals(t, proofs[1].CertificateID, certID(3), "second diff entry")
}

func TestFetchCertificatesOmitsUnknownIDs(t *testing.T) {
	store := newTestStore()
	source := subnet(1)
	delivered := core.CertificateDelivered{
		Certificate: core.Certificate{ID: certID(1), SourceSubnetID: source},
		ProofOfDelivery: core.ProofOfDelivery{
			CertificateID:    certID(1),
			DeliveryPosition: core.SourceStreamPositionKey{Source: source, Position: 0},
			Threshold:        1,
		},
	}
	_, err := store.InsertCertificateDelivered(context.Background(), delivered)
	test.AssertNotError(t, err, "InsertCertificateDelivered")

	handler := newTestHandler(store, &stubBroadcaster{})
	var resp FetchCertificatesResponse
	rec := doJSON(t, handler, "/v1/sync/certificates", FetchCertificatesRequest{CertificateIDs: []core.CertificateId{certID(1), certID(99)}}, &resp)
	test.AssertEquals(t, rec.Code, http.StatusOK, "fetch certificates status")
	test.AssertEquals(t, len(resp.Certificates), 1, "only the known certificate is returned")
	test.AssertEquals(t, resp.Certificates[0].ID, certID(1), "returned certificate id")
}

type staticDirectory map[core.SubnetId]string

func (d staticDirectory) Endpoint(peer core.SubnetId) (string, bool) {
	endpoint, ok := d[peer]
	return endpoint, ok
}

func TestHTTPSynchronizerClientRoundTripsAgainstTheServer(t *testing.T) {
	store := newTestStore()
	source := subnet(1)
	delivered := core.CertificateDelivered{
		Certificate: core.Certificate{ID: certID(1), SourceSubnetID: source},
		ProofOfDelivery: core.ProofOfDelivery{
			CertificateID:    certID(1),
			DeliveryPosition: core.SourceStreamPositionKey{Source: source, Position: 0},
			Threshold:        1,
		},
	}
	_, err := store.InsertCertificateDelivered(context.Background(), delivered)
	test.AssertNotError(t, err, "InsertCertificateDelivered")

	handler := newTestHandler(store, &stubBroadcaster{})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	peer := subnet(2)
	client := NewHTTPSynchronizerClient(staticDirectory{peer: ts.URL}, 0)

	diff, err := client.FetchCheckpoint(context.Background(), peer, nil)
	test.AssertNotError(t, err, "FetchCheckpoint")
	if len(diff[source]) != 1 || diff[source][0].CertificateID != certID(1) {
		t.Fatal("expected the single delivered certificate's proof in the diff")
	}

	certs, err := client.FetchCertificates(context.Background(), peer, []core.CertificateId{certID(1)})
	test.AssertNotError(t, err, "FetchCertificates")
	test.AssertEquals(t, len(certs), 1, "fetched certificate count")
	test.AssertEquals(t, certs[0].ID, certID(1), "fetched certificate id")
}

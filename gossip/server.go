package gossip

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/topos-tce/tce-node/blog"
	"github.com/topos-tce/tce-node/core"
)

// SignReadyFunc signs a raw payload, letting node wire core.Sign plus its
// own private key without gossip importing secp256k1 types directly.
type SignReadyFunc func(payload []byte) ([]byte, error)

// LocalReadySigner implements ReadySigner over a SignReadyFunc, stamping
// every vote with this node's own SubnetId so VerifyReady has an
// identity to check the signature against.
type LocalReadySigner struct {
	ValidatorID core.SubnetId
	Sign        SignReadyFunc
}

func (s LocalReadySigner) SignReady(id core.CertificateId) (core.SignedReady, error) {
	sig, err := s.Sign(core.ReadyPayload(id))
	if err != nil {
		return core.SignedReady{}, err
	}
	return core.SignedReady{ValidatorID: s.ValidatorID, Signature: sig}, nil
}

// Server is the HTTP endpoint peers POST gossip Batches to. It applies
// spec.md §4.4's strict validation mode — an incoming message that
// fails validation is counted and dropped, never delivered upward — and
// dispatches validated messages to the Adapter's wired receivers.
type Server struct {
	adapter *Adapter
	log     blog.Logger
}

// NewServer wraps an Adapter (already configured via SetReceivers) as an
// http.Handler.
func NewServer(adapter *Adapter, log blog.Logger) *Server {
	return &Server{adapter: adapter, log: log}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/gossip/batch", s.handleBatch)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxMessageBytes*int64(DefaultBatchSize)+4096))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	var batch Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		http.Error(w, "decoding batch", http.StatusBadRequest)
		return
	}

	for _, raw := range batch.Messages {
		s.handleMessage(r.Context(), raw)
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleMessage(ctx context.Context, raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		s.reject("undecodable message: %s", err)
		return
	}

	switch msg.Kind {
	case KindCertificate:
		s.handleCertificate(ctx, msg)
	case KindEcho:
		s.handleEcho(ctx, msg)
	case KindReady:
		s.handleReady(ctx, msg)
	case KindEchoSubscribeReq:
		s.adapter.sampleReceiver.OnEchoSubscribeRequest(msg.From)
		s.accept()
	case KindReadySubscribeReq:
		s.adapter.sampleReceiver.OnReadySubscribeRequest(msg.From)
		s.accept()
	case KindEchoSubscribeAck:
		s.adapter.sampleReceiver.OnEchoSubscribeAck(msg.From)
		s.accept()
	case KindReadySubscribeAck:
		s.adapter.sampleReceiver.OnReadySubscribeAck(msg.From)
		s.accept()
	default:
		s.reject("unknown message kind %q", msg.Kind)
	}
}

func (s *Server) handleCertificate(ctx context.Context, msg Message) {
	if msg.Certificate == nil {
		s.reject("certificate message from %s carried no certificate", msg.From)
		return
	}
	cert := *msg.Certificate
	expectGenesis := cert.PrevID.IsGenesis()
	if err := core.Validate(&cert, expectGenesis); err != nil {
		s.reject("certificate %s from %s failed validation: %s", cert.ID, msg.From, err)
		return
	}
	s.accept()
	s.adapter.broadcastReceiver.HandleGossip(ctx, cert)
	s.adapter.broadcastReceiver.StateChangeFollowUp(ctx)
}

func (s *Server) handleEcho(ctx context.Context, msg Message) {
	s.accept()
	s.adapter.broadcastReceiver.HandleEcho(msg.From, msg.CertificateID)
	s.adapter.broadcastReceiver.StateChangeFollowUp(ctx)
}

func (s *Server) handleReady(ctx context.Context, msg Message) {
	if msg.Ready == nil {
		s.reject("ready message from %s carried no vote", msg.From)
		return
	}
	if !core.VerifyReady(msg.CertificateID, core.SignedReady{ValidatorID: msg.From, Signature: msg.Ready.Signature}) {
		s.reject("ready vote for %s from %s failed signature verification", msg.CertificateID, msg.From)
		return
	}
	s.accept()
	ready := *msg.Ready
	ready.ValidatorID = msg.From
	s.adapter.broadcastReceiver.HandleReady(ready, msg.CertificateID)
	s.adapter.broadcastReceiver.StateChangeFollowUp(ctx)
}

func (s *Server) accept() {
	if s.adapter.metrics != nil {
		s.adapter.metrics.messagesReceived.Inc()
	}
}

func (s *Server) reject(format string, args ...interface{}) {
	s.log.Warningf("gossip: rejecting inbound message: "+format, args...)
	if s.adapter.metrics != nil {
		s.adapter.metrics.messagesRejected.Inc()
	}
}

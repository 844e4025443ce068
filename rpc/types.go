// Package rpc implements the node's external surface: APIService (submit
// a certificate, inspect a source's head and pending queue, open a
// push-stream), SynchronizerService (the peer-to-peer half of C5's
// checkpoint reconciliation) and ConsoleService (operational status).
// Grounded on AKJUS-boulder's web package for the transport shape — a
// plain net/http server with one handler per route and a logging
// TopHandler wrapper — generalized from boulder's single externally
// facing WFE to three services sharing one process.
package rpc

import "github.com/topos-tce/tce-node/core"

// SubmitCertificateRequest is APIService.SubmitCertificate's body.
type SubmitCertificateRequest struct {
	Certificate core.Certificate
}

// GetSourceHeadRequest names the source subnet to report the head of.
type GetSourceHeadRequest struct {
	SubnetID core.SubnetId
}

// GetSourceHeadResponse answers APIService.GetSourceHead: the subnet's
// current head, or a nil Head if nothing has been delivered for it yet.
type GetSourceHeadResponse struct {
	Head *core.SourceHead
}

// PendingStatus is one entry of GetLastPendingCertificatesResponse. A
// nil Certificate means nothing is pending for that source. Index is
// always 0 — see DESIGN.md's storage Open Question: a source chain is
// never blocked on more than one precedence gap at a time, so there is
// no real queue position to report.
type PendingStatus struct {
	Certificate *core.Certificate
	Index       uint64
}

// GetLastPendingCertificatesRequest names the source subnets to report
// on.
type GetLastPendingCertificatesRequest struct {
	SubnetIDs []core.SubnetId
}

// GetLastPendingCertificatesResponse is keyed by source subnet.
type GetLastPendingCertificatesResponse struct {
	Pending map[core.SubnetId]PendingStatus
}

// FetchCheckpointRequest is SynchronizerService.FetchCheckpoint's body:
// the caller's own checkpoint, expressed as one proof of delivery per
// source subnet it already holds the head of.
type FetchCheckpointRequest struct {
	Checkpoint []core.ProofOfDelivery
}

// FetchCheckpointResponse carries everything newer than the caller's
// checkpoint, grouped by source subnet, matching sync.CheckpointDiff.
type FetchCheckpointResponse struct {
	Diff map[core.SubnetId][]core.ProofOfDelivery
}

// FetchCertificatesRequest asks the peer for certificate bodies by id.
type FetchCertificatesRequest struct {
	CertificateIDs []core.CertificateId
}

// FetchCertificatesResponse may omit ids the peer doesn't have; callers
// match by core.Certificate.ID rather than by response-slice position.
type FetchCertificatesResponse struct {
	Certificates []core.Certificate
}

// StatusResponse is ConsoleService.Status's reply.
type StatusResponse struct {
	HasActiveSample bool
}

// ErrorResponse is the JSON body written for any non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

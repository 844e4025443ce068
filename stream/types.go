// Package stream implements C6, the Push-Stream API: a client names the
// (target, source, position) pairs it has already seen, the server
// replays everything newer than that from storage in stored order, then
// tails live deliveries as C1 commits them. Grounded on spec.md §4.6;
// the wire shape (OpenStream / StreamOpened / CertificatePushed)
// follows original_source's topos.tce.v1 watch_certificates_request /
// watch_certificates_response — the gRPC server handler itself is not
// present in the filtered original_source, so the transport is built
// from scratch (a bounded channel per client registered with a small
// in-process hub) rather than translated from Rust.
package stream

import "github.com/topos-tce/tce-node/core"

// TargetCheckpoint is what a client already holds: the target subnets
// it wants certificates pushed for, plus the last position it has
// already seen on each (target, source) stream it's tracking.
type TargetCheckpoint struct {
	TargetSubnetIDs []core.SubnetId
	Positions       []core.TargetStreamPositionKey
}

// OpenStream is the client's initial request.
type OpenStream struct {
	TargetCheckpoint TargetCheckpoint
}

// StreamOpened is the server's reply confirming which target subnets it
// will push certificates for. Sent exactly once, before any
// CertificatePushed.
type StreamOpened struct {
	SubnetIDs []core.SubnetId
}

// CertificatePushed is one delivered certificate pushed to a subscriber,
// whether replayed from storage or forwarded live, along with the
// target-stream position it occupies.
type CertificatePushed struct {
	Certificate core.CertificateDelivered
	Position    core.TargetStreamPositionKey
}

// Event is the tagged union sent on a Subscription's channel: exactly
// one of Opened or Pushed is set, mirroring watch_certificates_response's
// oneof.
type Event struct {
	Opened *StreamOpened
	Pushed *CertificatePushed
}

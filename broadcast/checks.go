package broadcast

import (
	"github.com/topos-tce/tce-node/berrors"
	"github.com/topos-tce/tce-node/core"
	"github.com/topos-tce/tce-node/sampling"
)

// isEReady, isRReady and isOkToDeliver are the threshold checks from
// double_echo/mod.rs: a sample is "consumed" down to its threshold once
// enough distinct peers in it have voted, checked as
// sampleSize - remaining >= threshold (so an oversized or undersized
// remaining set after consumption can't accidentally satisfy it).
func isEReady(params sampling.Params, state *candidateState) bool {
	return consumedAtLeast(state.sets[sampling.EchoSubscription], params.EchoSampleSize, params.EchoThreshold)
}

func isRReady(params sampling.Params, state *candidateState) bool {
	return consumedAtLeast(state.sets[sampling.ReadySubscription], params.ReadySampleSize, params.ReadyThreshold)
}

func isOkToDeliver(params sampling.Params, state *candidateState) bool {
	return consumedAtLeast(state.sets[sampling.DeliverySubscription], params.DeliverySampleSize, params.DeliveryThreshold)
}

func consumedAtLeast(remaining map[core.SubnetId]struct{}, sampleSize, threshold int) bool {
	consumed := sampleSize - len(remaining)
	if consumed < 0 {
		return false
	}
	return consumed >= threshold
}

// certPreDeliveryCheck rejects a certificate before it ever becomes a
// delivery candidate: bad signature or malformed structure. Unlike the
// original (which logs and proceeds regardless), a failure here is fatal
// to the candidacy — there's no useful degraded behavior for an
// unverifiable certificate.
func certPreDeliveryCheck(cert *core.Certificate, expectGenesis bool) error {
	if err := core.Validate(cert, expectGenesis); err != nil {
		return berrors.InvalidCertificateError("pre-delivery check failed: %s", err)
	}
	return nil
}

// certPostDeliveryCheck is run once a candidate has reached its delivery
// threshold, before it is actually committed to the store: precedence
// (does prev_id match the source's current head). A candidate that fails
// stays in the pending-delivery set and is retried on the next
// state_change_follow_up.
func certPostDeliveryCheck(cert *core.Certificate, head *core.SourceHead) error {
	switch {
	case head == nil:
		if !cert.PrevID.IsGenesis() {
			return berrors.PrecedenceUnsatisfiedError("certificate %s claims prev_id %s but source %s has no delivered certificates yet", cert.ID, cert.PrevID, cert.SourceSubnetID)
		}
	case cert.PrevID != head.CertificateID:
		return berrors.PrecedenceUnsatisfiedError("certificate %s claims prev_id %s but source %s head is %s", cert.ID, cert.PrevID, cert.SourceSubnetID, head.CertificateID)
	}
	return nil
}

package core

import (
	"fmt"
	"slices"
)

// ValidationError reports which invariant of spec.md §3 a Certificate
// failed. Callers that need a typed, recoverable-vs-not classification
// wrap this in berrors.InvalidCertificate.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("core: invalid certificate: %s", e.Reason)
}

// Validate checks a Certificate against the invariants of spec.md §3:
//
//   - id is the hash of the certificate's own fields (invariant i)
//   - prev_id is either the genesis marker or a certificate id already
//     known to belong to the same source subnet's chain (checked by the
//     caller against storage; Validate only checks the genesis shape when
//     expectGenesis is true)
//   - the signature verifies against source_subnet_id acting as a
//     verification key
//
// Validate is pure: it does not consult storage. Chain-continuity checks
// (does prev_id actually match the source's current head) are the
// caller's responsibility, since they require the store.
func Validate(c *Certificate, expectGenesis bool) error {
	wantID := ComputeCertificateID(c.PrevID, c.SourceSubnetID, c.StateRoot, c.TxRoot, c.ReceiptsRoot, c.TargetSubnets, c.Verifier)
	if wantID != c.ID {
		return &ValidationError{Reason: "id does not match hash of certificate fields"}
	}

	if expectGenesis && !c.PrevID.IsGenesis() {
		return &ValidationError{Reason: "first certificate on a source chain must have genesis prev_id"}
	}

	payload := CanonicalPayload(c.PrevID, c.SourceSubnetID, c.StateRoot, c.TxRoot, c.ReceiptsRoot, c.TargetSubnets, c.Verifier)
	if !Verify(c.SourceSubnetID, payload, c.Signature) {
		return &ValidationError{Reason: "signature does not verify against source_subnet_id"}
	}

	if normalized := normalizeTargets(c.TargetSubnets); !slices.Equal(normalized, c.TargetSubnets) {
		return &ValidationError{Reason: "target_subnets must be sorted and free of duplicates"}
	}

	return nil
}

package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// CanonicalPayload returns the canonical byte sequence signed by a source
// subnet and hashed to produce a CertificateID.
//
// Fixed here per the Open Question in spec.md §9 ("the precise canonical
// payload for certificate signing... is implied but not written down in
// one place"): prev_id, source_subnet_id, the three roots, the
// length-prefixed sorted target list, then the big-endian verifier tag.
// Length-prefixing the target list (rather than just concatenating ids)
// keeps the encoding unambiguous regardless of how many targets a
// certificate names.
func CanonicalPayload(prevID CertificateId, source SubnetId, stateRoot, txRoot, receiptsRoot [32]byte, targets []SubnetId, verifier uint32) []byte {
	normalized := normalizeTargets(targets)
	encodedTargets := encodeTargets(normalized)

	payload := make([]byte, 0, CertificateIdSize+SubnetIdSize+32*3+len(encodedTargets)+4)
	payload = append(payload, prevID[:]...)
	payload = append(payload, source[:]...)
	payload = append(payload, stateRoot[:]...)
	payload = append(payload, txRoot[:]...)
	payload = append(payload, receiptsRoot[:]...)
	payload = append(payload, encodedTargets...)

	var verifierBuf [4]byte
	binary.BigEndian.PutUint32(verifierBuf[:], verifier)
	payload = append(payload, verifierBuf[:]...)

	return payload
}

// ComputeCertificateID computes the id of a certificate from its fields,
// implementing invariant (i) of spec.md §3:
//
//	id == H(prev_id || source_subnet_id || state_root || tx_root ||
//	        receipts_root || sorted(target_subnets) || verifier)
func ComputeCertificateID(prevID CertificateId, source SubnetId, stateRoot, txRoot, receiptsRoot [32]byte, targets []SubnetId, verifier uint32) CertificateId {
	payload := CanonicalPayload(prevID, source, stateRoot, txRoot, receiptsRoot, targets, verifier)
	return CertificateId(sha256.Sum256(payload))
}

// NewCertificate builds and signs a Certificate, computing its id and
// normalizing its target list. signFn performs the secp256k1 ECDSA
// signature over the canonical payload (see core.Sign).
func NewCertificate(prevID CertificateId, source SubnetId, stateRoot, txRoot, receiptsRoot [32]byte, targets []SubnetId, verifier uint32, proof []byte, signFn func(payload []byte) ([]byte, error)) (*Certificate, error) {
	normalized := normalizeTargets(targets)
	id := ComputeCertificateID(prevID, source, stateRoot, txRoot, receiptsRoot, normalized, verifier)
	payload := CanonicalPayload(prevID, source, stateRoot, txRoot, receiptsRoot, normalized, verifier)

	sig, err := signFn(payload)
	if err != nil {
		return nil, err
	}

	return &Certificate{
		ID:             id,
		PrevID:         prevID,
		SourceSubnetID: source,
		TargetSubnets:  normalized,
		StateRoot:      stateRoot,
		TxRoot:         txRoot,
		ReceiptsRoot:   receiptsRoot,
		Verifier:       verifier,
		Proof:          proof,
		Signature:      sig,
	}, nil
}

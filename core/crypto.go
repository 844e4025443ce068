package core

import (
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Sign produces a recoverable ECDSA signature over payload's digest.
// Recoverability is what lets Verify check a signature against nothing
// but a SubnetId (an x-coordinate), instead of a full public key: the
// signer's compressed public key is recovered from the signature itself
// and then compared against subnet.
func Sign(priv *secp256k1.PrivateKey, payload []byte) []byte {
	digest := sha256.Sum256(payload)
	return ecdsa.SignCompact(priv, digest[:], true)
}

// Verify reports whether signature is a valid recoverable ECDSA signature
// over payload's digest, produced by the holder of subnet's verification
// key (subnet is that key's x-coordinate, per spec.md §3).
func Verify(subnet SubnetId, payload, signature []byte) bool {
	digest := sha256.Sum256(payload)

	pub, _, err := ecdsa.RecoverCompact(signature, digest[:])
	if err != nil {
		return false
	}

	x := pub.X().Bytes()
	return SubnetId(x) == subnet
}

// ReadyPayload is the canonical byte sequence a validator signs to cast a
// Ready vote for a certificate: just the certificate id.
func ReadyPayload(id CertificateId) []byte {
	return id[:]
}

// VerifyReady reports whether ready is a valid Ready vote for id, cast by
// the subnet its ValidatorID claims.
func VerifyReady(id CertificateId, ready SignedReady) bool {
	return Verify(ready.ValidatorID, ReadyPayload(id), ready.Signature)
}

// SubnetIDFromPrivateKey derives the SubnetId (x-coordinate) corresponding
// to a private key, for use by callers minting a new source subnet identity.
func SubnetIDFromPrivateKey(priv *secp256k1.PrivateKey) SubnetId {
	x := priv.PubKey().X().Bytes()
	return SubnetId(x)
}

// ParsePrivateKey decodes a 32-byte scalar into a secp256k1 private key.
func ParsePrivateKey(raw []byte) (*secp256k1.PrivateKey, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("core: private key must be 32 bytes, got %d", len(raw))
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

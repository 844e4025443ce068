package core

import (
	"testing"

	"github.com/topos-tce/tce-node/internal/test"
)

func TestComputeCertificateIDDeterministic(t *testing.T) {
	var source, target SubnetId
	source[0] = 1
	target[0] = 2

	stateRoot := [32]byte{1}
	txRoot := [32]byte{2}
	receiptsRoot := [32]byte{3}

	id1 := ComputeCertificateID(CertificateId{}, source, stateRoot, txRoot, receiptsRoot, []SubnetId{target}, 7)
	id2 := ComputeCertificateID(CertificateId{}, source, stateRoot, txRoot, receiptsRoot, []SubnetId{target}, 7)
	test.AssertEquals(t, id1, id2, "id computation must be deterministic")

	id3 := ComputeCertificateID(CertificateId{}, source, stateRoot, txRoot, receiptsRoot, []SubnetId{target}, 8)
	test.AssertTrue(t, id1 != id3, "changing the verifier must change the id")
}

func TestComputeCertificateIDIgnoresTargetOrder(t *testing.T) {
	var source, t1, t2 SubnetId
	source[0] = 1
	t1[0] = 5
	t2[0] = 9

	stateRoot := [32]byte{1}
	txRoot := [32]byte{2}
	receiptsRoot := [32]byte{3}

	idForward := ComputeCertificateID(CertificateId{}, source, stateRoot, txRoot, receiptsRoot, []SubnetId{t1, t2}, 1)
	idReverse := ComputeCertificateID(CertificateId{}, source, stateRoot, txRoot, receiptsRoot, []SubnetId{t2, t1}, 1)

	test.AssertEquals(t, idForward, idReverse, "certificate id must not depend on target_subnets input order")
}

func TestNewCertificateRoundTrips(t *testing.T) {
	rawKey := make([]byte, 32)
	rawKey[31] = 1
	priv, err := ParsePrivateKey(rawKey)
	test.AssertNotError(t, err, "ParsePrivateKey")

	source := SubnetIDFromPrivateKey(priv)
	var target SubnetId
	target[0] = 0xAB

	cert, err := NewCertificate(
		CertificateId{}, source,
		[32]byte{1}, [32]byte{2}, [32]byte{3},
		[]SubnetId{target}, 42, nil,
		func(payload []byte) ([]byte, error) { return Sign(priv, payload), nil },
	)
	test.AssertNotError(t, err, "NewCertificate")

	test.AssertNotError(t, Validate(cert, true), "Validate should accept a freshly minted genesis certificate")
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	rawKey := make([]byte, 32)
	rawKey[31] = 2
	priv, err := ParsePrivateKey(rawKey)
	test.AssertNotError(t, err, "ParsePrivateKey")

	source := SubnetIDFromPrivateKey(priv)

	cert, err := NewCertificate(
		CertificateId{}, source,
		[32]byte{9}, [32]byte{8}, [32]byte{7},
		nil, 1, nil,
		func(payload []byte) ([]byte, error) { return Sign(priv, payload), nil },
	)
	test.AssertNotError(t, err, "NewCertificate")

	cert.Signature[0] ^= 0xFF
	test.AssertError(t, Validate(cert, true), "Validate should reject a tampered signature")
}

func TestValidateRejectsTamperedID(t *testing.T) {
	rawKey := make([]byte, 32)
	rawKey[31] = 3
	priv, err := ParsePrivateKey(rawKey)
	test.AssertNotError(t, err, "ParsePrivateKey")

	source := SubnetIDFromPrivateKey(priv)

	cert, err := NewCertificate(
		CertificateId{}, source,
		[32]byte{1}, [32]byte{1}, [32]byte{1},
		nil, 1, nil,
		func(payload []byte) ([]byte, error) { return Sign(priv, payload), nil },
	)
	test.AssertNotError(t, err, "NewCertificate")

	cert.ID[0] ^= 0xFF
	test.AssertError(t, Validate(cert, true), "Validate should reject a tampered id")
}

func TestValidateRejectsNonGenesisWhenExpected(t *testing.T) {
	rawKey := make([]byte, 32)
	rawKey[31] = 4
	priv, err := ParsePrivateKey(rawKey)
	test.AssertNotError(t, err, "ParsePrivateKey")

	source := SubnetIDFromPrivateKey(priv)

	prev := CertificateId{1}
	cert, err := NewCertificate(
		prev, source,
		[32]byte{1}, [32]byte{1}, [32]byte{1},
		nil, 1, nil,
		func(payload []byte) ([]byte, error) { return Sign(priv, payload), nil },
	)
	test.AssertNotError(t, err, "NewCertificate")

	test.AssertError(t, Validate(cert, true), "Validate should reject a non-genesis prev_id when genesis is expected")
	test.AssertNotError(t, Validate(cert, false), "Validate should accept a non-genesis prev_id when genesis is not required")
}

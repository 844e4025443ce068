package core

import (
	"testing"

	"github.com/topos-tce/tce-node/internal/test"
)

func TestSubnetIdIsZero(t *testing.T) {
	var s SubnetId
	test.AssertTrue(t, s.IsZero(), "zero-value SubnetId should report IsZero")

	s[0] = 1
	test.AssertTrue(t, !s.IsZero(), "non-zero SubnetId should not report IsZero")
}

func TestCertificateIdIsGenesis(t *testing.T) {
	var c CertificateId
	test.AssertTrue(t, c.IsGenesis(), "zero-value CertificateId should report IsGenesis")

	c[31] = 1
	test.AssertTrue(t, !c.IsGenesis(), "non-zero CertificateId should not report IsGenesis")
}

func TestPositionIncrement(t *testing.T) {
	p := ZeroPosition
	test.AssertEquals(t, p, Position(0), "zero position")
	p = p.Increment()
	test.AssertEquals(t, p, Position(1), "incremented position")
}

func TestCertificateHasTarget(t *testing.T) {
	var a, b SubnetId
	a[0] = 1
	b[0] = 2

	c := &Certificate{TargetSubnets: []SubnetId{a}}
	test.AssertTrue(t, c.HasTarget(a), "certificate should have target a")
	test.AssertTrue(t, !c.HasTarget(b), "certificate should not have target b")
}

func TestNormalizeTargetsSortsAndDedupes(t *testing.T) {
	var a, b, c SubnetId
	a[0], b[0], c[0] = 3, 1, 2

	got := normalizeTargets([]SubnetId{a, b, c, b})
	want := []SubnetId{b, c, a}

	if len(got) != len(want) {
		t.Fatalf("got %d targets, want %d", len(got), len(want))
	}
	for i := range want {
		test.AssertEquals(t, got[i], want[i], "normalized target order")
	}
}

func TestProofOfDeliverySatisfied(t *testing.T) {
	var v1, v2, v3 SubnetId
	v1[0], v2[0], v3[0] = 1, 2, 3

	p := &ProofOfDelivery{
		Threshold: 2,
		Readies: []SignedReady{
			{ValidatorID: v1},
			{ValidatorID: v2},
			{ValidatorID: v2}, // duplicate vote from the same validator
		},
	}

	test.AssertEquals(t, p.CountDistinctValid(), uint64(2), "distinct validator count")
	test.AssertTrue(t, p.Satisfied(), "proof should satisfy its threshold")

	p.Threshold = 3
	test.AssertTrue(t, !p.Satisfied(), "proof should not satisfy a higher threshold")
}

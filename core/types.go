// Package core defines the wire-level data model of the TCE: certificates,
// subnet and certificate identifiers, stream positions, and proofs of
// delivery. Nothing in this package talks to storage, the network, or the
// broadcast engine — it is pure data plus the invariants from spec.md §3.
package core

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
)

// SubnetIdSize is the width of a SubnetId: a secp256k1 public key x-coordinate.
const SubnetIdSize = 32

// CertificateIdSize is the width of a CertificateId: a SHA-256 content hash.
const CertificateIdSize = 32

// SubnetId identifies a subnet. It doubles as the x-coordinate of the
// subnet's secp256k1 verification key, per spec.md §3.
type SubnetId [SubnetIdSize]byte

func (s SubnetId) String() string {
	return hex.EncodeToString(s[:])
}

// IsZero reports whether s is the all-zero subnet id (used only in tests;
// genesis is defined on CertificateId, not SubnetId).
func (s SubnetId) IsZero() bool {
	return s == SubnetId{}
}

// CertificateId is the content hash of a Certificate.
type CertificateId [CertificateIdSize]byte

func (c CertificateId) String() string {
	return hex.EncodeToString(c[:])
}

// IsGenesis reports whether c is the all-zero genesis marker used as the
// prev_id of the first certificate on a source chain.
func (c CertificateId) IsGenesis() bool {
	return c == CertificateId{}
}

// Position is a dense, zero-based stream offset.
type Position uint64

// ZeroPosition is the position of the first certificate on any stream.
const ZeroPosition Position = 0

// BeforeGenesisPosition is the sentinel a Push-Stream client uses in
// place of a real position to mean "I have never seen this
// (target, source) stream" — as opposed to ZeroPosition, which means
// the client already holds the certificate at position 0 and wants
// only what comes after it. Requesting replay from BeforeGenesisPosition
// replays the whole stream, starting at ZeroPosition.
const BeforeGenesisPosition Position = ^Position(0)

// Increment returns the next position. Positions do not wrap in practice;
// overflow is not a realistic concern at 2^64 certificates.
func (p Position) Increment() Position {
	return p + 1
}

// Certificate is a signed attestation advancing a source subnet's chain,
// optionally carrying delivery targets to other subnets.
type Certificate struct {
	ID              CertificateId
	PrevID          CertificateId
	SourceSubnetID  SubnetId
	TargetSubnets   []SubnetId
	StateRoot       [32]byte
	TxRoot          [32]byte
	ReceiptsRoot    [32]byte
	Verifier        uint32
	Proof           []byte
	Signature       []byte
}

// HasTarget reports whether target is among c's delivery targets.
func (c *Certificate) HasTarget(target SubnetId) bool {
	for _, t := range c.TargetSubnets {
		if t == target {
			return true
		}
	}
	return false
}

// SourceStreamPositionKey identifies a slot in a per-source stream.
type SourceStreamPositionKey struct {
	Source   SubnetId
	Position Position
}

func (k SourceStreamPositionKey) String() string {
	return fmt.Sprintf("%s@%d", k.Source, k.Position)
}

// TargetStreamPositionKey identifies a slot in a per-(target,source) stream.
type TargetStreamPositionKey struct {
	Target   SubnetId
	Source   SubnetId
	Position Position
}

// TargetSourceKey identifies the (target, source) pair whose stream is
// being addressed, independent of position — used as a prefix-scan key.
type TargetSourceKey struct {
	Target SubnetId
	Source SubnetId
}

// SourceHead is a source subnet's current head: the last delivered
// certificate id and its position.
type SourceHead struct {
	SubnetID      SubnetId
	CertificateID CertificateId
	Position      Position
}

// CertificatePositions is returned by a successful delivery commit: the
// source position assigned plus the target position assigned for every
// target subnet named by the certificate.
type CertificatePositions struct {
	Source  SourceStreamPositionKey
	Targets map[SubnetId]TargetStreamPositionKey
}

// SignedReady is one validator's Ready vote for a certificate, retained as
// part of a ProofOfDelivery.
type SignedReady struct {
	ValidatorID SubnetId
	Signature   []byte
}

// ProofOfDelivery is the set of Ready signatures that justified a
// certificate's delivery, plus the source-stream slot it was delivered at
// and the threshold in force at the time. It travels independently of the
// certificate body — a peer can receive and persist a ProofOfDelivery
// during checkpoint synchronization well before it has fetched the
// certificate it attests to, so CertificateID is carried directly on the
// proof rather than assumed derivable from DeliveryPosition.
type ProofOfDelivery struct {
	CertificateID    CertificateId
	DeliveryPosition SourceStreamPositionKey
	Readies          []SignedReady
	Threshold        uint64
}

// CountDistinctValid counts the distinct validator ids with a readies entry.
// A fresh node can "check" a proof off-line by comparing this against
// Threshold — it does not re-verify signatures here, callers that need
// signature verification use core.VerifyReady per entry.
func (p *ProofOfDelivery) CountDistinctValid() uint64 {
	seen := make(map[SubnetId]struct{}, len(p.Readies))
	for _, r := range p.Readies {
		seen[r.ValidatorID] = struct{}{}
	}
	return uint64(len(seen))
}

// Satisfied reports whether the proof meets its own recorded threshold.
func (p *ProofOfDelivery) Satisfied() bool {
	return p.CountDistinctValid() >= p.Threshold
}

// CertificateDelivered pairs a Certificate with the ProofOfDelivery that
// justified its commit. This is the unit persisted in the perpetual
// certificates table (§6).
type CertificateDelivered struct {
	Certificate     Certificate
	ProofOfDelivery ProofOfDelivery
}

// normalizeTargets returns the sorted, deduplicated form of targets.
//
// Adapted from AKJUS-boulder/identifier/identifier.go's Normalize: same
// sort-then-compact shape, rewritten for fixed-width SubnetId instead of
// ACMEIdentifier, and without the lowercasing step (subnet ids are raw
// bytes, not case-insensitive strings).
func normalizeTargets(targets []SubnetId) []SubnetId {
	out := slices.Clone(targets)
	slices.SortFunc(out, func(a, b SubnetId) int {
		return bytes.Compare(a[:], b[:])
	})
	return slices.CompactFunc(out, func(a, b SubnetId) bool {
		return a == b
	})
}

// encodeTargets serializes a normalized target list as a length-prefixed
// concatenation of 32-byte ids, used by the canonical signing payload.
func encodeTargets(targets []SubnetId) []byte {
	buf := make([]byte, 4+len(targets)*SubnetIdSize)
	binary.BigEndian.PutUint32(buf[:4], uint32(len(targets)))
	for i, t := range targets {
		copy(buf[4+i*SubnetIdSize:], t[:])
	}
	return buf
}

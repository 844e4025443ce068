// Package berrors enumerates the error kinds a TCE node needs to
// distinguish at its boundaries (RPC responses, retry loops, shutdown
// ordering): one error kind per handling policy, constructors that
// behave like fmt.Errorf, and errors.Is/errors.As for classification at
// call sites instead of string matching.
package berrors

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a TCEError by how a caller should react to it.
type ErrorKind int

const (
	// InvalidCertificate means a certificate failed a structural or
	// cryptographic check (core.Validate) and must never be retried
	// as-is.
	InvalidCertificate ErrorKind = iota
	// PositionAlreadyTaken means a caller attempted to commit a
	// certificate at a source-stream position that storage already
	// occupies with a different certificate id.
	PositionAlreadyTaken
	// PrecedenceUnsatisfied means a certificate's prev_id does not match
	// its source subnet's current head; the caller should hold it in
	// the pending queue rather than commit it.
	PrecedenceUnsatisfied
	// StaleView means an operation was attempted against a sampling
	// view that the Oracle has since rebuilt; the caller should fetch
	// the current view and retry.
	StaleView
	// BufferFull means the broadcast engine's bounded candidate buffer
	// (capacity 2048) is full; the caller should apply backpressure.
	BufferFull
	// RpcTransient means an RPC to a peer failed in a way a retry with
	// backoff might resolve (timeout, connection refused, 5xx).
	RpcTransient
	// ProofInsufficient means a ProofOfDelivery was presented with
	// fewer distinct valid signatures than its recorded threshold.
	ProofInsufficient
	// StorageIO means the durable store returned an error unrelated to
	// application-level validation (connection loss, disk error).
	StorageIO
	// Shutdown means the operation was abandoned because the component
	// is shutting down; callers should not retry.
	Shutdown
	// QueueOverflow means a bounded per-client delivery queue filled up
	// faster than the client drained it; the stream is closed rather
	// than buffered without bound.
	QueueOverflow
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidCertificate:
		return "InvalidCertificate"
	case PositionAlreadyTaken:
		return "PositionAlreadyTaken"
	case PrecedenceUnsatisfied:
		return "PrecedenceUnsatisfied"
	case StaleView:
		return "StaleView"
	case BufferFull:
		return "BufferFull"
	case RpcTransient:
		return "RpcTransient"
	case ProofInsufficient:
		return "ProofInsufficient"
	case StorageIO:
		return "StorageIO"
	case Shutdown:
		return "Shutdown"
	case QueueOverflow:
		return "QueueOverflow"
	default:
		return "Unknown"
	}
}

// Recoverable reports whether a caller seeing an error of this kind
// should retry the operation (possibly after backoff) rather than give
// up on it outright.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case PrecedenceUnsatisfied, StaleView, BufferFull, RpcTransient, StorageIO:
		return true
	default:
		return false
	}
}

// TCEError is the concrete error type constructed for every ErrorKind.
// Two TCEErrors compare equal under errors.Is when they share a Kind,
// regardless of message.
type TCEError struct {
	Kind ErrorKind
	Msg  string
}

func (e *TCEError) Error() string {
	return e.Msg
}

// Is implements the errors.Is contract: two *TCEErrors match when their
// Kind matches. This lets callers write errors.Is(err, berrors.ErrStaleView)
// the same way boulder callers write errors.Is(err, berrors.NotFound).
func (e *TCEError) Is(target error) bool {
	var t *TCEError
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

func newf(kind ErrorKind, format string, args ...any) *TCEError {
	return &TCEError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func InvalidCertificateError(format string, args ...any) error {
	return newf(InvalidCertificate, format, args...)
}

func PositionAlreadyTakenError(format string, args ...any) error {
	return newf(PositionAlreadyTaken, format, args...)
}

func PrecedenceUnsatisfiedError(format string, args ...any) error {
	return newf(PrecedenceUnsatisfied, format, args...)
}

func StaleViewError(format string, args ...any) error {
	return newf(StaleView, format, args...)
}

func BufferFullError(format string, args ...any) error {
	return newf(BufferFull, format, args...)
}

func RpcTransientError(format string, args ...any) error {
	return newf(RpcTransient, format, args...)
}

func ProofInsufficientError(format string, args ...any) error {
	return newf(ProofInsufficient, format, args...)
}

func StorageIOError(format string, args ...any) error {
	return newf(StorageIO, format, args...)
}

func ShutdownError(format string, args ...any) error {
	return newf(Shutdown, format, args...)
}

func QueueOverflowError(format string, args ...any) error {
	return newf(QueueOverflow, format, args...)
}

// Compile-time check that *TCEError implements error.
var (
	_ error = (*TCEError)(nil)
)

// Well-known zero-message sentinels for errors.Is comparisons, mirroring
// boulder's berrors.NotFound / berrors.Malformed package-level vars.
var (
	ErrInvalidCertificate    = &TCEError{Kind: InvalidCertificate}
	ErrPositionAlreadyTaken  = &TCEError{Kind: PositionAlreadyTaken}
	ErrPrecedenceUnsatisfied = &TCEError{Kind: PrecedenceUnsatisfied}
	ErrStaleView             = &TCEError{Kind: StaleView}
	ErrBufferFull            = &TCEError{Kind: BufferFull}
	ErrRpcTransient          = &TCEError{Kind: RpcTransient}
	ErrProofInsufficient     = &TCEError{Kind: ProofInsufficient}
	ErrStorageIO             = &TCEError{Kind: StorageIO}
	ErrShutdown              = &TCEError{Kind: Shutdown}
	ErrQueueOverflow         = &TCEError{Kind: QueueOverflow}
)

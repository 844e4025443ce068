package berrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/topos-tce/tce-node/internal/test"
)

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := StaleViewError("view %d is stale", 7)
	test.AssertTrue(t, errors.Is(err, ErrStaleView), "StaleViewError should match the StaleView sentinel")
	test.AssertTrue(t, !errors.Is(err, ErrBufferFull), "StaleViewError should not match an unrelated sentinel")
}

func TestErrorsIsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("commit failed: %w", PositionAlreadyTakenError("position %d taken", 3))
	test.AssertTrue(t, errors.Is(err, ErrPositionAlreadyTaken), "wrapped TCEError should still match its sentinel")
}

func TestRecoverablePolicy(t *testing.T) {
	recoverable := []ErrorKind{PrecedenceUnsatisfied, StaleView, BufferFull, RpcTransient, StorageIO}
	for _, k := range recoverable {
		test.AssertTrue(t, k.Recoverable(), fmt.Sprintf("%s should be recoverable", k))
	}

	terminal := []ErrorKind{InvalidCertificate, PositionAlreadyTaken, ProofInsufficient, Shutdown}
	for _, k := range terminal {
		test.AssertTrue(t, !k.Recoverable(), fmt.Sprintf("%s should not be recoverable", k))
	}
}

func TestErrorMessageFormatting(t *testing.T) {
	err := InvalidCertificateError("bad signature for %s", "abc123")
	test.AssertEquals(t, err.Error(), "bad signature for abc123", "message formatting")
}

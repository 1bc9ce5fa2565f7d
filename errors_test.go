package sub402

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorsArePrefixed(t *testing.T) {
	all := []error{
		ErrPaymentRequired,
		ErrInvalidSignature,
		ErrNonceMismatch,
		ErrDeadlineExpired,
		ErrInsufficientPayment,
		ErrPlanNotFound,
		ErrPlanInactive,
		ErrNotPlanCreator,
		ErrAlreadySubscribed,
		ErrSubscriptionNotFound,
		ErrPaymentNotDue,
		ErrPaymentNotFound,
		ErrGracePeriodExceeded,
		ErrSettlementTimeout,
		ErrSettlementFailed,
		ErrDoubleSettlement,
		ErrFacilitatorUnavailable,
		ErrMalformedHeader,
		ErrUnsupportedScheme,
		ErrInvalidAmount,
		ErrInvalidInterval,
		ErrInvalidKey,
		ErrInvalidKeystore,
		ErrInvalidMnemonic,
	}
	seen := make(map[string]bool)
	for _, err := range all {
		msg := err.Error()
		if !strings.HasPrefix(msg, "sub402: ") {
			t.Errorf("%q lacks package prefix", msg)
		}
		if seen[msg] {
			t.Errorf("duplicate error message %q", msg)
		}
		seen[msg] = true
	}
}

func TestErrors_WrapAndMatch(t *testing.T) {
	wrapped := fmt.Errorf("%w: got 3, expected 1", ErrNonceMismatch)
	if !errors.Is(wrapped, ErrNonceMismatch) {
		t.Error("wrapped nonce mismatch does not match sentinel")
	}
	if errors.Is(wrapped, ErrDeadlineExpired) {
		t.Error("wrapped nonce mismatch matches unrelated sentinel")
	}
}

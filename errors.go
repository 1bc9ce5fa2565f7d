package sub402

import "errors"

// Standard sub402 error definitions.
//
// Every failure surfaced by the authorizer, the ledger, or the gateway maps to
// exactly one of these sentinels. The gateway is the only layer that translates
// them into protocol-level HTTP responses.

var (
	// ErrPaymentRequired indicates that payment is required to access the resource.
	ErrPaymentRequired = errors.New("sub402: payment required")

	// ErrInvalidSignature indicates the recovered signer does not match the claimed payer.
	ErrInvalidSignature = errors.New("sub402: invalid signature")

	// ErrNonceMismatch indicates the presented nonce does not equal the payer's stored nonce.
	ErrNonceMismatch = errors.New("sub402: nonce mismatch")

	// ErrDeadlineExpired indicates the authorization deadline has passed.
	ErrDeadlineExpired = errors.New("sub402: authorization deadline expired")

	// ErrInsufficientPayment indicates the declared amount does not match the plan amount.
	ErrInsufficientPayment = errors.New("sub402: insufficient payment")

	// ErrPlanNotFound indicates the referenced plan does not exist.
	ErrPlanNotFound = errors.New("sub402: plan not found")

	// ErrPlanInactive indicates the plan has been deactivated and accepts no new subscribers.
	ErrPlanInactive = errors.New("sub402: plan inactive")

	// ErrNotPlanCreator indicates the requester is not the plan's creator.
	ErrNotPlanCreator = errors.New("sub402: not plan creator")

	// ErrAlreadySubscribed indicates an active subscription already exists for the pair.
	ErrAlreadySubscribed = errors.New("sub402: already subscribed")

	// ErrSubscriptionNotFound indicates no active subscription exists for the pair.
	ErrSubscriptionNotFound = errors.New("sub402: subscription not found")

	// ErrPaymentNotDue indicates the next payment due date has not arrived yet.
	ErrPaymentNotDue = errors.New("sub402: payment not due")

	// ErrPaymentNotFound indicates the referenced payment record does not exist.
	ErrPaymentNotFound = errors.New("sub402: payment record not found")

	// ErrGracePeriodExceeded indicates the payment arrived after the grace window closed.
	ErrGracePeriodExceeded = errors.New("sub402: grace period exceeded")

	// ErrSettlementTimeout indicates settlement did not confirm within the retry budget.
	ErrSettlementTimeout = errors.New("sub402: settlement timeout")

	// ErrSettlementFailed indicates the facilitator rejected the settlement.
	ErrSettlementFailed = errors.New("sub402: settlement failed")

	// ErrDoubleSettlement indicates a second, conflicting settlement confirmation.
	ErrDoubleSettlement = errors.New("sub402: double settlement")

	// ErrFacilitatorUnavailable indicates the facilitator service is unreachable.
	ErrFacilitatorUnavailable = errors.New("sub402: facilitator unavailable")

	// ErrMalformedHeader indicates the X-PAYMENT header could not be decoded.
	ErrMalformedHeader = errors.New("sub402: malformed payment header")

	// ErrUnsupportedScheme indicates an unknown payment header protocol tag.
	ErrUnsupportedScheme = errors.New("sub402: unsupported payment scheme")

	// ErrInvalidAmount indicates a zero, negative, or unparseable amount.
	ErrInvalidAmount = errors.New("sub402: invalid amount")

	// ErrInvalidInterval indicates a non-positive billing interval or duration.
	ErrInvalidInterval = errors.New("sub402: invalid interval")

	// ErrInvalidKey indicates an invalid private key.
	ErrInvalidKey = errors.New("sub402: invalid private key")

	// ErrInvalidKeystore indicates an invalid or undecryptable keystore file.
	ErrInvalidKeystore = errors.New("sub402: invalid keystore file")

	// ErrInvalidMnemonic indicates an invalid BIP-39 mnemonic phrase.
	ErrInvalidMnemonic = errors.New("sub402: invalid mnemonic phrase")
)

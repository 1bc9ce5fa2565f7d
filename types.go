// Package sub402 implements the core types for an X402 recurring-payment
// engine: signature-authorized subscription plans billed over HTTP 402
// challenge/response, settled through an external facilitator.
package sub402

import (
	"math/big"
	"strings"
	"time"
)

// NativeToken is the token designator for the chain's native asset.
// It normalizes to the zero address in typed-data digests.
const NativeToken = "native"

// ZeroAddress is the normalized form of the native token designator.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// NormalizeToken maps the native designators onto the zero address and
// lowercases contract addresses so equality checks are case-insensitive.
func NormalizeToken(token string) string {
	switch token {
	case NativeToken, "0x0", "":
		return ZeroAddress
	default:
		return strings.ToLower(token)
	}
}

// PaymentType tags a PaymentRecord with its place in the billing lifecycle.
type PaymentType string

const (
	PaymentTypeInitial   PaymentType = "initial"
	PaymentTypeRecurring PaymentType = "recurring"
	PaymentTypeRenewal   PaymentType = "renewal"
	PaymentTypeOneOff    PaymentType = "oneoff"
)

// SubscriptionStatus is derived from a subscription's timestamps and flags,
// never stored separately.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusGrace     SubscriptionStatus = "grace"
	StatusExpired   SubscriptionStatus = "expired"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// Plan is a recurring-billing offer created by an API owner. Plans are never
// physically deleted; deactivation only blocks new subscribers.
type Plan struct {
	// ID is an opaque unique identifier.
	ID string `json:"planId"`

	// Token is the payment token designator: NativeToken or a contract address.
	Token string `json:"token"`

	// Amount is the charge per interval in atomic units.
	Amount *big.Int `json:"amount"`

	// Interval is the billing interval.
	Interval time.Duration `json:"interval"`

	// Duration is the total subscription term.
	Duration time.Duration `json:"duration"`

	// GracePeriod is the window after a missed due date during which a late
	// payment still avoids expiry.
	GracePeriod time.Duration `json:"gracePeriod"`

	// ResourceLocator is the protected resource URL, encrypted at rest.
	ResourceLocator string `json:"-"`

	// Description is an optional human-readable plan description.
	Description string `json:"description,omitempty"`

	// Creator is the plan owner's address.
	Creator string `json:"creator"`

	// Active reports whether the plan accepts new subscribers.
	Active bool `json:"active"`

	// Subscribers counts subscriptions ever admitted to the plan.
	Subscribers int `json:"subscribers"`

	CreatedAt time.Time `json:"createdAt"`
}

// Subscription tracks the temporal billing state for one (plan, subscriber)
// pair. At most one subscription per pair may be active at a time.
type Subscription struct {
	PlanID     string `json:"planId"`
	Subscriber string `json:"subscriber"`

	StartTime      time.Time `json:"startTime"`
	NextPaymentDue time.Time `json:"nextPaymentDue"`
	EndTime        time.Time `json:"endTime"`

	// TotalPaid accumulates admitted charges in atomic units.
	TotalPaid *big.Int `json:"totalPaid"`

	// PaymentCount is the number of admitted charges, including the initial one.
	// It doubles as the paymentNumber a client signs into a RecurringPayment
	// authorization (next charge = PaymentCount + 1).
	PaymentCount int `json:"paymentCount"`

	// MissedPayments counts consecutive billing cycles that lapsed past grace.
	// It persists across status transitions and resets on a successful charge.
	MissedPayments int `json:"missedPayments"`

	Active    bool `json:"active"`
	AutoRenew bool `json:"autoRenew"`
}

// Status derives the lifecycle state at the given instant. The grace period
// comes from the owning plan.
func (s *Subscription) Status(grace time.Duration, now time.Time) SubscriptionStatus {
	if !s.Active {
		return StatusCancelled
	}
	if now.After(s.EndTime) || now.After(s.NextPaymentDue.Add(grace)) {
		return StatusExpired
	}
	if now.After(s.NextPaymentDue) {
		return StatusGrace
	}
	return StatusActive
}

// Key returns the composite subscription key.
func (s *Subscription) Key() string {
	return SubscriptionKey(s.PlanID, s.Subscriber)
}

// SubscriptionKey composes the ledger key for a (plan, subscriber) pair.
// Subscriber addresses are compared case-insensitively.
func SubscriptionKey(planID, subscriber string) string {
	return planID + ":" + strings.ToLower(subscriber)
}

// PaymentRecord is an append-only record of one admitted charge. It is created
// once and never mutated except by settlement confirmation.
type PaymentRecord struct {
	ID         string      `json:"paymentId"`
	PlanID     string      `json:"planId"`
	Subscriber string      `json:"subscriber"`
	Amount     *big.Int    `json:"amount"`
	Timestamp  time.Time   `json:"timestamp"`
	Type       PaymentType `json:"paymentType"`

	// SettlementRef is the external transaction identifier. Empty until the
	// facilitator confirms settlement.
	SettlementRef string `json:"settlementRef,omitempty"`
}

// Settled reports whether the record carries a settlement confirmation.
func (p *PaymentRecord) Settled() bool {
	return p.SettlementRef != ""
}

// PaymentHeader is the decoded X-PAYMENT header value.
type PaymentHeader struct {
	// Amount in atomic units.
	Amount *big.Int

	// Token designator as presented by the client.
	Token string

	// Signature is the hex-encoded 65-byte ECDSA signature.
	Signature string

	// Timestamp is when the client built the authorization. The verification
	// deadline is Timestamp plus the server's challenge window.
	Timestamp time.Time

	// From is the claimed payer address.
	From string

	// Nonce is the payer's per-address replay counter.
	Nonce uint64
}

// PaymentChallenge is the 402 response body describing what the server will
// accept for the requested action.
type PaymentChallenge struct {
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Recipient string `json:"recipient"`
	Action    string `json:"action"`

	// DeadlineHint is the challenge window in seconds: the client's header
	// timestamp plus this window is the signature deadline.
	DeadlineHint int `json:"deadlineHint"`

	Error string `json:"error,omitempty"`
}

// SettlementReceipt is the X-PAYMENT-RESPONSE header body returned after a
// charge is admitted. TxRef is empty while settlement is still pending.
type SettlementReceipt struct {
	Settled   bool   `json:"settled"`
	TxRef     string `json:"txRef,omitempty"`
	PaymentID string `json:"paymentId"`
	Payer     string `json:"payer"`
}

// AmountToBigInt converts a decimal amount string to *big.Int in atomic units.
// For example, "1.5" with 18 decimals becomes 1500000000000000000.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	value := new(big.Float)
	if _, ok := value.SetString(amount); !ok {
		return nil, ErrInvalidAmount
	}

	multiplier := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, multiplier)

	result, accuracy := value.Int(nil)
	if accuracy != big.Exact {
		return nil, ErrInvalidAmount
	}
	return result, nil
}

// BigIntToAmount converts a *big.Int in atomic units to a decimal string.
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}

	f := new(big.Float).SetInt(value)
	divisor := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f.Quo(f, divisor)

	return f.Text('f', decimals)
}

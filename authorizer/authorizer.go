// Package authorizer verifies EIP-712 typed-data payment authorizations and
// owns the per-payer nonce ledger used for replay prevention.
package authorizer

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	sub402 "github.com/sub402/sub402-go"
)

// Typed-data domain constants. The name/version pair is fixed and versioned so
// signatures cannot be replayed against a different deployment or purpose.
const (
	DomainName    = "sub402"
	DomainVersion = "1"
)

// Primary type names. Each action class signs a distinct type, so a signature
// for one class can never be replayed as authorization for another.
const (
	TypePaymentAuthorization      = "PaymentAuthorization"
	TypeSubscriptionAuthorization = "SubscriptionAuthorization"
	TypeRecurringPayment          = "RecurringPayment"
)

// PaymentIntent is the structured intent behind a one-off payment
// authorization (plan creation, deactivation, cancellation, resource access).
type PaymentIntent struct {
	Payer    string
	Token    string
	Amount   *big.Int
	Deadline time.Time
	Nonce    uint64
	Action   string
}

// SubscriptionIntent authorizes subscribing to a plan.
type SubscriptionIntent struct {
	PlanID     string
	Subscriber string
	Amount     *big.Int
	Deadline   time.Time
	Nonce      uint64
	AutoRenew  bool
}

// RecurringIntent authorizes one recurring charge against an existing
// subscription. PaymentNumber is the 1-based index of the charge.
type RecurringIntent struct {
	PlanID        string
	Subscriber    string
	Amount        *big.Int
	PaymentNumber uint64
	Deadline      time.Time
	Nonce         uint64
}

// Domain builds domain-separated typed-data digests. It is shared between the
// server-side Authorizer and the client-side signer so both always hash the
// identical layout.
type Domain struct {
	chainID           *big.Int
	verifyingContract string
}

// NewDomain binds the deployment's chain and contract context into the domain.
func NewDomain(chainID int64, verifyingContract string) Domain {
	return Domain{
		chainID:           big.NewInt(chainID),
		verifyingContract: common.HexToAddress(verifyingContract).Hex(),
	}
}

// PlanIDHash maps an opaque plan identifier onto the bytes32 field signed in
// subscription and recurring digests.
func PlanIDHash(planID string) common.Hash {
	return crypto.Keccak256Hash([]byte(planID))
}

func (d Domain) typedDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainId:           (*math.HexOrDecimal256)(d.chainID),
		VerifyingContract: d.verifyingContract,
	}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// PaymentDigest computes the signed digest for a PaymentAuthorization.
func (d Domain) PaymentDigest(intent PaymentIntent) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			TypePaymentAuthorization: []apitypes.Type{
				{Name: "payer", Type: "address"},
				{Name: "token", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "action", Type: "string"},
			},
		},
		PrimaryType: TypePaymentAuthorization,
		Domain:      d.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"payer":    common.HexToAddress(intent.Payer).Hex(),
			"token":    common.HexToAddress(sub402.NormalizeToken(intent.Token)).Hex(),
			"amount":   (*math.HexOrDecimal256)(intent.Amount),
			"deadline": (*math.HexOrDecimal256)(big.NewInt(intent.Deadline.Unix())),
			"nonce":    (*math.HexOrDecimal256)(new(big.Int).SetUint64(intent.Nonce)),
			"action":   intent.Action,
		},
	}
	return digest(typedData)
}

// SubscriptionDigest computes the signed digest for a SubscriptionAuthorization.
func (d Domain) SubscriptionDigest(intent SubscriptionIntent) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			TypeSubscriptionAuthorization: []apitypes.Type{
				{Name: "planId", Type: "bytes32"},
				{Name: "subscriber", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "autoRenew", Type: "bool"},
			},
		},
		PrimaryType: TypeSubscriptionAuthorization,
		Domain:      d.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"planId":     PlanIDHash(intent.PlanID).Hex(),
			"subscriber": common.HexToAddress(intent.Subscriber).Hex(),
			"amount":     (*math.HexOrDecimal256)(intent.Amount),
			"deadline":   (*math.HexOrDecimal256)(big.NewInt(intent.Deadline.Unix())),
			"nonce":      (*math.HexOrDecimal256)(new(big.Int).SetUint64(intent.Nonce)),
			"autoRenew":  intent.AutoRenew,
		},
	}
	return digest(typedData)
}

// RecurringDigest computes the signed digest for a RecurringPayment.
func (d Domain) RecurringDigest(intent RecurringIntent) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			TypeRecurringPayment: []apitypes.Type{
				{Name: "planId", Type: "bytes32"},
				{Name: "subscriber", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "paymentNumber", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: TypeRecurringPayment,
		Domain:      d.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"planId":        PlanIDHash(intent.PlanID).Hex(),
			"subscriber":    common.HexToAddress(intent.Subscriber).Hex(),
			"amount":        (*math.HexOrDecimal256)(intent.Amount),
			"paymentNumber": (*math.HexOrDecimal256)(new(big.Int).SetUint64(intent.PaymentNumber)),
			"deadline":      (*math.HexOrDecimal256)(big.NewInt(intent.Deadline.Unix())),
			"nonce":         (*math.HexOrDecimal256)(new(big.Int).SetUint64(intent.Nonce)),
		},
	}
	return digest(typedData)
}

// digest hashes typed data per EIP-712:
// keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func digest(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// RecoverSigner recovers the signing address from a digest and a hex-encoded
// 65-byte signature. Both 0/1 and Ethereum-style 27/28 recovery ids are
// accepted.
func RecoverSigner(dig []byte, signature string) (common.Address, error) {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", sub402.ErrInvalidSignature, err)
	}
	if len(sigBytes) != 65 {
		return common.Address{}, fmt.Errorf("%w: expected 65 bytes, got %d", sub402.ErrInvalidSignature, len(sigBytes))
	}

	sig := make([]byte, 65)
	copy(sig, sigBytes)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(dig, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", sub402.ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// Authorizer turns a caller-supplied signature plus a structured intent into
// an admission decision, and guarantees a given (payer, nonce) pair can only
// ever succeed once. Verification itself has no side effects; the caller
// spends the nonce with IncrementNonce only after the associated state change
// has been admitted.
type Authorizer struct {
	domain Domain
	nonces *NonceLedger
	now    func() time.Time
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authorizer) { a.now = now }
}

// New creates an Authorizer for the given deployment context.
func New(chainID int64, verifyingContract string, opts ...Option) *Authorizer {
	a := &Authorizer{
		domain: NewDomain(chainID, verifyingContract),
		nonces: NewNonceLedger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Domain exposes the digest builder, for clients constructing authorizations.
func (a *Authorizer) Domain() Domain {
	return a.domain
}

// VerifyPayment checks a PaymentAuthorization signature against the intent.
// Failure is permanent for this exact request: deadline and nonce failures
// require the client to rebuild a fresh signed intent.
func (a *Authorizer) VerifyPayment(intent PaymentIntent, signature string) error {
	if err := a.preflight(intent.Payer, intent.Deadline, intent.Nonce); err != nil {
		return err
	}
	dig, err := a.domain.PaymentDigest(intent)
	if err != nil {
		return fmt.Errorf("%w: %v", sub402.ErrInvalidSignature, err)
	}
	return matchSigner(dig, signature, intent.Payer)
}

// VerifySubscription checks a SubscriptionAuthorization signature.
func (a *Authorizer) VerifySubscription(intent SubscriptionIntent, signature string) error {
	if err := a.preflight(intent.Subscriber, intent.Deadline, intent.Nonce); err != nil {
		return err
	}
	dig, err := a.domain.SubscriptionDigest(intent)
	if err != nil {
		return fmt.Errorf("%w: %v", sub402.ErrInvalidSignature, err)
	}
	return matchSigner(dig, signature, intent.Subscriber)
}

// VerifyRecurringPayment checks a RecurringPayment signature.
func (a *Authorizer) VerifyRecurringPayment(intent RecurringIntent, signature string) error {
	if err := a.preflight(intent.Subscriber, intent.Deadline, intent.Nonce); err != nil {
		return err
	}
	dig, err := a.domain.RecurringDigest(intent)
	if err != nil {
		return fmt.Errorf("%w: %v", sub402.ErrInvalidSignature, err)
	}
	return matchSigner(dig, signature, intent.Subscriber)
}

// CurrentNonce returns the payer's next-expected nonce. Clients read this to
// construct the next valid authorization off-band.
func (a *Authorizer) CurrentNonce(payer string) uint64 {
	return a.nonces.Current(payer)
}

// IncrementNonce advances the payer's stored nonce by exactly one. Call once
// per admitted state change, never on verification failure.
func (a *Authorizer) IncrementNonce(payer string) {
	a.nonces.Increment(payer)
}

func (a *Authorizer) preflight(payer string, deadline time.Time, nonce uint64) error {
	if deadline.Before(a.now()) {
		return sub402.ErrDeadlineExpired
	}
	if current := a.nonces.Current(payer); nonce != current {
		return fmt.Errorf("%w: got %d, expected %d", sub402.ErrNonceMismatch, nonce, current)
	}
	return nil
}

func matchSigner(dig []byte, signature, expected string) error {
	recovered, err := RecoverSigner(dig, signature)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered.Hex(), common.HexToAddress(expected).Hex()) {
		return fmt.Errorf("%w: recovered %s", sub402.ErrInvalidSignature, recovered.Hex())
	}
	return nil
}

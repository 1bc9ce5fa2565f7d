// Package signer builds and signs payment authorizations on the client side.
// It shares the digest layout with the server-side authorizer, so a header it
// produces verifies against the same domain parameters.
package signer

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	sub402 "github.com/sub402/sub402-go"
	"github.com/sub402/sub402-go/authorizer"
)

// Signer holds a payer key and signs typed-data intents against a deployment
// domain.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	domain     authorizer.Domain
	now        func() time.Time
}

// Option configures a Signer. Key options may fail, for example on a bad
// keystore password.
type Option func(*Signer) error

// WithPrivateKey loads a hex-encoded private key.
func WithPrivateKey(hexKey string) Option {
	return func(s *Signer) error {
		key, err := crypto.HexToECDSA(trimHexPrefix(hexKey))
		if err != nil {
			return fmt.Errorf("%w: %v", sub402.ErrInvalidKey, err)
		}
		s.privateKey = key
		return nil
	}
}

// WithECDSAKey uses an already-parsed private key.
func WithECDSAKey(key *ecdsa.PrivateKey) Option {
	return func(s *Signer) error {
		if key == nil {
			return sub402.ErrInvalidKey
		}
		s.privateKey = key
		return nil
	}
}

// WithClock overrides the timestamp source for built headers.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) error {
		s.now = now
		return nil
	}
}

// New creates a Signer for the given deployment context. Exactly one key
// option is required.
func New(chainID int64, verifyingContract string, opts ...Option) (*Signer, error) {
	s := &Signer{
		domain: authorizer.NewDomain(chainID, verifyingContract),
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.privateKey == nil {
		return nil, fmt.Errorf("%w: no key configured", sub402.ErrInvalidKey)
	}
	return s, nil
}

// Address returns the payer address for the loaded key.
func (s *Signer) Address() string {
	return crypto.PubkeyToAddress(s.privateKey.PublicKey).Hex()
}

// SignPayment signs a PaymentAuthorization. An empty intent payer is filled
// with the signer's own address.
func (s *Signer) SignPayment(intent authorizer.PaymentIntent) (string, error) {
	if intent.Payer == "" {
		intent.Payer = s.Address()
	}
	dig, err := s.domain.PaymentDigest(intent)
	if err != nil {
		return "", err
	}
	return s.sign(dig)
}

// SignSubscription signs a SubscriptionAuthorization.
func (s *Signer) SignSubscription(intent authorizer.SubscriptionIntent) (string, error) {
	if intent.Subscriber == "" {
		intent.Subscriber = s.Address()
	}
	dig, err := s.domain.SubscriptionDigest(intent)
	if err != nil {
		return "", err
	}
	return s.sign(dig)
}

// SignRecurring signs a RecurringPayment.
func (s *Signer) SignRecurring(intent authorizer.RecurringIntent) (string, error) {
	if intent.Subscriber == "" {
		intent.Subscriber = s.Address()
	}
	dig, err := s.domain.RecurringDigest(intent)
	if err != nil {
		return "", err
	}
	return s.sign(dig)
}

// PaymentHeader assembles the X-PAYMENT header value for an already-produced
// signature, stamped with the current time.
func (s *Signer) PaymentHeader(amount *big.Int, token, signature string, nonce uint64) *sub402.PaymentHeader {
	return &sub402.PaymentHeader{
		Amount:    new(big.Int).Set(amount),
		Token:     token,
		Signature: signature,
		Timestamp: s.now(),
		From:      s.Address(),
		Nonce:     nonce,
	}
}

// sign produces the hex-encoded 65-byte signature with an Ethereum-style
// 27/28 recovery id.
func (s *Signer) sign(dig []byte) (string, error) {
	sig, err := crypto.Sign(dig, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", sub402.ErrInvalidSignature, err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}

// Package encoding implements the wire codecs for the X-PAYMENT and
// X-PAYMENT-RESPONSE headers.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	sub402 "github.com/sub402/sub402-go"
)

// ProtocolTag identifies the header scheme. Unknown tags are rejected so the
// format can evolve without silent misparses.
const ProtocolTag = "b64"

// EncodePaymentHeader renders a payment header as the colon-delimited
// protocol string, base64-wrapped into a single transport token:
//
//	b64:amount:token:signature:timestamp:fromAddress:nonce
//
// The timestamp is RFC 3339 in UTC.
func EncodePaymentHeader(h *sub402.PaymentHeader) string {
	raw := fmt.Sprintf("%s:%s:%s:%s:%s:%s:%d",
		ProtocolTag,
		h.Amount.String(),
		h.Token,
		h.Signature,
		h.Timestamp.UTC().Format(time.RFC3339),
		h.From,
		h.Nonce,
	)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// DecodePaymentHeader parses an X-PAYMENT header value. The RFC 3339
// timestamp contains colons of its own, so fields are recovered by position
// from both ends: four fixed fields up front, then the payer address (the
// last 0x-prefixed segment) and an optional trailing nonce. A header without
// the nonce segment decodes with nonce zero.
func DecodePaymentHeader(value string) (*sub402.PaymentHeader, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", sub402.ErrMalformedHeader, err)
	}

	parts := strings.Split(string(decoded), ":")
	if len(parts) < 6 {
		return nil, fmt.Errorf("%w: %d segments", sub402.ErrMalformedHeader, len(parts))
	}
	if parts[0] != ProtocolTag {
		return nil, fmt.Errorf("%w: %q", sub402.ErrUnsupportedScheme, parts[0])
	}

	amount, ok := new(big.Int).SetString(parts[1], 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: bad amount %q", sub402.ErrMalformedHeader, parts[1])
	}

	addrIdx := -1
	for i := len(parts) - 1; i >= 5; i-- {
		if strings.HasPrefix(parts[i], "0x") || strings.HasPrefix(parts[i], "0X") {
			addrIdx = i
			break
		}
	}
	if addrIdx == -1 {
		return nil, fmt.Errorf("%w: missing payer address", sub402.ErrMalformedHeader)
	}

	var nonce uint64
	switch trailing := parts[addrIdx+1:]; len(trailing) {
	case 0:
	case 1:
		nonce, err = strconv.ParseUint(trailing[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad nonce %q", sub402.ErrMalformedHeader, trailing[0])
		}
	default:
		return nil, fmt.Errorf("%w: trailing segments after nonce", sub402.ErrMalformedHeader)
	}

	ts, err := time.Parse(time.RFC3339, strings.Join(parts[4:addrIdx], ":"))
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp: %v", sub402.ErrMalformedHeader, err)
	}

	return &sub402.PaymentHeader{
		Amount:    amount,
		Token:     parts[2],
		Signature: parts[3],
		Timestamp: ts,
		From:      parts[addrIdx],
		Nonce:     nonce,
	}, nil
}

// EncodeReceipt renders an X-PAYMENT-RESPONSE header value: base64 over the
// receipt's JSON form.
func EncodeReceipt(r *sub402.SettlementReceipt) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeReceipt parses an X-PAYMENT-RESPONSE header value.
func DecodeReceipt(value string) (*sub402.SettlementReceipt, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", sub402.ErrMalformedHeader, err)
	}
	var r sub402.SettlementReceipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", sub402.ErrMalformedHeader, err)
	}
	return &r, nil
}

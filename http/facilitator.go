package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	sub402 "github.com/sub402/sub402-go"
	"github.com/sub402/sub402-go/encoding"
	"github.com/sub402/sub402-go/retry"
)

// Facilitator settles verified payments externally. The gateway treats it as
// slow and unreliable: bounded retries on Settle, none on Verify, since a
// verification verdict is final for a given signed intent.
type Facilitator interface {
	Verify(ctx context.Context, header *sub402.PaymentHeader) (*VerifyResult, error)
	Settle(ctx context.Context, header *sub402.PaymentHeader) (*SettleResult, error)
}

// VerifyResult is the facilitator's verdict on a payment header.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// SettleResult is the facilitator's settlement outcome.
type SettleResult struct {
	Settled bool   `json:"settled"`
	TxRef   string `json:"txRef,omitempty"`
}

// FacilitatorClient talks to an external settlement facilitator over HTTP.
type FacilitatorClient struct {
	BaseURL string
	Client  *http.Client

	// VerifyTimeout bounds the verify call.
	VerifyTimeout time.Duration

	// SettleTimeout bounds each settle attempt. Longer than verify because
	// settlement may wait on an on-chain confirmation.
	SettleTimeout time.Duration

	// SettleRetry bounds the settle retry schedule.
	SettleRetry retry.Config
}

// NewFacilitatorClient builds a client with the default timeout and retry
// policy.
func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		BaseURL:       baseURL,
		Client:        &http.Client{},
		VerifyTimeout: 5 * time.Second,
		SettleTimeout: 60 * time.Second,
		SettleRetry:   retry.SettlementConfig,
	}
}

type facilitatorRequest struct {
	Header string `json:"header"`
}

// Verify asks the facilitator whether the payment header is acceptable. No
// retries: a rejection is final for this signed intent.
func (c *FacilitatorClient) Verify(ctx context.Context, header *sub402.PaymentHeader) (*VerifyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.VerifyTimeout)
	defer cancel()

	var result VerifyResult
	if err := c.post(ctx, "/verify", header, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Settle asks the facilitator to execute the transfer, retrying transient
// failures on a bounded schedule.
func (c *FacilitatorClient) Settle(ctx context.Context, header *sub402.PaymentHeader) (*SettleResult, error) {
	result, err := retry.Do(ctx, c.SettleRetry, isTransient, func() (*SettleResult, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.SettleTimeout)
		defer cancel()

		var result SettleResult
		if err := c.post(attemptCtx, "/settle", header, &result); err != nil {
			return nil, err
		}
		if !result.Settled {
			return nil, fmt.Errorf("%w: facilitator declined", sub402.ErrSettlementFailed)
		}
		return &result, nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", sub402.ErrSettlementTimeout, err)
		}
		return nil, err
	}
	return result, nil
}

func isTransient(err error) bool {
	return errors.Is(err, sub402.ErrFacilitatorUnavailable)
}

func (c *FacilitatorClient) post(ctx context.Context, path string, header *sub402.PaymentHeader, out any) error {
	data, err := json.Marshal(facilitatorRequest{Header: encoding.EncodePaymentHeader(header)})
	if err != nil {
		return fmt.Errorf("marshal facilitator request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create facilitator request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", sub402.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d from %s", sub402.ErrFacilitatorUnavailable, resp.StatusCode, path)
	default:
		return fmt.Errorf("facilitator %s failed: status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode facilitator response: %w", err)
	}
	return nil
}

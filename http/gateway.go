// Package http implements the X402 payment gateway: the 402 challenge
// handshake, the X-PAYMENT middleware for pay-per-request resources, and the
// REST surface for plans, subscriptions and payments.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	sub402 "github.com/sub402/sub402-go"
	"github.com/sub402/sub402-go/authorizer"
	"github.com/sub402/sub402-go/encoding"
	"github.com/sub402/sub402-go/ledger"
)

// Header names of the X402 handshake.
const (
	PaymentHeader         = "X-Payment"
	PaymentResponseHeader = "X-Payment-Response"
)

// DefaultChallengeWindow is how long a signed header stays acceptable past
// its own timestamp. The client's signature deadline is timestamp + window.
const DefaultChallengeWindow = 5 * time.Minute

// defaultSyncSettleWait bounds how long a response blocks on settlement
// before falling back to a pending receipt.
const defaultSyncSettleWait = 3 * time.Second

// Gateway orchestrates the X402 handshake: challenge, header decode,
// signature verification, ledger transition, settlement. Requests from the
// same payer are serialized so a nonce is spent exactly once.
type Gateway struct {
	auth        *authorizer.Authorizer
	ledger      *ledger.Ledger
	facilitator Facilitator

	recipient       string
	challengeWindow time.Duration
	syncSettleWait  time.Duration
	settleDeadline  time.Duration

	payerLocks *sub402.KeyedMutex
	settlement sync.WaitGroup
	log        *slog.Logger
	sink       sub402.EventSink
	now        func() time.Time
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.log = log }
}

// WithEventSink registers a sink for settlement outcome events.
func WithEventSink(sink sub402.EventSink) GatewayOption {
	return func(g *Gateway) { g.sink = sink }
}

// WithChallengeWindow overrides the signature validity window.
func WithChallengeWindow(window time.Duration) GatewayOption {
	return func(g *Gateway) { g.challengeWindow = window }
}

// WithSyncSettleWait overrides how long responses block on settlement.
func WithSyncSettleWait(wait time.Duration) GatewayOption {
	return func(g *Gateway) { g.syncSettleWait = wait }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// NewGateway builds a gateway. recipient is the address payments are made
// out to, advertised in every challenge. facilitator may be nil, in which
// case charges are admitted on local verification alone and receipts stay
// pending.
func NewGateway(auth *authorizer.Authorizer, lgr *ledger.Ledger, facilitator Facilitator, recipient string, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		auth:            auth,
		ledger:          lgr,
		facilitator:     facilitator,
		recipient:       recipient,
		challengeWindow: DefaultChallengeWindow,
		syncSettleWait:  defaultSyncSettleWait,
		settleDeadline:  2 * time.Minute,
		payerLocks:      sub402.NewKeyedMutex(),
		log:             slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Close waits for in-flight background settlements, up to ctx's deadline.
func (g *Gateway) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.settlement.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) emit(ev sub402.LedgerEvent) {
	if g.sink == nil {
		return
	}
	ev.Timestamp = g.now()
	g.sink(ev)
}

// deadline derives the signature deadline the client committed to: its own
// header timestamp plus the advertised challenge window.
func (g *Gateway) deadline(h *sub402.PaymentHeader) time.Time {
	return h.Timestamp.Add(g.challengeWindow)
}

// paymentHeader decodes the X-PAYMENT header. A missing header yields the
// 402 challenge; a malformed one a 400.
func (g *Gateway) paymentHeader(w http.ResponseWriter, r *http.Request, challenge sub402.PaymentChallenge) (*sub402.PaymentHeader, bool) {
	value := r.Header.Get(PaymentHeader)
	if value == "" {
		g.writeChallenge(w, challenge, sub402.ErrPaymentRequired)
		return nil, false
	}
	header, err := encoding.DecodePaymentHeader(value)
	if err != nil {
		g.writeError(w, err)
		return nil, false
	}
	return header, true
}

func (g *Gateway) writeChallenge(w http.ResponseWriter, challenge sub402.PaymentChallenge, cause error) {
	challenge.Recipient = g.recipient
	challenge.DeadlineHint = int(g.challengeWindow / time.Second)
	if cause != nil {
		challenge.Error = cause.Error()
	}
	writeJSON(w, http.StatusPaymentRequired, challenge)
}

// facilitatorVerify asks the external facilitator for a verdict. A rejection
// is final for this signed intent.
func (g *Gateway) facilitatorVerify(ctx context.Context, header *sub402.PaymentHeader) error {
	if g.facilitator == nil {
		return nil
	}
	result, err := g.facilitator.Verify(ctx, header)
	if err != nil {
		return err
	}
	if !result.Valid {
		return fmt.Errorf("%w: facilitator rejected: %s", sub402.ErrPaymentRequired, result.Reason)
	}
	return nil
}

// awaitSettlement launches the settle call and waits a bounded interval for
// it. The resource response is never blocked past syncSettleWait; a slow
// settlement completes in the background and the receipt reports pending.
func (g *Gateway) awaitSettlement(header *sub402.PaymentHeader, paymentID string) *sub402.SettlementReceipt {
	receipt := &sub402.SettlementReceipt{
		PaymentID: paymentID,
		Payer:     header.From,
	}
	if g.facilitator == nil {
		return receipt
	}

	done := g.beginSettlement(header, paymentID)
	select {
	case result := <-done:
		if result != nil {
			receipt.Settled = true
			receipt.TxRef = result.TxRef
		}
	case <-time.After(g.syncSettleWait):
		g.log.Info("settlement pending, responding early", "payment_id", paymentID)
	}
	return receipt
}

// beginSettlement runs the settle pipeline in its own goroutine: call the
// facilitator, then attach the transaction reference to the payment record.
// A decline or timeout is reported through the event sink, never silently
// dropped.
func (g *Gateway) beginSettlement(header *sub402.PaymentHeader, paymentID string) <-chan *SettleResult {
	done := make(chan *SettleResult, 1)
	g.settlement.Add(1)
	go func() {
		defer g.settlement.Done()
		defer close(done)

		ctx, cancel := context.WithTimeout(context.Background(), g.settleDeadline)
		defer cancel()

		result, err := g.facilitator.Settle(ctx, header)
		if err != nil {
			kind := sub402.EventSettlementFailed
			if errors.Is(err, sub402.ErrSettlementTimeout) {
				kind = sub402.EventSettlementTimeout
			}
			g.log.Error("settlement failed", "payment_id", paymentID, "error", err)
			g.emit(sub402.LedgerEvent{
				Type:      kind,
				PaymentID: paymentID,
				Error:     err,
			})
			return
		}
		if err := g.ledger.ConfirmSettlement(ctx, paymentID, result.TxRef); err != nil {
			g.log.Error("settlement confirmation rejected",
				"payment_id", paymentID, "tx_ref", result.TxRef, "error", err)
			return
		}
		done <- result
	}()
	return done
}

func setReceiptHeader(w http.ResponseWriter, receipt *sub402.SettlementReceipt) {
	if encoded, err := encoding.EncodeReceipt(receipt); err == nil {
		w.Header().Set(PaymentResponseHeader, encoded)
	}
}

type contextKey int

const paymentContextKey contextKey = iota

// PaymentFromContext returns the verified payment header a RequirePayment
// middleware admitted for this request.
func PaymentFromContext(ctx context.Context) (*sub402.PaymentHeader, bool) {
	header, ok := ctx.Value(paymentContextKey).(*sub402.PaymentHeader)
	return header, ok
}

// RequirePayment protects an arbitrary resource with the X402 handshake:
// requests without a valid payment header for the given price receive the
// 402 challenge; admitted requests are served with the verified header in
// the context and a settlement receipt attached to the response.
func (g *Gateway) RequirePayment(amount *big.Int, token, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			challenge := sub402.PaymentChallenge{
				Amount: amount.String(),
				Token:  token,
				Action: action,
			}
			header, ok := g.paymentHeader(w, r, challenge)
			if !ok {
				return
			}

			unlock := g.payerLocks.Lock(strings.ToLower(header.From))
			defer unlock()

			if header.Amount.Cmp(amount) != 0 {
				g.writeChallenge(w, challenge, sub402.ErrInsufficientPayment)
				return
			}
			intent := authorizer.PaymentIntent{
				Payer:    header.From,
				Token:    header.Token,
				Amount:   header.Amount,
				Deadline: g.deadline(header),
				Nonce:    header.Nonce,
				Action:   action,
			}
			if err := g.auth.VerifyPayment(intent, header.Signature); err != nil {
				g.writeChallenge(w, challenge, err)
				return
			}
			if err := g.facilitatorVerify(r.Context(), header); err != nil {
				g.writeError(w, err)
				return
			}

			record, err := g.ledger.RecordCharge(r.Context(), action, header.From, header.Amount)
			if err != nil {
				g.writeError(w, err)
				return
			}
			g.auth.IncrementNonce(header.From)

			// Fulfill first, settle before the response commits.
			ctx := context.WithValue(r.Context(), paymentContextKey, header)
			interceptor := &settlementInterceptor{
				ResponseWriter: w,
				gateway:        g,
				header:         header,
				paymentID:      record.ID,
			}
			next.ServeHTTP(interceptor, r.WithContext(ctx))
			interceptor.flush()
		})
	}
}

// settlementInterceptor delays the response header long enough to run the
// bounded settle attempt and attach the receipt. Error responses from the
// wrapped handler pass through without settling.
type settlementInterceptor struct {
	http.ResponseWriter
	gateway     *Gateway
	header      *sub402.PaymentHeader
	paymentID   string
	wroteHeader bool
}

func (i *settlementInterceptor) WriteHeader(status int) {
	if i.wroteHeader {
		return
	}
	i.wroteHeader = true
	if status < http.StatusBadRequest {
		receipt := i.gateway.awaitSettlement(i.header, i.paymentID)
		setReceiptHeader(i.ResponseWriter, receipt)
	}
	i.ResponseWriter.WriteHeader(status)
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	if !i.wroteHeader {
		i.WriteHeader(http.StatusOK)
	}
	return i.ResponseWriter.Write(b)
}

func (i *settlementInterceptor) flush() {
	if !i.wroteHeader {
		i.WriteHeader(http.StatusOK)
	}
}

// statusForError maps the error taxonomy onto HTTP status codes. Payment
// admission failures are 402 so the client knows to rebuild a signed intent.
func statusForError(err error) int {
	switch {
	case errors.Is(err, sub402.ErrPaymentRequired),
		errors.Is(err, sub402.ErrInvalidSignature),
		errors.Is(err, sub402.ErrNonceMismatch),
		errors.Is(err, sub402.ErrDeadlineExpired),
		errors.Is(err, sub402.ErrInsufficientPayment),
		errors.Is(err, sub402.ErrPlanInactive),
		errors.Is(err, sub402.ErrPaymentNotDue),
		errors.Is(err, sub402.ErrGracePeriodExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, sub402.ErrPlanNotFound),
		errors.Is(err, sub402.ErrSubscriptionNotFound),
		errors.Is(err, sub402.ErrPaymentNotFound):
		return http.StatusNotFound
	case errors.Is(err, sub402.ErrNotPlanCreator):
		return http.StatusForbidden
	case errors.Is(err, sub402.ErrAlreadySubscribed),
		errors.Is(err, sub402.ErrDoubleSettlement):
		return http.StatusConflict
	case errors.Is(err, sub402.ErrMalformedHeader),
		errors.Is(err, sub402.ErrUnsupportedScheme),
		errors.Is(err, sub402.ErrInvalidAmount),
		errors.Is(err, sub402.ErrInvalidInterval),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, sub402.ErrSettlementTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, sub402.ErrFacilitatorUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		g.log.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errBadRequest = errors.New("sub402: invalid request body")

func decodeBody(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	sub402 "github.com/sub402/sub402-go"
	"github.com/sub402/sub402-go/authorizer"
	"github.com/sub402/sub402-go/encoding"
	"github.com/sub402/sub402-go/ledger"
	"github.com/sub402/sub402-go/signer"
)

const (
	testChainID   = int64(84532)
	testContract  = "0x00000000000000000000000000000000000000aa"
	testRecipient = "0x00000000000000000000000000000000000000bb"
)

type fakeFacilitator struct {
	mu      sync.Mutex
	verify  func(h *sub402.PaymentHeader) (*VerifyResult, error)
	settle  func(h *sub402.PaymentHeader) (*SettleResult, error)
	settles int
}

func (f *fakeFacilitator) Verify(_ context.Context, h *sub402.PaymentHeader) (*VerifyResult, error) {
	if f.verify != nil {
		return f.verify(h)
	}
	return &VerifyResult{Valid: true}, nil
}

func (f *fakeFacilitator) Settle(_ context.Context, h *sub402.PaymentHeader) (*SettleResult, error) {
	f.mu.Lock()
	f.settles++
	f.mu.Unlock()
	if f.settle != nil {
		return f.settle(h)
	}
	return &SettleResult{Settled: true, TxRef: "0xsettled"}, nil
}

type env struct {
	t           *testing.T
	now         time.Time
	auth        *authorizer.Authorizer
	ledger      *ledger.Ledger
	gateway     *Gateway
	server      *httptest.Server
	signer      *signer.Signer
	facilitator *fakeFacilitator

	mu     sync.Mutex
	events []sub402.LedgerEvent
}

func (e *env) record(ev sub402.LedgerEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *env) eventCount(kind sub402.LedgerEventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Type == kind {
			n++
		}
	}
	return n
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		t:           t,
		now:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		facilitator: &fakeFacilitator{},
	}
	clock := func() time.Time { return e.now }

	e.auth = authorizer.New(testChainID, testContract, authorizer.WithClock(clock))
	var err error
	e.ledger, err = ledger.New(ledger.NewMemoryStore(), nil, ledger.WithClock(clock))
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	e.gateway = NewGateway(e.auth, e.ledger, e.facilitator, testRecipient,
		WithClock(clock), WithEventSink(e.record))
	e.server = httptest.NewServer(e.gateway.Routes())
	t.Cleanup(e.server.Close)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	e.signer, err = signer.New(testChainID, testContract,
		signer.WithECDSAKey(key), signer.WithClock(clock))
	if err != nil {
		t.Fatalf("signer.New: %v", err)
	}
	return e
}

func (e *env) deadline() time.Time { return e.now.Add(DefaultChallengeWindow) }

func (e *env) post(path string, body any, header *sub402.PaymentHeader) *http.Response {
	e.t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		e.t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, bytes.NewReader(data))
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if header != nil {
		req.Header.Set(PaymentHeader, encoding.EncodePaymentHeader(header))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (e *env) get(path string) *http.Response {
	e.t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		e.t.Fatalf("get %s: %v", path, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

// createPlan drives the signed plan-creation flow and returns the plan.
func (e *env) createPlan(amount int64) *sub402.Plan {
	e.t.Helper()
	nonce := e.auth.CurrentNonce(e.signer.Address())
	sig, err := e.signer.SignPayment(authorizer.PaymentIntent{
		Payer:    e.signer.Address(),
		Token:    sub402.NativeToken,
		Amount:   big.NewInt(0),
		Deadline: e.deadline(),
		Nonce:    nonce,
		Action:   ActionCreatePlan,
	})
	if err != nil {
		e.t.Fatalf("SignPayment: %v", err)
	}
	header := e.signer.PaymentHeader(big.NewInt(0), sub402.NativeToken, sig, nonce)

	resp := e.post("/plans", createPlanRequest{
		Token:              sub402.NativeToken,
		Amount:             fmt.Sprintf("%d", amount),
		IntervalSeconds:    int64(30 * 24 * 3600),
		DurationSeconds:    int64(90 * 24 * 3600),
		GracePeriodSeconds: int64(5 * 24 * 3600),
		ResourceLocator:    "https://api.example.com/premium",
	}, header)
	if resp.StatusCode != http.StatusCreated {
		e.t.Fatalf("create plan status = %d", resp.StatusCode)
	}
	plan := decodeJSON[*sub402.Plan](e.t, resp)
	return plan
}

func (e *env) subscribeHeader(planID string, amount *big.Int, autoRenew bool) *sub402.PaymentHeader {
	e.t.Helper()
	nonce := e.auth.CurrentNonce(e.signer.Address())
	return e.subscribeHeaderWithNonce(planID, amount, autoRenew, nonce)
}

func (e *env) subscribeHeaderWithNonce(planID string, amount *big.Int, autoRenew bool, nonce uint64) *sub402.PaymentHeader {
	e.t.Helper()
	sig, err := e.signer.SignSubscription(authorizer.SubscriptionIntent{
		PlanID:     planID,
		Subscriber: e.signer.Address(),
		Amount:     amount,
		Deadline:   e.deadline(),
		Nonce:      nonce,
		AutoRenew:  autoRenew,
	})
	if err != nil {
		e.t.Fatalf("SignSubscription: %v", err)
	}
	return e.signer.PaymentHeader(amount, sub402.NativeToken, sig, nonce)
}

func TestSubscribe_ChallengeWithoutHeader(t *testing.T) {
	e := newEnv(t)
	plan := e.createPlan(1000)

	resp := e.post("/subscribe", subscribeRequest{PlanID: plan.ID}, nil)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	challenge := decodeJSON[sub402.PaymentChallenge](t, resp)
	if challenge.Amount != "1000" {
		t.Errorf("challenge amount = %q, want %q", challenge.Amount, "1000")
	}
	if challenge.Recipient != testRecipient {
		t.Errorf("challenge recipient = %q, want %q", challenge.Recipient, testRecipient)
	}
	if challenge.Action != ActionSubscribe {
		t.Errorf("challenge action = %q, want %q", challenge.Action, ActionSubscribe)
	}
	if challenge.DeadlineHint != int(DefaultChallengeWindow/time.Second) {
		t.Errorf("deadline hint = %d", challenge.DeadlineHint)
	}
}

func TestSubscribe_FullHandshake(t *testing.T) {
	e := newEnv(t)
	plan := e.createPlan(1000)

	header := e.subscribeHeader(plan.ID, big.NewInt(1000), true)
	resp := e.post("/subscribe", subscribeRequest{PlanID: plan.ID, AutoRenew: true}, header)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	receipt, err := encoding.DecodeReceipt(resp.Header.Get(PaymentResponseHeader))
	if err != nil {
		t.Fatalf("DecodeReceipt: %v", err)
	}
	if !receipt.Settled || receipt.TxRef != "0xsettled" {
		t.Errorf("receipt = %+v, want settled with tx ref", receipt)
	}
	resp.Body.Close()

	// The payment record carries the settlement reference.
	record, err := e.ledger.Payment(context.Background(), receipt.PaymentID)
	if err != nil {
		t.Fatalf("Payment: %v", err)
	}
	if record.SettlementRef != "0xsettled" {
		t.Errorf("SettlementRef = %q", record.SettlementRef)
	}

	// The nonce was spent.
	if got := e.auth.CurrentNonce(e.signer.Address()); got != 2 {
		t.Errorf("nonce = %d, want 2", got)
	}
}

func TestSubscribe_TamperedAmountRejected(t *testing.T) {
	e := newEnv(t)
	plan := e.createPlan(1000)

	// Signed over 1000 but the header claims 1.
	header := e.subscribeHeader(plan.ID, big.NewInt(1000), false)
	header.Amount = big.NewInt(1)

	resp := e.post("/subscribe", subscribeRequest{PlanID: plan.ID}, header)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	// Verification failure spends no nonce.
	if got := e.auth.CurrentNonce(e.signer.Address()); got != 1 {
		t.Errorf("nonce = %d, want 1", got)
	}
}

func TestSubscribe_FacilitatorRejection(t *testing.T) {
	e := newEnv(t)
	plan := e.createPlan(1000)
	e.facilitator.verify = func(*sub402.PaymentHeader) (*VerifyResult, error) {
		return &VerifyResult{Valid: false, Reason: "insufficient funds"}, nil
	}

	header := e.subscribeHeader(plan.ID, big.NewInt(1000), false)
	resp := e.post("/subscribe", subscribeRequest{PlanID: plan.ID}, header)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	if got := e.auth.CurrentNonce(e.signer.Address()); got != 1 {
		t.Errorf("nonce = %d, want 1", got)
	}
}

// Two concurrent requests presenting the same nonce: exactly one is admitted.
func TestSubscribe_ConcurrentSameNonce(t *testing.T) {
	e := newEnv(t)
	planA := e.createPlan(1000)
	planB := e.createPlan(1000)

	nonce := e.auth.CurrentNonce(e.signer.Address())
	headerA := e.subscribeHeaderWithNonce(planA.ID, big.NewInt(1000), false, nonce)
	headerB := e.subscribeHeaderWithNonce(planB.ID, big.NewInt(1000), false, nonce)

	var wg sync.WaitGroup
	statuses := make([]int, 2)
	for i, attempt := range []struct {
		planID string
		header *sub402.PaymentHeader
	}{
		{planA.ID, headerA},
		{planB.ID, headerB},
	} {
		wg.Add(1)
		go func(i int, planID string, header *sub402.PaymentHeader) {
			defer wg.Done()
			resp := e.post("/subscribe", subscribeRequest{PlanID: planID}, header)
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i, attempt.planID, attempt.header)
	}
	wg.Wait()

	admitted, rejected := 0, 0
	for _, status := range statuses {
		switch status {
		case http.StatusCreated:
			admitted++
		case http.StatusPaymentRequired:
			rejected++
		default:
			t.Errorf("unexpected status %d", status)
		}
	}
	if admitted != 1 || rejected != 1 {
		t.Errorf("admitted = %d, rejected = %d, want exactly one of each", admitted, rejected)
	}
}

func TestProcessPayment_FullCycle(t *testing.T) {
	e := newEnv(t)
	plan := e.createPlan(1000)

	header := e.subscribeHeader(plan.ID, big.NewInt(1000), false)
	resp := e.post("/subscribe", subscribeRequest{PlanID: plan.ID}, header)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("subscribe status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	e.now = e.now.Add(30 * 24 * time.Hour)

	nonce := e.auth.CurrentNonce(e.signer.Address())
	sig, err := e.signer.SignRecurring(authorizer.RecurringIntent{
		PlanID:        plan.ID,
		Subscriber:    e.signer.Address(),
		Amount:        big.NewInt(1000),
		PaymentNumber: 2,
		Deadline:      e.deadline(),
		Nonce:         nonce,
	})
	if err != nil {
		t.Fatalf("SignRecurring: %v", err)
	}
	payHeader := e.signer.PaymentHeader(big.NewInt(1000), sub402.NativeToken, sig, nonce)

	resp = e.post("/payments/process", processPaymentRequest{PlanID: plan.ID}, payHeader)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("process status = %d", resp.StatusCode)
	}
	body := decodeJSON[map[string]json.RawMessage](t, resp)

	var sub sub402.Subscription
	if err := json.Unmarshal(body["subscription"], &sub); err != nil {
		t.Fatalf("unmarshal subscription: %v", err)
	}
	if sub.PaymentCount != 2 {
		t.Errorf("PaymentCount = %d, want 2", sub.PaymentCount)
	}
}

func TestVerifyAccess_ResourceOnlyWhenGranted(t *testing.T) {
	e := newEnv(t)
	plan := e.createPlan(1000)

	header := e.subscribeHeader(plan.ID, big.NewInt(1000), false)
	resp := e.post("/subscribe", subscribeRequest{PlanID: plan.ID}, header)
	resp.Body.Close()

	resp = e.get("/verify-access/" + plan.ID + "/" + e.signer.Address())
	body := decodeJSON[map[string]any](t, resp)
	if body["access"] != true {
		t.Errorf("access = %v, want true", body["access"])
	}
	if body["resource"] != "https://api.example.com/premium" {
		t.Errorf("resource = %v", body["resource"])
	}

	// Past due and grace, access is revoked and the resource withheld.
	e.now = e.now.Add(36 * 24 * time.Hour)
	resp = e.get("/verify-access/" + plan.ID + "/" + e.signer.Address())
	body = decodeJSON[map[string]any](t, resp)
	if body["access"] != false {
		t.Errorf("access = %v, want false", body["access"])
	}
	if _, ok := body["resource"]; ok {
		t.Error("resource leaked to expired subscriber")
	}
}

func TestDeactivatePlan_NonCreatorForbidden(t *testing.T) {
	e := newEnv(t)
	plan := e.createPlan(1000)

	otherKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	other, err := signer.New(testChainID, testContract,
		signer.WithECDSAKey(otherKey), signer.WithClock(func() time.Time { return e.now }))
	if err != nil {
		t.Fatalf("signer.New: %v", err)
	}

	nonce := e.auth.CurrentNonce(other.Address())
	sig, err := other.SignPayment(authorizer.PaymentIntent{
		Payer:    other.Address(),
		Token:    sub402.NativeToken,
		Amount:   big.NewInt(0),
		Deadline: e.deadline(),
		Nonce:    nonce,
		Action:   ActionDeactivatePlan,
	})
	if err != nil {
		t.Fatalf("SignPayment: %v", err)
	}
	header := other.PaymentHeader(big.NewInt(0), sub402.NativeToken, sig, nonce)

	resp := e.post("/plans/"+plan.ID+"/deactivate", struct{}{}, header)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestRequirePayment_Middleware(t *testing.T) {
	e := newEnv(t)

	protected := e.gateway.RequirePayment(big.NewInt(50), sub402.NativeToken, "premium.read")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header, ok := PaymentFromContext(r.Context())
			if !ok {
				t.Error("payment missing from context")
			}
			writeJSON(w, http.StatusOK, map[string]string{"payer": header.From})
		}))
	server := httptest.NewServer(protected)
	defer server.Close()

	// No header: 402 challenge.
	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	resp.Body.Close()

	// Signed header: admitted, receipt attached.
	nonce := e.auth.CurrentNonce(e.signer.Address())
	sig, err := e.signer.SignPayment(authorizer.PaymentIntent{
		Payer:    e.signer.Address(),
		Token:    sub402.NativeToken,
		Amount:   big.NewInt(50),
		Deadline: e.deadline(),
		Nonce:    nonce,
		Action:   "premium.read",
	})
	if err != nil {
		t.Fatalf("SignPayment: %v", err)
	}
	header := e.signer.PaymentHeader(big.NewInt(50), sub402.NativeToken, sig, nonce)

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	req.Header.Set(PaymentHeader, encoding.EncodePaymentHeader(header))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	receipt, err := encoding.DecodeReceipt(resp.Header.Get(PaymentResponseHeader))
	if err != nil {
		t.Fatalf("DecodeReceipt: %v", err)
	}
	if !receipt.Settled {
		t.Errorf("receipt = %+v, want settled", receipt)
	}
}

// Subscribing to a deactivated plan is a payment admission failure, not a
// malformed request.
func TestSubscribe_InactivePlanPaymentRequired(t *testing.T) {
	e := newEnv(t)
	plan := e.createPlan(1000)
	if _, err := e.ledger.DeactivatePlan(context.Background(), plan.ID, plan.Creator); err != nil {
		t.Fatalf("DeactivatePlan: %v", err)
	}

	header := e.subscribeHeader(plan.ID, big.NewInt(1000), false)
	resp := e.post("/subscribe", subscribeRequest{PlanID: plan.ID}, header)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", resp.StatusCode)
	}
	// Admission failure spends no nonce.
	if got := e.auth.CurrentNonce(e.signer.Address()); got != 1 {
		t.Errorf("nonce = %d, want 1", got)
	}
}

// A facilitator decline is reported as a settlement failure, not a timeout.
func TestSettlement_DeclineReportedAsFailure(t *testing.T) {
	e := newEnv(t)
	plan := e.createPlan(1000)
	e.facilitator.settle = func(*sub402.PaymentHeader) (*SettleResult, error) {
		return nil, fmt.Errorf("%w: facilitator declined", sub402.ErrSettlementFailed)
	}

	header := e.subscribeHeader(plan.ID, big.NewInt(1000), false)
	resp := e.post("/subscribe", subscribeRequest{PlanID: plan.ID}, header)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	receipt, err := encoding.DecodeReceipt(resp.Header.Get(PaymentResponseHeader))
	if err != nil {
		t.Fatalf("DecodeReceipt: %v", err)
	}
	if receipt.Settled {
		t.Error("receipt settled despite declined settlement")
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.gateway.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := e.eventCount(sub402.EventSettlementFailed); n != 1 {
		t.Errorf("settlement failed events = %d, want 1", n)
	}
	if n := e.eventCount(sub402.EventSettlementTimeout); n != 0 {
		t.Errorf("settlement timeout events = %d, want 0", n)
	}
}

package http

import (
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	sub402 "github.com/sub402/sub402-go"
	"github.com/sub402/sub402-go/authorizer"
	"github.com/sub402/sub402-go/ledger"
)

// Actions bound into payment authorizations. The action string is part of
// the signed digest, so an authorization for one cannot be replayed for
// another.
const (
	ActionCreatePlan         = "plan.create"
	ActionDeactivatePlan     = "plan.deactivate"
	ActionSubscribe          = "subscription.create"
	ActionCancelSubscription = "subscription.cancel"
	ActionRecurringPayment   = "payment.recurring"
)

// Routes assembles the REST surface.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/nonce/{address}", g.handleNonce)

	r.Route("/plans", func(r chi.Router) {
		r.Post("/", g.handleCreatePlan)
		r.Get("/", g.handleListPlans)
		r.Get("/{planID}", g.handleGetPlan)
		r.Post("/{planID}/deactivate", g.handleDeactivatePlan)
	})

	r.Post("/subscribe", g.handleSubscribe)
	r.Route("/subscriptions", func(r chi.Router) {
		r.Get("/user/{subscriber}", g.handleUserSubscriptions)
		r.Get("/{planID}/{subscriber}", g.handleGetSubscription)
		r.Post("/{planID}/cancel", g.handleCancelSubscription)
	})

	r.Route("/payments", func(r chi.Router) {
		r.Post("/process", g.handleProcessPayment)
		r.Get("/history/{subscriber}", g.handlePaymentHistory)
	})

	r.Get("/verify-access/{planID}/{subscriber}", g.handleVerifyAccess)

	return r
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleNonce(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	writeJSON(w, http.StatusOK, map[string]any{
		"address": strings.ToLower(address),
		"nonce":   g.auth.CurrentNonce(address),
	})
}

// authorizeAction runs the admission path shared by the signed admin
// operations: decode the header, serialize the payer, verify the payment
// authorization for the action. The caller applies its state change under
// the returned unlock and then spends the nonce.
func (g *Gateway) authorizeAction(w http.ResponseWriter, r *http.Request, action string) (*sub402.PaymentHeader, func(), bool) {
	challenge := sub402.PaymentChallenge{
		Amount: "0",
		Token:  sub402.NativeToken,
		Action: action,
	}
	header, ok := g.paymentHeader(w, r, challenge)
	if !ok {
		return nil, nil, false
	}

	unlock := g.payerLocks.Lock(strings.ToLower(header.From))

	intent := authorizer.PaymentIntent{
		Payer:    header.From,
		Token:    header.Token,
		Amount:   header.Amount,
		Deadline: g.deadline(header),
		Nonce:    header.Nonce,
		Action:   action,
	}
	if err := g.auth.VerifyPayment(intent, header.Signature); err != nil {
		unlock()
		g.writeChallenge(w, challenge, err)
		return nil, nil, false
	}
	return header, unlock, true
}

type createPlanRequest struct {
	Token              string `json:"token"`
	Amount             string `json:"amount"`
	IntervalSeconds    int64  `json:"intervalSeconds"`
	DurationSeconds    int64  `json:"durationSeconds"`
	GracePeriodSeconds int64  `json:"gracePeriodSeconds"`
	ResourceLocator    string `json:"resourceLocator"`
	Description        string `json:"description"`
}

func (g *Gateway) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := decodeBody(r, &req); err != nil {
		g.writeError(w, err)
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		g.writeError(w, sub402.ErrInvalidAmount)
		return
	}

	header, unlock, ok := g.authorizeAction(w, r, ActionCreatePlan)
	if !ok {
		return
	}
	defer unlock()

	plan, err := g.ledger.CreatePlan(r.Context(), ledger.PlanParams{
		Token:           req.Token,
		Amount:          amount,
		Interval:        time.Duration(req.IntervalSeconds) * time.Second,
		Duration:        time.Duration(req.DurationSeconds) * time.Second,
		GracePeriod:     time.Duration(req.GracePeriodSeconds) * time.Second,
		ResourceLocator: req.ResourceLocator,
		Description:     req.Description,
		Creator:         header.From,
	})
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.auth.IncrementNonce(header.From)
	writeJSON(w, http.StatusCreated, plan)
}

func (g *Gateway) handleListPlans(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	plans, err := g.ledger.Plans(r.Context(), activeOnly)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

func (g *Gateway) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := g.ledger.Plan(r.Context(), chi.URLParam(r, "planID"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (g *Gateway) handleDeactivatePlan(w http.ResponseWriter, r *http.Request) {
	header, unlock, ok := g.authorizeAction(w, r, ActionDeactivatePlan)
	if !ok {
		return
	}
	defer unlock()

	plan, err := g.ledger.DeactivatePlan(r.Context(), chi.URLParam(r, "planID"), header.From)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.auth.IncrementNonce(header.From)
	writeJSON(w, http.StatusOK, plan)
}

type subscribeRequest struct {
	PlanID    string `json:"planId"`
	AutoRenew bool   `json:"autoRenew"`
}

func (g *Gateway) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeBody(r, &req); err != nil {
		g.writeError(w, err)
		return
	}
	plan, err := g.ledger.Plan(r.Context(), req.PlanID)
	if err != nil {
		g.writeError(w, err)
		return
	}

	challenge := sub402.PaymentChallenge{
		Amount: plan.Amount.String(),
		Token:  plan.Token,
		Action: ActionSubscribe,
	}
	header, ok := g.paymentHeader(w, r, challenge)
	if !ok {
		return
	}

	unlock := g.payerLocks.Lock(strings.ToLower(header.From))
	defer unlock()

	if sub402.NormalizeToken(header.Token) != plan.Token {
		g.writeChallenge(w, challenge, sub402.ErrInsufficientPayment)
		return
	}
	intent := authorizer.SubscriptionIntent{
		PlanID:     plan.ID,
		Subscriber: header.From,
		Amount:     header.Amount,
		Deadline:   g.deadline(header),
		Nonce:      header.Nonce,
		AutoRenew:  req.AutoRenew,
	}
	if err := g.auth.VerifySubscription(intent, header.Signature); err != nil {
		g.writeChallenge(w, challenge, err)
		return
	}
	if err := g.facilitatorVerify(r.Context(), header); err != nil {
		g.writeError(w, err)
		return
	}

	sub, record, err := g.ledger.Subscribe(r.Context(), plan.ID, header.From, header.Amount, req.AutoRenew)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.auth.IncrementNonce(header.From)

	receipt := g.awaitSettlement(header, record.ID)
	setReceiptHeader(w, receipt)
	writeJSON(w, http.StatusCreated, map[string]any{
		"subscription": sub,
		"payment":      record,
	})
}

func (g *Gateway) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := g.ledger.Subscription(r.Context(), chi.URLParam(r, "planID"), chi.URLParam(r, "subscriber"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (g *Gateway) handleUserSubscriptions(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	subs, err := g.ledger.Subscriptions(r.Context(), chi.URLParam(r, "subscriber"), activeOnly)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (g *Gateway) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	header, unlock, ok := g.authorizeAction(w, r, ActionCancelSubscription)
	if !ok {
		return
	}
	defer unlock()

	sub, err := g.ledger.CancelSubscription(r.Context(), chi.URLParam(r, "planID"), header.From)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.auth.IncrementNonce(header.From)
	writeJSON(w, http.StatusOK, sub)
}

type processPaymentRequest struct {
	PlanID string `json:"planId"`
}

func (g *Gateway) handleProcessPayment(w http.ResponseWriter, r *http.Request) {
	var req processPaymentRequest
	if err := decodeBody(r, &req); err != nil {
		g.writeError(w, err)
		return
	}
	plan, err := g.ledger.Plan(r.Context(), req.PlanID)
	if err != nil {
		g.writeError(w, err)
		return
	}

	challenge := sub402.PaymentChallenge{
		Amount: plan.Amount.String(),
		Token:  plan.Token,
		Action: ActionRecurringPayment,
	}
	header, ok := g.paymentHeader(w, r, challenge)
	if !ok {
		return
	}

	unlock := g.payerLocks.Lock(strings.ToLower(header.From))
	defer unlock()

	sub, err := g.ledger.Subscription(r.Context(), plan.ID, header.From)
	if err != nil {
		g.writeError(w, err)
		return
	}

	intent := authorizer.RecurringIntent{
		PlanID:        plan.ID,
		Subscriber:    header.From,
		Amount:        header.Amount,
		PaymentNumber: uint64(sub.PaymentCount) + 1,
		Deadline:      g.deadline(header),
		Nonce:         header.Nonce,
	}
	if err := g.auth.VerifyRecurringPayment(intent, header.Signature); err != nil {
		g.writeChallenge(w, challenge, err)
		return
	}
	if err := g.facilitatorVerify(r.Context(), header); err != nil {
		g.writeError(w, err)
		return
	}

	sub, record, err := g.ledger.ProcessPayment(r.Context(), plan.ID, header.From, header.Amount)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.auth.IncrementNonce(header.From)

	receipt := g.awaitSettlement(header, record.ID)
	setReceiptHeader(w, receipt)
	writeJSON(w, http.StatusOK, map[string]any{
		"subscription": sub,
		"payment":      record,
	})
}

func (g *Gateway) handlePaymentHistory(w http.ResponseWriter, r *http.Request) {
	payments, err := g.ledger.Payments(r.Context(), chi.URLParam(r, "subscriber"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
}

func (g *Gateway) handleVerifyAccess(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	status, sub, err := g.ledger.VerifyAccess(r.Context(), planID, chi.URLParam(r, "subscriber"))
	if err != nil {
		g.writeError(w, err)
		return
	}

	granted := status == sub402.StatusActive || status == sub402.StatusGrace
	body := map[string]any{
		"access":       granted,
		"status":       status,
		"subscription": sub,
	}
	if granted {
		resource, err := g.ledger.ResolveResource(r.Context(), planID)
		if err != nil {
			g.writeError(w, err)
			return
		}
		body["resource"] = resource
	}
	writeJSON(w, http.StatusOK, body)
}

// Package ledger implements the subscription ledger: plans, subscriptions and
// the append-only payment log, with per-pair serialization so concurrent
// charges for the same subscription are admitted exactly once.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	sub402 "github.com/sub402/sub402-go"
)

// Ledger is the billing state machine. All mutating operations take a
// per-(plan, subscriber) lock, so a charge, a cancellation and a sweep for the
// same subscription never interleave.
type Ledger struct {
	store  Store
	locks  *sub402.KeyedMutex
	cipher *resourceCipher
	sink   sub402.EventSink
	log    *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithEventSink registers a sink called synchronously after each committed
// transition.
func WithEventSink(sink sub402.EventSink) Option {
	return func(l *Ledger) { l.sink = sink }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// New builds a Ledger over the given store. resourceKey encrypts plan
// resource locators at rest and must be 32 bytes; pass nil to store locators
// in the clear.
func New(store Store, resourceKey []byte, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store: store,
		locks: sub402.NewKeyedMutex(),
		log:   slog.Default(),
		now:   time.Now,
	}
	if resourceKey != nil {
		cipher, err := newResourceCipher(resourceKey)
		if err != nil {
			return nil, err
		}
		l.cipher = cipher
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// planKey and paymentKey namespace plan and payment locks away from the
// (plan, subscriber) pair keys sharing the same KeyedMutex.
func planKey(planID string) string { return "plan\x00" + planID }

func paymentKey(paymentID string) string { return "payment\x00" + paymentID }

func (l *Ledger) emit(ev sub402.LedgerEvent) {
	if l.sink == nil {
		return
	}
	ev.Timestamp = l.now()
	l.sink(ev)
}

// PlanParams carries the creator-supplied fields of a new plan.
type PlanParams struct {
	Token           string
	Amount          *big.Int
	Interval        time.Duration
	Duration        time.Duration
	GracePeriod     time.Duration
	ResourceLocator string
	Description     string
	Creator         string
}

// CreatePlan validates and persists a new billing plan.
func (l *Ledger) CreatePlan(ctx context.Context, params PlanParams) (*sub402.Plan, error) {
	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: plan amount must be positive", sub402.ErrInvalidAmount)
	}
	if params.Interval <= 0 {
		return nil, fmt.Errorf("%w: billing interval must be positive", sub402.ErrInvalidInterval)
	}
	if params.Duration < params.Interval {
		return nil, fmt.Errorf("%w: duration shorter than one interval", sub402.ErrInvalidInterval)
	}
	if params.GracePeriod < 0 {
		return nil, fmt.Errorf("%w: negative grace period", sub402.ErrInvalidInterval)
	}
	if params.Creator == "" {
		return nil, fmt.Errorf("plan creator required")
	}

	locator := params.ResourceLocator
	if l.cipher != nil && locator != "" {
		sealed, err := l.cipher.Seal(locator)
		if err != nil {
			return nil, fmt.Errorf("seal resource locator: %w", err)
		}
		locator = sealed
	}

	plan := &sub402.Plan{
		ID:              uuid.NewString(),
		Token:           sub402.NormalizeToken(params.Token),
		Amount:          new(big.Int).Set(params.Amount),
		Interval:        params.Interval,
		Duration:        params.Duration,
		GracePeriod:     params.GracePeriod,
		ResourceLocator: locator,
		Description:     params.Description,
		Creator:         strings.ToLower(params.Creator),
		Active:          true,
		CreatedAt:       l.now(),
	}
	if err := l.store.CreatePlan(ctx, plan); err != nil {
		return nil, err
	}

	l.log.Info("plan created",
		"plan_id", plan.ID,
		"creator", plan.Creator,
		"amount", plan.Amount.String(),
		"interval", plan.Interval,
	)
	l.emit(sub402.LedgerEvent{
		Type:   sub402.EventPlanCreated,
		PlanID: plan.ID,
		Amount: plan.Amount.String(),
	})
	return plan, nil
}

// DeactivatePlan stops the plan from accepting new subscribers. Only the
// creator may deactivate; existing subscriptions keep running. Deactivating
// an already inactive plan is a no-op.
func (l *Ledger) DeactivatePlan(ctx context.Context, planID, caller string) (*sub402.Plan, error) {
	unlock := l.locks.Lock(planKey(planID))
	defer unlock()

	plan, err := l.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(plan.Creator, caller) {
		return nil, sub402.ErrNotPlanCreator
	}
	if !plan.Active {
		return plan, nil
	}
	plan.Active = false
	if err := l.store.UpdatePlan(ctx, plan); err != nil {
		return nil, err
	}

	l.log.Info("plan deactivated", "plan_id", plan.ID)
	l.emit(sub402.LedgerEvent{Type: sub402.EventPlanDeactivated, PlanID: plan.ID})
	return plan, nil
}

// Plan returns a plan by ID.
func (l *Ledger) Plan(ctx context.Context, planID string) (*sub402.Plan, error) {
	return l.store.GetPlan(ctx, planID)
}

// Plans lists plans, optionally active ones only.
func (l *Ledger) Plans(ctx context.Context, activeOnly bool) ([]*sub402.Plan, error) {
	return l.store.ListPlans(ctx, activeOnly)
}

// ResolveResource decrypts and returns the plan's protected resource locator.
func (l *Ledger) ResolveResource(ctx context.Context, planID string) (string, error) {
	plan, err := l.store.GetPlan(ctx, planID)
	if err != nil {
		return "", err
	}
	if l.cipher == nil || plan.ResourceLocator == "" {
		return plan.ResourceLocator, nil
	}
	return l.cipher.Open(plan.ResourceLocator)
}

// Subscribe admits a subscriber to a plan with the first interval paid up
// front. The amount must match the plan amount exactly. At most one active
// subscription per (plan, subscriber) pair is admitted; a cancelled or
// expired record is replaced.
func (l *Ledger) Subscribe(ctx context.Context, planID, subscriber string, amount *big.Int, autoRenew bool) (*sub402.Subscription, *sub402.PaymentRecord, error) {
	// The plan lock spans the active check and the subscriber-count write, so
	// a concurrent DeactivatePlan is never reverted and counter updates never
	// lose increments. Lock order is plan before pair everywhere.
	unlockPlan := l.locks.Lock(planKey(planID))
	defer unlockPlan()
	unlock := l.locks.Lock(sub402.SubscriptionKey(planID, subscriber))
	defer unlock()

	plan, err := l.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, nil, err
	}
	if !plan.Active {
		return nil, nil, sub402.ErrPlanInactive
	}
	if amount == nil || amount.Cmp(plan.Amount) != 0 {
		return nil, nil, fmt.Errorf("%w: plan requires %s", sub402.ErrInsufficientPayment, plan.Amount)
	}

	now := l.now()
	sub := &sub402.Subscription{
		PlanID:         planID,
		Subscriber:     strings.ToLower(subscriber),
		StartTime:      now,
		NextPaymentDue: now.Add(plan.Interval),
		EndTime:        now.Add(plan.Duration),
		TotalPaid:      new(big.Int).Set(amount),
		PaymentCount:   1,
		Active:         true,
		AutoRenew:      autoRenew,
	}
	if err := l.store.CreateSubscription(ctx, sub); err != nil {
		return nil, nil, err
	}

	record, err := l.appendPayment(ctx, sub, amount, sub402.PaymentTypeInitial)
	if err != nil {
		return nil, nil, err
	}

	plan.Subscribers++
	if err := l.store.UpdatePlan(ctx, plan); err != nil {
		return nil, nil, err
	}

	l.log.Info("subscription created",
		"plan_id", planID,
		"subscriber", sub.Subscriber,
		"next_due", sub.NextPaymentDue,
		"auto_renew", autoRenew,
	)
	l.emit(sub402.LedgerEvent{
		Type:       sub402.EventSubscriptionCreated,
		PlanID:     planID,
		Subscriber: sub.Subscriber,
		PaymentID:  record.ID,
		Amount:     amount.String(),
	})
	return sub, record, nil
}

// ProcessPayment admits one recurring charge for an active subscription. The
// schedule is drift-free: the next due date advances from the scheduled due
// date, not from the payment time. A charge exactly at the grace boundary is
// still admitted; one past it fails and the lapsed cycle is recorded as
// missed. Past the end of the term, an auto-renew charge extends the term by
// one plan duration; without auto-renew the subscription expires.
func (l *Ledger) ProcessPayment(ctx context.Context, planID, subscriber string, amount *big.Int) (*sub402.Subscription, *sub402.PaymentRecord, error) {
	unlock := l.locks.Lock(sub402.SubscriptionKey(planID, subscriber))
	defer unlock()

	sub, err := l.store.GetSubscription(ctx, planID, subscriber)
	if err != nil {
		return nil, nil, err
	}
	if !sub.Active {
		return nil, nil, sub402.ErrSubscriptionNotFound
	}
	plan, err := l.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, nil, err
	}

	now := l.now()

	if now.After(sub.EndTime) {
		if !sub.AutoRenew {
			return nil, nil, l.expireLocked(ctx, sub, sub402.ErrGracePeriodExceeded)
		}
		return l.renewLocked(ctx, plan, sub, amount)
	}

	if now.Before(sub.NextPaymentDue) {
		return nil, nil, fmt.Errorf("%w: next payment due %s",
			sub402.ErrPaymentNotDue, sub.NextPaymentDue.Format(time.RFC3339))
	}

	if now.After(sub.NextPaymentDue.Add(plan.GracePeriod)) {
		return nil, nil, l.lapseLocked(ctx, plan, sub, now)
	}

	if amount == nil || amount.Cmp(plan.Amount) != 0 {
		return nil, nil, fmt.Errorf("%w: plan requires %s", sub402.ErrInsufficientPayment, plan.Amount)
	}

	sub.NextPaymentDue = sub.NextPaymentDue.Add(plan.Interval)
	sub.TotalPaid = new(big.Int).Add(sub.TotalPaid, amount)
	sub.PaymentCount++
	sub.MissedPayments = 0
	if err := l.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, nil, err
	}

	record, err := l.appendPayment(ctx, sub, amount, sub402.PaymentTypeRecurring)
	if err != nil {
		return nil, nil, err
	}

	l.log.Info("payment processed",
		"plan_id", planID,
		"subscriber", sub.Subscriber,
		"payment_number", sub.PaymentCount,
		"next_due", sub.NextPaymentDue,
	)
	l.emit(sub402.LedgerEvent{
		Type:       sub402.EventPaymentProcessed,
		PlanID:     planID,
		Subscriber: sub.Subscriber,
		PaymentID:  record.ID,
		Amount:     amount.String(),
	})
	return sub, record, nil
}

// renewLocked extends an auto-renew subscription past its end of term by one
// plan duration, charging one interval. Caller holds the pair lock.
func (l *Ledger) renewLocked(ctx context.Context, plan *sub402.Plan, sub *sub402.Subscription, amount *big.Int) (*sub402.Subscription, *sub402.PaymentRecord, error) {
	if amount == nil || amount.Cmp(plan.Amount) != 0 {
		return nil, nil, fmt.Errorf("%w: plan requires %s", sub402.ErrInsufficientPayment, plan.Amount)
	}

	sub.EndTime = sub.EndTime.Add(plan.Duration)
	sub.NextPaymentDue = sub.NextPaymentDue.Add(plan.Interval)
	sub.TotalPaid = new(big.Int).Add(sub.TotalPaid, amount)
	sub.PaymentCount++
	sub.MissedPayments = 0
	if err := l.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, nil, err
	}

	record, err := l.appendPayment(ctx, sub, amount, sub402.PaymentTypeRenewal)
	if err != nil {
		return nil, nil, err
	}

	l.log.Info("subscription renewed",
		"plan_id", sub.PlanID,
		"subscriber", sub.Subscriber,
		"end_time", sub.EndTime,
	)
	l.emit(sub402.LedgerEvent{
		Type:       sub402.EventSubscriptionRenewed,
		PlanID:     sub.PlanID,
		Subscriber: sub.Subscriber,
		PaymentID:  record.ID,
		Amount:     amount.String(),
	})
	return sub, record, nil
}

// lapseLocked records every billing cycle whose grace window has already
// closed, keeping the schedule aligned so later cycles stay chargeable.
// Callers guarantee now is within the subscription term, so at least one
// cycle lapses. Caller holds the pair lock.
func (l *Ledger) lapseLocked(ctx context.Context, plan *sub402.Plan, sub *sub402.Subscription, now time.Time) error {
	missed := 0
	for now.After(sub.NextPaymentDue.Add(plan.GracePeriod)) && sub.NextPaymentDue.Before(sub.EndTime) {
		sub.NextPaymentDue = sub.NextPaymentDue.Add(plan.Interval)
		sub.MissedPayments++
		missed++
	}
	if err := l.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}

	l.log.Warn("billing cycles missed",
		"plan_id", sub.PlanID,
		"subscriber", sub.Subscriber,
		"missed", missed,
		"total_missed", sub.MissedPayments,
	)
	l.emit(sub402.LedgerEvent{
		Type:       sub402.EventPaymentMissed,
		PlanID:     sub.PlanID,
		Subscriber: sub.Subscriber,
		Error:      sub402.ErrGracePeriodExceeded,
	})
	return sub402.ErrGracePeriodExceeded
}

// expireLocked deactivates the subscription and returns cause. Caller holds
// the pair lock.
func (l *Ledger) expireLocked(ctx context.Context, sub *sub402.Subscription, cause error) error {
	sub.Active = false
	if err := l.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}

	l.log.Info("subscription expired", "plan_id", sub.PlanID, "subscriber", sub.Subscriber)
	l.emit(sub402.LedgerEvent{
		Type:       sub402.EventSubscriptionExpired,
		PlanID:     sub.PlanID,
		Subscriber: sub.Subscriber,
		Error:      cause,
	})
	return cause
}

// CancelSubscription deactivates a subscription. Cancelling an already
// cancelled subscription is a no-op and returns the current record.
func (l *Ledger) CancelSubscription(ctx context.Context, planID, subscriber string) (*sub402.Subscription, error) {
	unlock := l.locks.Lock(sub402.SubscriptionKey(planID, subscriber))
	defer unlock()

	sub, err := l.store.GetSubscription(ctx, planID, subscriber)
	if err != nil {
		return nil, err
	}
	if !sub.Active {
		return sub, nil
	}
	sub.Active = false
	sub.AutoRenew = false
	if err := l.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	l.log.Info("subscription cancelled", "plan_id", planID, "subscriber", sub.Subscriber)
	l.emit(sub402.LedgerEvent{
		Type:       sub402.EventSubscriptionCancelled,
		PlanID:     planID,
		Subscriber: sub.Subscriber,
	})
	return sub, nil
}

// Subscription returns the subscription for a (plan, subscriber) pair.
func (l *Ledger) Subscription(ctx context.Context, planID, subscriber string) (*sub402.Subscription, error) {
	return l.store.GetSubscription(ctx, planID, subscriber)
}

// Subscriptions lists a subscriber's subscriptions.
func (l *Ledger) Subscriptions(ctx context.Context, subscriber string, activeOnly bool) ([]*sub402.Subscription, error) {
	return l.store.ListSubscriptions(ctx, subscriber, activeOnly)
}

// VerifyAccess derives the subscription's lifecycle status at the current
// instant. StatusActive and StatusGrace both grant access to the plan's
// resource.
func (l *Ledger) VerifyAccess(ctx context.Context, planID, subscriber string) (sub402.SubscriptionStatus, *sub402.Subscription, error) {
	sub, err := l.store.GetSubscription(ctx, planID, subscriber)
	if err != nil {
		return "", nil, err
	}
	plan, err := l.store.GetPlan(ctx, planID)
	if err != nil {
		return "", nil, err
	}
	return sub.Status(plan.GracePeriod, l.now()), sub, nil
}

// Payments lists a subscriber's payment records.
func (l *Ledger) Payments(ctx context.Context, subscriber string) ([]*sub402.PaymentRecord, error) {
	return l.store.ListPayments(ctx, subscriber)
}

// Payment returns one payment record by ID.
func (l *Ledger) Payment(ctx context.Context, paymentID string) (*sub402.PaymentRecord, error) {
	return l.store.GetPayment(ctx, paymentID)
}

// ConfirmSettlement attaches the facilitator's transaction reference to a
// payment record. Confirming the same reference twice is a no-op; a second,
// different reference for the same payment is rejected.
func (l *Ledger) ConfirmSettlement(ctx context.Context, paymentID, txRef string) error {
	unlock := l.locks.Lock(paymentKey(paymentID))
	defer unlock()

	record, err := l.store.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if record.Settled() {
		if record.SettlementRef == txRef {
			return nil
		}
		return fmt.Errorf("%w: payment %s already settled as %s",
			sub402.ErrDoubleSettlement, paymentID, record.SettlementRef)
	}
	if err := l.store.SetSettlementRef(ctx, paymentID, txRef); err != nil {
		return err
	}

	l.log.Info("settlement confirmed", "payment_id", paymentID, "tx_ref", txRef)
	l.emit(sub402.LedgerEvent{
		Type:      sub402.EventSettlementConfirmed,
		PaymentID: paymentID,
		TxRef:     txRef,
	})
	return nil
}

// ReviewDue walks subscriptions whose due date has passed and applies the
// lapse and expiry transitions a charge attempt would. The billing sweep
// calls this on a schedule; it never charges, since charges require a fresh
// client signature.
func (l *Ledger) ReviewDue(ctx context.Context) (int, error) {
	due, err := l.store.ListDue(ctx, l.now())
	if err != nil {
		return 0, err
	}

	transitions := 0
	for _, stale := range due {
		if err := l.reviewOne(ctx, stale.PlanID, stale.Subscriber); err != nil {
			if err == sub402.ErrGracePeriodExceeded {
				transitions++
				continue
			}
			return transitions, err
		}
	}
	return transitions, nil
}

func (l *Ledger) reviewOne(ctx context.Context, planID, subscriber string) error {
	unlock := l.locks.Lock(sub402.SubscriptionKey(planID, subscriber))
	defer unlock()

	// Re-read under the lock; a concurrent charge may have advanced the
	// schedule since ListDue.
	sub, err := l.store.GetSubscription(ctx, planID, subscriber)
	if err != nil {
		if err == sub402.ErrSubscriptionNotFound {
			return nil
		}
		return err
	}
	if !sub.Active {
		return nil
	}
	plan, err := l.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}

	now := l.now()
	if now.After(sub.EndTime) {
		if sub.AutoRenew {
			// Renewal takes a fresh signed charge; the sweep leaves the
			// subscription active so that charge path stays reachable.
			return nil
		}
		return l.expireLocked(ctx, sub, sub402.ErrGracePeriodExceeded)
	}
	if now.After(sub.NextPaymentDue.Add(plan.GracePeriod)) {
		return l.lapseLocked(ctx, plan, sub, now)
	}
	return nil
}

// RecordCharge appends a one-off charge outside any subscription, keyed by
// the action it paid for. The payment middleware uses it for pay-per-request
// resources.
func (l *Ledger) RecordCharge(ctx context.Context, action, payer string, amount *big.Int) (*sub402.PaymentRecord, error) {
	record := &sub402.PaymentRecord{
		ID:         uuid.NewString(),
		PlanID:     action,
		Subscriber: strings.ToLower(payer),
		Amount:     new(big.Int).Set(amount),
		Timestamp:  l.now(),
		Type:       sub402.PaymentTypeOneOff,
	}
	if err := l.store.AppendPayment(ctx, record); err != nil {
		return nil, err
	}
	l.emit(sub402.LedgerEvent{
		Type:       sub402.EventPaymentProcessed,
		PlanID:     action,
		Subscriber: record.Subscriber,
		PaymentID:  record.ID,
		Amount:     amount.String(),
	})
	return record, nil
}

func (l *Ledger) appendPayment(ctx context.Context, sub *sub402.Subscription, amount *big.Int, kind sub402.PaymentType) (*sub402.PaymentRecord, error) {
	record := &sub402.PaymentRecord{
		ID:         uuid.NewString(),
		PlanID:     sub.PlanID,
		Subscriber: sub.Subscriber,
		Amount:     new(big.Int).Set(amount),
		Timestamp:  l.now(),
		Type:       kind,
	}
	if err := l.store.AppendPayment(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

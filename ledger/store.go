package ledger

import (
	"context"
	"time"

	sub402 "github.com/sub402/sub402-go"
)

// Store is the persistence contract for the four logical tables the ledger
// owns: plans, subscriptions, payment records, and their queries. The ledger
// never reaches past this interface, so the storage technology stays an
// external concern.
//
// CreateSubscription must be an atomic check-and-create: when an active
// subscription already exists for the same (plan, subscriber) key it returns
// sub402.ErrAlreadySubscribed without writing. This is the unique-constraint
// insert that keeps two concurrent subscribe calls from both succeeding.
type Store interface {
	CreatePlan(ctx context.Context, plan *sub402.Plan) error
	GetPlan(ctx context.Context, planID string) (*sub402.Plan, error)
	UpdatePlan(ctx context.Context, plan *sub402.Plan) error
	ListPlans(ctx context.Context, activeOnly bool) ([]*sub402.Plan, error)

	CreateSubscription(ctx context.Context, sub *sub402.Subscription) error
	GetSubscription(ctx context.Context, planID, subscriber string) (*sub402.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *sub402.Subscription) error
	ListSubscriptions(ctx context.Context, subscriber string, activeOnly bool) ([]*sub402.Subscription, error)

	// ListDue returns active subscriptions whose next payment due date has
	// arrived, for the billing sweep.
	ListDue(ctx context.Context, now time.Time) ([]*sub402.Subscription, error)

	AppendPayment(ctx context.Context, record *sub402.PaymentRecord) error
	GetPayment(ctx context.Context, paymentID string) (*sub402.PaymentRecord, error)

	// SetSettlementRef attaches the external transaction reference to an
	// otherwise immutable payment record.
	SetSettlementRef(ctx context.Context, paymentID, txRef string) error

	ListPayments(ctx context.Context, subscriber string) ([]*sub402.PaymentRecord, error)
}

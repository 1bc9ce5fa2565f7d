package sub402

import "time"

// LedgerEventType identifies a committed ledger transition.
type LedgerEventType string

const (
	EventPlanCreated           LedgerEventType = "plan.created"
	EventPlanDeactivated       LedgerEventType = "plan.deactivated"
	EventSubscriptionCreated   LedgerEventType = "subscription.created"
	EventSubscriptionRenewed   LedgerEventType = "subscription.renewed"
	EventSubscriptionCancelled LedgerEventType = "subscription.cancelled"
	EventSubscriptionExpired   LedgerEventType = "subscription.expired"
	EventPaymentProcessed      LedgerEventType = "payment.processed"
	EventPaymentMissed         LedgerEventType = "payment.missed"
	EventSettlementConfirmed   LedgerEventType = "settlement.confirmed"
	EventSettlementFailed      LedgerEventType = "settlement.failed"
	EventSettlementTimeout     LedgerEventType = "settlement.timeout"
)

// LedgerEvent is emitted after each committed transition, decoupling
// persistence from downstream indexing or analytics consumers.
type LedgerEvent struct {
	Type       LedgerEventType
	Timestamp  time.Time
	PlanID     string
	Subscriber string
	PaymentID  string
	Amount     string
	TxRef      string
	Error      error
}

// EventSink receives ledger events. Implementations must not block; the
// ledger calls sinks synchronously after commit.
type EventSink func(LedgerEvent)

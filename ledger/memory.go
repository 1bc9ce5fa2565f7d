package ledger

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	sub402 "github.com/sub402/sub402-go"
)

// MemoryStore is an in-memory Store for single-instance deployments and
// tests. All methods are safe for concurrent use; entities are copied on the
// way in and out so callers never share mutable state with the store.
type MemoryStore struct {
	mu            sync.Mutex
	plans         map[string]*sub402.Plan
	subscriptions map[string]*sub402.Subscription
	payments      []*sub402.PaymentRecord
	paymentsByID  map[string]*sub402.PaymentRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:         make(map[string]*sub402.Plan),
		subscriptions: make(map[string]*sub402.Subscription),
		paymentsByID:  make(map[string]*sub402.PaymentRecord),
	}
}

func (s *MemoryStore) CreatePlan(_ context.Context, plan *sub402.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = copyPlan(plan)
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, planID string) (*sub402.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[planID]
	if !ok {
		return nil, sub402.ErrPlanNotFound
	}
	return copyPlan(plan), nil
}

func (s *MemoryStore) UpdatePlan(_ context.Context, plan *sub402.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; !ok {
		return sub402.ErrPlanNotFound
	}
	s.plans[plan.ID] = copyPlan(plan)
	return nil
}

func (s *MemoryStore) ListPlans(_ context.Context, activeOnly bool) ([]*sub402.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sub402.Plan
	for _, plan := range s.plans {
		if activeOnly && !plan.Active {
			continue
		}
		out = append(out, copyPlan(plan))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateSubscription(_ context.Context, sub *sub402.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sub.Key()
	if existing, ok := s.subscriptions[key]; ok && existing.Active {
		return sub402.ErrAlreadySubscribed
	}
	// Re-subscription after cancellation replaces the inactive record.
	s.subscriptions[key] = copySubscription(sub)
	return nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, planID, subscriber string) (*sub402.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[sub402.SubscriptionKey(planID, subscriber)]
	if !ok {
		return nil, sub402.ErrSubscriptionNotFound
	}
	return copySubscription(sub), nil
}

func (s *MemoryStore) UpdateSubscription(_ context.Context, sub *sub402.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sub.Key()
	if _, ok := s.subscriptions[key]; !ok {
		return sub402.ErrSubscriptionNotFound
	}
	s.subscriptions[key] = copySubscription(sub)
	return nil
}

func (s *MemoryStore) ListSubscriptions(_ context.Context, subscriber string, activeOnly bool) ([]*sub402.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sub402.Subscription
	for _, sub := range s.subscriptions {
		if !strings.EqualFold(sub.Subscriber, subscriber) {
			continue
		}
		if activeOnly && !sub.Active {
			continue
		}
		out = append(out, copySubscription(sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time) ([]*sub402.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sub402.Subscription
	for _, sub := range s.subscriptions {
		if sub.Active && !now.Before(sub.NextPaymentDue) {
			out = append(out, copySubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextPaymentDue.Before(out[j].NextPaymentDue) })
	return out, nil
}

func (s *MemoryStore) AppendPayment(_ context.Context, record *sub402.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := copyPayment(record)
	s.payments = append(s.payments, stored)
	s.paymentsByID[stored.ID] = stored
	return nil
}

func (s *MemoryStore) GetPayment(_ context.Context, paymentID string) (*sub402.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.paymentsByID[paymentID]
	if !ok {
		return nil, sub402.ErrPaymentNotFound
	}
	return copyPayment(record), nil
}

func (s *MemoryStore) SetSettlementRef(_ context.Context, paymentID, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.paymentsByID[paymentID]
	if !ok {
		return sub402.ErrPaymentNotFound
	}
	record.SettlementRef = txRef
	return nil
}

func (s *MemoryStore) ListPayments(_ context.Context, subscriber string) ([]*sub402.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sub402.PaymentRecord
	for _, record := range s.payments {
		if strings.EqualFold(record.Subscriber, subscriber) {
			out = append(out, copyPayment(record))
		}
	}
	return out, nil
}

func copyPlan(p *sub402.Plan) *sub402.Plan {
	c := *p
	if p.Amount != nil {
		c.Amount = new(big.Int).Set(p.Amount)
	}
	return &c
}

func copySubscription(s *sub402.Subscription) *sub402.Subscription {
	c := *s
	if s.TotalPaid != nil {
		c.TotalPaid = new(big.Int).Set(s.TotalPaid)
	}
	return &c
}

func copyPayment(p *sub402.PaymentRecord) *sub402.PaymentRecord {
	c := *p
	if p.Amount != nil {
		c.Amount = new(big.Int).Set(p.Amount)
	}
	return &c
}

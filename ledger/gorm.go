package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	sub402 "github.com/sub402/sub402-go"
)

// GormStore persists the ledger through GORM. The four logical tables map to
// plans, subscriptions and payment_records; amounts are stored as decimal
// strings so they survive any column width.
type GormStore struct {
	db *gorm.DB
}

type planRow struct {
	ID              string `gorm:"primaryKey;column:plan_id"`
	Token           string `gorm:"not null"`
	Amount          string `gorm:"not null"`
	IntervalSeconds int64  `gorm:"not null"`
	DurationSeconds int64  `gorm:"not null"`
	GraceSeconds    int64  `gorm:"not null"`
	ResourceLocator string
	Description     string
	Creator         string `gorm:"index;not null"`
	Active          bool   `gorm:"index"`
	Subscribers     int
	CreatedAt       time.Time
}

func (planRow) TableName() string { return "plans" }

type subscriptionRow struct {
	PlanID         string `gorm:"primaryKey"`
	Subscriber     string `gorm:"primaryKey"`
	StartTime      time.Time
	NextPaymentDue time.Time `gorm:"index"`
	EndTime        time.Time
	TotalPaid      string
	PaymentCount   int
	MissedPayments int
	Active         bool `gorm:"index"`
	AutoRenew      bool
}

func (subscriptionRow) TableName() string { return "subscriptions" }

type paymentRow struct {
	ID            string `gorm:"primaryKey;column:payment_id"`
	PlanID        string `gorm:"index"`
	Subscriber    string `gorm:"index"`
	Amount        string
	Timestamp     time.Time
	PaymentType   string
	SettlementRef string
}

func (paymentRow) TableName() string { return "payment_records" }

// NewGormStore migrates the schema and wraps the connection.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&planRow{}, &subscriptionRow{}, &paymentRow{}); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) CreatePlan(ctx context.Context, plan *sub402.Plan) error {
	return s.db.WithContext(ctx).Create(planToRow(plan)).Error
}

func (s *GormStore) GetPlan(ctx context.Context, planID string) (*sub402.Plan, error) {
	var row planRow
	err := s.db.WithContext(ctx).First(&row, "plan_id = ?", planID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, sub402.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToPlan(&row)
}

func (s *GormStore) UpdatePlan(ctx context.Context, plan *sub402.Plan) error {
	res := s.db.WithContext(ctx).Save(planToRow(plan))
	if res.Error != nil {
		return res.Error
	}
	return nil
}

func (s *GormStore) ListPlans(ctx context.Context, activeOnly bool) ([]*sub402.Plan, error) {
	q := s.db.WithContext(ctx).Order("created_at")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var rows []planRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*sub402.Plan, 0, len(rows))
	for i := range rows {
		plan, err := rowToPlan(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, plan)
	}
	return out, nil
}

func (s *GormStore) CreateSubscription(ctx context.Context, sub *sub402.Subscription) error {
	row := subscriptionToRow(sub)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Unique-constraint insert on the composite key. A conflicting row
		// means a subscription already exists for the pair; only an inactive
		// one may be replaced (re-activation after cancellation).
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}

		var existing subscriptionRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&existing, "plan_id = ? AND subscriber = ?", row.PlanID, row.Subscriber).Error
		if err != nil {
			return err
		}
		if existing.Active {
			return sub402.ErrAlreadySubscribed
		}
		return tx.Save(row).Error
	})
}

func (s *GormStore) GetSubscription(ctx context.Context, planID, subscriber string) (*sub402.Subscription, error) {
	var row subscriptionRow
	err := s.db.WithContext(ctx).
		First(&row, "plan_id = ? AND subscriber = ?", planID, strings.ToLower(subscriber)).Error
	if err == gorm.ErrRecordNotFound {
		return nil, sub402.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToSubscription(&row)
}

func (s *GormStore) UpdateSubscription(ctx context.Context, sub *sub402.Subscription) error {
	return s.db.WithContext(ctx).Save(subscriptionToRow(sub)).Error
}

func (s *GormStore) ListSubscriptions(ctx context.Context, subscriber string, activeOnly bool) ([]*sub402.Subscription, error) {
	q := s.db.WithContext(ctx).Where("subscriber = ?", strings.ToLower(subscriber)).Order("start_time")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var rows []subscriptionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rowsToSubscriptions(rows)
}

func (s *GormStore) ListDue(ctx context.Context, now time.Time) ([]*sub402.Subscription, error) {
	var rows []subscriptionRow
	err := s.db.WithContext(ctx).
		Where("active = ? AND next_payment_due <= ?", true, now).
		Order("next_payment_due").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rowsToSubscriptions(rows)
}

func (s *GormStore) AppendPayment(ctx context.Context, record *sub402.PaymentRecord) error {
	return s.db.WithContext(ctx).Create(paymentToRow(record)).Error
}

func (s *GormStore) GetPayment(ctx context.Context, paymentID string) (*sub402.PaymentRecord, error) {
	var row paymentRow
	err := s.db.WithContext(ctx).First(&row, "payment_id = ?", paymentID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, sub402.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToPayment(&row)
}

func (s *GormStore) SetSettlementRef(ctx context.Context, paymentID, txRef string) error {
	res := s.db.WithContext(ctx).Model(&paymentRow{}).
		Where("payment_id = ?", paymentID).
		Update("settlement_ref", txRef)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return sub402.ErrPaymentNotFound
	}
	return nil
}

func (s *GormStore) ListPayments(ctx context.Context, subscriber string) ([]*sub402.PaymentRecord, error) {
	var rows []paymentRow
	err := s.db.WithContext(ctx).
		Where("subscriber = ?", strings.ToLower(subscriber)).
		Order("timestamp").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*sub402.PaymentRecord, 0, len(rows))
	for i := range rows {
		record, err := rowToPayment(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func planToRow(p *sub402.Plan) *planRow {
	return &planRow{
		ID:              p.ID,
		Token:           p.Token,
		Amount:          p.Amount.String(),
		IntervalSeconds: int64(p.Interval / time.Second),
		DurationSeconds: int64(p.Duration / time.Second),
		GraceSeconds:    int64(p.GracePeriod / time.Second),
		ResourceLocator: p.ResourceLocator,
		Description:     p.Description,
		Creator:         strings.ToLower(p.Creator),
		Active:          p.Active,
		Subscribers:     p.Subscribers,
		CreatedAt:       p.CreatedAt,
	}
}

func rowToPlan(r *planRow) (*sub402.Plan, error) {
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return nil, err
	}
	return &sub402.Plan{
		ID:              r.ID,
		Token:           r.Token,
		Amount:          amount,
		Interval:        time.Duration(r.IntervalSeconds) * time.Second,
		Duration:        time.Duration(r.DurationSeconds) * time.Second,
		GracePeriod:     time.Duration(r.GraceSeconds) * time.Second,
		ResourceLocator: r.ResourceLocator,
		Description:     r.Description,
		Creator:         r.Creator,
		Active:          r.Active,
		Subscribers:     r.Subscribers,
		CreatedAt:       r.CreatedAt,
	}, nil
}

func subscriptionToRow(s *sub402.Subscription) *subscriptionRow {
	return &subscriptionRow{
		PlanID:         s.PlanID,
		Subscriber:     strings.ToLower(s.Subscriber),
		StartTime:      s.StartTime,
		NextPaymentDue: s.NextPaymentDue,
		EndTime:        s.EndTime,
		TotalPaid:      s.TotalPaid.String(),
		PaymentCount:   s.PaymentCount,
		MissedPayments: s.MissedPayments,
		Active:         s.Active,
		AutoRenew:      s.AutoRenew,
	}
}

func rowToSubscription(r *subscriptionRow) (*sub402.Subscription, error) {
	total, err := parseAmount(r.TotalPaid)
	if err != nil {
		return nil, err
	}
	return &sub402.Subscription{
		PlanID:         r.PlanID,
		Subscriber:     r.Subscriber,
		StartTime:      r.StartTime,
		NextPaymentDue: r.NextPaymentDue,
		EndTime:        r.EndTime,
		TotalPaid:      total,
		PaymentCount:   r.PaymentCount,
		MissedPayments: r.MissedPayments,
		Active:         r.Active,
		AutoRenew:      r.AutoRenew,
	}, nil
}

func rowsToSubscriptions(rows []subscriptionRow) ([]*sub402.Subscription, error) {
	out := make([]*sub402.Subscription, 0, len(rows))
	for i := range rows {
		sub, err := rowToSubscription(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func paymentToRow(p *sub402.PaymentRecord) *paymentRow {
	return &paymentRow{
		ID:            p.ID,
		PlanID:        p.PlanID,
		Subscriber:    strings.ToLower(p.Subscriber),
		Amount:        p.Amount.String(),
		Timestamp:     p.Timestamp,
		PaymentType:   string(p.Type),
		SettlementRef: p.SettlementRef,
	}
}

func rowToPayment(r *paymentRow) (*sub402.PaymentRecord, error) {
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return nil, err
	}
	return &sub402.PaymentRecord{
		ID:            r.ID,
		PlanID:        r.PlanID,
		Subscriber:    r.Subscriber,
		Amount:        amount,
		Timestamp:     r.Timestamp,
		Type:          sub402.PaymentType(r.PaymentType),
		SettlementRef: r.SettlementRef,
	}, nil
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", sub402.ErrInvalidAmount, s)
	}
	return amount, nil
}

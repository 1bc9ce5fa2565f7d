package ledger

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"
)

func TestNewSweeper_BadSpec(t *testing.T) {
	f := newFixture(t)
	if _, err := NewSweeper(f.ledger, "not a cron spec", nil); err == nil {
		t.Error("NewSweeper accepted invalid spec")
	}
}

func TestSweeper_RunAppliesTransitions(t *testing.T) {
	f := newFixture(t)
	plan := createTestPlan(t, f)
	if _, _, err := f.ledger.Subscribe(context.Background(), plan.ID, "0xSubscriber", big.NewInt(1000), false); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sweeper, err := NewSweeper(f.ledger, "* * * * *", slog.Default())
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}

	f.advance(36 * day)
	sweeper.run()

	sub, err := f.ledger.Subscription(context.Background(), plan.ID, "0xSubscriber")
	if err != nil {
		t.Fatalf("Subscription: %v", err)
	}
	if sub.MissedPayments != 1 {
		t.Errorf("MissedPayments = %d, want 1", sub.MissedPayments)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	f := newFixture(t)
	sweeper, err := NewSweeper(f.ledger, "* * * * *", slog.Default())
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	sweeper.Start()

	done := make(chan struct{})
	go func() {
		sweeper.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

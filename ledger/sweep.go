package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs the periodic billing review that pushes overdue subscriptions
// through their lapse and expiry transitions independent of traffic. Without
// it a subscription that stops receiving charge attempts would sit past its
// grace window forever.
type Sweeper struct {
	ledger  *Ledger
	cron    *cron.Cron
	log     *slog.Logger
	timeout time.Duration
}

// NewSweeper builds a sweeper over the ledger. spec is a cron expression,
// for example "*/5 * * * *" for every five minutes.
func NewSweeper(ledger *Ledger, spec string, log *slog.Logger) (*Sweeper, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Sweeper{
		ledger:  ledger,
		cron:    cron.New(),
		log:     log,
		timeout: time.Minute,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the schedule in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.log.Info("billing sweep started")
}

// Stop halts the schedule and waits for an in-flight review to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("billing sweep stopped")
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	transitions, err := s.ledger.ReviewDue(ctx)
	if err != nil {
		s.log.Error("billing sweep failed", "error", err)
		return
	}
	if transitions > 0 {
		s.log.Info("billing sweep applied transitions", "count", transitions)
	}
}

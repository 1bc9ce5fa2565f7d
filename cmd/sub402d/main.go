// Command sub402d runs the X402 subscription gateway: the 402 payment
// handshake, the subscription ledger and the billing sweep behind one HTTP
// server.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	sub402 "github.com/sub402/sub402-go"
	"github.com/sub402/sub402-go/authorizer"
	"github.com/sub402/sub402-go/config"
	sub402http "github.com/sub402/sub402-go/http"
	"github.com/sub402/sub402-go/ledger"
)

func main() {
	if err := run(); err != nil {
		slog.Error("sub402d failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	lgr, err := ledger.New(store, cfg.ResourceKey,
		ledger.WithLogger(log),
		ledger.WithEventSink(logEvents(log)),
	)
	if err != nil {
		return err
	}

	auth := authorizer.New(cfg.ChainID, cfg.VerifyingContract)

	var facilitator sub402http.Facilitator
	if cfg.FacilitatorURL != "" {
		facilitator = sub402http.NewFacilitatorClient(cfg.FacilitatorURL)
	}

	gateway := sub402http.NewGateway(auth, lgr, facilitator, cfg.Recipient,
		sub402http.WithLogger(log),
		sub402http.WithEventSink(logEvents(log)),
		sub402http.WithChallengeWindow(cfg.ChallengeWindow),
	)

	sweeper, err := ledger.NewSweeper(lgr, cfg.SweepSpec, log)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      gateway.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("sub402d listening", "addr", cfg.ListenAddr, "chain_id", cfg.ChainID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	// Let in-flight background settlements finish.
	return gateway.Close(ctx)
}

func openStore(cfg *config.Config) (ledger.Store, error) {
	if cfg.DatabaseDSN == "" {
		return ledger.NewMemoryStore(), nil
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	store, err := ledger.NewGormStore(db)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// logEvents mirrors committed ledger transitions into the log.
func logEvents(log *slog.Logger) sub402.EventSink {
	return func(ev sub402.LedgerEvent) {
		attrs := []any{
			"plan_id", ev.PlanID,
			"subscriber", ev.Subscriber,
			"payment_id", ev.PaymentID,
		}
		if ev.Error != nil {
			log.Warn(string(ev.Type), append(attrs, "error", ev.Error)...)
			return
		}
		log.Info(string(ev.Type), attrs...)
	}
}

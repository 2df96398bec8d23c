package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"ledger-core/internal/api"
	"ledger-core/internal/deposit"
	"ledger-core/internal/ledger"
	"ledger-core/internal/oracle"
	"ledger-core/internal/trade"
	"ledger-core/internal/withdraw"
	"ledger-core/pkg/config"
	"ledger-core/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[main] failed to load config: %v", err)
	}
	log.Printf("[main] starting ledger-core on port %s (db=%s)", cfg.Port, cfg.DBPath)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("[main] failed to open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("[main] failed to apply migrations: %v", err)
	}

	payouts := trade.DefaultPayoutTable()
	if cfg.PayoutTablePath != "" {
		payouts, err = trade.LoadPayoutTable(cfg.PayoutTablePath)
		if err != nil {
			log.Fatalf("[main] failed to load payout table %s: %v", cfg.PayoutTablePath, err)
		}
		log.Printf("[main] loaded payout table from %s (%d tiers)", cfg.PayoutTablePath, len(payouts.Tiers))
	}

	prices := oracle.NewCoinGeckoClient(cfg.OracleBaseURL, cfg.OracleTimeout)

	ldg := ledger.New(database)
	trades := trade.NewEngine(database, ldg, prices, payouts)
	withdrawals := withdraw.NewEngine(database, ldg)
	deposits := deposit.NewIntake(database, ldg, cfg.WebhookSecret)

	if cfg.WebhookSecret == "" {
		log.Println("[main] PAYMENT_WEBHOOK_SECRET not set, payment webhooks will be rejected")
	}
	if cfg.CronSecret == "" {
		log.Println("[main] CRON_SECRET not set, trade sweep requires an admin session")
	}

	server := api.NewServer(database, ldg, trades, withdrawals, deposits, cfg.JWTSecret, cfg.CronSecret, api.Limits{
		TradePerWindow:    cfg.TradeRateLimit,
		WithdrawPerWindow: cfg.WithdrawRateLimit,
		Window:            cfg.RateLimitWindow,
	})

	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("[main] api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("[main] shutting down")
}

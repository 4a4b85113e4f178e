package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hashink/internal/autograph"
	"hashink/internal/celebrity"
	"hashink/internal/config"
	"hashink/internal/events"
	"hashink/internal/idempotency"
	"hashink/internal/requests"
	"hashink/internal/server"
	"hashink/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	var store idempotency.Store
	if cfg.Database.PostgresDSN != "" {
		pgStore, err := idempotency.NewPostgresStore(context.Background(), cfg.Database.PostgresDSN)
		if err != nil {
			log.Fatalf("idempotency store error: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
	} else {
		fileStore, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			log.Fatalf("idempotency store error: %v", err)
		}
		store = fileStore
	}

	eventLog := events.NewLog(cfg.Service.EventLogSize)
	funds := vault.New()
	registry := celebrity.NewRegistry(eventLog)
	collection := autograph.NewCollection(cfg.Operator, eventLog)

	ledger, err := requests.NewLedger(registry, collection, funds, requests.Options{
		Treasury:   cfg.Treasury,
		Operator:   cfg.Operator,
		FeePercent: cfg.Seed.Platform.FeePercent,
		Sink:       eventLog,
	})
	if err != nil {
		log.Fatalf("ledger error: %v", err)
	}

	apiServer := server.NewServer(cfg, registry, ledger, collection, funds, eventLog, store)

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(ctx)
}

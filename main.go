package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"dca-core/internal/api"
	"dca-core/internal/engine"
	"dca-core/internal/fees"
	"dca-core/internal/scheduler"
	"dca-core/pkg/config"
	"dca-core/pkg/crypto"
	"dca-core/pkg/db"
	"dca-core/pkg/kraken"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting recurring purchase engine on port %s (%s)", cfg.Port, cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("database init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("database migrations failed: %v", err)
	}
	log.Printf("database ready at %s", cfg.DBPath)

	encryptor, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
	if err != nil {
		log.Fatalf("encryptor init failed: %v", err)
	}

	exchange := kraken.New(kraken.Config{
		BaseURL: cfg.KrakenBaseURL,
		FeeRate: cfg.PlatformFeeRate,
	})

	calculator, err := fees.NewCalculator(cfg.StandardFeeRate, cfg.PlatformFeeRate)
	if err != nil {
		log.Fatalf("fee calculator init failed: %v", err)
	}

	store := database.Queries()
	eng := engine.New(store, exchange, encryptor, calculator, cfg.StaleProcessingAfter)

	sched := scheduler.New(eng, cfg.CronInterval)
	sched.Start(ctx)

	server := api.NewServer(store, exchange, encryptor, eng, api.ServerConfig{
		JWTSecret:  cfg.JWTSecret,
		AdminEmail: cfg.AdminEmail,
		CronSecret: cfg.CronSecret,
		Production: cfg.IsProduction(),
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")

	// Stop the tick loop first so no new run starts mid-shutdown.
	sched.Stop()
	cancel()
}

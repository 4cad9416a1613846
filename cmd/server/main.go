package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/yardkeep/yardkeep/internal/api"
	"github.com/yardkeep/yardkeep/internal/config"
	"github.com/yardkeep/yardkeep/internal/identify"
	"github.com/yardkeep/yardkeep/internal/provider"
	"github.com/yardkeep/yardkeep/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	prov, err := provider.New(ctx, provider.Config{
		Kind:            cfg.Provider,
		GeminiAPIKey:    cfg.GeminiAPIKey,
		GeminiModel:     cfg.GeminiModel,
		PlantNetAPIKey:  cfg.PlantNetAPIKey,
		PlantNetBaseURL: cfg.PlantNetBaseURL,
	})
	if err != nil {
		log.Fatalf("init provider: %v", err)
	}
	defer prov.Close()

	flow := identify.New(st, prov, identify.Options{
		MaxDimension: cfg.MaxDimension,
		Quality:      cfg.JPEGQuality,
		Timeout:      cfg.IdentifyTimeout,
		StaleAfter:   cfg.StaleIdentifying,
	})

	queueClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer queueClient.Close()

	srv := api.New(cfg, st, flow, api.NewAsynqEnqueuer(queueClient))
	if err := srv.Run(ctx); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.DBDriver == "postgres" {
		return store.OpenPostgres(ctx, cfg.DatabaseDSN)
	}
	return store.OpenSQLite(ctx, cfg.SQLitePath)
}

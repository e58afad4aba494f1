package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/jonathanhollander/assetforge/internal/approval"
	"github.com/jonathanhollander/assetforge/internal/broadcast"
	"github.com/jonathanhollander/assetforge/internal/competition"
	"github.com/jonathanhollander/assetforge/internal/config"
	"github.com/jonathanhollander/assetforge/internal/httpserver"
	"github.com/jonathanhollander/assetforge/internal/pipeline"
	"github.com/jonathanhollander/assetforge/internal/provider"
	"github.com/jonathanhollander/assetforge/internal/scoring"
	"github.com/jonathanhollander/assetforge/internal/storage"
	"github.com/jonathanhollander/assetforge/internal/store"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store: Postgres when DATABASE_URL is set, in-memory otherwise.
	var st store.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		defer db.Close()
		pg := store.NewPGStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
		st = pg
		log.Printf("[main] using postgres store")
	} else {
		st = store.NewMemoryStore()
		log.Printf("[main] using in-memory store")
	}

	// Persistence handoff: S3 when a bucket is configured, local files otherwise.
	var saver storage.Saver
	if cfg.S3Bucket != "" {
		s3Saver, err := storage.NewS3Saver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("init s3 saver: %v", err)
		}
		saver = s3Saver
		log.Printf("[main] saving assets to s3://%s/%s", cfg.S3Bucket, cfg.S3Prefix)
	} else {
		localSaver, err := storage.NewLocalSaver(cfg.AssetDir)
		if err != nil {
			log.Fatalf("init local saver: %v", err)
		}
		saver = localSaver
		log.Printf("[main] saving assets under %s", cfg.AssetDir)
	}

	bus := broadcast.New(cfg.Pipeline.SubscriberBuffer)
	bus.Start()
	defer bus.Shutdown()

	if len(cfg.KafkaBrokers) > 0 {
		sink, err := broadcast.NewKafkaSink(broadcast.KafkaSinkConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("init kafka sink: %v", err)
		}
		go sink.Run(ctx, bus.Subscribe())
		log.Printf("[main] mirroring progress events to kafka topic %s", cfg.KafkaTopic)
	}

	policy := provider.PolicyFromConfig(cfg.Pipeline.Retry)
	providers := make([]provider.Client, 0, len(cfg.Pipeline.Providers))
	order := make([]string, 0, len(cfg.Pipeline.Providers))
	for _, pc := range cfg.Pipeline.Providers {
		client, err := provider.FromConfig(pc, policy)
		if err != nil {
			log.Fatalf("init provider %q: %v", pc.ID, err)
		}
		providers = append(providers, client)
		order = append(order, pc.ID)
	}

	scorer := scoring.New(cfg.Pipeline.ScoreWeights, order)
	orch := competition.New(providers, scorer, 0, bus)
	gate := approval.NewGate(cfg.Pipeline.ThresholdMicros(), cfg.Pipeline.ApprovalExpiry.Std())

	pipe := pipeline.New(orch, gate, bus, st, saver, providers, pipeline.Options{
		DefaultCeiling: cfg.Pipeline.DefaultCeilingMicros(),
		WorkerCap:      cfg.Pipeline.WorkerCap,
	})
	defer pipe.Shutdown()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: httpserver.New(pipe, gate, st, bus, cfg.OperatorSecret).Router(),
	}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	log.Printf("[main] assetforge listening on %s with %d providers", cfg.ListenAddr, len(providers))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/recipe-pipeline/config"
	"github.com/feichai0017/recipe-pipeline/internal/service/generation"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
	"github.com/feichai0017/recipe-pipeline/pkg/queue"
	"github.com/feichai0017/recipe-pipeline/pkg/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	concurrency := flag.Int("concurrency", 4, "batches processed at once")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if cfg.Server.Mode != config.ModeQueue {
		panic("worker requires server.mode=queue")
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Logger)...)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, closeService, err := generation.GetService(ctx, cfg, generation.RoleWorker, log)
	if err != nil {
		log.Fatal("Failed to get generation service", logger.Error(err))
	}
	defer closeService()

	batchWorker := worker.NewBatchWorker(&worker.Config{
		Queue: queue.Config{
			RedisAddr:     cfg.Redis.Addr,
			RedisPassword: cfg.Redis.Password,
			RedisDB:       cfg.Redis.DB,
		},
		Concurrency: *concurrency,
		Queues:      queue.Queues,
	}, svc, log)

	if err := batchWorker.Start(ctx); err != nil {
		log.Fatal("Failed to start worker", logger.Error(err))
	}
	log.Info("Worker started", logger.Int("concurrency", *concurrency))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Worker loop stopped with error", logger.Error(err))
	}

	log.Info("Shutting down worker...")
	if err := batchWorker.Stop(); err != nil {
		log.Error("Failed to stop worker", logger.Error(err))
	}
	log.Info("Worker stopped")
}

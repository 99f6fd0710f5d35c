package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/suPer8Hu/chat-memory/internal/app"
	"github.com/suPer8Hu/chat-memory/internal/config"
	"github.com/suPer8Hu/chat-memory/internal/db"
	"github.com/suPer8Hu/chat-memory/internal/jobs"
	"github.com/suPer8Hu/chat-memory/internal/logger"
	"github.com/suPer8Hu/chat-memory/internal/store/rabbitmq"
)

// noPublish guards the worker's service; it only runs jobs, never enqueues.
type noPublish struct{}

func (noPublish) PublishJob(context.Context, string, string) error { return jobs.ErrEnqueue }

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal("db connect", "error", err)
	}
	repo := jobs.NewRepo(gdb)
	if err := repo.AutoMigrate(); err != nil {
		log.Fatal("automigrate", "error", err)
	}

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("build memory store", "error", err)
	}
	defer a.Close()

	svc := jobs.NewService(repo, a.Memory, noPublish{}, log)

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, rabbitmq.ConsumerOptions{
		Concurrency: cfg.WorkerConcurrency,
		MaxRetries:  3,
	}, log)
	if err != nil {
		log.Fatal("rabbit consumer", "error", err)
	}
	defer consumer.Close()

	log.Info("worker started", "queue", cfg.RabbitQueue, "concurrency", cfg.WorkerConcurrency)
	if err := consumer.Run(ctx, svc.Run); err != nil && ctx.Err() == nil {
		log.Error("worker stopped", "error", err)
	}
	log.Info("worker shut down")
}

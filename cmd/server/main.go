package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/suPer8Hu/chat-memory/internal/app"
	"github.com/suPer8Hu/chat-memory/internal/config"
	"github.com/suPer8Hu/chat-memory/internal/db"
	"github.com/suPer8Hu/chat-memory/internal/httpapi"
	"github.com/suPer8Hu/chat-memory/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-memory/internal/jobs"
	"github.com/suPer8Hu/chat-memory/internal/logger"
	"github.com/suPer8Hu/chat-memory/internal/store/rabbitmq"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.LogMode == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("build memory store", "error", err)
	}
	defer a.Close()

	h := &handlers.Handler{
		Memory:         a.Memory,
		Catalog:        a.Catalog,
		DefaultAgent:   cfg.AgentName,
		RequestTimeout: cfg.RequestTimeout,
		Log:            log,
	}

	// Async saves need both the job table and the queue; without them the
	// sync routes still serve.
	if gdb, err := db.Connect(cfg.DBDSN); err != nil {
		log.Warn("job ledger unavailable, async saves disabled", "error", err)
	} else {
		repo := jobs.NewRepo(gdb)
		if err := repo.AutoMigrate(); err != nil {
			log.Fatal("automigrate", "error", err)
		}
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Warn("rabbitmq unavailable, async saves disabled", "error", err)
		} else {
			defer pub.Close()
			h.Jobs = jobs.NewService(repo, a.Memory, pub, log)
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"

	"remover/internal/config"
	"remover/internal/core/broker"
	"remover/internal/core/removal"
	"remover/internal/core/submit"
	"remover/internal/core/verify"
	"remover/internal/health"
	"remover/internal/logger"
	rds "remover/internal/platform/redis"
	tasks "remover/internal/platform/tasks"
	"remover/internal/server"
	sqlitestore "remover/internal/store/sqlite"
	"remover/internal/worker"
)

func main() {
	cfg := config.Load()
	log.Printf("[remover] starting at %s (env=%s)\n", cfg.HTTPAddr, cfg.AppEnv)

	logr := logger.New("main")

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "evidence"), 0o755); err != nil {
		log.Fatal(err)
	}

	// Redis client
	redisSvc, err := rds.New(rds.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer redisSvc.Close()

	// Attempt store
	attemptStore, err := sqlitestore.Open(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer attemptStore.Close()

	// Recover attempts orphaned in Processing by an unclean shutdown
	if cfg.ReclaimOnStartup {
		n, err := attemptStore.ReleaseStale(context.Background(), time.Now().Add(-cfg.StaleClaimCutoff))
		if err != nil {
			logr.LogError("stale attempt reclaim failed", err)
		} else if n > 0 {
			logr.LogWarnf("reset %d stale processing attempts to pending", n)
		}
	}

	// Broker definitions
	registry := broker.NewRegistry()
	if cfg.BrokerDir != "" {
		if err := registry.LoadDir(cfg.BrokerDir); err != nil {
			log.Fatal(err)
		}
	}

	// Asynq client and server
	taskClient := tasks.New(redisSvc)
	defer taskClient.Close()
	asynqServer := asynq.NewServer(redisSvc.AsynqRedisOpt(), asynq.Config{
		Concurrency: 10,
		Queues:      map[string]int{"default": 1},
	})

	// Submitters
	profiles := submit.StaticProfileSource{P: submit.Profile{
		FirstName: cfg.ProfileFirstName,
		LastName:  cfg.ProfileLastName,
		Email:     cfg.ProfileEmail,
	}}
	browserSub := submit.NewBrowserSubmitter(registry, profiles, attemptStore, cfg.DataDir)
	emailSub := submit.NewEmailSubmitter(registry, profiles, attemptStore)
	router := submit.NewRouter(registry, browserSub, emailSub)

	// Verification + removal engine
	verifySvc := verify.NewService(attemptStore, taskClient, cfg.VerifyDelay, cfg.VerifyMaxRetries)
	removalSvc := removal.NewService(attemptStore, router, removal.Options{
		MaxConcurrent: cfg.MaxConcurrentSubmissions,
		Policy:        removal.RetryPolicy{MaxAttempts: cfg.MaxAttempts},
		Redis:         redisSvc,
		Verifier:      verifySvc,
	})

	// Worker mux
	mux := worker.NewMux()
	mux.HandleFunc(verify.TaskTypeVerify, verifySvc.HandleTask)

	go func() {
		if err := asynqServer.Start(mux.Mux()); err != nil {
			log.Printf("[worker] stopped: %v\n", err)
		}
	}()

	// HTTP server
	app := fiber.New(fiber.Config{
		AppName: "Remover Engine",
		JSONEncoder: func(v interface{}) ([]byte, error) {
			var buf bytes.Buffer
			encoder := json.NewEncoder(&buf)
			encoder.SetEscapeHTML(false)
			if err := encoder.Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	})
	deps := server.Dependencies{
		Removal: removalSvc,
		HealthChecks: map[string]health.Checker{
			"redis": redisSvc.HealthCheck,
			"store": attemptStore.Ping,
		},
		EvidenceDir: filepath.Join(cfg.DataDir, "evidence"),
	}
	healthHandler := server.RegisterRoutes(app, deps)
	healthHandler.SetReady()

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logr.LogInfo("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := removalSvc.Shutdown(ctx); err != nil {
			logr.LogWarnf("removal engine shutdown: %v", err)
		}
		asynqServer.Shutdown()
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	if err := app.Listen(cfg.HTTPAddr); err != nil {
		log.Fatalf("server listen: %v", err)
	}
}

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"rsirunner/internal/analytics"
	"rsirunner/internal/cache"
	"rsirunner/internal/config"
	"rsirunner/internal/domain"
	"rsirunner/internal/pipeline"
	"rsirunner/internal/runner"
	"rsirunner/internal/secrets"
	"rsirunner/internal/store/postgres"
	"rsirunner/internal/workflow"

	_ "github.com/lib/pq"
)

// The worker claims pending runs straight from Postgres with FOR UPDATE SKIP
// LOCKED and executes them. It never schedules; pair it with a serve instance
// (or several workers) to scale run execution horizontally.
func main() {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}

	store := postgres.New(db, cfg.DBOpTimeout)

	manager := workflow.NewManager(cfg.WorkflowFile)
	if err := manager.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load workflow file: %v\n", err)
		os.Exit(2)
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	go func() {
		if err := manager.Watch(watchCtx); err != nil {
			log.Printf("worker: workflow file watch error: %v", err)
		}
	}()

	cacheStore := cache.New(cfg.CacheDir)
	pipe := pipeline.New(pipeline.Config{
		WorkspaceRoot:  cfg.WorkspaceRoot,
		KeepWorkspaces: cfg.KeepWorkspaces,
	}, cacheStore, secrets.NewEnvStore())

	run := runner.New(store, manager, pipe)

	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		run = run.WithAnalytics(analytics.NewRedisSink(redisClient))
		log.Printf("worker: analytics enabled (redis=%s)", cfg.RedisAddr)
	}

	pollCtx, cancelPoll := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		poll(pollCtx, store, run, cfg.DBPollInterval)
	}()

	log.Printf("worker: started (poll=%s, workflows=%s)", cfg.DBPollInterval, cfg.WorkflowFile)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("worker: received signal %v, shutting down", received)

	cancelPoll()
	wg.Wait()

	log.Println("worker: stopped")
}

// poll claims pending runs one at a time. An empty queue backs off for the
// poll interval; a claimed run is executed before the next claim, so one
// worker process runs at most one pipeline at a time.
func poll(ctx context.Context, store *postgres.Store, run *runner.Runner, interval time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}

		claimed, ok, err := store.DequeueRun(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker: dequeue error: %v", err)
		}

		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			continue
		}

		event := domain.TriggerEvent{
			RunID:       claimed.ID,
			Workflow:    claimed.Workflow,
			Trigger:     claimed.Trigger,
			ScheduledAt: claimed.ScheduledAt,
			FiredAt:     claimed.FiredAt,
			CreatedAt:   claimed.CreatedAt,
		}

		// DequeueRun already moved the row to running, so skip the claim.
		if err := run.ProcessClaimed(ctx, event); err != nil {
			log.Printf("worker: run %s: %v", claimed.ID, err)
		}
	}
}

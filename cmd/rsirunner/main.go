package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"rsirunner/internal/analytics"
	"rsirunner/internal/api"
	"rsirunner/internal/cache"
	"rsirunner/internal/circuitbreaker"
	"rsirunner/internal/config"
	"rsirunner/internal/cron"
	"rsirunner/internal/leaderelection"
	"rsirunner/internal/metrics"
	"rsirunner/internal/pipeline"
	"rsirunner/internal/reconciler"
	"rsirunner/internal/runner"
	"rsirunner/internal/scheduler"
	"rsirunner/internal/secrets"
	"rsirunner/internal/store/postgres"
	"rsirunner/internal/transport/channel"
	"rsirunner/internal/workflow"

	_ "github.com/lib/pq"
)

// cronParserAdapter adapts internal/cron.Parser to scheduler.CronParser interface.
type cronParserAdapter struct {
	parser *cron.Parser
}

func (a *cronParserAdapter) Parse(expression string, timezone string) (scheduler.CronSchedule, error) {
	sched, err := a.parser.Parse(expression, timezone)
	if err != nil {
		return nil, err
	}
	return &cronScheduleAdapter{sched: sched}, nil
}

// cronScheduleAdapter adapts internal/cron.Schedule to scheduler.CronSchedule interface.
type cronScheduleAdapter struct {
	sched cron.Schedule
}

func (a *cronScheduleAdapter) Next(after time.Time) time.Time {
	return a.sched.Next(after)
}

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`rsirunner - scheduled workflow runner

Usage:
  rsirunner <command>

Commands:
  serve      Start the scheduler, runner and HTTP API
  validate   Validate configuration and the workflow file
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  REDIS_ADDR                Redis address for analytics (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080")
  WORKFLOW_FILE             Workflow definition file (default: "workflow.toml")
  WORKSPACE_DIR             Per-run workspace root (default: temp dir)
  KEEP_WORKSPACES           Keep run workspaces for debugging (default: "false")
  CACHE_DIR                 Dependency cache root (default: temp dir)
  TICK_INTERVAL             Scheduler tick interval (default: "30s")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")
  DB_POLL_INTERVAL          Standalone worker claim interval (default: "500ms")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  RUNNER_DRAIN_TIMEOUT      Runner event drain timeout (default: "30s")
  DISPATCH_RATE             Manual dispatches allowed per second (default: "1")
  DISPATCH_BURST            Manual dispatch burst size (default: "5")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_ADDR              Metrics server address (default: ":9090")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")

  RECONCILE_ENABLED         Enable orphaned run reconciler (default: "true")
  RECONCILE_INTERVAL        How often to scan for orphans (default: "5m")
  RECONCILE_THRESHOLD       Age before a pending run is orphaned (default: "10m")
  RECONCILE_STALE_THRESHOLD Age before a running run is presumed dead and
                            requeued; must exceed the longest pipeline (default: "30m")
  RECONCILE_BATCH_SIZE      Max orphans per cycle (default: "100")

  CIRCUIT_BREAKER_THRESHOLD Consecutive failures before a workflow is held
                            back ("0" disables, default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Hold-back period before a trial run (default: "2m")

  LEADER_LOCK_KEY           Advisory lock key shared by all instances (default: "918273")
  LEADER_RETRY_INTERVAL     Follower campaign interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection liveness check (default: "2s")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("rsirunner: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db, cfg.DBOpTimeout)

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelSchema()
	if err := store.EnsureSchema(schemaCtx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ensure schema: %v\n", err)
		return exitRuntimeError
	}

	// Load workflow definitions and watch the file for changes.
	manager := workflow.NewManager(cfg.WorkflowFile)
	if err := manager.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load workflow file: %v\n", err)
		return exitInvalidConfig
	}
	log.Printf("rsirunner: loaded %d workflows from %s", len(manager.Workflows()), cfg.WorkflowFile)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	go func() {
		if err := manager.Watch(watchCtx); err != nil {
			log.Printf("rsirunner: workflow file watch error: %v", err)
		}
	}()

	cronParser := &cronParserAdapter{parser: cron.NewParser()}

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("rsirunner: metrics enabled (addr=%s, path=%s)", cfg.MetricsAddr, cfg.MetricsPath)

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			log.Printf("rsirunner: metrics server listening on %s", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("rsirunner: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("rsirunner: METRICS_ENABLED not set; metrics disabled")
	}

	// Create event bus with optional metrics
	var busOpts []channel.Option
	if metricsSink != nil {
		busOpts = append(busOpts, channel.WithMetrics(metricsSink))
	}
	bus := channel.NewEventBus(cfg.EventBusBufferSize, busOpts...)

	// Failure breaker gates scheduled triggers and is fed by run outcomes.
	// Manual dispatches bypass it.
	breaker := circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	if cfg.CircuitBreakerThreshold > 0 {
		log.Printf("rsirunner: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	} else {
		log.Println("rsirunner: CIRCUIT_BREAKER_THRESHOLD=0; circuit breaker disabled")
	}

	sched := scheduler.New(
		scheduler.Config{TickInterval: cfg.TickInterval},
		store,
		manager,
		cronParser,
		bus,
	).WithGate(breaker)
	if metricsSink != nil {
		sched = sched.WithMetrics(metricsSink)
	}

	cacheStore := cache.New(cfg.CacheDir)
	pipe := pipeline.New(pipeline.Config{
		WorkspaceRoot:  cfg.WorkspaceRoot,
		KeepWorkspaces: cfg.KeepWorkspaces,
	}, cacheStore, secrets.NewEnvStore())

	run := runner.New(store, manager, pipe).
		WithOutcomeRecorder(breaker).
		WithDrainTimeout(cfg.RunnerDrainTimeout)
	if metricsSink != nil {
		run = run.WithMetrics(metricsSink)
	}

	// Wire analytics if Redis is configured
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		run = run.WithAnalytics(analytics.NewRedisSink(redisClient))
		log.Printf("rsirunner: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("rsirunner: REDIS_ADDR not set; analytics disabled")
	}

	apiHandler := api.NewHandler(store, manager, bus).
		WithHealthChecker(db).
		WithDispatchLimit(cfg.DispatchRate, cfg.DispatchBurst)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}

	go func() {
		log.Printf("rsirunner: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("rsirunner: http server error: %v", err)
		}
	}()

	// The runner consumes trigger events regardless of leadership so manual
	// dispatches are served by every instance.
	runnerCtx, cancelRunner := context.WithCancel(context.Background())
	var runnerWg sync.WaitGroup
	runnerWg.Add(1)
	go func() {
		defer runnerWg.Done()
		run.Run(runnerCtx, bus.Channel())
	}()

	// Scheduler and reconciler only run while this instance holds the
	// advisory lock, so due times fire once across all instances.
	var leaderMu sync.Mutex
	var leaderWg sync.WaitGroup
	var cancelDuties context.CancelFunc

	recon := reconciler.New(store, bus, reconciler.Config{
		Interval:       cfg.ReconcileInterval,
		Threshold:      cfg.ReconcileThreshold,
		StaleThreshold: cfg.ReconcileStaleThreshold,
		BatchSize:      cfg.ReconcileBatchSize,
	})
	if metricsSink != nil {
		recon = recon.WithMetrics(metricsSink)
	}

	onElected := func(ctx context.Context) {
		leaderMu.Lock()
		defer leaderMu.Unlock()

		dutyCtx, cancel := context.WithCancel(ctx)
		cancelDuties = cancel

		leaderWg.Add(1)
		go func() {
			defer leaderWg.Done()
			if err := sched.Run(dutyCtx); err != nil && err != context.Canceled {
				log.Printf("rsirunner: scheduler error: %v", err)
			}
		}()

		if cfg.ReconcileEnabled {
			leaderWg.Add(1)
			go func() {
				defer leaderWg.Done()
				recon.Run(dutyCtx)
			}()
		}
	}

	onDemoted := func() {
		leaderMu.Lock()
		defer leaderMu.Unlock()

		if cancelDuties != nil {
			cancelDuties()
			cancelDuties = nil
		}
		leaderWg.Wait()
	}

	elector := leaderelection.New(
		db,
		cfg.LeaderLockKey,
		cfg.LeaderRetryInterval,
		cfg.LeaderHeartbeatInterval,
		leaderelection.Callbacks{OnElected: onElected, OnDemoted: onDemoted},
	)
	if metricsSink != nil {
		elector = elector.WithMetrics(metricsSink)
	}

	electorCtx, cancelElector := context.WithCancel(context.Background())
	var electorWg sync.WaitGroup
	electorWg.Add(1)
	go func() {
		defer electorWg.Done()
		elector.Run(electorCtx)
	}()

	log.Printf("rsirunner: started (tick=%s, http=%s, workflows=%s)",
		cfg.TickInterval, cfg.HTTPAddr, cfg.WorkflowFile)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("rsirunner: received signal %v, shutting down", received)

	// Phase 1: Stop the elector; demotion stops the scheduler and reconciler,
	// so no new events are emitted.
	log.Println("rsirunner: stopping elector...")
	cancelElector()
	electorWg.Wait()
	log.Println("rsirunner: elector stopped")

	// Phase 2: Stop watching the workflow file.
	cancelWatch()

	// Phase 3: Stop the runner (drains buffered events before returning).
	log.Println("rsirunner: stopping runner (draining events)...")
	cancelRunner()
	runnerWg.Wait()
	log.Println("rsirunner: runner stopped")

	// Phase 4: Stop HTTP server with graceful shutdown
	log.Println("rsirunner: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("rsirunner: http server shutdown error: %v", err)
	}
	log.Println("rsirunner: http server stopped")

	// Phase 5: Stop metrics server if running (with same timeout)
	if metricsServer != nil {
		log.Println("rsirunner: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("rsirunner: metrics server shutdown error: %v", err)
		}
		log.Println("rsirunner: metrics server stopped")
	}

	log.Println("rsirunner: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	// Validate the workflow file too; it is part of the deployable config.
	manager := workflow.NewManager(cfg.WorkflowFile)
	if err := manager.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "workflow file: %v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("rsirunner version %s (commit: %s)\n", version, commit)
	return exitSuccess
}

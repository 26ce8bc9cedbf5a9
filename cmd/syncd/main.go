// Command syncd is a thin bootstrap that wires the Provider Client, Job
// Store, Job Runner, Checkpoint Store, File Store, and Sync Engine together
// from environment variables, then starts one full sync followed by
// periodic incremental syncs. It is demonstration wiring, not an HTTP
// facade — the spec places that surface out of core scope.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/drivesync/internal/checkpoint"
	"github.com/agentworkforce/drivesync/internal/events"
	"github.com/agentworkforce/drivesync/internal/filestore"
	"github.com/agentworkforce/drivesync/internal/jobstore"
	"github.com/agentworkforce/drivesync/internal/provider"
	"github.com/agentworkforce/drivesync/internal/runner"
	"github.com/agentworkforce/drivesync/internal/syncengine"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	jobs, err := jobstore.BuildFromDSN(os.Getenv("SYNCD_JOB_STORE_DSN"), buildValidator())
	if err != nil {
		sugar.Fatalw("building job store", "error", err)
	}
	checkpoints, err := checkpoint.BuildFromDSN(os.Getenv("SYNCD_CHECKPOINT_STORE_DSN"))
	if err != nil {
		sugar.Fatalw("building checkpoint store", "error", err)
	}
	files, err := filestore.BuildFromDSN(os.Getenv("SYNCD_FILE_STORE_DSN"))
	if err != nil {
		sugar.Fatalw("building file store", "error", err)
	}

	pc, err := buildProviderClient(sugar)
	if err != nil {
		sugar.Fatalw("building provider client", "error", err)
	}

	bus := events.New()
	logEvents(sugar, bus)

	engine := syncengine.New(jobs, checkpoints, files, pc, bus, syncengine.Config{
		PageSize:        intEnv("SYNCD_PAGE_SIZE", 100),
		DeleteOnRemoved: boolEnv("SYNCD_DELETE_ON_REMOVED", false),
		Logger:          sugar,
	})

	jobRunner := runner.New(jobs, bus, runner.Config{
		Concurrency:     intEnv("SYNCD_CONCURRENCY", 4),
		RetryDelay:      durationEnv("SYNCD_RETRY_DELAY", 5*time.Second),
		PollInterval:    durationEnv("SYNCD_POLL_INTERVAL", time.Second),
		StaleRunningAge: durationEnv("SYNCD_STALE_RUNNING_AGE", 10*time.Minute),
		Logger:          sugar,
	})
	jobRunner.RegisterHandler(syncengine.JobTypeFullSync, engine.FullSyncHandler)
	jobRunner.RegisterHandler(syncengine.JobTypeIncrementalSync, engine.IncrementalSyncHandler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := jobRunner.Start(ctx); err != nil {
		sugar.Fatalw("starting job runner", "error", err)
	}
	defer jobRunner.Stop()

	if _, err := engine.StartFullSync(ctx); err != nil {
		sugar.Errorw("starting initial full sync", "error", err)
	}

	incrementalInterval := durationEnv("SYNCD_INCREMENTAL_INTERVAL", 5*time.Minute)
	ticker := time.NewTicker(incrementalInterval)
	defer ticker.Stop()

	sugar.Infow("syncd running", "incremental_interval", incrementalInterval.String())
	for {
		select {
		case <-ctx.Done():
			sugar.Infow("syncd shutting down")
			return
		case <-ticker.C:
			if _, err := engine.StartIncrementalSync(ctx); err != nil {
				sugar.Errorw("starting incremental sync", "error", err)
			}
		}
	}
}

func buildValidator() *jobstore.PayloadValidator {
	validator := jobstore.NewPayloadValidator()
	if err := validator.Register(syncengine.JobTypeFullSync, jobstore.FullSyncPayloadSchema); err != nil {
		log.Fatalf("registering full_sync schema: %v", err)
	}
	if err := validator.Register(syncengine.JobTypeIncrementalSync, jobstore.IncrementalSyncPayloadSchema); err != nil {
		log.Fatalf("registering incremental_sync schema: %v", err)
	}
	return validator
}

func buildProviderClient(sugar *zap.SugaredLogger) (*provider.Client, error) {
	baseURL := os.Getenv("SYNCD_PROVIDER_BASE_URL")
	token := os.Getenv("SYNCD_PROVIDER_TOKEN")
	caller := provider.NewBearerCaller(provider.StaticToken(token), provider.BearerCallerOptions{
		UserAgent: "drivesync/1.0",
		Timeout:   durationEnv("SYNCD_PROVIDER_TIMEOUT", 20*time.Second),
	})
	return provider.New(caller, baseURL, provider.Config{
		MaxRetries: intEnv("SYNCD_PROVIDER_MAX_RETRIES", 0),
		RetryDelay: durationEnv("SYNCD_PROVIDER_RETRY_DELAY", 0),
		MinSpacing: durationEnv("SYNCD_PROVIDER_MIN_SPACING", 0),
		Logger:     sugar,
	})
}

func logEvents(sugar *zap.SugaredLogger, bus *events.Bus) {
	ch, _ := bus.Subscribe()
	go func() {
		for evt := range ch {
			sugar.Infow("event", "kind", evt.Kind, "sync_id", evt.SyncID, "job_id", evt.JobID, "page_token", evt.PageToken, "error", evt.Err)
		}
	}()
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

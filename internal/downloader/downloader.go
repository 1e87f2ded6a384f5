// Package downloader drives a model download end to end: it resolves the
// source to a backend variant, serializes concurrent processes targeting the
// same destination behind a file lease, and runs the fetch while the lease
// is renewed in the background.
package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/matrixinfer-ai/kthena/internal/backend"
	"github.com/matrixinfer-ai/kthena/internal/lease"
	"github.com/matrixinfer-ai/kthena/internal/logctx"
	"github.com/matrixinfer-ai/kthena/internal/storage"
	"github.com/matrixinfer-ai/kthena/internal/telemetry"
)

const (
	dirPerm = 0o755

	// DefaultPollInterval is how long a contender waits between lease
	// acquisition attempts. There is no backoff and no fairness among
	// waiters: every contender polls on the same fixed cadence.
	DefaultPollInterval = 30 * time.Second
)

// Options tunes the orchestrator. Zero values fall back to documented
// defaults.
type Options struct {
	PollInterval      time.Duration
	LockTimeout       time.Duration
	LockRenewInterval time.Duration

	Journal   storage.Journal
	Telemetry *telemetry.Telemetry
}

// Orchestrator owns the download sequence for one output directory. It is
// safe for concurrent use: each job privately owns its lease manager.
type Orchestrator struct {
	outputDir     string
	pollInterval  time.Duration
	lockTimeout   time.Duration
	renewInterval time.Duration
	journal       storage.Journal
	tel           *telemetry.Telemetry
}

// NewOrchestrator creates an Orchestrator writing under outputDir.
func NewOrchestrator(outputDir string, opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	if opts.LockTimeout <= 0 {
		opts.LockTimeout = lease.DefaultTimeout
	}

	if opts.LockRenewInterval <= 0 {
		opts.LockRenewInterval = opts.LockTimeout / 2
	}

	if opts.Telemetry == nil {
		opts.Telemetry = &telemetry.Telemetry{}
	}

	return &Orchestrator{
		outputDir:     outputDir,
		pollInterval:  opts.PollInterval,
		lockTimeout:   opts.LockTimeout,
		renewInterval: opts.LockRenewInterval,
		journal:       opts.Journal,
		tel:           opts.Telemetry,
	}
}

// Download fetches one model into <outputDir>/<modelName>, serialized behind
// the destination's lease. Lease contention is retried indefinitely on a
// fixed polling cadence until the context is cancelled; a backend fetch
// failure is fatal to the job and propagated unchanged after the lease is
// released.
func (o *Orchestrator) Download(ctx context.Context, source, modelName string, b backend.Backend) error {
	logger := logctx.LoggerFromContext(ctx).With("model_name", modelName, "backend", b.Name())
	ctx = logctx.WithLogger(ctx, logger)

	destDir := filepath.Join(o.outputDir, modelName)
	if err := os.MkdirAll(destDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	mgr := lease.New(lockFilePath(destDir, modelName),
		lease.WithTimeout(o.lockTimeout),
		lease.WithRenewInterval(o.renewInterval),
		lease.WithLogger(logger),
	)

	journalID := o.journalStart(ctx, modelName, source)

	for {
		acquired := mgr.TryAcquire()
		o.tel.RecordLeaseAttempt(acquired)

		if acquired {
			err := o.runFetch(ctx, mgr, b, destDir)
			o.journalFinish(ctx, journalID, err)

			if err != nil {
				logger.Error("error during model download", "err", err)

				return err
			}

			logger.Info("model download completed", "dest", destDir)

			return nil
		}

		logger.Info("failed to acquire lease, waiting for it to be released", "poll_interval", o.pollInterval.String())

		select {
		case <-ctx.Done():
			o.journalFinish(ctx, journalID, ctx.Err())

			return ctx.Err()
		case <-time.After(o.pollInterval):
		}
	}
}

// runFetch executes the backend fetch while holding the lease. The lease is
// released on every exit path before the result is propagated.
func (o *Orchestrator) runFetch(ctx context.Context, mgr *lease.Manager, b backend.Backend, destDir string) error {
	logger := logctx.LoggerFromContext(ctx)

	o.tel.IncrementLeasesHeld()
	o.tel.IncrementActiveDownloads()

	start := time.Now()

	defer func() {
		mgr.Release()
		o.tel.DecrementLeasesHeld()
		o.tel.DecrementActiveDownloads()
	}()

	logger.Info("acquired lease successfully, starting download", "dest", destDir)

	err := b.Fetch(ctx, destDir)

	status := storage.StatusDownloaded
	if err != nil {
		status = storage.StatusFailed
	}

	o.tel.RecordDownload(b.Name(), status, time.Since(start))

	return err
}

func (o *Orchestrator) journalStart(ctx context.Context, modelName, source string) int64 {
	if o.journal == nil {
		return 0
	}

	id, err := o.journal.StartDownload(modelName, source, GenerateInstanceID())
	if err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to journal download start", "err", err)

		return 0
	}

	return id
}

func (o *Orchestrator) journalFinish(ctx context.Context, id int64, downloadErr error) {
	if o.journal == nil || id == 0 {
		return
	}

	status := storage.StatusDownloaded
	errMsg := ""

	if downloadErr != nil {
		status = storage.StatusFailed
		errMsg = downloadErr.Error()
	}

	if err := o.journal.FinishDownload(id, status, errMsg); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to journal download outcome", "err", err)
	}
}

// lockFilePath places the lock file inside the model's destination so that
// every process targeting the same destination contends on the same lease.
func lockFilePath(destDir, modelName string) string {
	return filepath.Join(destDir, "."+modelName+".lock")
}

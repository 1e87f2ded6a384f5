package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/matrixinfer-ai/kthena/internal/lease"
)

// fakeBackend writes a marker file into the destination and, when given a
// shared gauge, tracks overlap between concurrent fetches.
type fakeBackend struct {
	delay   time.Duration
	err     error
	marker  string
	fetches atomic.Int32

	sharedInFlight *atomic.Int32
	sharedOverlap  *atomic.Bool
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Fetch(ctx context.Context, destDir string) error {
	f.fetches.Add(1)

	if f.sharedInFlight != nil {
		if f.sharedInFlight.Add(1) > 1 {
			f.sharedOverlap.Store(true)
		}

		defer f.sharedInFlight.Add(-1)
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if f.err != nil {
		return f.err
	}

	if f.marker != "" {
		return os.WriteFile(filepath.Join(destDir, f.marker), []byte("ok"), 0o644)
	}

	return nil
}

func fastOptions() Options {
	return Options{
		PollInterval:      20 * time.Millisecond,
		LockTimeout:       5 * time.Second,
		LockRenewInterval: 100 * time.Millisecond,
	}
}

func TestDownloadFetchesIntoModelSubdirectory(t *testing.T) {
	outputDir := t.TempDir()
	o := NewOrchestrator(outputDir, fastOptions())

	b := &fakeBackend{marker: "config.json"}
	require.NoError(t, o.Download(context.Background(), "fake://src", "llama-3", b))

	assert.FileExists(t, filepath.Join(outputDir, "llama-3", "config.json"))
	assert.NoFileExists(t, filepath.Join(outputDir, "llama-3", ".llama-3.lock"),
		"lock file must be removed after the job completes")
	assert.EqualValues(t, 1, b.fetches.Load())
}

func TestDownloadReleasesLeaseOnFetchError(t *testing.T) {
	outputDir := t.TempDir()
	o := NewOrchestrator(outputDir, fastOptions())

	wantErr := errors.New("bucket exploded")
	b := &fakeBackend{err: wantErr}

	err := o.Download(context.Background(), "fake://src", "llama-3", b)
	assert.ErrorIs(t, err, wantErr, "backend failures must propagate unchanged")
	assert.NoFileExists(t, filepath.Join(outputDir, "llama-3", ".llama-3.lock"),
		"lease must be released before the error is surfaced")
}

func TestDownloadWaitsWhileLeaseHeldElsewhere(t *testing.T) {
	outputDir := t.TempDir()
	destDir := filepath.Join(outputDir, "llama-3")
	require.NoError(t, os.MkdirAll(destDir, 0o755))

	holder := lease.New(lockFilePath(destDir, "llama-3"), lease.WithTimeout(5*time.Second))
	require.True(t, holder.TryAcquire())

	o := NewOrchestrator(outputDir, fastOptions())
	b := &fakeBackend{}

	done := make(chan error, 1)
	go func() {
		done <- o.Download(context.Background(), "fake://src", "llama-3", b)
	}()

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 0, b.fetches.Load(), "fetch must not start while the lease is held elsewhere")

	holder.Release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("download did not complete after the lease was released")
	}

	assert.EqualValues(t, 1, b.fetches.Load())
}

func TestDownloadStopsWaitingOnCancellation(t *testing.T) {
	outputDir := t.TempDir()
	destDir := filepath.Join(outputDir, "llama-3")
	require.NoError(t, os.MkdirAll(destDir, 0o755))

	holder := lease.New(lockFilePath(destDir, "llama-3"), lease.WithTimeout(5*time.Second))
	require.True(t, holder.TryAcquire())

	defer holder.Release()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- NewOrchestrator(outputDir, fastOptions()).Download(ctx, "fake://src", "llama-3", &fakeBackend{})
	}()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("download did not observe cancellation")
	}
}

func TestConcurrentDownloadsAreSerialized(t *testing.T) {
	outputDir := t.TempDir()

	var (
		inFlight atomic.Int32
		overlap  atomic.Bool
	)

	slow := &fakeBackend{delay: 200 * time.Millisecond, marker: "slow.bin", sharedInFlight: &inFlight, sharedOverlap: &overlap}
	fast := &fakeBackend{marker: "fast.bin", sharedInFlight: &inFlight, sharedOverlap: &overlap}

	var wg errgroup.Group

	wg.Go(func() error {
		return NewOrchestrator(outputDir, fastOptions()).Download(context.Background(), "fake://slow", "llama-3", slow)
	})

	// Give the slow job a head start so it takes the lease first.
	time.Sleep(20 * time.Millisecond)

	wg.Go(func() error {
		return NewOrchestrator(outputDir, fastOptions()).Download(context.Background(), "fake://fast", "llama-3", fast)
	})

	require.NoError(t, wg.Wait())

	assert.False(t, overlap.Load(), "fetches into the same destination must never overlap")
	assert.FileExists(t, filepath.Join(outputDir, "llama-3", "slow.bin"))
	assert.FileExists(t, filepath.Join(outputDir, "llama-3", "fast.bin"))
}

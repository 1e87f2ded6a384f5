// Package lease implements a self-expiring, file-based mutual exclusion lease.
//
// A lease is a lock file plus an OS advisory lock. Holders refresh the file's
// modification time on a background ticker; a lock file whose mtime is older
// than the staleness timeout is considered abandoned and may be stolen by any
// other process. The lease is advisory only: it serializes cooperating
// processes that share a filesystem path, nothing more.
package lease

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	// DefaultTimeout is the staleness window after which an un-renewed
	// lease is considered abandoned. It must be materially longer than any
	// expected transfer duration.
	DefaultTimeout = 10 * time.Minute

	// DefaultRenewInterval is how often a held lease refreshes the lock
	// file's modification time. Must be shorter than the timeout.
	DefaultRenewInterval = 5 * time.Minute

	// releaseJoinTimeout bounds how long Release waits for the renewal
	// goroutine to observe the stop signal.
	releaseJoinTimeout = 2 * time.Second

	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

// ErrNotAcquired is returned by WithLease when the lease is held elsewhere.
var ErrNotAcquired = errors.New("lease: not acquired")

// Manager owns a single lock file and coordinates acquire, renewal and
// release for one process. A Manager is not safe for concurrent use by
// multiple goroutines beyond the TryAcquire/Release pairing it guards
// internally; the expected usage is a single owner per job.
type Manager struct {
	path          string
	timeout       time.Duration
	renewInterval time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	held     bool
	fileLock *flock.Flock
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout sets the staleness window for the lock file.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithRenewInterval sets the cadence of the background renewal ticker.
func WithRenewInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.renewInterval = d
		}
	}
}

// WithLogger sets the logger used by the manager and its renewal goroutine.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a Manager for the given lock file path. The file is not
// touched until TryAcquire is called.
func New(path string, opts ...Option) *Manager {
	m := &Manager{
		path:          path,
		timeout:       DefaultTimeout,
		renewInterval: DefaultRenewInterval,
		logger:        slog.Default(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Path returns the lock file path this manager owns.
func (m *Manager) Path() string {
	return m.path
}

// Held reports the in-process lease state. It does not re-verify against the
// filesystem.
func (m *Manager) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.held
}

// TryAcquire attempts to take the lease without blocking.
//
// If the lock file exists and its modification time is within the staleness
// timeout, the lease is held by someone else and false is returned. An
// expired or missing lock file is claimed by taking an exclusive advisory
// lock on it, which closes the window between two processes both observing
// an expired file. Acquisition failures are never fatal: any I/O error is
// logged, partial state is cleaned up and false is returned.
func (m *Manager) TryAcquire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held {
		return true
	}

	if err := os.MkdirAll(filepath.Dir(m.path), lockDirPerm); err != nil {
		m.logger.Error("failed to create lock directory", "lock_path", m.path, "err", err)

		return false
	}

	if info, err := os.Stat(m.path); err == nil {
		if time.Since(info.ModTime()) < m.timeout {
			m.logger.Info("lock file exists and is not expired", "lock_path", m.path)

			return false
		}

		m.logger.Warn("stealing expired lock file", "lock_path", m.path, "age", time.Since(info.ModTime()).String())
	} else if !os.IsNotExist(err) {
		m.logger.Error("failed to stat lock file", "lock_path", m.path, "err", err)

		return false
	}

	fileLock := flock.New(m.path)

	locked, err := fileLock.TryLock()
	if err != nil || !locked {
		if err != nil {
			m.logger.Error("failed to take advisory lock", "lock_path", m.path, "err", err)
		} else {
			m.logger.Info("advisory lock held by another process", "lock_path", m.path)
		}

		_ = fileLock.Close()

		return false
	}

	if err := m.stampLockFile(); err != nil {
		m.logger.Error("failed to initialize lock file", "lock_path", m.path, "err", err)
		_ = fileLock.Unlock()
		_ = os.Remove(m.path)

		return false
	}

	m.fileLock = fileLock
	m.held = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.renew(m.stopCh, m.doneCh)

	m.logger.Info("lease acquired", "lock_path", m.path, "timeout", m.timeout.String())

	return true
}

// stampLockFile writes the holder pid, restricts permissions and refreshes
// the modification time. Called with the advisory lock already held.
func (m *Manager) stampLockFile() error {
	if err := os.WriteFile(m.path, []byte(fmt.Sprintf("%d\n", os.Getpid())), lockFilePerm); err != nil {
		return fmt.Errorf("failed to write holder pid: %w", err)
	}

	if err := os.Chmod(m.path, lockFilePerm); err != nil {
		return fmt.Errorf("failed to restrict lock file permissions: %w", err)
	}

	now := time.Now()
	if err := os.Chtimes(m.path, now, now); err != nil {
		return fmt.Errorf("failed to refresh lock file mtime: %w", err)
	}

	return nil
}

// renew refreshes the lock file's modification time on every tick until
// signaled to stop. If the file has been removed externally the lease is
// vulnerable to being stolen; renewal logs a warning and keeps ticking
// rather than re-creating the file.
func (m *Manager) renew(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := os.Stat(m.path); err != nil {
				if os.IsNotExist(err) {
					m.logger.Warn("lock file does not exist, renew skipped", "lock_path", m.path)
				} else {
					m.logger.Error("failed to stat lock file during renewal", "lock_path", m.path, "err", err)
				}

				continue
			}

			now := time.Now()
			if err := os.Chtimes(m.path, now, now); err != nil {
				m.logger.Error("failed to renew lease", "lock_path", m.path, "err", err)

				continue
			}

			m.logger.Debug("lease renewed", "lock_path", m.path)
		}
	}
}

// Release stops the renewal goroutine, drops the advisory lock and removes
// the lock file. It is idempotent and tolerates the file already being gone.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.held {
		return
	}

	close(m.stopCh)

	select {
	case <-m.doneCh:
	case <-time.After(releaseJoinTimeout):
		m.logger.Warn("timed out waiting for renewal goroutine to stop", "lock_path", m.path)
	}

	if err := m.fileLock.Unlock(); err != nil {
		m.logger.Error("failed to release advisory lock", "lock_path", m.path, "err", err)
	}

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		m.logger.Error("failed to remove lock file", "lock_path", m.path, "err", err)
	} else {
		m.logger.Info("lease released", "lock_path", m.path)
	}

	m.fileLock = nil
	m.stopCh = nil
	m.doneCh = nil
	m.held = false
}

// WithLease runs fn while holding the lease, acquiring it without waiting.
// If the lease is held elsewhere, ErrNotAcquired is returned and fn is not
// called. The lease is released on every exit path.
func (m *Manager) WithLease(fn func() error) error {
	if !m.TryAcquire() {
		return fmt.Errorf("%w: %s", ErrNotAcquired, m.path)
	}

	defer m.Release()

	return fn()
}

package tokenstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Lock file tuning. A lock older than staleLockAge is assumed to belong to a
// crashed process and is removed.
const (
	lockTimeout    = 5 * time.Second
	lockRetryDelay = 100 * time.Millisecond
	staleLockAge   = 30 * time.Second
)

// fileLock is an exclusive, cross-process lock implemented as a sibling
// "<path>.lock" file.
type fileLock struct {
	file *os.File
	path string
	log  *slog.Logger
}

// lockFile acquires the lock guarding path, polling until a live holder
// releases it or ctx ends.
func lockFile(ctx context.Context, path string, log *slog.Logger) (*fileLock, error) {
	if log == nil {
		log = slog.Default()
	}
	lockPath := path + ".lock"

	retry := time.NewTimer(0)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for file lock %s: %w", lockPath, ctx.Err())
		case <-retry.C:
		}

		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID helps when debugging a leftover lock.
			fmt.Fprintf(f, "%d", os.Getpid())
			return &fileLock{file: f, path: lockPath, log: log}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil {
			if age := time.Since(info.ModTime()); age > staleLockAge {
				log.Warn("token_lock_stale_removed",
					slog.String("path", lockPath),
					slog.Duration("age", age),
				)
				if remErr := os.Remove(lockPath); remErr != nil && !os.IsNotExist(remErr) {
					return nil, fmt.Errorf("failed to remove stale lock file %s: %w", lockPath, remErr)
				}
				retry.Reset(0)
				continue
			}
		}
		retry.Reset(lockRetryDelay)
	}
}

// unlock releases the lock. Failures are logged and returned.
func (l *fileLock) unlock() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil {
		l.log.Warn("token_lock_release_failed",
			slog.String("path", l.path),
			slog.String("err", err.Error()),
		)
		return err
	}
	return nil
}

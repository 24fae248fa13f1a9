package hostfuncs

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wasmproxy/wasmproxy/domain/errors"
)

// Lock file defaults.
const (
	DefaultLockAttempts = 10
	DefaultLockWait     = 10 * time.Second
)

// LockOption is a functional option for configuring LockFile.
type LockOption func(*lockConfig)

type lockConfig struct {
	logger   *slog.Logger
	attempts int
	wait     time.Duration
}

func defaultLockConfig() lockConfig {
	return lockConfig{
		attempts: DefaultLockAttempts,
		wait:     DefaultLockWait,
		logger:   slog.Default(),
	}
}

// WithLockAttempts sets how many times creation is retried.
func WithLockAttempts(n int) LockOption {
	return func(c *lockConfig) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithLockWait sets how long each attempt waits for the holder to release.
func WithLockWait(d time.Duration) LockOption {
	return func(c *lockConfig) {
		if d > 0 {
			c.wait = d
		}
	}
}

// WithLockLogger sets the logger for watcher failures.
func WithLockLogger(logger *slog.Logger) LockOption {
	return func(c *lockConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// LockFile creates path inside root exclusively. While another holder owns
// it, each attempt waits for a change in the lock's directory, at most the
// configured wait, before retrying. After the last attempt it gives up with
// a TimeoutError; it never blocks indefinitely.
func LockFile(ctx context.Context, root *os.Root, path string, opts ...LockOption) error {
	cfg := defaultLockConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	rel, err := LocalPath(path)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(rel); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("lock %s: %w", path, err)
		}
	}

	// Watch before the first attempt so a release between a failed create
	// and the wait is not missed.
	events := watchDir(filepath.Join(root.Name(), filepath.Dir(rel)), cfg.logger)
	defer events.Close()

	for attempt := 1; ; attempt++ {
		f, err := root.OpenFile(rel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f.Close()
		}
		if !stdErrors.Is(err, fs.ErrExist) {
			return fmt.Errorf("lock %s: %w", path, err)
		}
		if attempt >= cfg.attempts {
			break
		}

		select {
		case <-events.C():
		case <-time.After(cfg.wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return &errors.TimeoutError{
		Operation: "lock_file",
		Target:    path,
		Duration:  time.Duration(cfg.attempts) * cfg.wait,
	}
}

// dirEvents forwards any change in one directory as a wakeup.
type dirEvents struct {
	watcher *fsnotify.Watcher
	wake    chan struct{}
}

// watchDir starts watching dir. If the watcher cannot be created the
// returned value never fires and LockFile degrades to timed polling.
func watchDir(dir string, logger *slog.Logger) *dirEvents {
	d := &dirEvents{wake: make(chan struct{}, 1)}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug("lock file watcher unavailable", "error", err)
		return d
	}
	if err := watcher.Add(dir); err != nil {
		logger.Debug("lock file watcher unavailable", "dir", dir, "error", err)
		_ = watcher.Close()
		return d
	}
	d.watcher = watcher

	go func() {
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				select {
				case d.wake <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return d
}

func (d *dirEvents) C() <-chan struct{} {
	return d.wake
}

func (d *dirEvents) Close() {
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
}

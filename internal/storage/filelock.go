package storage

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/valter-silva-au/agent-army/internal/errors"
)

// LockOptions bounds how long lockFile waits for a contended lock.
type LockOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// DefaultLockOptions is used when a store is built with zero options.
var DefaultLockOptions = LockOptions{Timeout: 5 * time.Second, PollInterval: 25 * time.Millisecond}

func (o LockOptions) withDefaults() LockOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultLockOptions.Timeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultLockOptions.PollInterval
	}
	return o
}

// lockFile acquires an exclusive flock on path, polling with LOCK_NB until
// opts.Timeout elapses. It returns an unlock function that must be called to
// release the lock. Exceeding the timeout yields errors.ErrLockTimeout.
func lockFile(ctx context.Context, path string, opts LockOptions) (unlock func() error, err error) {
	opts = opts.withDefaults()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	deadline := time.Now().Add(opts.Timeout)
	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if err != syscall.EWOULDBLOCK && err != syscall.EINTR {
			f.Close()
			return nil, fmt.Errorf("acquiring file lock: %w", err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, errors.E(errors.ErrLockTimeout, "lock", path, "no lock after %s", opts.Timeout)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("waiting for lock %s: %w", path, ctx.Err())
		case <-time.After(opts.PollInterval):
		}
	}

	return func() error {
		defer f.Close()
		return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	}, nil
}

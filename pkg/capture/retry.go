package capture

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/teslashibe/go-friendwatch/internal/log"
)

// RetryConfig controls how transient read failures are retried
type RetryConfig struct {
	InitialInterval time.Duration // First wait after a failed read
	MaxInterval     time.Duration // Upper bound between attempts
	MaxElapsed      time.Duration // Give up after this long (0 = until ctx is done)
}

// DefaultRetryConfig waits 100ms after a failed read and backs off to 2s
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// RetrySource wraps a Source and retries transient read errors with exponential backoff
type RetrySource struct {
	src    Source
	config RetryConfig
	logger *slog.Logger

	failures atomic.Int64
}

// Retry wraps src
func Retry(src Source, cfg RetryConfig) *RetrySource {
	return &RetrySource{
		src:    src,
		config: cfg,
		logger: log.With("component", "capture"),
	}
}

// Read returns the next frame, retrying until a frame arrives, a permanent error
// occurs, or ctx is done
func (r *RetrySource) Read(ctx context.Context) (image.Image, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialInterval
	b.MaxInterval = r.config.MaxInterval
	b.MaxElapsedTime = r.config.MaxElapsed

	op := func() (image.Image, error) {
		img, err := r.src.Read(ctx)
		if err == nil {
			return img, nil
		}
		if !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, wait time.Duration) {
		n := r.failures.Add(1)
		// Log the first failure and every 50th after it
		if n == 1 || n%50 == 0 {
			r.logger.Warn("frame read failed, retrying", "error", err, "wait", wait, "failures", n)
		}
	}

	return backoff.RetryNotifyWithData(op, backoff.WithContext(b, ctx), notify)
}

// Failures returns the total number of failed reads
func (r *RetrySource) Failures() int64 {
	return r.failures.Load()
}

// Close closes the wrapped source
func (r *RetrySource) Close() error {
	return r.src.Close()
}

// IsTransient reports whether a read error is worth retrying
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

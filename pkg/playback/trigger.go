// Package playback runs the full-screen video effect as a supervised background task.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-friendwatch/internal/log"
)

// Renderer shows one media unit per Step
type Renderer interface {
	// Step renders the next frame and polls the exit key.
	// It returns false when the viewer asked to exit.
	Step() (bool, error)

	// Close releases media and display resources
	Close() error
}

// Opener creates a Renderer for one playback episode
type Opener interface {
	Open(ctx context.Context) (Renderer, error)
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func(ctx context.Context) (Renderer, error)

// Open calls f(ctx)
func (f OpenerFunc) Open(ctx context.Context) (Renderer, error) {
	return f(ctx)
}

// ExitReason says why the last episode ended
type ExitReason string

const (
	ExitNone    ExitReason = ""
	ExitStopped ExitReason = "stopped"  // Stop was called
	ExitKey     ExitReason = "exit_key" // Viewer pressed the exit key
	ExitError   ExitReason = "error"    // Open or Step failed
	ExitPanic   ExitReason = "panic"    // The task panicked
)

// Trigger starts and stops playback episodes. The running flag is the only
// state shared with the playback goroutine.
type Trigger struct {
	opener Opener
	logger *slog.Logger

	running  atomic.Bool
	episodes atomic.Int64
	lastExit atomic.Value // ExitReason

	mu     sync.Mutex // Serializes Start/Stop bookkeeping
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTrigger creates an idle trigger
func NewTrigger(opener Opener) *Trigger {
	t := &Trigger{
		opener: opener,
		logger: log.With("component", "playback"),
	}
	t.lastExit.Store(ExitNone)
	return t
}

// Start launches a playback episode. It is a no-op while one is running and
// never blocks on the episode itself.
func (t *Trigger) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	n := t.episodes.Add(1)

	go t.run(ctx, cancel, done, n)
}

// Stop asks the running episode to end. Teardown happens on the playback goroutine.
func (t *Trigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
}

// IsRunning reports whether an episode is active
func (t *Trigger) IsRunning() bool {
	return t.running.Load()
}

// Episodes returns how many episodes have been started
func (t *Trigger) Episodes() int64 {
	return t.episodes.Load()
}

// LastExit returns why the most recent episode ended
func (t *Trigger) LastExit() ExitReason {
	return t.lastExit.Load().(ExitReason)
}

// Wait blocks until the current episode has exited or ctx is done
func (t *Trigger) Wait(ctx context.Context) error {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Trigger) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, episode int64) {
	reason := ExitError
	defer func() {
		if r := recover(); r != nil {
			reason = ExitPanic
			t.logger.Error("playback task panicked", "episode", episode, "panic", fmt.Sprint(r))
		}
		cancel()
		t.lastExit.Store(reason)
		t.running.Store(false)
		close(done)
		t.logger.Info("playback ended", "episode", episode, "reason", string(reason))
	}()

	t.logger.Info("playback started", "episode", episode)
	reason = t.play(ctx, episode)
}

func (t *Trigger) play(ctx context.Context, episode int64) ExitReason {
	r, err := t.opener.Open(ctx)
	if err != nil {
		t.logger.Error("failed to open playback", "episode", episode, "error", err)
		return ExitError
	}
	defer func() {
		if err := r.Close(); err != nil {
			t.logger.Warn("failed to close renderer", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ExitStopped
		default:
		}

		more, err := r.Step()
		if err != nil {
			t.logger.Error("playback step failed", "episode", episode, "error", err)
			return ExitError
		}
		if !more {
			return ExitKey
		}
	}
}

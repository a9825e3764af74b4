package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maauso/comfyui-gateway/internal/comfyui"
)

// Engine is the subset of the ComfyUI client the poller needs.
type Engine interface {
	History(ctx context.Context, promptID string) (comfyui.HistoryEntry, bool, error)
	Queue(ctx context.Context) (*comfyui.Queue, error)
}

// DefaultPollInterval is used when no interval is configured.
const DefaultPollInterval = 2 * time.Second

// Poller derives job status from the engine.
type Poller struct {
	engine    Engine
	extractor Extractor
	interval  time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *slog.Logger
}

// PollerOption is a function that configures a Poller.
type PollerOption func(*Poller)

// WithInterval sets the delay between two checks in Wait.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithClock sets the time source used to measure the Wait timeout.
func WithClock(now func() time.Time) PollerOption {
	return func(p *Poller) {
		p.now = now
	}
}

// WithSleep replaces the context-aware sleep used between checks.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) PollerOption {
	return func(p *Poller) {
		p.sleep = sleep
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPoller creates a Poller.
func NewPoller(engine Engine, extractor Extractor, opts ...PollerOption) *Poller {
	p := &Poller{
		engine:    engine,
		extractor: extractor,
		interval:  DefaultPollInterval,
		now:       time.Now,
		sleep:     sleepContext,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check performs one status observation. Failures to reach the engine are
// reported as StatusError in the result, never as a Go error.
func (p *Poller) Check(ctx context.Context, promptID string) Result {
	res := Result{PromptID: promptID}

	entry, found, err := p.engine.History(ctx, promptID)
	if err != nil {
		p.logger.Warn("history lookup failed",
			slog.String("prompt_id", promptID),
			slog.String("error", err.Error()),
		)
		res.Status = StatusError
		res.Error = err.Error()
		return res
	}

	if found {
		if entry.Status.Completed {
			res.Status = StatusCompleted
			res.Artifacts = p.extractor.Extract(entry.Outputs)
			return res
		}
		if msg, failed := entry.Status.Failure(); failed {
			res.Status = StatusFailed
			res.Error = msg
			return res
		}
		res.Status = StatusRunning
		res.Progress = entry.Status.Progress
		return res
	}

	queue, err := p.engine.Queue(ctx)
	if err != nil {
		p.logger.Warn("queue lookup failed",
			slog.String("prompt_id", promptID),
			slog.String("error", err.Error()),
		)
		res.Status = StatusError
		res.Error = err.Error()
		return res
	}

	switch {
	case queue.IsRunning(promptID):
		res.Status = StatusRunning
	case queue.IsPending(promptID):
		res.Status = StatusPending
	default:
		res.Status = StatusUnknown
	}
	return res
}

// Wait checks the job every interval until it completes, fails, or timeout
// elapses. On completion it returns at once. On failure it returns the result
// and an error wrapping ErrJobFailed. On timeout it returns the last observed
// result and ErrTimeout. Unknown, pending, running and error observations all
// keep waiting. Cancelling ctx stops the wait, not the remote job.
func (p *Poller) Wait(ctx context.Context, promptID string, timeout time.Duration) (Result, error) {
	start := p.now()
	checks := 0

	for {
		res := p.Check(ctx, promptID)
		checks++

		switch res.Status {
		case StatusCompleted:
			p.logger.Info("job completed",
				slog.String("prompt_id", promptID),
				slog.Int("artifacts", len(res.Artifacts)),
				slog.Int("checks", checks),
			)
			return res, nil
		case StatusFailed:
			p.logger.Warn("job failed",
				slog.String("prompt_id", promptID),
				slog.String("error", res.Error),
			)
			return res, fmt.Errorf("%w: %s", ErrJobFailed, res.Error)
		}

		elapsed := p.now().Sub(start)
		if elapsed >= timeout {
			p.logger.Warn("job wait timed out",
				slog.String("prompt_id", promptID),
				slog.String("last_status", string(res.Status)),
				slog.Duration("timeout", timeout),
			)
			return res, ErrTimeout
		}

		p.logger.Debug("job not finished",
			slog.String("prompt_id", promptID),
			slog.String("status", string(res.Status)),
		)

		if err := p.sleep(ctx, min(p.interval, timeout-elapsed)); err != nil {
			return res, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Package taskrunner drives a stream of tasks to completion, with
// run-forever and run-until-idle variants: a goroutine per task fans
// results into one channel the runner selects over.
package taskrunner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/radicle-link/linkd/internal/logging"
)

// Task is one unit of work submitted to a Runner. It must respect ctx
// cancellation; a task returning context.Canceled is treated as a
// cancelled task (logged, not reported to the error policy), not a
// failure.
type Task func(ctx context.Context) error

// Action is what an Options.OnError callback decides for the runner as a
// whole.
type Action int

const (
	// Continue logs the error and keeps servicing the task stream; it is
	// the policy when OnError is nil.
	Continue Action = iota
	// Stop ends the run early with the triggering error. The "remaining
	// stream" is simply the still-open tasks channel the caller retains a
	// handle to.
	Stop
)

// Options configures one Run.
type Options struct {
	// IdleTimeout, if non-zero, ends the run when no task is executing and
	// none arrives on the tasks channel within the timeout (run_until_idle).
	// Zero means run forever until the channel closes (run_forever).
	IdleTimeout time.Duration
	// OnError is consulted for every non-nil, non-cancellation error a task
	// returns. A nil OnError is the Ignore policy.
	OnError func(err error) Action
}

type result struct {
	err    error
	panics any
}

// Run pulls tasks from the channel and executes each in its own goroutine,
// fanning their outcomes back into one select loop. It returns when:
//   - the channel closes and every outstanding task has completed (normal
//     run_forever exit), or
//   - IdleTimeout elapses with zero tasks running and none arriving
//     (run_until_idle exit), or
//   - OnError returns Stop for some task's error, in which case Run returns
//     that error immediately without waiting for other outstanding tasks
//     (the tasks channel is not drained further by Run; the caller still
//     holds it and may resume reading).
//
// A panicking task is recovered in its own goroutine and re-raised by Run
// itself, so a child panic is never silently swallowed.
func Run(ctx context.Context, tasks <-chan Task, opts Options) error {
	logger := logging.FromContext(ctx)
	results := make(chan result)
	running := 0
	closed := false

	var idleTimer *time.Timer
	var idleCh <-chan time.Time
	armIdle := func() {
		if opts.IdleTimeout <= 0 {
			return
		}
		if idleTimer == nil {
			idleTimer = time.NewTimer(opts.IdleTimeout)
		} else {
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			idleTimer.Reset(opts.IdleTimeout)
		}
		idleCh = idleTimer.C
	}
	disarmIdle := func() {
		if idleTimer != nil && !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleCh = nil
	}

	spawn := func(t Task) {
		running++
		go func() {
			defer func() {
				if r := recover(); r != nil {
					results <- result{panics: r}
					return
				}
			}()
			results <- result{err: t(ctx)}
		}()
	}

	if running == 0 && !closed {
		armIdle()
	}

	for {
		if closed && running == 0 {
			return nil
		}

		select {
		case t, ok := <-tasks:
			if !ok {
				closed = true
				disarmIdle()
				if running == 0 {
					return nil
				}
				continue
			}
			disarmIdle()
			spawn(t)

		case res := <-results:
			running--
			if res.panics != nil {
				panic(res.panics) //nolint:forbidigo // re-raising a recovered child-task panic
			}
			if res.err != nil {
				if errors.Is(res.err, context.Canceled) {
					logger.InfoContext(ctx, "task cancelled")
				} else {
					action := Continue
					if opts.OnError != nil {
						action = opts.OnError(res.err)
					}
					if action == Stop {
						return res.err
					}
					logger.WarnContext(ctx, "task failed", slog.Any("error", res.err))
				}
			}
			if running == 0 && !closed {
				armIdle()
			}

		case <-idleCh:
			return nil
		}
	}
}

// RunForever drives tasks until the channel closes, waiting for every
// outstanding task to finish. Errors are logged and ignored.
func RunForever(ctx context.Context, tasks <-chan Task) error {
	return Run(ctx, tasks, Options{})
}

// RunUntilIdle is RunForever, but also resolves once the runner goes idle
// (no task in flight, none arriving) for idleTimeout.
func RunUntilIdle(ctx context.Context, tasks <-chan Task, idleTimeout time.Duration) error {
	return Run(ctx, tasks, Options{IdleTimeout: idleTimeout})
}

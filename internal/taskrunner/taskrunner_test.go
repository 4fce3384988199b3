package taskrunner_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/radicle-link/linkd/internal/logging"
	"github.com/radicle-link/linkd/internal/taskrunner"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	_, ctx := logging.Configure(context.Background(), logging.Config{})
	return ctx
}

func TestRunForeverDrainsAllTasksThenReturns(t *testing.T) {
	ctx := testContext(t)
	tasks := make(chan taskrunner.Task)
	var completed atomic.Int32

	done := make(chan error, 1)
	go func() { done <- taskrunner.RunForever(ctx, tasks) }()

	for i := 0; i < 5; i++ {
		tasks <- func(context.Context) error {
			completed.Add(1)
			return nil
		}
	}
	close(tasks)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunForever did not return")
	}
	assert.Equal(t, int32(5), completed.Load())
}

func TestRunUntilIdleResolvesAfterTimeout(t *testing.T) {
	ctx := testContext(t)
	tasks := make(chan taskrunner.Task)

	done := make(chan error, 1)
	go func() { done <- taskrunner.RunUntilIdle(ctx, tasks, 50*time.Millisecond) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunUntilIdle did not resolve on idle")
	}
}

func TestStopPolicyReturnsErrorImmediately(t *testing.T) {
	ctx := testContext(t)
	tasks := make(chan taskrunner.Task, 2)
	sentinel := errors.New("boom")

	tasks <- func(context.Context) error { return sentinel }

	err := taskrunner.Run(ctx, tasks, taskrunner.Options{
		OnError: func(error) taskrunner.Action { return taskrunner.Stop },
	})
	assert.Error(t, err)
	assert.Equal(t, sentinel, err)
}

func TestIgnorePolicyContinuesPastErrors(t *testing.T) {
	ctx := testContext(t)
	tasks := make(chan taskrunner.Task)
	var ran atomic.Int32

	done := make(chan error, 1)
	go func() { done <- taskrunner.RunForever(ctx, tasks) }()

	tasks <- func(context.Context) error { return errors.New("ignored") }
	tasks <- func(context.Context) error {
		ran.Add(1)
		return nil
	}
	close(tasks)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunForever did not return")
	}
	assert.Equal(t, int32(1), ran.Load())
}

func TestCancelledTaskIsNotReportedAsError(t *testing.T) {
	ctx := testContext(t)
	tasks := make(chan taskrunner.Task, 1)
	called := false

	tasks <- func(context.Context) error { return context.Canceled }
	close(tasks)

	err := taskrunner.Run(ctx, tasks, taskrunner.Options{
		OnError: func(error) taskrunner.Action {
			called = true
			return taskrunner.Stop
		},
	})
	assert.NoError(t, err)
	assert.False(t, called)
}

func TestPanicInTaskPropagatesToRunner(t *testing.T) {
	ctx := testContext(t)
	tasks := make(chan taskrunner.Task, 1)
	tasks <- func(context.Context) error { panic("kaboom") }
	close(tasks)

	defer func() {
		r := recover()
		assert.Equal(t, "kaboom", r)
	}()
	_ = taskrunner.Run(ctx, tasks, taskrunner.Options{})
	t.Fatal("expected panic to propagate")
}

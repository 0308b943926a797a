// SPDX-License-Identifier: GPL-3.0-or-later
package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

var ErrWaitTimeout = errors.New("task did not stop in time")

// Task is a function running in its own goroutine with a context that Cancel cancels. Cancellation
// is cooperative: the function has to watch its context.
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Start runs fn in a new goroutine. A panic in fn ends the task with an error.
func Start(parent context.Context, name string, fn func(ctx context.Context) error) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("task %s panicked: %v\n%s", name, r, debug.Stack())
			}
		}()

		t.err = fn(ctx)
	}()

	return t
}

func (t *Task) Name() string {
	return t.name
}

// Cancel asks the task to stop. It does not wait for it.
func (t *Task) Cancel() {
	t.cancel()
}

// Done is closed once the task function has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) Running() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the task has stopped or timeout passed. A timeout of zero waits forever.
func (t *Task) Wait(timeout time.Duration) error {
	if timeout <= 0 {
		<-t.done
		return t.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.done:
		return t.err
	case <-timer.C:
		return fmt.Errorf("task %s: %w", t.name, ErrWaitTimeout)
	}
}

// Err is the error the task function returned. It is nil while the task is running.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// SPDX-License-Identifier: GPL-3.0-or-later
package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTask_Completes(t *testing.T) {
	task := Start(context.Background(), "complete", func(ctx context.Context) error {
		return nil
	})

	assert.NoError(t, task.Wait(time.Second))
	assert.False(t, task.Running())
	assert.NoError(t, task.Err())
	assert.Equal(t, "complete", task.Name())
}

func TestTask_ReturnsError(t *testing.T) {
	task := Start(context.Background(), "failing", func(ctx context.Context) error {
		return errors.New("boom")
	})

	assert.EqualError(t, task.Wait(0), "boom")
	assert.EqualError(t, task.Err(), "boom")
}

func TestTask_Cancel(t *testing.T) {
	started := make(chan struct{})
	task := Start(context.Background(), "cancel", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	<-started
	assert.True(t, task.Running())
	assert.NoError(t, task.Err())

	task.Cancel()
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		require.Fail(t, "task did not stop")
	}
	assert.ErrorIs(t, task.Err(), context.Canceled)
}

func TestTask_ParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	task := Start(parent, "parent", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	cancel()
	assert.ErrorIs(t, task.Wait(time.Second), context.Canceled)
}

func TestTask_WaitTimeout(t *testing.T) {
	release := make(chan struct{})
	task := Start(context.Background(), "slow", func(ctx context.Context) error {
		<-release
		return nil
	})

	assert.ErrorIs(t, task.Wait(10*time.Millisecond), ErrWaitTimeout)
	close(release)
	assert.NoError(t, task.Wait(time.Second))
}

func TestTask_Panic(t *testing.T) {
	task := Start(context.Background(), "panicking", func(ctx context.Context) error {
		panic("oops")
	})

	err := task.Wait(time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task panicking panicked: oops")
}

package workerpool_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/amza/internal/util/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	var done atomic.Int32
	finished := make(chan struct{}, 10)
	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "test",
		MaxWorkers: 2,
		QueueSize:  10,
		Logger:     zap.NewNop(),
		OnDone: func(string, time.Duration, error) {
			finished <- struct{}{}
		},
	})
	defer pool.Stop(time.Second)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(workerpool.Task{Fn: func(context.Context) error {
			done.Add(1)
			return nil
		}}))
	}
	require.NoError(t, pool.Submit(workerpool.Task{Fn: func(context.Context) error {
		return errors.New("boom")
	}}))
	require.NoError(t, pool.Submit(workerpool.Task{Fn: func(context.Context) error {
		panic("worse")
	}}))

	for i := 0; i < 7; i++ {
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
			t.Fatal("tasks did not finish")
		}
	}
	stats := pool.Stats()
	assert.Equal(t, int32(5), done.Load())
	assert.Equal(t, uint64(7), stats.TotalTasks)
	assert.Equal(t, uint64(5), stats.CompletedTasks)
	assert.Equal(t, uint64(2), stats.FailedTasks)
}

func TestWorkerPool_CoalescesKeys(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "merge", MaxWorkers: 2, QueueSize: 4})
	defer pool.Stop(time.Second)

	require.NoError(t, pool.Submit(workerpool.Task{Key: "p1", Fn: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, pool.Submit(workerpool.Task{Key: "p1", Fn: func(context.Context) error {
		t.Error("coalesced task must not run")
		return nil
	}}))
	stats := pool.Stats()
	assert.Equal(t, uint64(1), stats.CoalescedTasks)
	assert.Equal(t, 1, stats.ActiveWorkers)
	assert.Equal(t, 0, stats.QueuedTasks)
	assert.Equal(t, "merge", stats.Name)
	close(release)
}

func TestWorkerPool_StopRejects(t *testing.T) {
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "stopped", MaxWorkers: 1})
	require.NoError(t, pool.Stop(time.Second))

	assert.Error(t, pool.Submit(workerpool.Task{Fn: func(context.Context) error { return nil }}))
	assert.Error(t, pool.Submit(workerpool.Task{Key: "p1", Fn: func(context.Context) error { return nil }}))
	assert.Equal(t, uint64(2), pool.Stats().RejectedTasks)
}

func TestWorkerPool_StopCancelsContext(t *testing.T) {
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "cancel", MaxWorkers: 1})
	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, pool.Submit(workerpool.Task{Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}}))
	<-started
	require.NoError(t, pool.Stop(time.Second))
	select {
	case <-cancelled:
	default:
		t.Fatal("running task was not cancelled")
	}
}

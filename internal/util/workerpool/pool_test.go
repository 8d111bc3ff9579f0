package workerpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecutesSubmittedTasks(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 2, QueueSize: 10})
	defer p.Stop(time.Second)

	var mu sync.Mutex
	ran := 0
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		ok := p.TrySubmit(Task{ID: "t", Fn: func(context.Context) error {
			defer wg.Done()
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		}})
		require.True(t, ok)
	}
	wg.Wait()
	require.Equal(t, 5, ran)
	require.Eventually(t, func() bool { return p.Completed() == 5 }, time.Second, 10*time.Millisecond)
}

func TestTrySubmitRejectsWhenFull(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	defer p.Stop(time.Second)

	block := make(chan struct{})
	started := make(chan struct{})
	require.True(t, p.TrySubmit(Task{ID: "busy", Fn: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started

	// One slot queues, the next is refused.
	require.True(t, p.TrySubmit(Task{ID: "queued", Fn: func(context.Context) error { return nil }}))
	require.False(t, p.TrySubmit(Task{ID: "rejected", Fn: func(context.Context) error { return nil }}))
	require.EqualValues(t, 1, p.Rejected())
	close(block)
}

func TestRecoversFromPanic(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 2})
	defer p.Stop(time.Second)

	done := make(chan struct{})
	require.True(t, p.TrySubmit(Task{ID: "boom", Fn: func(context.Context) error {
		panic("exploded")
	}}))
	require.True(t, p.TrySubmit(Task{ID: "after", Fn: func(context.Context) error {
		close(done)
		return nil
	}}))

	// The worker survives the panic and keeps serving.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not recover from panic")
	}
}

func TestRejectsAfterStop(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	require.NoError(t, p.Stop(time.Second))
	require.False(t, p.TrySubmit(Task{ID: "late", Fn: func(context.Context) error { return nil }}))
}

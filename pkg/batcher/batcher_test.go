package batcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpipe/pkg/metrics"
	"taskpipe/pkg/queue"
	"taskpipe/pkg/task"
)

type recorder[T any] struct {
	mu      sync.Mutex
	batches []task.Batch[T]
	fail    error
}

func (r *recorder[T]) sink(_ context.Context, b task.Batch[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	return r.fail
}

func (r *recorder[T]) items() [][]T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]T, 0, len(r.batches))
	for _, b := range r.batches {
		out = append(out, b.Items)
	}
	return out
}

func TestKeepIncompleteFlushesRemainderOnShutdown(t *testing.T) {
	var rec recorder[int]
	b, err := New[int](Config{BatchSize: 2, KeepIncomplete: true}, rec.sink, task.Env{})
	require.NoError(t, err)
	ctx := context.Background()

	for _, v := range []int{1, 2, 3} {
		require.NoError(t, b.Add(ctx, v))
	}
	assert.Equal(t, [][]int{{1, 2}}, rec.items())

	require.NoError(t, b.Shutdown(ctx))
	assert.Equal(t, [][]int{{1, 2}, {3}}, rec.items())
	assert.Equal(t, uint64(2), rec.batches[1].Seq)
}

func TestDropIncompleteDiscardsRemainder(t *testing.T) {
	var rec recorder[int]
	m := metrics.NewPipeline(prometheus.NewRegistry())
	b, err := New[int](Config{BatchSize: 2}, rec.sink, task.Env{Metrics: m})
	require.NoError(t, err)
	ctx := context.Background()

	for _, v := range []int{1, 2, 3} {
		require.NoError(t, b.Add(ctx, v))
	}
	require.NoError(t, b.Shutdown(ctx))

	assert.Equal(t, [][]int{{1, 2}}, rec.items())
	st := b.Stats()
	assert.Equal(t, uint64(1), st.Discarded)
	assert.Equal(t, uint64(2), st.Flushed)
	assert.Equal(t, 0, st.Pending)
}

func TestFullBatchCount(t *testing.T) {
	var rec recorder[int]
	b, err := New[int](Config{BatchSize: 3, KeepIncomplete: true}, rec.sink, task.Env{})
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Add(ctx, i))
	}
	assert.Len(t, rec.items(), 3)
	require.NoError(t, b.Shutdown(ctx))
	got := rec.items()
	require.Len(t, got, 4)
	assert.Equal(t, []int{9}, got[3])
	for _, batch := range got {
		assert.LessOrEqual(t, len(batch), 3)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	var rec recorder[string]
	b, err := New[string](Config{BatchSize: 4, KeepIncomplete: true}, rec.sink, task.Env{})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, b.Add(ctx, "a"))

	require.NoError(t, b.Shutdown(ctx))
	require.NoError(t, b.Shutdown(ctx))
	assert.Len(t, rec.items(), 1, "partial buffer must be flushed exactly once")

	assert.ErrorIs(t, b.Add(ctx, "b"), ErrClosed)
	assert.ErrorIs(t, b.Flush(ctx), ErrClosed)
}

func TestEmptyShutdownDoesNotFlush(t *testing.T) {
	var rec recorder[int]
	b, err := New[int](Config{BatchSize: 2, KeepIncomplete: true}, rec.sink, task.Env{})
	require.NoError(t, err)
	require.NoError(t, b.Shutdown(context.Background()))
	assert.Empty(t, rec.items())
}

func TestSinkErrorReturnedAndNotRetried(t *testing.T) {
	rec := recorder[int]{fail: errors.New("disk full")}
	b, err := New[int](Config{BatchSize: 1}, rec.sink, task.Env{})
	require.NoError(t, err)

	err = b.Add(context.Background(), 1)
	assert.ErrorContains(t, err, "disk full")
	require.NoError(t, b.Shutdown(context.Background()))
	assert.Len(t, rec.items(), 1)
	assert.Equal(t, uint64(1), b.Stats().SinkErrors)
}

func TestFlushInterval(t *testing.T) {
	var rec recorder[int]
	b, err := New[int](Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, rec.sink, task.Env{})
	require.NoError(t, err)
	b.Start()
	b.Start()

	require.NoError(t, b.Add(context.Background(), 42))
	assert.Eventually(t, func() bool { return len(rec.items()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Shutdown(context.Background()))
	assert.Equal(t, [][]int{{42}}, rec.items())
}

func TestInvalidConfig(t *testing.T) {
	var rec recorder[int]
	_, err := New[int](Config{BatchSize: 0}, rec.sink, task.Env{})
	assert.Error(t, err)
	_, err = New[int](Config{BatchSize: 1}, nil, task.Env{})
	assert.Error(t, err)
}

func TestPipeDrainsQueueAndShutsDown(t *testing.T) {
	var rec recorder[int]
	b, err := New[int](Config{BatchSize: 2, KeepIncomplete: true}, rec.sink, task.Env{})
	require.NoError(t, err)
	q := queue.New[int](0)
	ctx := context.Background()
	for _, v := range []int{1, 2, 3, 4, 5} {
		require.NoError(t, q.Put(ctx, v))
	}
	q.Shutdown()

	require.NoError(t, Pipe(ctx, q, b))
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, rec.items())
	assert.ErrorIs(t, b.Add(ctx, 6), ErrClosed)
}

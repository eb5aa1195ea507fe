package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"taskpipe/pkg/metrics"
	"taskpipe/pkg/queue"
	"taskpipe/pkg/task"
)

func reciprocal() task.Processor[int, int] {
	return task.ProcessFunc[int, int](func(_ context.Context, it *task.WorkItem[int]) (int, error) {
		if it.Payload == 0 {
			return 0, errors.New("division by zero")
		}
		return 100 / it.Payload, nil
	})
}

func fastConfig(workers int) Config {
	return Config{Workers: workers, PollInterval: 10 * time.Millisecond}
}

func counterValue(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func stopCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestReciprocalOverMixedInputs(t *testing.T) {
	o, err := New[int, int](fastConfig(2), reciprocal(), task.Env{})
	require.NoError(t, err)
	require.NoError(t, o.Start())

	ctx := context.Background()
	var zeroID uuid.UUID
	for _, v := range []int{1, 0, 2} {
		id, err := o.Submit(ctx, v)
		require.NoError(t, err)
		if v == 0 {
			zeroID = id
		}
	}

	err = o.Stop(stopCtx(t))
	require.Error(t, err, "the failed result is reported by Stop")
	assert.Contains(t, err.Error(), zeroID.String())
	assert.Contains(t, err.Error(), "division by zero")
	assert.NotErrorIs(t, err, ErrDegraded)

	var ok, failed int
	values := map[int]bool{}
	for _, r := range o.Results() {
		if r.IsSuccess() {
			ok++
			values[r.Value()] = true
		} else {
			failed++
			assert.Equal(t, zeroID, r.ItemID())
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, failed)
	assert.Equal(t, map[int]bool{100: true, 50: true}, values)
	assert.False(t, o.Degraded())
	assert.Len(t, o.DeadLetters(), 1)
}

func TestPanickingProcessorIsNotACrash(t *testing.T) {
	p := task.ProcessFunc[int, int](func(_ context.Context, it *task.WorkItem[int]) (int, error) {
		return 1 / it.Payload, nil
	})
	o, err := New[int, int](fastConfig(1), p, task.Env{})
	require.NoError(t, err)
	require.NoError(t, o.Start())
	for _, v := range []int{1, 0, 1} {
		_, err := o.Submit(context.Background(), v)
		require.NoError(t, err)
	}
	err = o.Stop(stopCtx(t))
	require.Error(t, err)

	st := o.Stats()
	assert.Equal(t, 0, st.Crashes)
	assert.Equal(t, uint64(3), st.Workers.Processed)
	assert.Equal(t, uint64(1), st.Workers.Failed)
}

func TestStopIsIdempotent(t *testing.T) {
	o, err := New[int, int](fastConfig(2), reciprocal(), task.Env{})
	require.NoError(t, err)
	require.NoError(t, o.Start())
	_, err = o.Submit(context.Background(), 0)
	require.NoError(t, err)

	first := o.Stop(stopCtx(t))
	second := o.Stop(stopCtx(t))
	require.Error(t, first)
	assert.Equal(t, first, second)

	_, err = o.Submit(context.Background(), 1)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, o.Start(), ErrStopped)
}

func TestStartTwice(t *testing.T) {
	o, err := New[int, int](fastConfig(1), reciprocal(), task.Env{})
	require.NoError(t, err)
	require.NoError(t, o.Start())
	assert.ErrorIs(t, o.Start(), ErrAlreadyStarted)
	assert.NoError(t, o.Stop(stopCtx(t)))
}

func TestCleanRunReturnsNil(t *testing.T) {
	o, err := New[int, int](fastConfig(3), reciprocal(), task.Env{})
	require.NoError(t, err)
	require.NoError(t, o.Start())
	for i := 1; i <= 50; i++ {
		_, err := o.Submit(context.Background(), i)
		require.NoError(t, err)
	}
	require.NoError(t, o.Stop(stopCtx(t)))
	assert.Len(t, o.Results(), 50)
	assert.Equal(t, 0, o.QueueLen())
}

func TestCrashedWorkerIsRestarted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewPipeline(reg)

	var mu sync.Mutex
	var seen []int
	handler := func(r task.Result[int]) {
		if r.Value() < 0 {
			panic("poisoned result handler")
		}
		mu.Lock()
		seen = append(seen, r.Value())
		mu.Unlock()
	}
	echo := task.ProcessFunc[int, int](func(_ context.Context, it *task.WorkItem[int]) (int, error) {
		return it.Payload, nil
	})
	cfg := fastConfig(1)
	cfg.MaxRestarts = 2
	o, err := New[int, int](cfg, echo, task.Env{Metrics: m}, WithResultHandler[int, int](handler))
	require.NoError(t, err)

	for _, v := range []int{-1, -2, 1, 2, 3} {
		_, err := o.Submit(context.Background(), v)
		require.NoError(t, err)
	}
	require.NoError(t, o.Start())
	err = o.Stop(stopCtx(t))

	require.Error(t, err, "crashes are reported")
	assert.NotErrorIs(t, err, ErrDegraded)
	assert.False(t, o.Degraded())

	st := o.Stats()
	assert.Equal(t, 2, st.Restarts)
	assert.Equal(t, 2, st.Crashes)
	assert.Equal(t, 2.0, counterValue(t, reg, "taskpipe_worker_restarts_total"))
	assert.Empty(t, o.Results(), "results go to the handler, not memory")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestExhaustedRestartsDegradeButOthersContinue(t *testing.T) {
	var good int32
	handler := func(r task.Result[int]) {
		if r.Value() < 0 {
			panic("poison")
		}
		atomic.AddInt32(&good, 1)
	}
	echo := task.ProcessFunc[int, int](func(_ context.Context, it *task.WorkItem[int]) (int, error) {
		return it.Payload, nil
	})
	cfg := fastConfig(2)
	cfg.MaxRestarts = 0
	o, err := New[int, int](cfg, echo, task.Env{}, WithResultHandler[int, int](handler))
	require.NoError(t, err)

	_, err = o.Submit(context.Background(), -1)
	require.NoError(t, err)
	require.NoError(t, o.Start())
	assert.Eventually(t, o.Degraded, time.Second, 5*time.Millisecond)

	for i := 1; i <= 20; i++ {
		_, err := o.Submit(context.Background(), i)
		require.NoError(t, err)
	}
	err = o.Stop(stopCtx(t))
	assert.ErrorIs(t, err, ErrDegraded)
	assert.Equal(t, int32(20), atomic.LoadInt32(&good), "the surviving worker processes the rest")

	st := o.Stats()
	assert.True(t, st.Degraded)
	assert.Equal(t, 1, st.Crashes)
}

func TestAllWorkersRetiredDeadLettersBacklog(t *testing.T) {
	handler := func(task.Result[int]) { panic("always") }
	echo := task.ProcessFunc[int, int](func(_ context.Context, it *task.WorkItem[int]) (int, error) {
		return it.Payload, nil
	})
	o, err := New[int, int](fastConfig(1), echo, task.Env{}, WithResultHandler[int, int](handler))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := o.Submit(context.Background(), i)
		require.NoError(t, err)
	}
	require.NoError(t, o.Start())
	require.Eventually(t, o.Degraded, time.Second, 5*time.Millisecond)

	err = o.Stop(stopCtx(t))
	assert.ErrorIs(t, err, ErrDegraded)
	assert.Len(t, o.DeadLetters(), 3, "items left with no live worker are dead-lettered")
}

func TestRetryThenDeadLetterThenReplay(t *testing.T) {
	var healthy atomic.Bool
	p := task.ProcessFunc[string, string](func(_ context.Context, it *task.WorkItem[string]) (string, error) {
		if !healthy.Load() {
			return "", errors.New("downstream unavailable")
		}
		return it.Payload, nil
	})
	cfg := fastConfig(1)
	cfg.MaxRetries = 2
	cfg.Backoff = task.Backoff{Base: time.Millisecond}
	o, err := New[string, string](cfg, p, task.Env{})
	require.NoError(t, err)
	require.NoError(t, o.Start())

	id, err := o.Submit(context.Background(), "job")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(o.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)

	dl := o.DeadLetters()[0]
	assert.Equal(t, id, dl.Item.ID)
	assert.Equal(t, 3, dl.Item.Retries)
	assert.Equal(t, uint64(2), o.Stats().Workers.Retried)

	_, err = o.Replay(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	healthy.Store(true)
	n, err := o.Replay(context.Background(), dl.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Eventually(t, func() bool { return len(o.Results()) == 2 }, time.Second, 5*time.Millisecond)

	last := o.Results()[1]
	assert.True(t, last.IsSuccess())
	assert.Equal(t, id, last.ItemID())
	assert.Equal(t, 1, last.Attempts())
	assert.Empty(t, o.DeadLetters())
}

func TestRetriesOnFullQueueKeepFlowing(t *testing.T) {
	var calls atomic.Int32
	p := task.ProcessFunc[int, int](func(context.Context, *task.WorkItem[int]) (int, error) {
		calls.Add(1)
		return 0, errors.New("target down")
	})
	cfg := fastConfig(2)
	cfg.QueueSize = 2
	cfg.MaxRetries = 3
	o, err := New[int, int](cfg, p, task.Env{})
	require.NoError(t, err)
	require.NoError(t, o.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 4; i++ {
		_, err := o.Submit(ctx, i)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(o.DeadLetters()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(16), calls.Load(), "every item gets all its attempts")

	_, err = o.TrySubmit(99)
	assert.NoError(t, err, "intake recovers once the retries drain")
	require.Error(t, o.Stop(stopCtx(t)))
}

func TestTryRequeueFailsFastWhenFull(t *testing.T) {
	cfg := fastConfig(1)
	cfg.QueueSize = 1
	o, err := New[int, int](cfg, reciprocal(), task.Env{})
	require.NoError(t, err)

	// not started, so nothing drains the queue
	_, err = o.TrySubmit(1)
	require.NoError(t, err)
	item := task.NewWorkItem(2, time.Now())
	item.Retries = 4
	assert.ErrorIs(t, o.TryRequeue(*item), queue.ErrQueueFull)

	require.NoError(t, o.Stop(stopCtx(t)))
	assert.ErrorIs(t, o.TryRequeue(*item), ErrStopped)
}

func TestPauseResume(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewPipeline(reg)
	o, err := New[int, int](fastConfig(1), reciprocal(), task.Env{Metrics: m})
	require.NoError(t, err)

	o.Pause()
	assert.True(t, o.Paused())
	_, err = o.Submit(context.Background(), 1)
	assert.ErrorIs(t, err, ErrPaused)
	_, err = o.TrySubmit(1)
	assert.ErrorIs(t, err, ErrPaused)

	o.Resume()
	assert.False(t, o.Paused())
	_, err = o.TrySubmit(1)
	assert.NoError(t, err)
	assert.Equal(t, 1, o.QueueLen())
}

func TestTrySubmitRateLimited(t *testing.T) {
	lim := rate.NewLimiter(rate.Every(time.Hour), 1)
	o, err := New[int, int](fastConfig(1), reciprocal(), task.Env{}, WithLimiter[int, int](lim))
	require.NoError(t, err)

	_, err = o.TrySubmit(1)
	require.NoError(t, err)
	_, err = o.TrySubmit(2)
	assert.ErrorIs(t, err, ErrRateLimited)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = o.Submit(ctx, 3)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestDeadLetterSinkOption(t *testing.T) {
	var sink task.DeadLetterList[int]
	o, err := New[int, int](fastConfig(1), reciprocal(), task.Env{}, WithDeadLetterSink[int, int](&sink))
	require.NoError(t, err)
	require.NoError(t, o.Start())
	_, err = o.Submit(context.Background(), 0)
	require.NoError(t, err)
	require.Error(t, o.Stop(stopCtx(t)))

	assert.Equal(t, 1, sink.Len())
	assert.Nil(t, o.DeadLetters())
	_, err = o.Replay(context.Background())
	assert.Error(t, err)
}

func TestResultBufferKeepsMostRecent(t *testing.T) {
	cfg := fastConfig(1)
	cfg.ResultBuffer = 3
	o, err := New[int, int](cfg, reciprocal(), task.Env{})
	require.NoError(t, err)
	for _, v := range []int{1, 2, 4, 5, 10} {
		_, err := o.Submit(context.Background(), v)
		require.NoError(t, err)
	}
	require.NoError(t, o.Start())
	require.NoError(t, o.Stop(stopCtx(t)))

	var got []int
	for _, r := range o.Results() {
		got = append(got, r.Value())
	}
	assert.Equal(t, []int{25, 20, 10}, got)
}

func TestInvalidConfig(t *testing.T) {
	_, err := New[int, int](Config{Workers: 0}, reciprocal(), task.Env{})
	assert.Error(t, err)
	_, err = New[int, int](Config{Workers: 1}, nil, task.Env{})
	assert.Error(t, err)
	_, err = New[int, int](Config{Workers: 1, MaxRestarts: -1}, reciprocal(), task.Env{})
	assert.Error(t, err)
}

package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkItemRetryAccounting(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	it := NewWorkItem("payload", now)
	require.NotEqual(t, uuid.Nil, it.ID)
	assert.Equal(t, now, it.ArrivedAt)
	assert.Equal(t, 1, it.Attempts())

	assert.True(t, it.CanRetry(2))
	it.MarkFailed(errors.New("boom"))
	assert.Equal(t, 1, it.Retries)
	assert.Equal(t, "boom", it.LastError)
	assert.True(t, it.CanRetry(2))
	it.MarkFailed(errors.New("again"))
	assert.False(t, it.CanRetry(2))
	assert.Equal(t, 3, it.Attempts())

	assert.False(t, NewWorkItem(1, now).CanRetry(0))
}

func TestResultSumType(t *testing.T) {
	id := uuid.New()
	ok := Success(id, 42, 1, time.Millisecond)
	assert.True(t, ok.IsSuccess())
	assert.NoError(t, ok.Err())
	assert.Equal(t, 42, ok.Value())
	assert.Equal(t, id, ok.ItemID())
	assert.NotEqual(t, uuid.Nil, ok.ID())

	bad := Failure[int](id, errors.New("nope"), 3, 0)
	assert.False(t, bad.IsSuccess())
	assert.EqualError(t, bad.Err(), "nope")
	assert.Equal(t, 0, bad.Value())
	assert.Equal(t, 3, bad.Attempts())
}

func TestToRecord(t *testing.T) {
	id := uuid.New()
	rec := ToRecord(Success(id, map[string]int{"n": 1}, 2, 1500*time.Microsecond))
	assert.True(t, rec.Success)
	assert.Equal(t, id.String(), rec.ItemID)
	assert.JSONEq(t, `{"n":1}`, string(rec.Value))
	assert.Equal(t, int64(1), rec.DurationMs)

	rec = ToRecord(Failure[string](id, errors.New("bad input"), 1, 0))
	assert.False(t, rec.Success)
	assert.Equal(t, "bad input", rec.Error)
	assert.Nil(t, rec.Value)

	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"error":"bad input"`)
}

func TestSafeProcessRecoversPanic(t *testing.T) {
	p := ProcessFunc[int, int](func(_ context.Context, it *WorkItem[int]) (int, error) {
		return 10 / it.Payload, nil
	})
	out, err := SafeProcess[int, int](context.Background(), p, NewWorkItem(2, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 5, out)

	_, err = SafeProcess[int, int](context.Background(), p, NewWorkItem(0, time.Now()))
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Error(), "divide by zero")
	assert.NotEmpty(t, pe.Stack)
}

func TestDeadLetterList(t *testing.T) {
	var l DeadLetterList[string]
	ctx := context.Background()
	a := NewDeadLetter(NewWorkItem("a", time.Now()), "r1", time.Now())
	b := NewDeadLetter(NewWorkItem("b", time.Now()), "r2", time.Now())
	c := NewDeadLetter(NewWorkItem("c", time.Now()), "r3", time.Now())
	for _, dl := range []DeadLetter[string]{a, b, c} {
		require.NoError(t, l.Put(ctx, dl))
	}
	assert.Equal(t, 3, l.Len())

	taken := l.Take(b.ID)
	require.Len(t, taken, 1)
	assert.Equal(t, "b", taken[0].Item.Payload)

	rest := l.List()
	require.Len(t, rest, 2)
	assert.Equal(t, "a", rest[0].Item.Payload)
	assert.Equal(t, "c", rest[1].Item.Payload)

	assert.Len(t, l.Take(), 2)
	assert.Equal(t, 0, l.Len())
}

type failingSink struct{ calls int }

func (f *failingSink) Put(context.Context, DeadLetter[int]) error {
	f.calls++
	return errors.New("sink down")
}

func TestTeeSinkWritesAll(t *testing.T) {
	var mem DeadLetterList[int]
	fs := &failingSink{}
	tee := TeeSink[int]{fs, &mem, nil}
	err := tee.Put(context.Background(), NewDeadLetter(NewWorkItem(1, time.Now()), "x", time.Now()))
	assert.EqualError(t, err, "sink down")
	assert.Equal(t, 1, fs.calls)
	assert.Equal(t, 1, mem.Len())
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	assert.Equal(t, time.Duration(0), b.Delay(0))
	assert.Equal(t, 10*time.Millisecond, b.Delay(1))
	assert.Equal(t, 20*time.Millisecond, b.Delay(2))
	assert.Equal(t, 40*time.Millisecond, b.Delay(3))
	assert.Equal(t, 50*time.Millisecond, b.Delay(4))
	assert.Equal(t, 50*time.Millisecond, b.Delay(10))
	assert.Equal(t, time.Duration(0), Backoff{}.Delay(3))

	open := Backoff{Base: time.Second}
	assert.Equal(t, 8*time.Second, open.Delay(4))
	for _, attempt := range []int{35, 64, 1000} {
		assert.Equal(t, maxBackoff, open.Delay(attempt), "attempt %d", attempt)
	}

	j := Backoff{Base: 100 * time.Millisecond, Jitter: 0.5}
	for i := 0; i < 20; i++ {
		d := j.Delay(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestEnvDefaults(t *testing.T) {
	var e Env
	assert.NotNil(t, e.Logger())
	assert.WithinDuration(t, time.Now(), e.Clock(), time.Second)

	fixed := time.Unix(100, 0)
	e.Now = func() time.Time { return fixed }
	assert.Equal(t, fixed, e.Clock())
}

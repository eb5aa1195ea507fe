package task

import (
	"io"
	"log/slog"
	"math/rand"
	"time"

	"taskpipe/pkg/metrics"
)

// Env carries the collaborators every pipeline component needs. It is passed
// to constructors explicitly; no pipeline package reads process globals.
type Env struct {
	Log     *slog.Logger
	Metrics *metrics.Pipeline
	Now     func() time.Time
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// Logger returns Log, or a logger that drops everything.
func (e Env) Logger() *slog.Logger {
	if e.Log == nil {
		return discard
	}
	return e.Log
}

// Clock returns Now, or time.Now.
func (e Env) Clock() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// maxBackoff bounds the delay when Backoff.Max is unset so doubling
// never overflows time.Duration.
const maxBackoff = time.Hour

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration // zero means maxBackoff
	Jitter float64       // fraction of the delay, 0..1
}

// Delay returns the wait before retry number attempt (1-based). A zero Base
// disables waiting.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 || attempt <= 0 {
		return 0
	}
	ceiling := b.Max
	if ceiling <= 0 {
		ceiling = maxBackoff
	}
	d := b.Base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	if b.Jitter > 0 {
		j := b.Jitter
		if j > 1 {
			j = 1
		}
		delta := (rand.Float64()*2 - 1) * j * float64(d)
		d += time.Duration(delta)
		if d < 0 {
			d = 0
		}
	}
	return d
}

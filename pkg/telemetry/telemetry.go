package telemetry

import (
	"io"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
)

// Low-overhead request telemetry. Every request is timed into a histogram;
// only slow requests and a small sample are logged.

const (
	debugHeader     = "X-Debug-Telemetry"
	requestIDHeader = "X-Request-ID"
)

type Config struct {
	SampleRate    float64       // fraction of requests logged in full, 0..1
	SlowThreshold time.Duration // requests slower than this are always logged
}

// Recorder times requests and logs the slow and sampled ones.
type Recorder struct {
	cfg  Config
	log  *slog.Logger
	hist *prometheus.HistogramVec

	requests uint64
	slow     uint64
	sampled  uint64
}

// New registers the request histogram on reg. reg may be nil.
func New(cfg Config, reg prometheus.Registerer, log *slog.Logger) *Recorder {
	if cfg.SampleRate < 0 {
		cfg.SampleRate = 0
	}
	if cfg.SampleRate > 1 {
		cfg.SampleRate = 1
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Recorder{
		cfg: cfg,
		log: log.With("component", "telemetry"),
		hist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskpipe",
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by method and status code.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"method", "code"}),
	}
	if reg != nil {
		reg.MustRegister(r.hist)
	}
	return r
}

// Middleware wraps next with timing, a request id header and slow/sampled
// request logging. A nil Recorder returns next unchanged.
func (r *Recorder) Middleware(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if r == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		reqID := string(ctx.Request.Header.Peek(requestIDHeader))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx.Response.Header.Set(requestIDHeader, reqID)

		next(ctx)

		took := time.Since(start)
		code := ctx.Response.StatusCode()
		atomic.AddUint64(&r.requests, 1)
		r.hist.WithLabelValues(string(ctx.Method()), strconv.Itoa(code)).Observe(took.Seconds())

		switch {
		case r.cfg.SlowThreshold > 0 && took >= r.cfg.SlowThreshold:
			atomic.AddUint64(&r.slow, 1)
			r.log.Warn("slow_request", "request_id", reqID, "method", string(ctx.Method()),
				"path", string(ctx.Path()), "status", code, "took", took)
		case r.shouldSample(ctx):
			atomic.AddUint64(&r.sampled, 1)
			r.log.Info("request_trace", "request_id", reqID, "method", string(ctx.Method()),
				"path", string(ctx.Path()), "status", code, "took", took,
				"req_bytes", len(ctx.Request.Body()), "resp_bytes", len(ctx.Response.Body()))
		}
	}
}

// shouldSample also honours X-Debug-Telemetry: 1.
func (r *Recorder) shouldSample(ctx *fasthttp.RequestCtx) bool {
	if string(ctx.Request.Header.Peek(debugHeader)) == "1" {
		return true
	}
	if r.cfg.SampleRate <= 0 {
		return false
	}
	return rand.Float64() < r.cfg.SampleRate
}

type Stats struct {
	Requests uint64 `json:"requests"`
	Slow     uint64 `json:"slow"`
	Sampled  uint64 `json:"sampled"`
}

func (r *Recorder) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	return Stats{
		Requests: atomic.LoadUint64(&r.requests),
		Slow:     atomic.LoadUint64(&r.slow),
		Sampled:  atomic.LoadUint64(&r.sampled),
	}
}

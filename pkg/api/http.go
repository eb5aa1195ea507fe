package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"taskpipe/pkg/api/router"
	"taskpipe/pkg/logger"
	"taskpipe/pkg/orchestrator"
	"taskpipe/pkg/queue"
	"taskpipe/pkg/store"
	"taskpipe/pkg/task"
	"taskpipe/pkg/telemetry"
)

// Pipeline is the orchestrator surface the API drives.
type Pipeline interface {
	TrySubmit(payload json.RawMessage) (uuid.UUID, error)
	TryRequeue(item task.WorkItem[json.RawMessage]) error
	Pause()
	Resume()
	Paused() bool
	Degraded() bool
	Stats() orchestrator.Stats
}

// Store is the persisted state the API reads and edits.
type Store interface {
	Ready() bool
	ListResults(limit int) ([]task.Record, error)
	ListDeadLetters(limit int) ([]store.DeadLetterRecord, error)
	GetDeadLetter(id string) (store.DeadLetterRecord, error)
	DeleteDeadLetter(id string) error
	Stats() (store.Stats, error)
}

// Deps wires the API to the running daemon.
type Deps struct {
	Pipeline Pipeline
	Store    Store
	// Purge runs retention immediately. Nil disables /admin/purge.
	Purge func(ctx context.Context) (int, error)
	// Extra adds sections to /v1/stats, e.g. batcher counters.
	Extra      func() map[string]any
	Gatherer   prometheus.Gatherer
	MaxPayload int64

	ClientRPS   float64
	ClientBurst int

	// Telemetry times requests; nil disables it.
	Telemetry *telemetry.Recorder

	Log     *slog.Logger
	Audit   *slog.Logger
	Version string
}

type Server struct {
	d       Deps
	log     *slog.Logger
	audit   *slog.Logger
	clients *limiterPool
}

const defaultListLimit = 100

func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	audit := d.Audit
	if audit == nil {
		audit = log
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		d:       d,
		log:     log.With("component", "api"),
		audit:   audit,
		clients: newLimiterPool(d.ClientRPS, d.ClientBurst),
	}
}

// RegisterRoutes wires all routes onto r.
func (s *Server) RegisterRoutes(r *router.Router) {
	r.POST("/v1/tasks", s.submit)
	r.GET("/v1/results", s.listResults)
	r.GET("/v1/deadletters", s.listDeadLetters)
	r.POST("/v1/deadletters/replay", s.replayDeadLetters)
	r.DELETE("/v1/deadletters/{id}", s.deleteDeadLetter)
	r.GET("/v1/stats", s.stats)

	r.POST("/admin/pause", s.pause)
	r.POST("/admin/resume", s.resume)
	r.POST("/admin/purge", s.purge)

	r.GET("/healthz", s.healthz)
	r.GET("/readyz", s.readyz)
	r.GET("/metrics", wrapHTTPHandler(promhttp.HandlerFor(s.d.Gatherer, promhttp.HandlerOpts{})))
}

// Handler returns the complete fasthttp handler with request telemetry,
// per-client rate limiting and request logging.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	s.RegisterRoutes(r)
	return s.d.Telemetry.Middleware(func(ctx *fasthttp.RequestCtx) {
		logger.LogRequest(s.log, ctx)
		if !s.clients.Allow(ctx.RemoteIP().String()) {
			ctx.Response.Header.Set("Retry-After", "1")
			router.WriteJSONError(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		r.Handler(ctx)
	})
}

func wrapHTTPHandler(h http.Handler) fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(h)
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return fasthttp.StatusOK
	case errors.Is(err, orchestrator.ErrRateLimited):
		return fasthttp.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrPaused),
		errors.Is(err, orchestrator.ErrStopped),
		errors.Is(err, queue.ErrQueueFull):
		return fasthttp.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound), errors.Is(err, orchestrator.ErrNotFound):
		return fasthttp.StatusNotFound
	case errors.Is(err, store.ErrNotOpen):
		return fasthttp.StatusServiceUnavailable
	default:
		return fasthttp.StatusInternalServerError
	}
}

func writeErr(ctx *fasthttp.RequestCtx, err error) {
	code := statusFor(err)
	if code == fasthttp.StatusTooManyRequests || code == fasthttp.StatusServiceUnavailable {
		ctx.Response.Header.Set("Retry-After", "1")
	}
	router.WriteJSONError(ctx, code, err.Error())
}

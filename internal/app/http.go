package app

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"taskpipe/pkg/api"
	"taskpipe/pkg/banner"
	"taskpipe/pkg/task"
	"taskpipe/pkg/telemetry"
)

// httpServer owns the fasthttp server and its listener.
type httpServer struct {
	srv *fasthttp.Server

	mu sync.Mutex
	ln net.Listener
}

func (a *App) newHTTPServer(env task.Env) *httpServer {
	cfg := a.eff.Config
	a.telemetry = telemetry.New(telemetry.Config{
		SampleRate:    cfg.Telemetry.SampleRate,
		SlowThreshold: cfg.Telemetry.SlowThreshold.Duration(),
	}, a.reg, env.Logger())
	deps := api.Deps{
		Pipeline:    a.orch,
		Store:       a.store,
		Purge:       a.ret.RunOnce,
		Extra:       a.extraStats,
		Gatherer:    a.reg,
		MaxPayload:  cfg.Pipeline.MaxPayloadBytes.Int64(),
		ClientRPS:   cfg.RateLimit.ClientRPS,
		ClientBurst: cfg.RateLimit.ClientBurst,
		Telemetry:   a.telemetry,
		Log:         env.Logger(),
		Audit:       a.audit,
		Version:     a.Version(),
	}
	return &httpServer{srv: &fasthttp.Server{
		Name:    "taskpipe",
		Handler: api.New(deps).Handler(),
		// leave headroom so oversize payloads reach the handler and get a 413
		MaxRequestBodySize:    int(cfg.Pipeline.MaxPayloadBytes.Int64()) + 4096,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           2 * time.Minute,
		NoDefaultServerHeader: true,
	}}
}

func (a *App) extraStats() map[string]any {
	out := map[string]any{
		"batcher": a.batch.Stats(),
		"results_queue": map[string]int{
			"len": a.results.Len(),
			"cap": a.results.Cap(),
		},
		"state": a.State(),
		"http":  a.telemetry.Stats(),
	}
	if a.sensor != nil {
		out["sensor"] = a.sensor.Snapshot()
	}
	return out
}

// start listens on addr and serves in a goroutine. The returned channel
// receives the error Serve exits with.
func (h *httpServer) start(addr string) (<-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.ln = ln
	h.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.srv.Serve(ln)
	}()
	return errCh, nil
}

// Addr is the bound listen address, or "" before start.
func (h *httpServer) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

func (h *httpServer) stop(ctx context.Context) error {
	h.mu.Lock()
	started := h.ln != nil
	h.mu.Unlock()
	if !started {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- h.srv.Shutdown() }()
	select {
	case err := <-done:
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr is the address the API is served on once Run has started it.
func (a *App) Addr() string { return a.http.Addr() }

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	banner.Print(a.eff, a.Version())
}

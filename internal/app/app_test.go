package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"taskpipe/pkg/config"
	"taskpipe/pkg/store"
)

func newTestApp(t *testing.T, mut func(*config.Config)) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.QueueSize = 16
	cfg.Batch.Size = 2
	if mut != nil {
		mut(cfg)
	}
	eff := config.EffectiveConfigResult{Config: cfg, Addr: "127.0.0.1:0", DataPath: dir, Source: "test"}
	require.NoError(t, config.ValidateConfig(&eff))
	a, err := New(eff, "test", "none", "unknown")
	require.NoError(t, err)
	return a, dir
}

func runApp(t *testing.T, a *App) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()
	require.Eventually(t, func() bool { return a.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	return func() error {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		err := a.Shutdown(sctx)
		<-runErr
		return err
	}
}

func post(t *testing.T, addr, path, body string) int {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI("http://" + addr + path)
	req.SetBodyString(body)
	require.NoError(t, fasthttp.DoTimeout(req, resp, 2*time.Second))
	return resp.StatusCode()
}

func get(t *testing.T, addr, path string) (int, string) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI("http://" + addr + path)
	require.NoError(t, fasthttp.DoTimeout(req, resp, 2*time.Second))
	return resp.StatusCode(), string(resp.Body())
}

func TestAppPersistsResultsOnShutdown(t *testing.T) {
	a, dir := newTestApp(t, nil)
	stop := runApp(t, a)
	assert.Equal(t, "running", a.State())

	for _, body := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		require.Equal(t, fasthttp.StatusAccepted, post(t, a.Addr(), "/v1/tasks", body))
	}
	require.Eventually(t, func() bool {
		return a.orch.Stats().Workers.Succeeded == 3
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, stop())
	assert.Equal(t, "stopped", a.State())

	st, err := store.OpenReadOnly(filepath.Join(dir, "store"), nil)
	require.NoError(t, err)
	defer st.Close()
	n, err := st.CountResults()
	require.NoError(t, err)
	// two flushed as a full batch, the third kept from the incomplete one
	assert.Equal(t, 3, n)
}

func TestAppShutdownSettlesPartialBatch(t *testing.T) {
	for _, tc := range []struct {
		name      string
		keep      bool
		persisted int
		discarded uint64
	}{
		{"keep incomplete", true, 3, 0},
		{"drop incomplete", false, 2, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			keep := tc.keep
			a, dir := newTestApp(t, func(c *config.Config) {
				c.Batch.KeepIncomplete = &keep
				// only size and shutdown may flush
				c.Batch.FlushInterval = config.Duration(time.Hour)
				c.Retention.Enabled = true
			})
			stop := runApp(t, a)

			for _, body := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
				require.Equal(t, fasthttp.StatusAccepted, post(t, a.Addr(), "/v1/tasks", body))
			}
			require.Eventually(t, func() bool {
				st := a.batch.Stats()
				return st.Batches == 1 && st.Pending == 1
			}, 5*time.Second, 10*time.Millisecond)

			code, body := get(t, a.Addr(), "/v1/stats")
			require.Equal(t, fasthttp.StatusOK, code)
			assert.Contains(t, body, `"results_queue"`)

			require.NoError(t, stop())
			assert.Equal(t, tc.discarded, a.batch.Stats().Discarded)

			st, err := store.OpenReadOnly(filepath.Join(dir, "store"), nil)
			require.NoError(t, err)
			defer st.Close()
			n, err := st.CountResults()
			require.NoError(t, err)
			assert.Equal(t, tc.persisted, n)
		})
	}
}

func TestAppDeadLettersUnreachableTarget(t *testing.T) {
	a, _ := newTestApp(t, func(c *config.Config) {
		c.Pipeline.TargetURL = "http://127.0.0.1:1/ingest"
		c.Pipeline.TargetTimeout = config.Duration(200 * time.Millisecond)
		c.Pipeline.MaxRetries = 1
		c.Pipeline.RetryBackoff = config.Duration(time.Millisecond)
		c.Pipeline.RetryBackoffMax = config.Duration(time.Millisecond)
	})
	stop := runApp(t, a)

	require.Equal(t, fasthttp.StatusAccepted, post(t, a.Addr(), "/v1/tasks", `{"x":1}`))
	require.Eventually(t, func() bool {
		n, err := a.store.CountDeadLetters()
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, stop())
}

func TestAppShutdownWithoutRun(t *testing.T) {
	a, _ := newTestApp(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
	require.NoError(t, a.Shutdown(ctx))
	assert.False(t, a.store.Ready())
}

func TestValidateConfigRejects(t *testing.T) {
	cfg := &config.Config{}
	cfg.Pipeline.Workers = 1
	cfg.Batch.Size = 1

	assert.Error(t, validateConfig(config.EffectiveConfigResult{}))
	assert.Error(t, validateConfig(config.EffectiveConfigResult{Config: cfg, Addr: ":0"}))
	assert.Error(t, validateConfig(config.EffectiveConfigResult{Config: cfg, DataPath: "x"}))
	assert.NoError(t, validateConfig(config.EffectiveConfigResult{Config: cfg, DataPath: "x", Addr: ":0"}))

	cfg.Pipeline.Workers = 0
	assert.Error(t, validateConfig(config.EffectiveConfigResult{Config: cfg, DataPath: "x", Addr: ":0"}))
}

func TestVersionString(t *testing.T) {
	a := &App{version: "1.2.0", commit: "abc123", buildDate: "2026-01-01"}
	assert.Equal(t, "1.2.0 (abc123) @ 2026-01-01", a.Version())
	a = &App{commit: "none", buildDate: "unknown"}
	assert.Equal(t, "dev", a.Version())
}

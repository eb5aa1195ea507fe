package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"taskpipe/pkg/api"
	"taskpipe/pkg/forward"
	"taskpipe/pkg/metrics"
	"taskpipe/pkg/orchestrator"
	"taskpipe/pkg/store"
	"taskpipe/pkg/task"
)

type daemon struct {
	store *store.Store
	orch  *orchestrator.Orchestrator[json.RawMessage, json.RawMessage]
	srv   *fasthttp.Server
}

func newDaemon(t *testing.T) *daemon {
	t.Helper()
	reg := prometheus.NewRegistry()
	env := task.Env{Metrics: metrics.NewPipeline(reg)}
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	orch, err := orchestrator.New[json.RawMessage, json.RawMessage](
		orchestrator.Config{Workers: 1, QueueSize: 64, PollInterval: 10 * time.Millisecond},
		forward.New("", 0), env)
	require.NoError(t, err)
	require.NoError(t, orch.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Stop(ctx)
	})
	srv := &fasthttp.Server{Handler: api.New(api.Deps{Pipeline: orch, Store: st, Gatherer: reg}).Handler()}
	return &daemon{store: st, orch: orch, srv: srv}
}

// inMemory serves d on an in-memory listener and returns a client for it.
func (d *daemon) inMemory(t *testing.T) *fasthttp.Client {
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = d.srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = d.srv.Shutdown()
		_ = ln.Close()
	})
	return &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
}

func run(t *testing.T, hc *fasthttp.Client, args ...string) (string, error) {
	t.Helper()
	o := &options{hc: hc}
	root := newRootCmd(o, "test", "abc")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	base := []string{"--host", "http://taskpipe.test", "--config", filepath.Join(t.TempDir(), "none.yaml")}
	root.SetArgs(append(args, base...))
	err := root.Execute()
	return out.String(), err
}

func TestSubmitAndResults(t *testing.T) {
	d := newDaemon(t)
	hc := d.inMemory(t)

	out, err := run(t, hc, "submit", `{"n":1}`)
	require.NoError(t, err)
	var sub map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &sub))
	assert.NotEmpty(t, sub["id"])

	_, err = run(t, hc, "submit", `{"n":`)
	assert.ErrorContains(t, err, "not valid JSON")

	require.NoError(t, d.store.ApplyResults([]task.Record{
		{ID: "r1", ItemID: "item-1", Success: true, Value: json.RawMessage(`{"ok":true}`), Attempts: 1, CreatedAt: time.Now()},
	}))
	out, err = run(t, hc, "results", "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "ITEM")
	assert.Contains(t, out, "item-1")

	out, err = run(t, hc, "results", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "item_id: item-1")
}

func TestDeadLetterCommands(t *testing.T) {
	d := newDaemon(t)
	hc := d.inMemory(t)
	ctx := context.Background()

	a := task.NewDeadLetter(task.NewWorkItem(json.RawMessage(`1`), time.Now()), "boom", time.Now())
	b := task.NewDeadLetter(task.NewWorkItem(json.RawMessage(`2`), time.Now()), "bang", time.Now())
	require.NoError(t, d.store.PutDeadLetter(ctx, store.FromDeadLetter(a)))
	require.NoError(t, d.store.PutDeadLetter(ctx, store.FromDeadLetter(b)))

	out, err := run(t, hc, "deadletters", "list")
	require.NoError(t, err)
	var recs []store.DeadLetterRecord
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	assert.Len(t, recs, 2)

	_, err = run(t, hc, "dlq", "replay")
	assert.ErrorContains(t, err, "--all")

	out, err = run(t, hc, "deadletters", "replay", a.ID.String())
	require.NoError(t, err)
	var rr ReplayResult
	require.NoError(t, json.Unmarshal([]byte(out), &rr))
	assert.Equal(t, []string{a.ID.String()}, rr.Replayed)

	_, err = run(t, hc, "deadletters", "delete", b.ID.String(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, fasthttp.StatusNotFound, apiErr.Code)

	n, err := d.store.CountDeadLetters()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPauseResumePurgeStats(t *testing.T) {
	d := newDaemon(t)
	hc := d.inMemory(t)

	out, err := run(t, hc, "pause")
	require.NoError(t, err)
	assert.JSONEq(t, `{"paused":true}`, out)
	assert.True(t, d.orch.Paused())

	_, err = run(t, hc, "submit", `{}`)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, apiErr.Code)

	out, err = run(t, hc, "resume", "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "false")

	_, err = run(t, hc, "purge")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, fasthttp.StatusNotImplemented, apiErr.Code)

	out, err = run(t, hc, "stats", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "orchestrator:")
}

func TestOutputFormatValidation(t *testing.T) {
	_, err := run(t, nil, "stats", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestConfigFileSuppliesHost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.yaml")
	require.NoError(t, SaveConfig(&Config{Host: "http://from-file:9000", Output: "yaml", Timeout: 3 * time.Second}, path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-file:9000", cfg.Host)
	assert.Equal(t, 3*time.Second, cfg.Timeout)

	missing, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, missing.Host)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("host: [unterminated"), 0o600))
	_, err = LoadConfig(bad)
	assert.Error(t, err)
}

func TestResolveMergesConfig(t *testing.T) {
	t.Setenv("TASKPIPE_HOST", "")
	path := filepath.Join(t.TempDir(), "ctl.yaml")
	require.NoError(t, SaveConfig(&Config{Host: "http://from-file:9000", Output: "yaml"}, path))

	o := &options{}
	root := newRootCmd(o, "test", "abc")
	root.SetOut(&bytes.Buffer{})
	require.NoError(t, root.ParseFlags([]string{"--config", path}))
	require.NoError(t, o.resolve(root))
	assert.Equal(t, "http://from-file:9000", o.host)
	assert.Equal(t, formatYAML, o.out.format)
}

func TestInspectReadsStoppedStore(t *testing.T) {
	dir := t.TempDir()
	storeDir := filepath.Join(dir, "store")
	st, err := store.Open(storeDir, nil)
	require.NoError(t, err)
	require.NoError(t, st.ApplyResults([]task.Record{{ID: "a"}, {ID: "b"}}))
	dl := task.NewDeadLetter(task.NewWorkItem(json.RawMessage(`{}`), time.Now()), "x", time.Now())
	require.NoError(t, st.PutDeadLetter(context.Background(), store.FromDeadLetter(dl)))
	require.NoError(t, st.Close())

	rep, err := Inspect(dir, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Results)
	assert.Equal(t, 1, rep.DeadLetters)
	assert.Len(t, rep.Keys["result:"], 1)
	assert.Len(t, rep.Keys["dlqidx:"], 1)

	out, err := run(t, nil, "inspect", storeDir, "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "Dead letters")

	_, err = Inspect(filepath.Join(dir, "nope"), 1)
	assert.Error(t, err)
}

func TestBenchAgainstLiveServer(t *testing.T) {
	d := newDaemon(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = d.srv.Serve(ln) }()
	t.Cleanup(func() { _ = d.srv.Shutdown() })

	rep, err := RunBench(BenchConfig{
		Host:        "http://" + ln.Addr().String(),
		RPS:         20,
		Duration:    300 * time.Millisecond,
		PayloadSize: 8,
		Timeout:     2 * time.Second,
	})
	require.NoError(t, err)
	assert.Positive(t, rep.Requests)
	assert.Positive(t, rep.StatusCodes["202"])

	_, err = RunBench(BenchConfig{Host: "http://x", RPS: 0, Duration: time.Second})
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdefgh", 5))
	assert.Equal(t, "a b", truncate("a\nb", 10))
	assert.False(t, strings.Contains(truncate("x\ny", 2), "\n"))
}

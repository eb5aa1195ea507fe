package forward

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"taskpipe/pkg/task"
)

func serve(t *testing.T, h fasthttp.RequestHandler) *fasthttp.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: h}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Shutdown()
		_ = ln.Close()
	})
	return &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
}

func item(payload string) *task.WorkItem[json.RawMessage] {
	return task.NewWorkItem(json.RawMessage(payload), time.Now())
}

func TestEchoWithoutTarget(t *testing.T) {
	f := New("", 0)
	out, err := f.Process(context.Background(), item(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))
}

func TestForwardSendsHeadersAndBody(t *testing.T) {
	var gotID, gotAttempt, gotBody string
	client := serve(t, func(ctx *fasthttp.RequestCtx) {
		gotID = string(ctx.Request.Header.Peek("X-Task-ID"))
		gotAttempt = string(ctx.Request.Header.Peek("X-Task-Attempt"))
		gotBody = string(ctx.PostBody())
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"ok":true}`)
	})
	f := New("http://sink.test/ingest", time.Second, WithClient(client))

	it := item(`[1,2,3]`)
	it.MarkFailed(errors.New("earlier"))
	out, err := f.Process(context.Background(), it)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))
	assert.Equal(t, it.ID.String(), gotID)
	assert.Equal(t, "2", gotAttempt)
	assert.Equal(t, `[1,2,3]`, gotBody)
}

func TestForwardNon2xxIsError(t *testing.T) {
	client := serve(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		ctx.SetBodyString("upstream down")
	})
	f := New("http://sink.test/", time.Second, WithClient(client))
	_, err := f.Process(context.Background(), item(`{}`))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 502, se.Code)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestForwardNonJSONBodyQuoted(t *testing.T) {
	client := serve(t, func(ctx *fasthttp.RequestCtx) { ctx.SetBodyString("plain") })
	f := New("http://sink.test/", time.Second, WithClient(client))
	out, err := f.Process(context.Background(), item(`{}`))
	require.NoError(t, err)
	assert.Equal(t, `"plain"`, string(out))
}

func TestForwardTimeout(t *testing.T) {
	client := serve(t, func(ctx *fasthttp.RequestCtx) { time.Sleep(300 * time.Millisecond) })
	f := New("http://sink.test/", 50*time.Millisecond, WithClient(client))
	_, err := f.Process(context.Background(), item(`{}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"taskpipe/pkg/task"
)

// StatusError is returned when the target answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("target returned %d", e.Code)
	}
	return fmt.Sprintf("target returned %d: %s", e.Code, e.Body)
}

// Forwarder POSTs each payload to a target URL. With no target it echoes the
// payload back as the result.
type Forwarder struct {
	target  string
	timeout time.Duration
	client  *fasthttp.Client
}

// Option customises a Forwarder.
type Option func(*Forwarder)

// WithClient replaces the default client, e.g. to dial an in-memory listener.
func WithClient(c *fasthttp.Client) Option {
	return func(f *Forwarder) { f.client = c }
}

func New(target string, timeout time.Duration, opts ...Option) *Forwarder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	f := &Forwarder{
		target:  target,
		timeout: timeout,
		client: &fasthttp.Client{
			Name:                "taskpipe-forwarder",
			MaxIdleConnDuration: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Forwarder) Target() string { return f.target }

var _ task.Processor[json.RawMessage, json.RawMessage] = (*Forwarder)(nil)

func (f *Forwarder) Process(ctx context.Context, item *task.WorkItem[json.RawMessage]) (json.RawMessage, error) {
	if f.target == "" {
		return item.Payload, nil
	}
	timeout := f.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(f.target)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-Task-ID", item.ID.String())
	req.Header.Set("X-Task-Attempt", strconv.Itoa(item.Attempts()))
	req.SetBodyRaw(item.Payload)

	if err := f.client.DoTimeout(req, resp, timeout); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return nil, fmt.Errorf("forward %s: %w", f.target, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("forward %s: %w", f.target, err)
	}
	code := resp.StatusCode()
	if code < 200 || code > 299 {
		body := resp.Body()
		if len(body) > 256 {
			body = body[:256]
		}
		return nil, &StatusError{Code: code, Body: string(body)}
	}
	body := resp.Body()
	if len(body) == 0 {
		return nil, nil
	}
	out := make(json.RawMessage, len(body))
	copy(out, body)
	if !json.Valid(out) {
		// non-JSON bodies are kept as a JSON string so records stay valid
		quoted, _ := json.Marshal(string(out))
		return quoted, nil
	}
	return out, nil
}

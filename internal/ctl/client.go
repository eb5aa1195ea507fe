package ctl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"taskpipe/pkg/store"
	"taskpipe/pkg/task"
)

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Msg)
}

// Client talks to a running taskpipe daemon.
type Client struct {
	host    string
	timeout time.Duration
	hc      *fasthttp.Client
}

func NewClient(host string, timeout time.Duration, hc *fasthttp.Client) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if hc == nil {
		hc = &fasthttp.Client{Name: "taskpipectl"}
	}
	return &Client{host: strings.TrimRight(host, "/"), timeout: timeout, hc: hc}
}

// do sends a request and decodes a JSON answer into out when out is non-nil.
func (c *Client) do(method, path string, body []byte, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(c.host + path)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}
	if err := c.hc.DoTimeout(req, resp, c.timeout); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	code := resp.StatusCode()
	if code < 200 || code > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(resp.Body(), &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(resp.Body()))
		}
		return &APIError{Code: code, Msg: e.Error}
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) Submit(payload json.RawMessage) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(fasthttp.MethodPost, "/v1/tasks", payload, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) Stats() (map[string]any, error) {
	out := map[string]any{}
	err := c.do(fasthttp.MethodGet, "/v1/stats", nil, &out)
	return out, err
}

func (c *Client) Results(limit int) ([]task.Record, error) {
	var out struct {
		Results []task.Record `json:"results"`
	}
	err := c.do(fasthttp.MethodGet, "/v1/results?limit="+strconv.Itoa(limit), nil, &out)
	return out.Results, err
}

func (c *Client) DeadLetters(limit int) ([]store.DeadLetterRecord, error) {
	var out struct {
		DeadLetters []store.DeadLetterRecord `json:"dead_letters"`
	}
	err := c.do(fasthttp.MethodGet, "/v1/deadletters?limit="+strconv.Itoa(limit), nil, &out)
	return out.DeadLetters, err
}

// ReplayResult mirrors the daemon's replay answer.
type ReplayResult struct {
	Replayed []string `json:"replayed" yaml:"replayed"`
	Missing  []string `json:"missing,omitempty" yaml:"missing,omitempty"`
	Error    string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// Replay requeues the given dead letters, or all of them when ids is empty.
func (c *Client) Replay(ids []string) (ReplayResult, error) {
	body, err := json.Marshal(map[string][]string{"ids": ids})
	if err != nil {
		return ReplayResult{}, err
	}
	var out ReplayResult
	err = c.do(fasthttp.MethodPost, "/v1/deadletters/replay", body, &out)
	return out, err
}

func (c *Client) DeleteDeadLetter(id string) error {
	return c.do(fasthttp.MethodDelete, "/v1/deadletters/"+id, nil, nil)
}

func (c *Client) Pause() (bool, error)  { return c.toggle("/admin/pause") }
func (c *Client) Resume() (bool, error) { return c.toggle("/admin/resume") }

func (c *Client) toggle(path string) (bool, error) {
	var out struct {
		Paused bool `json:"paused"`
	}
	err := c.do(fasthttp.MethodPost, path, []byte{}, &out)
	return out.Paused, err
}

func (c *Client) Purge() (int, error) {
	var out struct {
		Purged int `json:"purged"`
	}
	err := c.do(fasthttp.MethodPost, "/admin/purge", []byte{}, &out)
	return out.Purged, err
}

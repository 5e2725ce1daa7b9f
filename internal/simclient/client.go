// Package simclient talks to a running simulation's operator API.
package simclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/joelkehle/simfleet/internal/bus"
	"github.com/joelkehle/simfleet/internal/httpapi"
	"github.com/joelkehle/simfleet/internal/simulator"
)

// InjectRequest is the POST /v1/inject body.
type InjectRequest struct {
	From         string          `json:"from,omitempty"`
	To           string          `json:"to"`
	Protocol     string          `json:"protocol"`
	Performative string          `json:"performative"`
	Thread       string          `json:"thread,omitempty"`
	Body         json.RawMessage `json:"body,omitempty"`
}

type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	tries   uint
}

// NewClient builds a client for baseURL. A non-empty secret signs inject
// and stop requests.
func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
		tries: 3,
	}
}

// DoJSON performs one request. Error replies from the API are decoded into
// a *bus.Error so callers can branch with bus.HasCode.
func (c *Client) DoJSON(ctx context.Context, method, path string, payload []byte, headers map[string]string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	blob, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return blob, resp.StatusCode, decodeError(method, path, resp.StatusCode, blob)
	}
	return blob, resp.StatusCode, nil
}

func decodeError(method, path string, status int, blob []byte) error {
	var env struct {
		Error struct {
			Code       string `json:"code"`
			Message    string `json:"message"`
			Transient  bool   `json:"transient"`
			RetryAfter int    `json:"retry_after"`
		} `json:"error"`
	}
	if err := json.Unmarshal(blob, &env); err != nil || env.Error.Code == "" {
		return fmt.Errorf("%s %s failed status=%d body=%s", method, path, status, strings.TrimSpace(string(blob)))
	}
	return &bus.Error{
		Code:       env.Error.Code,
		Message:    env.Error.Message,
		Transient:  env.Error.Transient,
		RetryAfter: env.Error.RetryAfter,
		Status:     status,
	}
}

// get retries transport failures and transient API errors.
func (c *Client) get(ctx context.Context, path string, out any) error {
	blob, err := backoff.Retry(ctx, func() ([]byte, error) {
		blob, status, err := c.DoJSON(ctx, http.MethodGet, path, nil, nil)
		if err != nil && status != 0 && !bus.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return blob, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.tries),
	)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(blob, out)
}

func (c *Client) signed(ctx context.Context, path string, payload any) ([]byte, error) {
	blob, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var headers map[string]string
	if c.secret != "" {
		headers = map[string]string{"X-Sim-Signature": httpapi.Sign(c.secret, blob)}
	}
	out, _, err := c.DoJSON(ctx, http.MethodPost, path, blob, headers)
	return out, err
}

func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.get(ctx, "/v1/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListAgents lists every agent, or those of one kind when kind is set.
func (c *Client) ListAgents(ctx context.Context, kind string) ([]simulator.AgentInfo, error) {
	path := "/v1/agents"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(kind)
	}
	var resp struct {
		Agents []simulator.AgentInfo `json:"agents"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// Messages pages through the trace of jid. The returned cursor is passed
// back to continue.
func (c *Client) Messages(ctx context.Context, jid string, cursor, limit int) ([]bus.Message, int, error) {
	q := url.Values{}
	q.Set("cursor", strconv.Itoa(cursor))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Messages []bus.Message `json:"messages"`
		Cursor   string        `json:"cursor"`
	}
	if err := c.get(ctx, "/v1/agents/"+url.PathEscape(jid)+"/messages?"+q.Encode(), &resp); err != nil {
		return nil, cursor, err
	}
	next, err := strconv.Atoi(strings.TrimSpace(resp.Cursor))
	if err != nil {
		next = cursor
	}
	return resp.Messages, next, nil
}

func (c *Client) Stats(ctx context.Context) (simulator.Stats, error) {
	var st simulator.Stats
	err := c.get(ctx, "/v1/stats", &st)
	return st, err
}

// Report fetches the rendered report, markdown when md is set and HTML
// otherwise.
func (c *Client) Report(ctx context.Context, md bool) (string, error) {
	path := "/v1/report"
	if md {
		path += "?format=md"
	}
	blob, _, err := c.DoJSON(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

func (c *Client) Inject(ctx context.Context, req InjectRequest) error {
	_, err := c.signed(ctx, "/v1/inject", req)
	return err
}

// Stop asks the simulation to end; it returns once the request is
// accepted, not when the run is over.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.signed(ctx, "/v1/stop", map[string]any{})
	return err
}

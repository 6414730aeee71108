package rtdb

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	watchhttp "github.com/kasuboski/watchz/pkg/http"
	"github.com/kasuboski/watchz/pkg/logger"
	"github.com/kasuboski/watchz/pkg/store"
)

const maxEventSize = 4 << 20

// Client talks to a realtime database over its REST interface
type Client struct {
	baseURL   *url.URL
	authToken string
	http      watchhttp.HTTPClient
	stream    *http.Client
}

var _ store.Store = (*Client)(nil)

type Option func(*Client)

func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = token
	}
}

// WithHTTPClient sets the client used for reads and writes
func WithHTTPClient(client watchhttp.HTTPClient) Option {
	return func(c *Client) {
		c.http = client
	}
}

// WithStreamClient sets the client used for long lived event streams. It must not set a timeout.
func WithStreamClient(client *http.Client) Option {
	return func(c *Client) {
		c.stream = client
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid database url %q", baseURL)
	}

	c := &Client{
		baseURL: u,
		http:    watchhttp.NewRateLimitedHTTPClient(),
		stream:  &http.Client{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *Client) url(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + store.Clean(path) + ".json"

	if c.authToken != "" {
		q := u.Query()
		q.Set("auth", c.authToken)
		u.RawQuery = q.Encode()
	}

	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s %s: %s: %s", method, store.Clean(path), resp.Status, apiErr.Error)
		}
		return nil, fmt.Errorf("%s %s: %s", method, store.Clean(path), resp.Status)
	}

	return b, nil
}

func (c *Client) Read(ctx context.Context, path string) (any, error) {
	b, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if v == nil {
		return nil, store.ErrNotFound
	}

	return v, nil
}

func (c *Client) Write(ctx context.Context, path string, value any) error {
	if value == nil {
		_, err := c.do(ctx, http.MethodDelete, path, nil)
		return err
	}

	_, err := c.do(ctx, http.MethodPut, path, value)
	return err
}

// WriteMany sends a multi location update against the database root
func (c *Client) WriteMany(ctx context.Context, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}

	body := make(map[string]any, len(updates))
	for path, v := range updates {
		body[store.Clean(path)] = v
	}

	_, err := c.do(ctx, http.MethodPatch, "", body)
	return err
}

type streamPayload struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// Subscribe opens an event stream on path. The first event carries the current value.
// The channel closes when ctx is done or the server ends the stream.
func (c *Client) Subscribe(ctx context.Context, path string) (<-chan store.Event, error) {
	path = store.Clean(path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("subscribe %s: %s", path, resp.Status)
	}

	out := make(chan store.Event, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		log := logger.FromCtx(ctx).With("subscription", path)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), maxEventSize)

		var event, data string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "":
				events, done := decodeEvent(path, event, data)
				if done {
					log.Warnw("event stream ended by server", "event", event, "data", data)
					return
				}
				for _, ev := range events {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
				event, data = "", ""
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			log.Warnw("event stream failed", "error", err)
		}
	}()

	return out, nil
}

// decodeEvent turns one server sent event into change events. done reports a terminal event.
func decodeEvent(base, event, data string) ([]store.Event, bool) {
	switch event {
	case "put", "patch":
	case "cancel", "auth_revoked":
		return nil, true
	default:
		return nil, false
	}

	var payload streamPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, false
	}

	target := store.Join(base, payload.Path)

	if event == "put" {
		var v any
		if err := json.Unmarshal(payload.Data, &v); err != nil {
			return nil, false
		}
		return []store.Event{{Path: target, Value: v}}, false
	}

	var children map[string]any
	if err := json.Unmarshal(payload.Data, &children); err != nil {
		return nil, false
	}

	events := make([]store.Event, 0, len(children))
	for _, child := range store.SortedPaths(children) {
		events = append(events, store.Event{Path: store.Join(target, child), Value: children[child]})
	}
	return events, false
}

func (c *Client) Close() error {
	c.stream.CloseIdleConnections()
	return nil
}

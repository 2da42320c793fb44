package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/notepid/whoseapp/internal/logging"
)

// Options configures a REST Client.
type Options struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// Client talks to the game backend over REST. It keeps no state beyond
// the request in flight.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewClient creates a REST client for the backend at opts.BaseURL.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("invalid backend url %q", opts.BaseURL)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL: base,
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
		log:     logging.Component("transport"),
	}, nil
}

// envelope is the optional {success, data, error} wrapper some backend
// routes use.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

// do performs one request. body is JSON-encoded when non-nil; the response
// is decoded into out (after unwrapping the envelope or one of keys).
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any, keys ...string) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(op, req, out, keys...)
}

func (c *Client) send(op string, req *http.Request, out any, keys ...string) error {
	raw, status, err := c.sendRaw(op, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	payload, err := unwrap(raw, keys...)
	if err != nil {
		return &NetworkError{Op: op, StatusCode: status, Rejected: true, Err: err}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &NetworkError{Op: op, StatusCode: status, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// sendRaw executes req and returns the body of a 2xx response.
func (c *Client) sendRaw(op string, req *http.Request) ([]byte, int, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, 0, &NetworkError{Op: op, Err: err}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("op", op).Msg("request failed")
		return nil, 0, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, resp.StatusCode, &NetworkError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	c.log.Debug().
		Str("op", op).
		Str("method", req.Method).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("backend request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &NetworkError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(errorText(raw, resp.Status))}
	}
	return raw, resp.StatusCode, nil
}

// unwrap strips the {success,data} envelope, or picks the first present key
// of an object response. Bare values pass through.
func unwrap(raw []byte, keys ...string) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err == nil {
		if env.Success != nil && !*env.Success {
			msg := env.Error
			if msg == "" {
				msg = env.Message
			}
			if msg == "" {
				msg = "backend reported failure"
			}
			return nil, errors.New(msg)
		}
		if len(env.Data) > 0 && string(env.Data) != "null" {
			return env.Data, nil
		}
	}

	if len(keys) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err == nil {
			for _, k := range keys {
				if v, ok := obj[k]; ok {
					return v, nil
				}
			}
		}
	}
	return trimmed, nil
}

func errorText(raw []byte, status string) string {
	var env envelope
	if json.Unmarshal(raw, &env) == nil {
		if env.Error != "" {
			return env.Error
		}
		if env.Message != "" {
			return env.Message
		}
	}
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return status
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

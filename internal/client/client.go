// Package client talks to the portal backend: it reads the staging area and
// issues the assignment and import calls that act on staged files.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentic-research/stagetree/internal/logging"
	"github.com/agentic-research/stagetree/internal/retry"
	"github.com/agentic-research/stagetree/internal/stage"
)

// APIError is a non-2xx backend response.
type APIError struct {
	Status   int
	Method   string
	Path     string
	Messages []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s %s: server returned %d", e.Method, e.Path, e.Status)
	if len(e.Messages) > 0 {
		msg += ": " + strings.Join(e.Messages, "; ")
	}
	return msg
}

// Config holds client settings.
type Config struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	DataSelector  string
	ErrorSelector string
	Retry         retry.Config
	HTTPClient    *http.Client // optional, overrides Timeout
}

// Client is a backend API client. It is safe for concurrent use.
type Client struct {
	base     *url.URL
	token    string
	http     *http.Client
	envelope *Envelope
	retry    retry.Config
}

// New validates cfg and builds a client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend url %q must be absolute", cfg.BaseURL)
	}

	env, err := NewEnvelope(cfg.DataSelector, cfg.ErrorSelector)
	if err != nil {
		return nil, err
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        32,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	return &Client{
		base:     base,
		token:    cfg.Token,
		http:     hc,
		envelope: env,
		retry:    cfg.Retry,
	}, nil
}

// Result is a decoded successful response.
type Result struct {
	Data json.RawMessage
	// Warnings are error messages the backend attached to a 2xx response.
	Warnings []string
}

// GetStage returns the raw staging listing.
func (c *Client) GetStage(ctx context.Context) (*stage.Mapping, []string, error) {
	res, err := c.do(ctx, http.MethodGet, "stage", nil)
	if err != nil {
		return nil, nil, err
	}
	if len(res.Data) == 0 {
		return stage.NewMapping(), res.Warnings, nil
	}
	m, err := stage.Decode(res.Data)
	if err != nil {
		return nil, res.Warnings, err
	}
	return m, res.Warnings, nil
}

// MoveStage assigns a staged file to a dataset.
func (c *Client) MoveStage(ctx context.Context, file, dataset string) (*Result, error) {
	return c.do(ctx, http.MethodPost, "dataset/"+url.PathEscape(dataset)+"/files", map[string]string{"file": file})
}

// MoveResource attaches a staged file to a study as a resource.
func (c *Client) MoveResource(ctx context.Context, resource, study string) (*Result, error) {
	return c.do(ctx, http.MethodPost, "study/"+url.PathEscape(study)+"/resources", map[string]string{"resource": resource})
}

// ImportStudy starts a background import of a staged study collection.
func (c *Client) ImportStudy(ctx context.Context, path string) (*Result, error) {
	return c.do(ctx, http.MethodPost, "batch", map[string]string{"path": path})
}

// ImportDataset starts a background import of a staged dataset collection
// into study.
func (c *Client) ImportDataset(ctx context.Context, path, study string) (*Result, error) {
	return c.do(ctx, http.MethodPost, "batch/"+url.PathEscape(study), map[string]string{"path": path})
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*Result, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", path, err)
		}
	}
	target := c.base.JoinPath(path)

	attempt := 0
	return retry.Do(ctx, c.retry, func() (*Result, error) {
		attempt++
		res, err := c.once(ctx, method, target.String(), path, payload)
		if err != nil && retry.IsRetryable(err) {
			logging.Warn("backend request failed, retrying",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return res, err
	})
}

func (c *Client) once(ctx context.Context, method, target, path string, payload []byte) (*Result, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Retryable(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Retryable(fmt.Errorf("read %s response: %w", path, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			Status:   resp.StatusCode,
			Method:   method,
			Path:     path,
			Messages: c.envelope.Errors(raw),
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, retry.Retryable(apiErr)
		}
		return nil, apiErr
	}

	res := &Result{Warnings: c.envelope.Errors(raw)}
	if len(bytes.TrimSpace(raw)) == 0 {
		return res, nil
	}
	data, err := c.envelope.Data(raw)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	res.Data = data
	return res, nil
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Package restapi is the client for the studio REST API.
//
// Every endpoint answers with an envelope {"data": ..., "message": ...}; a
// failed request carries at least {"message": ...}.
package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Config configures the REST client.
type Config struct {
	BaseURL   string
	Token     string
	OrgHandle string
	Timeout   time.Duration
}

// Error is a non-2xx answer from the API.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
}

// Response is the decoded success envelope. Raw holds the whole body for
// endpoints that answer without the envelope.
type Response struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Raw     json.RawMessage `json:"-"`
}

type errorBody struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

// Client talks to the studio API.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// New creates a client. Requests are authenticated with a JWT header when
// cfg.Token is set.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	h := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("User-Agent", "agentlink/1.0").
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	if cfg.Token != "" {
		h.SetHeader("Authorization", "JWT "+cfg.Token)
	}
	if cfg.OrgHandle != "" {
		h.SetHeader("Org-Handle", cfg.OrgHandle)
	}
	return &Client{http: h, logger: logger.Named("restapi")}
}

func (c *Client) do(ctx context.Context, method, path string, body any, query map[string]string) (*Response, error) {
	var out Response
	req := c.http.R().
		SetContext(ctx).
		SetResult(&out)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return nil, decodeError(resp)
	}
	out.Raw = resp.Body()
	c.logger.Debug("api call", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode()))
	return &out, nil
}

func decodeError(resp *resty.Response) error {
	var eb errorBody
	_ = json.Unmarshal(resp.Body(), &eb)
	msg := eb.Message
	if msg == "" {
		msg = eb.Detail
	}
	if msg == "" {
		msg = strings.TrimSpace(resp.String())
	}
	return &Error{Status: resp.StatusCode(), Message: msg}
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string, query map[string]string) (*Response, error) {
	return c.do(ctx, resty.MethodGet, path, nil, query)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.do(ctx, resty.MethodPost, path, body, nil)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.do(ctx, resty.MethodPut, path, body, nil)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, resty.MethodDelete, path, nil, nil)
}

// Upload posts a multipart form with one file field.
func (c *Client) Upload(ctx context.Context, path, field, name string, r io.Reader, fields map[string]string) (*Response, error) {
	var out Response
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader(field, name, r).
		SetFormData(fields).
		SetResult(&out).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", path, err)
	}
	if resp.IsError() {
		return nil, decodeError(resp)
	}
	out.Raw = resp.Body()
	return &out, nil
}

func decodeData[T any](resp *Response) (T, error) {
	var v T
	raw := resp.Data
	if len(raw) == 0 || string(raw) == "null" {
		raw = resp.Raw
	}
	if len(raw) == 0 {
		return v, fmt.Errorf("empty response")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode response data: %w", err)
	}
	return v, nil
}

func itoa(n int) string { return strconv.Itoa(n) }

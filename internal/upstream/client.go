// Package upstream sends single calls to the PRC API. It never retries:
// retry and backoff decisions belong to the scheduler, which needs to see
// every response to keep its rate-limit buckets honest.
package upstream

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/prcworker/internal/domain"
	"github.com/SirClappington/prcworker/internal/logging"
)

const (
	DefaultBaseURL = "https://api.policeroleplay.community"

	HeaderServerKey     = "Server-Key"
	HeaderAuthorization = "Authorization"

	maxBodyBytes = 4 << 20
)

// Response is a fully read upstream reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

type Config struct {
	BaseURL   string
	GlobalKey string
	Timeout   time.Duration
}

// Client wraps a retryablehttp client configured for exactly one attempt.
type Client struct {
	baseURL   string
	globalKey string
	http      *retryablehttp.Client
}

func New(cfg Config, logger *zap.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.CheckRetry = noRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = logging.NewLeveled(logger)
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return &Client{
		baseURL:   strings.TrimSuffix(base, "/"),
		globalKey: cfg.GlobalKey,
		http:      rc,
	}
}

func noRetry(ctx context.Context, _ *http.Response, _ error) (bool, error) {
	return false, ctx.Err()
}

// Do performs one call described by d. A non-nil error means the request
// never produced an HTTP response.
func (c *Client) Do(ctx context.Context, d domain.Descriptor, tenantKey string, body []byte) (*Response, error) {
	var payload any
	if body != nil {
		payload = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, d.Method, c.baseURL+d.Path, payload)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenantKey != "" {
		req.Header.Set(HeaderServerKey, tenantKey)
	}
	if c.globalKey != "" {
		req.Header.Set(HeaderAuthorization, c.globalKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: raw}, nil
}

// CloseIdle drops pooled connections; used at shutdown.
func (c *Client) CloseIdle() { c.http.HTTPClient.CloseIdleConnections() }

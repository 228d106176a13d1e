package httputil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mls_sync/config"
)

const (
	maxBodySize = 32 << 20
	// Retry-After cap for clients without a timeout
	defaultMaxRetryWait = time.Minute
)

type Clients struct {
	Feed     *RetryClient // OData API calls, bearer auth added per request
	Download *http.Client // media binaries
}

func NewClients(cfg config.HTTPConfig) *Clients {
	return &Clients{
		Feed:     NewRetryClient(&http.Client{Timeout: cfg.Timeout}, cfg.Retries, cfg.RetryBackoff),
		Download: &http.Client{Timeout: 2 * cfg.Timeout},
	}
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// RetryClient executes GET requests with a timeout and fixed-backoff retry
// on network errors, 408, 429 and 5xx. A server's Retry-After can lengthen
// the wait up to the client timeout.
type RetryClient struct {
	client  *http.Client
	retries int
	backoff time.Duration
	maxWait time.Duration
}

func NewRetryClient(client *http.Client, retries int, backoff time.Duration) *RetryClient {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	maxWait := client.Timeout
	if maxWait <= 0 {
		maxWait = defaultMaxRetryWait
	}
	return &RetryClient{client: client, retries: retries, backoff: backoff, maxWait: max(maxWait, backoff)}
}

// Get returns the last response seen. A non-nil error means no response
// was obtained at all or the context ended.
func (c *RetryClient) Get(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	var lastErr error
	var last *Response

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			wait := c.backoff
			if last != nil {
				if ra := parseRetryAfter(last.Header); ra > wait {
					wait = min(ra, c.maxWait)
				}
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return last, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			last = nil
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read body: %w", err)
			last = nil
			continue
		}

		last = &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
		lastErr = nil
		if !retryable(resp.StatusCode) {
			return last, nil
		}
	}

	if last != nil {
		return last, nil
	}
	return nil, fmt.Errorf("get %s after %d attempts: %w", redact(rawURL), c.retries+1, lastErr)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

func parseRetryAfter(hdr http.Header) time.Duration {
	v := strings.TrimSpace(hdr.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// redact drops the query string, which may carry filters with listing keys.
func redact(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

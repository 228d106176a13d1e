// Package odata is the RESO OData feed client used for IDX and VOW.
package odata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mls_sync/config"
	"mls_sync/filter"
	"mls_sync/httputil"
	"mls_sync/metrics"
	"mls_sync/models"
)

// ErrStatus is returned by Preview when the feed answers with a non-2xx status.
var ErrStatus = errors.New("odata: unexpected status")

const (
	DefaultOrderBy    = "ModificationTimestamp,ListingKey"
	mediaResource     = "Media"
	mediaPageSize     = 200
	maxMediaPages     = 10
	bodyPreviewLength = 300
)

// Query describes one page request. NextLink, when set, is requested
// verbatim and every other field is ignored.
type Query struct {
	Resource string
	Filter   string
	OrderBy  string
	Top      int
	Skip     int
	NextLink string
}

type Page struct {
	Items    []models.RawRecord
	NextLink string
	Count    *int
}

type envelope[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
	Count    *int   `json:"@odata.count"`
}

type Client struct {
	http    *httputil.RetryClient
	baseURL string
	token   string
	logger  *slog.Logger
}

func NewClient(baseURL, token string, rc *httputil.RetryClient, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:    rc,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		logger:  logger,
	}
}

// NewFeedClient builds a client from a feed definition.
func NewFeedClient(feed *config.FeedConfig, rc *httputil.RetryClient, logger *slog.Logger) *Client {
	return NewClient(feed.BaseURI, feed.Token, rc, logger.With("feed", feed.Name))
}

// FetchPage requests one page. Transport failures, non-2xx answers and
// malformed bodies are logged and yield an empty page.
func (c *Client) FetchPage(ctx context.Context, q Query) Page {
	env, err := fetch[models.RawRecord](ctx, c, c.pageURL(q), resourceOf(q))
	if err != nil {
		c.logger.Warn("feed page fetch failed", "resource", resourceOf(q), "skip", q.Skip, "error", err)
		return Page{}
	}
	return Page{Items: env.Value, NextLink: env.NextLink, Count: env.Count}
}

// Pages walks pages sequentially, calling fn for each non-empty page.
// A next-link is followed verbatim; otherwise $skip advances by the page
// size while pages come back full. It stops on an empty page, a short
// page without a next-link, maxPages, or the first error from fn.
func (c *Client) Pages(ctx context.Context, q Query, maxPages int, fn func(n int, p Page) error) (int, error) {
	pages := 0
	for maxPages <= 0 || pages < maxPages {
		if err := ctx.Err(); err != nil {
			return pages, err
		}

		page := c.FetchPage(ctx, q)
		if len(page.Items) == 0 {
			return pages, nil
		}
		pages++
		if err := fn(pages, page); err != nil {
			return pages, err
		}

		switch {
		case page.NextLink != "":
			q.NextLink = page.NextLink
		case q.NextLink != "":
			// Server-driven paging ended.
			return pages, nil
		case q.Top > 0 && len(page.Items) >= q.Top:
			q.Skip += len(page.Items)
		default:
			return pages, nil
		}
	}
	return pages, nil
}

// Preview fetches the first top records matching expr without paging.
// Unlike FetchPage it surfaces failures for diagnostics.
func (c *Client) Preview(ctx context.Context, expr string, top int) (Page, error) {
	q := Query{Resource: "Property", Filter: expr, OrderBy: DefaultOrderBy, Top: top}
	env, err := fetch[models.RawRecord](ctx, c, c.pageURL(q), q.Resource)
	if err != nil {
		return Page{}, err
	}
	return Page{Items: env.Value, NextLink: env.NextLink, Count: env.Count}, nil
}

// FetchMedia returns the media of one listing in feed order.
func (c *Client) FetchMedia(ctx context.Context, listingKey string) ([]models.RawMedia, error) {
	q := Query{Resource: mediaResource, Filter: filter.MediaByRecordKey(listingKey)}
	return c.collectMedia(ctx, c.pageURL(q))
}

// FetchMediaSince returns media modified after the (ts, key) watermark.
func (c *Client) FetchMediaSince(ctx context.Context, ts time.Time, key string, top int) ([]models.RawMedia, error) {
	q := Query{
		Resource: mediaResource,
		Filter:   filter.MediaCursorExpression(ts, key),
		OrderBy:  "MediaModificationTimestamp,MediaKey",
		Top:      top,
	}
	env, err := fetch[models.RawMedia](ctx, c, c.pageURL(q), mediaResource)
	if err != nil {
		return nil, err
	}
	return env.Value, nil
}

func (c *Client) collectMedia(ctx context.Context, next string) ([]models.RawMedia, error) {
	var items []models.RawMedia
	for i := 0; next != "" && i < maxMediaPages; i++ {
		env, err := fetch[models.RawMedia](ctx, c, next, mediaResource)
		if err != nil {
			return nil, err
		}
		items = append(items, env.Value...)
		next = c.resolve(env.NextLink)
	}
	return items, nil
}

func fetch[T any](ctx context.Context, c *Client, rawURL, resource string) (*envelope[T], error) {
	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("OData-Version", "4.0")
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Get(ctx, rawURL, header)
	if err != nil {
		metrics.FeedRequests.WithLabelValues(resource, "error").Inc()
		return nil, fmt.Errorf("request %s: %w", resource, err)
	}
	metrics.FeedRequests.WithLabelValues(resource, metrics.StatusClass(resp.StatusCode)).Inc()
	if !resp.OK() {
		return nil, fmt.Errorf("%w: %d %s", ErrStatus, resp.StatusCode, preview(resp.Body))
	}

	var env envelope[T]
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("decode %s page: %w", resource, err)
	}
	return &env, nil
}

func (c *Client) pageURL(q Query) string {
	if q.NextLink != "" {
		return c.resolve(q.NextLink)
	}

	var params []string
	if q.Top > 0 {
		params = append(params, "$top="+strconv.Itoa(q.Top))
	}
	if q.Filter != "" {
		params = append(params, "$filter="+escape(q.Filter))
	}
	if q.OrderBy != "" {
		params = append(params, "$orderby="+escape(q.OrderBy))
	}
	if q.Skip > 0 {
		params = append(params, "$skip="+strconv.Itoa(q.Skip))
	}

	u := c.baseURL + "/" + resourceOf(q)
	if len(params) > 0 {
		u += "?" + strings.Join(params, "&")
	}
	return u
}

// resolve leaves absolute links untouched and roots relative ones at the base URI.
func (c *Client) resolve(link string) string {
	if link == "" || strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") {
		return link
	}
	return c.baseURL + "/" + strings.TrimLeft(link, "/")
}

func resourceOf(q Query) string {
	if q.Resource == "" {
		return "Property"
	}
	return q.Resource
}

// escape percent-encodes a query value, keeping spaces as %20 as most
// OData servers reject '+'.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func preview(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > bodyPreviewLength {
		s = s[:bodyPreviewLength] + "..."
	}
	return s
}

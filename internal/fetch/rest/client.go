// Package rest implements a generic fetch.Func over paginated JSON HTTP APIs.
//
// Most source systems expose "give me everything modified since T" as a GET
// with a timestamp query parameter and either offset or Link-header
// pagination. Client covers both so per-source configuration stays in
// internal/config instead of per-source code.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"stratus/internal/etlutil"
	"stratus/internal/fetch"
	"stratus/internal/metrics"
	"stratus/internal/schema"
)

// Options configures a Client.
type Options struct {
	// BaseURL is the full collection URL, e.g.
	// "https://erp.example.com/api/v1/orders".
	BaseURL string

	// SinceParam is the query parameter carrying the window start, e.g.
	// "modified_since". The value is RFC3339 in UTC.
	SinceParam string

	// DataField selects the array inside the response object. Empty means
	// the response body itself is the array.
	DataField string

	// IDFields lists fields whose values are resource URLs. Each listed
	// field is reduced to the URL's trailing segment, for sources that
	// reference related objects by URL, e.g. ".../contacts/42" as "42".
	IDFields []string

	// PageSize > 0 enables offset pagination via "limit"/"offset" query
	// parameters. Link-header pagination (rel="next") is always honored and
	// takes precedence when present.
	PageSize int

	// MaxPages bounds a single fetch. 0 means 100.
	MaxPages int

	// Token, when set, is sent as "Authorization: Bearer <token>".
	Token string

	// Headers are added verbatim to every request.
	Headers map[string]string

	// Timeout is the per-request timeout. 0 means 30s.
	Timeout time.Duration

	// httpClient is an unexported test seam.
	httpClient *http.Client
}

// Client fetches records from one paginated JSON collection.
type Client struct {
	opts Options
	http *http.Client
}

// New validates opts and builds a Client.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("rest: BaseURL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("rest: invalid BaseURL: %w", err)
	}
	if opts.SinceParam == "" {
		opts.SinceParam = "modified_since"
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	hc := opts.httpClient
	if hc == nil {
		hc = newHTTPClient(opts.Timeout)
	}
	return &Client{opts: opts, http: hc}, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 64,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Fetch implements fetch.Func: it walks pages and returns every record
// modified at or after since.
//
// Errors:
//   - 429 and 5xx responses become *fetch.TransientError, carrying the
//     Retry-After hint when the server sent one.
//   - 401 and 403 become *fetch.FatalError.
//   - Other non-2xx statuses are plain errors (no retry guidance).
func (c *Client) Fetch(ctx context.Context, since time.Time) ([]schema.Record, error) {
	pageURL, err := c.firstPageURL(since)
	if err != nil {
		return nil, err
	}

	var out []schema.Record
	for page := 0; page < c.opts.MaxPages && pageURL != ""; page++ {
		recs, next, err := c.fetchPage(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)

		switch {
		case next != "":
			pageURL = next
		case c.opts.PageSize > 0 && len(recs) == c.opts.PageSize:
			pageURL, err = bumpOffset(pageURL, c.opts.PageSize)
			if err != nil {
				return nil, err
			}
		default:
			pageURL = ""
		}
	}
	return out, nil
}

func (c *Client) firstPageURL(since time.Time) (string, error) {
	u, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return "", fmt.Errorf("rest: invalid BaseURL: %w", err)
	}
	q := u.Query()
	if !since.IsZero() {
		q.Set(c.opts.SinceParam, since.UTC().Format(time.RFC3339))
	}
	if c.opts.PageSize > 0 {
		q.Set("limit", strconv.Itoa(c.opts.PageSize))
		q.Set("offset", "0")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) fetchPage(ctx context.Context, pageURL string) ([]schema.Record, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.IncCounter("sync_http_errors_total", 1, metrics.Labels{"status": "0"})
		return nil, "", &fetch.TransientError{Err: err}
	}
	defer resp.Body.Close()

	status := strconv.Itoa(resp.StatusCode)
	metrics.IncCounter("sync_http_requests_total", 1, metrics.Labels{"status": status})
	metrics.ObserveHistogram("sync_http_request_duration_seconds",
		time.Since(start).Seconds(), metrics.Labels{"status": status})

	if err := classifyStatus(resp); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 400 {
			metrics.IncCounter("sync_http_errors_total", 1, metrics.Labels{"status": status})
		}
		return nil, "", err
	}

	recs, err := decodeRecords(resp.Body, c.opts.DataField)
	if err != nil {
		return nil, "", fmt.Errorf("rest: decode %s: %w", pageURL, err)
	}
	c.normalize(recs)
	return recs, nextLink(resp.Header), nil
}

// normalize rewrites freshly decoded records in place: URL references in
// IDFields collapse to their trailing ID, and nested objects or arrays
// become compact JSON text. Every value is scalar by the time the engine
// sees it.
func (c *Client) normalize(recs []schema.Record) {
	for _, rec := range recs {
		for _, f := range c.opts.IDFields {
			if s, ok := rec[f].(string); ok {
				if id, err := etlutil.ExtractIDFromURL(s); err == nil {
					rec[f] = id
				}
			}
		}
		for k, v := range rec {
			switch v.(type) {
			case map[string]any, []any:
				if blob, err := etlutil.MarshalBlob(v); err == nil {
					rec[k] = blob
				}
			}
		}
	}
}

// classifyStatus maps HTTP status codes to retry semantics.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &fetch.FatalError{Err: fmt.Errorf("rest: %s: %s", resp.Request.URL, resp.Status)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &fetch.TransientError{
			Err:        fmt.Errorf("rest: %s: %s", resp.Request.URL, resp.Status),
			RetryAfter: parseRetryAfter(resp.Header),
		}
	default:
		return fmt.Errorf("rest: %s: %s", resp.Request.URL, resp.Status)
	}
}

// decodeRecords unmarshals either a bare JSON array or an object with the
// array under dataField.
func decodeRecords(r io.Reader, dataField string) ([]schema.Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	if dataField == "" {
		var recs []schema.Record
		if err := dec.Decode(&recs); err != nil {
			return nil, err
		}
		return recs, nil
	}

	var envelope map[string]json.RawMessage
	if err := dec.Decode(&envelope); err != nil {
		return nil, err
	}
	raw, ok := envelope[dataField]
	if !ok {
		return nil, fmt.Errorf("field %q missing from response", dataField)
	}
	var recs []schema.Record
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// nextLink extracts the rel="next" target from a Link header, or "".
func nextLink(h http.Header) string {
	for _, link := range h.Values("Link") {
		for _, part := range strings.Split(link, ",") {
			fields := strings.Split(part, ";")
			if len(fields) < 2 {
				continue
			}
			target := strings.Trim(strings.TrimSpace(fields[0]), "<>")
			for _, param := range fields[1:] {
				if strings.EqualFold(strings.TrimSpace(param), `rel="next"`) {
					return target
				}
			}
		}
	}
	return ""
}

// bumpOffset advances the "offset" query parameter by pageSize.
func bumpOffset(pageURL string, pageSize int) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	q.Set("offset", strconv.Itoa(offset+pageSize))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}

	// delta-seconds
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	// HTTP-date
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}

// Package upstream is the typed client for the case-law provider's REST
// API. It exposes the three record collections the mirror tracks (courts,
// people, opinions) with cursor pagination, and classifies failures into
// the taxonomy the sync managers act on: AuthError aborts a run,
// RateLimitedError pauses it, TransientError is retried per item.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Court is an upstream court record.
type Court struct {
	ID           string    `json:"id"`
	FullName     string    `json:"full_name"`
	ShortName    string    `json:"short_name"`
	Jurisdiction string    `json:"jurisdiction"`
	InUse        bool      `json:"in_use"`
	URL          string    `json:"url"`
	Modified     time.Time `json:"date_modified"`
}

// Person is an upstream judge record.
type Person struct {
	ID         string    `json:"id"`
	NameFirst  string    `json:"name_first"`
	NameLast   string    `json:"name_last"`
	CourtID    string    `json:"court"`
	Position   string    `json:"position_type"`
	DateStart  string    `json:"date_start"`
	Modified   time.Time `json:"date_modified"`
}

// Opinion is an upstream decision record. HTML carries the opinion body as
// delivered by the provider; the mirror sanitises it before storage.
type Opinion struct {
	ID        string    `json:"id"`
	CaseName  string    `json:"case_name"`
	CourtID   string    `json:"court"`
	AuthorID  string    `json:"author"`
	DateFiled string    `json:"date_filed"`
	HTML      string    `json:"html"`
	Modified  time.Time `json:"date_modified"`
}

// ListOptions narrow a collection listing.
type ListOptions struct {
	// Jurisdiction filters courts and people by jurisdiction code.
	Jurisdiction string
	// ModifiedSince asks only for records modified after this instant.
	ModifiedSince time.Time
	// AuthorID filters opinions by authoring judge.
	AuthorID string
	// PageSize caps results per page. 0 uses the provider default.
	PageSize int
	// Cursor resumes a paginated listing; empty starts from the beginning.
	Cursor string
}

// Page is one page of a paginated listing. NextCursor is empty on the
// last page.
type page[T any] struct {
	Results    []T
	NextCursor string
}

// CourtPage, PersonPage and OpinionPage are pages of their collections.
type (
	CourtPage   = page[Court]
	PersonPage  = page[Person]
	OpinionPage = page[Opinion]
)

type envelope struct {
	Count   int               `json:"count"`
	Next    string            `json:"next"`
	Results []json.RawMessage `json:"results"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (tests use httptest clients).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpc = c }
}

// WithToken sets the provider API token sent as "Authorization: Token …".
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// WithMaxBodyBytes limits response body reads. Default: 10 MB.
func WithMaxBodyBytes(n int64) Option {
	return func(cl *Client) { cl.maxBody = n }
}

// Client calls the provider REST API.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	maxBody int64
}

// New creates a client for the API rooted at baseURL
// (e.g. "https://api.caselaw.example/v4").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		maxBody: 10 * 1024 * 1024,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ListCourts returns one page of courts.
func (c *Client) ListCourts(ctx context.Context, opts ListOptions) (*CourtPage, error) {
	return listPage[Court](ctx, c, "/courts/", opts)
}

// ListPeople returns one page of judges.
func (c *Client) ListPeople(ctx context.Context, opts ListOptions) (*PersonPage, error) {
	return listPage[Person](ctx, c, "/people/", opts)
}

// ListOpinions returns one page of opinions.
func (c *Client) ListOpinions(ctx context.Context, opts ListOptions) (*OpinionPage, error) {
	return listPage[Opinion](ctx, c, "/opinions/", opts)
}

// GetCourt fetches a single court by external ID.
func (c *Client) GetCourt(ctx context.Context, id string) (*Court, error) {
	return getOne[Court](ctx, c, "/courts/"+url.PathEscape(id)+"/")
}

// GetPerson fetches a single judge by external ID.
func (c *Client) GetPerson(ctx context.Context, id string) (*Person, error) {
	return getOne[Person](ctx, c, "/people/"+url.PathEscape(id)+"/")
}

// GetOpinion fetches a single opinion by external ID.
func (c *Client) GetOpinion(ctx context.Context, id string) (*Opinion, error) {
	return getOne[Opinion](ctx, c, "/opinions/"+url.PathEscape(id)+"/")
}

func listPage[T any](ctx context.Context, c *Client, path string, opts ListOptions) (*page[T], error) {
	u := opts.Cursor
	if u == "" {
		q := url.Values{}
		if opts.Jurisdiction != "" {
			q.Set("jurisdiction", opts.Jurisdiction)
		}
		if !opts.ModifiedSince.IsZero() {
			q.Set("date_modified__gte", opts.ModifiedSince.UTC().Format(time.RFC3339))
		}
		if opts.AuthorID != "" {
			q.Set("author", opts.AuthorID)
		}
		if opts.PageSize > 0 {
			q.Set("page_size", strconv.Itoa(opts.PageSize))
		}
		u = c.baseURL + path
		if enc := q.Encode(); enc != "" {
			u += "?" + enc
		}
	}

	body, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("upstream: decode envelope: %w", err)
	}

	p := &page[T]{NextCursor: env.Next}
	for _, raw := range env.Results {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("upstream: decode item: %w", err)
		}
		p.Results = append(p.Results, item)
	}
	return p, nil
}

func getOne[T any](ctx context.Context, c *Client, path string) (*T, error) {
	body, err := c.get(ctx, c.baseURL+path)
	if err != nil {
		return nil, err
	}
	var item T
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("upstream: decode item: %w", err)
	}
	return &item, nil
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return nil, &TransientError{StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("upstream: http %d for %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, &TransientError{Cause: err}
	}
	return body, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 30 * time.Second
}

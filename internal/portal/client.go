// Package portal scrapes the university portal ("campussquare") for notices.
//
// The portal is a server-rendered wizard: every step hands out a flow
// execution key that has to be echoed back on the next request. Nothing here
// keeps that key around; it is passed explicitly from step to step.
package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/net/html/charset"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/jdholdren/hatumimi/internal/keiji"
)

const (
	// The single endpoint every wizard step goes through.
	flowPath = "/campusweb/campussquare.do"

	flowKeyParam = "_flowExecutionKey"
	eventIDParam = "_eventId"

	maxBodyBytes = 8 << 20
)

// Ensure Client implements the Scraper interface
var _ keiji.Scraper = (*Client)(nil)

type (
	// Client talks to one portal with one cookie jar, so it carries at most one
	// user's session at a time.
	Client struct {
		http      *http.Client
		jar       *sessionJar
		base      *url.URL
		limiter   *rate.Limiter
		userAgent string
		retries   uint64
	}

	Config struct {
		BaseURL   string
		UserAgent string
		Timeout   time.Duration
		// Requests per second sent to the portal, with a burst of the same size.
		Rate    float64
		Retries uint64
	}

	// response is a fetched page after redirects.
	response struct {
		url  *url.URL
		body []byte
	}
)

func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing portal base url: %s", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("portal base url %q must be absolute", cfg.BaseURL)
	}

	jar, err := newSessionJar()
	if err != nil {
		return nil, err
	}

	limit, burst := rate.Limit(cfg.Rate), int(cfg.Rate)
	if cfg.Rate <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
		jar:       jar,
		base:      base,
		limiter:   rate.NewLimiter(limit, burst),
		userAgent: cfg.UserAgent,
		retries:   cfg.Retries,
	}, nil
}

// errStatus is a non-2xx answer from the portal.
type errStatus struct {
	code int
}

func (e errStatus) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.code)
}

// get performs a GET on the flow endpoint and returns the decoded body along
// with the URL it ended up at after redirects.
//
// Network failures and 5xx answers are retried; everything else is returned
// as is.
func (c *Client) get(ctx context.Context, query url.Values) (response, error) {
	u := c.base.ResolveReference(&url.URL{Path: flowPath, RawQuery: query.Encode()})

	var resp response
	b := retry.WithMaxRetries(c.retries, retry.NewExponential(250*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		r, err := c.fetch(ctx, u)
		var se errStatus
		switch {
		case errors.As(err, &se) && se.code >= http.StatusInternalServerError:
			return retry.RetryableError(err)
		case errors.As(err, &se):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			return retry.RetryableError(err)
		}

		resp = r
		return nil
	})
	if err != nil {
		return response{}, fmt.Errorf("error getting %s: %w", redact(u), err)
	}

	return resp, nil
}

func (c *Client) fetch(ctx context.Context, u *url.URL) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return response{}, fmt.Errorf("error creating request: %s", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return response{}, err
	}
	defer res.Body.Close()

	slog.DebugContext(ctx, "portal request",
		"url", redact(u),
		"status_code", res.StatusCode,
		"duration", time.Since(start),
	)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(res.Body, maxBodyBytes))
		return response{}, errStatus{code: res.StatusCode}
	}

	// The portal answers in Shift_JIS on some pages and UTF-8 on others
	body, err := charset.NewReader(io.LimitReader(res.Body, maxBodyBytes), res.Header.Get("Content-Type"))
	if err != nil {
		return response{}, fmt.Errorf("error decoding body: %s", err)
	}
	byts, err := io.ReadAll(body)
	if err != nil {
		return response{}, fmt.Errorf("error reading body: %w", err)
	}

	return response{url: res.Request.URL, body: byts}, nil
}

// redact drops the flow key from a url before it gets logged.
func redact(u *url.URL) string {
	q := u.Query()
	if q.Has(flowKeyParam) {
		q.Set(flowKeyParam, "redacted")
	}
	c := *u
	c.RawQuery = q.Encode()
	return c.String()
}

// sessionJar is a cookie jar that can be dropped wholesale when a session ends.
type sessionJar struct {
	mu  sync.RWMutex
	jar *cookiejar.Jar
}

func newSessionJar() (*sessionJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("error creating cookie jar: %s", err)
	}

	return &sessionJar{jar: jar}, nil
}

func (j *sessionJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	j.jar.SetCookies(u, cookies)
}

func (j *sessionJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.jar.Cookies(u)
}

func (j *sessionJar) reset() {
	fresh, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		slog.Error("error creating cookie jar", "error", err)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.jar = fresh
}

// Package httpfetch executes HTTP GETs against unreliable feed hosts with
// retry, backoff, per-attempt timeouts, conditional requests and a one-time
// proxy reroute for requests the origin refuses.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bryan-buckman/sniffle/internal/logging"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultRetries    = 3
	DefaultTimeout    = 30 * time.Second
	DefaultRetryAfter = 60 * time.Second
	MaxRetryAfter     = 5 * time.Minute
	MaxBodySize       = 10 << 20

	FeedAccept = "application/rss+xml, application/atom+xml, application/rdf+xml;q=0.9, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5"
	HTMLAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
)

// Options controls a single logical fetch.
type Options struct {
	ETag         string
	LastModified string
	ProxyURL     string // empty means no proxy
	Retries      int
	Timeout      time.Duration
	Accept       string
}

// Result is the outcome of a fetch that produced an HTTP response.
// A 4xx response (other than 429) is a Result carrying a client
// NetworkError, not a Go error.
type Result struct {
	Status       int
	ETag         string
	LastModified string
	Body         []byte
	URL          string // the URL the body came from, after redirects
	UsedProxy    bool
	NetworkError *NetworkError
}

// NotModified reports a 304 response.
func (r *Result) NotModified() bool { return r.Status == http.StatusNotModified }

// OK reports a 2xx response.
func (r *Result) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Config configures a Fetcher.
type Config struct {
	Client       *http.Client
	UserAgent    string
	HostInterval time.Duration // minimum spacing between requests to one host; 0 disables
	Logger       *log.Logger

	// Sleep waits for d or until ctx is done. Tests replace it to observe
	// backoff without waiting.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns the random part added to transport-error backoff.
	Jitter func() time.Duration
}

// Fetcher performs fetches. Safe for concurrent use.
type Fetcher struct {
	client    *http.Client
	userAgent string
	limiter   *hostLimiter
	logger    *log.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	jitter    func() time.Duration
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	f := &Fetcher{
		client:    client,
		userAgent: cfg.UserAgent,
		limiter:   newHostLimiter(cfg.HostInterval),
		logger:    logging.OrDefault(cfg.Logger).With("component", "httpfetch"),
		sleep:     cfg.Sleep,
		jitter:    cfg.Jitter,
	}
	if f.sleep == nil {
		f.sleep = sleepContext
	}
	if f.jitter == nil {
		f.jitter = func() time.Duration { return time.Duration(rand.Int63n(int64(500 * time.Millisecond))) }
	}
	return f
}

// Fetch GETs rawURL.
//
// Transport failures, timeouts, 5xx and 429 are retried up to opts.Retries
// attempts. A cors or network failure on a direct attempt reroutes the next
// attempt through opts.ProxyURL without using up a retry. 304 returns
// immediately with no body. Once attempts are exhausted a *FetchError
// carrying the last NetworkError is returned. Cancelling ctx aborts the
// in-flight request and any backoff wait.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	retries := opts.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	useProxy := false
	attempts := 0
	failures := 0
	var last *NetworkError

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		target := rawURL
		if useProxy {
			target = ProxyTarget(opts.ProxyURL, rawURL)
		}

		attempts++
		res, nerr, err := f.attempt(ctx, target, opts, timeout, useProxy)
		if err != nil {
			return nil, err
		}
		if nerr == nil {
			return res, nil
		}
		last = nerr
		f.logger.Debug("attempt failed", "url", rawURL, "attempt", attempts, "type", nerr.Type, "err", nerr.Message)

		if !nerr.CanRetry {
			if res != nil {
				return res, nil
			}
			break
		}

		if (nerr.Type == ErrCORS || nerr.Type == ErrNetwork) && !useProxy && opts.ProxyURL != "" {
			useProxy = true
			continue
		}

		failures++
		if failures >= retries {
			break
		}
		if err := f.sleep(ctx, f.backoff(nerr, failures)); err != nil {
			return nil, err
		}
	}

	return nil, &FetchError{URL: rawURL, Attempts: attempts, Last: last}
}

// backoff returns the wait before the next attempt after the n-th failure.
func (f *Fetcher) backoff(nerr *NetworkError, n int) time.Duration {
	exp := time.Duration(1<<n) * time.Second
	switch nerr.Type {
	case ErrRateLimit:
		return nerr.retryAfter
	case ErrServer:
		return exp
	default:
		return exp + f.jitter()
	}
}

// attempt performs one request. A non-nil error is only returned when the
// caller's ctx is done; everything else is classified into a NetworkError.
func (f *Fetcher) attempt(ctx context.Context, target string, opts Options, timeout time.Duration, usedProxy bool) (*Result, *NetworkError, error) {
	host := hostOf(target)
	if err := f.limiter.wait(ctx, host); err != nil {
		return nil, nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &NetworkError{Type: ErrClient, Message: err.Error(), UsedProxy: usedProxy, err: err}, nil
	}
	accept := opts.Accept
	if accept == "" {
		accept = FeedAccept
	}
	req.Header.Set("Accept", accept)
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	if opts.ETag != "" {
		req.Header.Set("If-None-Match", opts.ETag)
	}
	if opts.LastModified != "" {
		req.Header.Set("If-Modified-Since", opts.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, classifyTransport(err, usedProxy), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Result{Status: resp.StatusCode, URL: target, UsedProxy: usedProxy}, nil, nil
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		nerr := statusError(resp.StatusCode, resp.Status, usedProxy)
		if nerr.Type == ErrRateLimit {
			nerr.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxBodySize))
		return nil, nerr, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, classifyTransport(fmt.Errorf("read body: %w", err), usedProxy), nil
	}

	res := &Result{
		Status:       resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Body:         body,
		URL:          resp.Request.URL.String(),
		UsedProxy:    usedProxy,
	}
	if resp.StatusCode >= 400 {
		res.NetworkError = statusError(resp.StatusCode, resp.Status, usedProxy)
		return res, res.NetworkError, nil
	}
	return res, nil, nil
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date, falling back to DefaultRetryAfter and capping at MaxRetryAfter.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	d := DefaultRetryAfter
	if v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			d = time.Duration(secs) * time.Second
		} else if t, err := http.ParseTime(v); err == nil {
			d = max(t.Sub(now), 0)
		}
	}
	return min(d, MaxRetryAfter)
}

// ProxyTarget builds the proxied URL for target. A template containing "?"
// gets target appended query-escaped ("https://proxy/?url="), anything else
// gets it appended raw ("https://proxy.example.com/").
func ProxyTarget(template, target string) string {
	if strings.Contains(template, "?") {
		return template + queryEscape(target)
	}
	return template + target
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsTerminal reports whether err came out of Fetch after exhausting retries,
// as opposed to the caller's context being cancelled.
func IsTerminal(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

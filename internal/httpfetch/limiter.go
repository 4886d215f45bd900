package httpfetch

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// hostLimiter spaces out requests to the same host so retries and proxy
// reroutes don't hammer a struggling server.
type hostLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	limiters map[string]*rate.Limiter
}

func newHostLimiter(interval time.Duration) *hostLimiter {
	return &hostLimiter{
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

// wait blocks until a request to host is allowed or ctx is done.
func (hl *hostLimiter) wait(ctx context.Context, host string) error {
	if hl.interval <= 0 {
		return nil
	}
	hl.mu.Lock()
	lim, ok := hl.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Every(hl.interval), 1)
		hl.limiters[host] = lim
	}
	hl.mu.Unlock()
	return lim.Wait(ctx)
}

// hostOf gets the host from a URL.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL // fallback to full URL
	}
	return strings.ToLower(u.Host)
}

func queryEscape(s string) string {
	return url.QueryEscape(s)
}

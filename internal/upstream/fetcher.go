// Package upstream retrieves the paginated catalog API: a resilient single
// page fetcher with cache, pacing and retry, and a paginator on top of it.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bonusvarsel/internal/cache"
	logx "bonusvarsel/pkg/logx"

	"golang.org/x/time/rate"
)

const DefaultUserAgent = "bonusvarsel/1.0"

// RetryPolicy bounds retries for one failure class.
//
// The wait before retry n (0-based) is min(Max, Base*2^n) plus a uniform
// jitter in [0, Jitter).
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Jitter      time.Duration
}

// DefaultHTTPRetry applies to 429 and 5xx responses.
var DefaultHTTPRetry = RetryPolicy{MaxAttempts: 7, Base: 400 * time.Millisecond, Max: 10 * time.Second, Jitter: 200 * time.Millisecond}

// DefaultNetworkRetry applies to transport failures.
var DefaultNetworkRetry = RetryPolicy{MaxAttempts: 7, Base: 300 * time.Millisecond, Max: 8 * time.Second, Jitter: 200 * time.Millisecond}

func (p RetryPolicy) withDefaults(d RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

func (p RetryPolicy) delay(n int, randFloat func() float64) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.Max
	if n < 30 {
		if exp := time.Duration(float64(p.Base) * math.Pow(2, float64(n))); exp < p.Max {
			d = exp
		}
	}
	if p.Jitter > 0 {
		d += time.Duration(randFloat() * float64(p.Jitter))
	}
	return d
}

// Options configures a Fetcher. Zero values take defaults.
type Options struct {
	UserAgent string
	Timeout   time.Duration
	// RatePerSec paces outgoing requests; 0 disables pacing.
	RatePerSec float64

	// Cache is consulted before the network. Nil disables caching.
	Cache cache.Store
	// Bypass skips cache reads but still writes fresh responses.
	Bypass bool

	HTTPRetry     RetryPolicy
	NetworkRetry  RetryPolicy
	MaxRetryAfter time.Duration

	Client *http.Client
	// Sleep and Rand are test seams.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
	Now   func() time.Time
}

// Fetcher performs GET requests returning decoded JSON bodies.
type Fetcher struct {
	client        *http.Client
	userAgent     string
	limiter       *rate.Limiter
	cache         cache.Store
	bypass        bool
	httpRetry     RetryPolicy
	netRetry      RetryPolicy
	maxRetryAfter time.Duration

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
	now   func() time.Time
	log   logx.Logger
}

func NewFetcher(opts Options, log logx.Logger) *Fetcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = DefaultUserAgent
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}
	maxRA := opts.MaxRetryAfter
	if maxRA <= 0 {
		maxRA = 60 * time.Second
	}
	f := &Fetcher{
		client:        client,
		userAgent:     ua,
		limiter:       limiter,
		cache:         opts.Cache,
		bypass:        opts.Bypass,
		httpRetry:     opts.HTTPRetry.withDefaults(DefaultHTTPRetry),
		netRetry:      opts.NetworkRetry.withDefaults(DefaultNetworkRetry),
		maxRetryAfter: maxRA,
		sleep:         opts.Sleep,
		rand:          opts.Rand,
		now:           opts.Now,
		log:           log,
	}
	if f.sleep == nil {
		f.sleep = sleepCtx
	}
	if f.rand == nil {
		f.rand = rand.Float64
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f
}

// Fetch returns the decoded body of url.
//
// Errors are *HTTPError for non-retried statuses, *RetriesExhaustedError when
// a retry budget is spent, or the context error on cancellation.
func (f *Fetcher) Fetch(ctx context.Context, url string) (json.RawMessage, error) {
	if body, ok := f.fromCache(ctx, url); ok {
		return body, nil
	}

	httpFailures, netFailures := 0, 0
	for {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		status, header, body, err := f.do(ctx, url)
		if err == nil && f.log.Enabled(logx.LevelTrace) {
			f.log.Trace("upstream response",
				logx.String("url", url),
				logx.Int("status", status),
				logx.Int("bytes", len(body)))
		}
		if err == nil && status >= 200 && status <= 299 && !json.Valid(body) {
			err = fmt.Errorf("undecodable %d body: %s", status, truncate(body, 80))
		}

		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			netFailures++
			last := &NetworkError{URL: url, Err: err}
			if netFailures >= f.netRetry.MaxAttempts {
				return nil, &RetriesExhaustedError{URL: url, Attempts: netFailures, Last: last}
			}
			wait := f.netRetry.delay(netFailures-1, f.rand)
			f.log.Warn("upstream network error, retrying",
				logx.String("url", url),
				logx.Int("attempt", netFailures),
				logx.Duration("wait", wait),
				logx.Err(err))
			if err := f.sleep(ctx, wait); err != nil {
				return nil, err
			}

		case isTransientStatus(status):
			httpFailures++
			last := &HTTPError{URL: url, Status: status, Body: truncate(body, bodySnippetLimit)}
			if httpFailures >= f.httpRetry.MaxAttempts {
				return nil, &RetriesExhaustedError{URL: url, Attempts: httpFailures, Last: last}
			}
			wait, fromHeader := f.retryAfter(header)
			if !fromHeader {
				wait = f.httpRetry.delay(httpFailures-1, f.rand)
			}
			f.log.Warn("upstream transient status, retrying",
				logx.String("url", url),
				logx.Int("status", status),
				logx.Int("attempt", httpFailures),
				logx.Duration("wait", wait))
			if err := f.sleep(ctx, wait); err != nil {
				return nil, err
			}

		case status < 200 || status > 299:
			return nil, &HTTPError{URL: url, Status: status, Body: truncate(body, bodySnippetLimit)}

		default:
			// Compact so a cache hit returns the same bytes as this response.
			var buf bytes.Buffer
			if err := json.Compact(&buf, body); err != nil {
				return nil, &NetworkError{URL: url, Err: err}
			}
			out := json.RawMessage(buf.Bytes())
			f.toCache(ctx, url, status, out)
			return out, nil
		}
	}
}

func (f *Fetcher) do(ctx context.Context, url string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

func (f *Fetcher) fromCache(ctx context.Context, url string) (json.RawMessage, bool) {
	if f.cache == nil || f.bypass {
		return nil, false
	}
	e, ok, err := f.cache.Get(ctx, url)
	if err != nil {
		f.log.Warn("cache read failed, treating as miss", logx.String("url", url), logx.Err(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	f.log.Debug("cache hit", logx.String("url", url))
	return e.Data, true
}

func (f *Fetcher) toCache(ctx context.Context, url string, status int, body json.RawMessage) {
	if f.cache == nil {
		return
	}
	err := f.cache.Put(ctx, cache.Entry{
		SavedAt: f.now().UTC(),
		URL:     url,
		Status:  status,
		Data:    body,
	})
	if err != nil {
		f.log.Warn("cache write failed", logx.String("url", url), logx.Err(err))
	}
}

// retryAfter reads Retry-After as delta-seconds or an HTTP date, clamped to
// [0, maxRetryAfter].
func (f *Fetcher) retryAfter(h http.Header) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	var d time.Duration
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, false
		}
		if secs > f.maxRetryAfter.Seconds() {
			return f.maxRetryAfter, true
		}
		d = time.Duration(secs * float64(time.Second))
	} else if at, err := http.ParseTime(v); err == nil {
		d = at.Sub(f.now())
	} else {
		return 0, false
	}
	if d < 0 {
		d = 0
	}
	if d > f.maxRetryAfter {
		d = f.maxRetryAfter
	}
	return d, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"bonusvarsel/internal/cache"
	logx "bonusvarsel/pkg/logx"
)

// roundTripFunc is an in-memory transport.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func respond(status int, body string, hdr map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range hdr {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func newTestFetcher(rt http.RoundTripper, st cache.Store, rec *sleepRecorder) *Fetcher {
	return NewFetcher(Options{
		Client: &http.Client{Transport: rt},
		Cache:  st,
		Sleep:  rec.sleep,
		Rand:   func() float64 { return 0 },
	}, logx.Nop())
}

func TestFetchAlways503ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return respond(503, "busy", nil), nil
	})
	rec := &sleepRecorder{}
	f := newTestFetcher(rt, nil, rec)

	_, err := f.Fetch(context.Background(), "https://api.test/v1/shops")
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}
	var rex *RetriesExhaustedError
	if !errors.As(err, &rex) || rex.Attempts != DefaultHTTPRetry.MaxAttempts {
		t.Fatalf("err = %#v", err)
	}
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.Status != 503 {
		t.Fatalf("last error = %v, want HTTP 503", err)
	}
	if int(calls.Load()) != DefaultHTTPRetry.MaxAttempts {
		t.Fatalf("calls = %d, want %d", calls.Load(), DefaultHTTPRetry.MaxAttempts)
	}

	want := []time.Duration{
		400 * time.Millisecond, 800 * time.Millisecond, 1600 * time.Millisecond,
		3200 * time.Millisecond, 6400 * time.Millisecond, 10 * time.Second,
	}
	if len(rec.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", rec.waits, want)
	}
	for i := range want {
		if rec.waits[i] != want[i] {
			t.Fatalf("wait[%d] = %v, want %v", i, rec.waits[i], want[i])
		}
	}
}

func TestFetch404IsNotRetried(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return respond(404, strings.Repeat("x", 2000), nil), nil
	})
	rec := &sleepRecorder{}
	f := newTestFetcher(rt, nil, rec)

	_, err := f.Fetch(context.Background(), "https://api.test/v1/missing")
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.Status != 404 {
		t.Fatalf("err = %v, want HTTPError 404", err)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Fatal("404 must not be reported as exhausted")
	}
	if len(herr.Body) != bodySnippetLimit {
		t.Fatalf("body len = %d, want %d", len(herr.Body), bodySnippetLimit)
	}
	if calls.Load() != 1 || len(rec.waits) != 0 {
		t.Fatalf("calls = %d waits = %v", calls.Load(), rec.waits)
	}
}

func TestFetchHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		switch calls.Add(1) {
		case 1:
			return respond(429, "", map[string]string{"Retry-After": "3"}), nil
		case 2:
			return respond(503, "", map[string]string{"Retry-After": "3600"}), nil
		default:
			return respond(200, `{"data":[1]}`, nil), nil
		}
	})
	rec := &sleepRecorder{}
	f := newTestFetcher(rt, nil, rec)

	body, err := f.Fetch(context.Background(), "https://api.test/v1/shops")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != `{"data":[1]}` {
		t.Fatalf("body = %s", body)
	}
	if len(rec.waits) != 2 || rec.waits[0] != 3*time.Second || rec.waits[1] != 60*time.Second {
		t.Fatalf("waits = %v, want [3s 1m0s]", rec.waits)
	}
}

func TestFetchRetriesNetworkErrorsIndependently(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		switch calls.Add(1) {
		case 1, 3:
			return nil, errors.New("connection reset by peer")
		case 2:
			return respond(502, "", nil), nil
		case 4:
			return respond(200, "<html>challenge</html>", nil), nil
		default:
			return respond(200, `{"ok":true}`, nil), nil
		}
	})
	rec := &sleepRecorder{}
	f := newTestFetcher(rt, nil, rec)

	if _, err := f.Fetch(context.Background(), "https://api.test/x"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	want := []time.Duration{300 * time.Millisecond, 400 * time.Millisecond, 600 * time.Millisecond, 1200 * time.Millisecond}
	if len(rec.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", rec.waits, want)
	}
	for i := range want {
		if rec.waits[i] != want[i] {
			t.Fatalf("wait[%d] = %v, want %v", i, rec.waits[i], want[i])
		}
	}
}

func TestFetchNetworkExhaustion(t *testing.T) {
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: no such host")
	})
	f := NewFetcher(Options{
		Client:       &http.Client{Transport: rt},
		NetworkRetry: RetryPolicy{MaxAttempts: 3},
		Sleep:        func(context.Context, time.Duration) error { return nil },
	}, logx.Nop())

	_, err := f.Fetch(context.Background(), "https://api.test/x")
	var nerr *NetworkError
	if !errors.Is(err, ErrRetriesExhausted) || !errors.As(err, &nerr) {
		t.Fatalf("err = %v, want exhausted network error", err)
	}
}

func TestFetchCancelledDuringBackoff(t *testing.T) {
	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return respond(503, "", nil), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	f := NewFetcher(Options{
		Client: &http.Client{Transport: rt},
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}, logx.Nop())

	if _, err := f.Fetch(ctx, "https://api.test/x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestFetchCacheHitSkipsTransport(t *testing.T) {
	ctx := context.Background()
	st, err := cache.NewFileStore(t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	url := "https://api.test/v1/campaigns?page=1"
	if err := st.Put(ctx, cache.Entry{URL: url, Status: 200, Data: json.RawMessage(`{"data":[],"links":{}}`)}); err != nil {
		t.Fatal(err)
	}

	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		t.Fatal("transport must not be called on cache hit")
		return nil, nil
	})
	f := newTestFetcher(rt, st, &sleepRecorder{})

	body, err := f.Fetch(ctx, url)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(body) != `{"data":[],"links":{}}` {
		t.Fatalf("body = %s", body)
	}
}

func TestFetchWritesCacheAndBypassSkipsRead(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != DefaultUserAgent {
			t.Errorf("User-Agent = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"uuid":"a"}]}`))
	}))
	defer srv.Close()

	st, err := cache.NewFileStore(t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	url := srv.URL + "/api/v1/shops?page=1"

	f := NewFetcher(Options{Client: srv.Client(), Cache: st}, logx.Nop())
	for i := 0; i < 2; i++ {
		if _, err := f.Fetch(ctx, url); err != nil {
			t.Fatalf("Fetch %d: %v", i, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 (second served from cache)", calls.Load())
	}
	if e, ok, err := st.Get(ctx, url); err != nil || !ok || e.Status != 200 || e.URL != url {
		t.Fatalf("cache entry = %+v ok=%v err=%v", e, ok, err)
	}

	bypass := NewFetcher(Options{Client: srv.Client(), Cache: st, Bypass: true}, logx.Nop())
	if _, err := bypass.Fetch(ctx, url); err != nil {
		t.Fatalf("bypass Fetch: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2 after bypass", calls.Load())
	}
}

func TestFetchCachedBodyMatchesNetworkBody(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{\n  \"data\": [ {\"uuid\": \"a\", \"name\": \"H&M <outlet>\"} ],\n  \"links\": {}\n}\n"))
	}))
	defer srv.Close()

	st, err := cache.NewFileStore(t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	url := srv.URL + "/api/v1/shops?page=1"
	fresh, err := NewFetcher(Options{Client: srv.Client(), Cache: st}, logx.Nop()).Fetch(ctx, url)
	if err != nil {
		t.Fatalf("network Fetch: %v", err)
	}

	rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
		t.Fatal("transport must not be called on cache hit")
		return nil, nil
	})
	cached, err := newTestFetcher(rt, st, &sleepRecorder{}).Fetch(ctx, url)
	if err != nil {
		t.Fatalf("cached Fetch: %v", err)
	}
	if string(cached) != string(fresh) {
		t.Fatalf("cached body = %s, network body = %s", cached, fresh)
	}
}

func TestRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewFetcher(Options{Now: func() time.Time { return now }}, logx.Nop())

	tests := []struct {
		val  string
		want time.Duration
		ok   bool
	}{
		{"", 0, false},
		{"5", 5 * time.Second, true},
		{"-4", 0, true},
		{"NaN", 0, false},
		{now.Add(10 * time.Second).Format(http.TimeFormat), 10 * time.Second, true},
		{now.Add(time.Hour).Format(http.TimeFormat), 60 * time.Second, true},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		h := http.Header{}
		if tt.val != "" {
			h.Set("Retry-After", tt.val)
		}
		got, ok := f.retryAfter(h)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("retryAfter(%q) = %v, %v; want %v, %v", tt.val, got, ok, tt.want, tt.ok)
		}
	}
}

package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bonusvarsel/internal/eventbus"
	"bonusvarsel/internal/pipeline"
)

// fakeUpstream serves the catalog endpoints and the Bot API on one server.
type fakeUpstream struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == pipeline.CampaignsPath:
		fmt.Fprint(w, `{"data":[{"uuid":"c1","name":"Zalando","points_campaign":10}],"links":{"next":null}}`)
	case r.URL.Path == pipeline.ShopsPath:
		fmt.Fprint(w, `{"data":[{"uuid":"s1","name":"H&M","points_channel":3}],"links":{"next":null}}`)
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		_ = r.ParseMultipartForm(1 << 20)
		f.mu.Lock()
		f.sent = append(f.sent, r.FormValue("chat_id"))
		f.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":-100123,"type":"channel"}}}`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeUpstream) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestApp(t *testing.T, extra string) (*App, *fakeUpstream) {
	t.Helper()
	api := &fakeUpstream{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	body := fmt.Sprintf(`{
  "upstream": {"api_base": %q, "retry": {"max_attempts": 1}},
  "cache": {"driver": "none"},
  "storage": {"driver": "file", "path": %q},
  "telegram": {"token": "123:abc", "chat_id": "-100123", "api_url": %q}%s
}`, srv.URL, filepath.Join(dir, "data"), srv.URL, extra)
	path := filepath.Join(dir, "bonusvarsel.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := New(context.Background(), Options{ConfigPath: path, Environ: map[string]string{"LOG_LEVEL": "error"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, api
}

func TestRunOnceNotifiesOnlyNewEvents(t *testing.T) {
	a, api := newTestApp(t, "")

	rep, err := a.RunOnce(context.Background(), "manual")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if rep.Notify.Sent != 2 || api.calls() != 1 {
		t.Fatalf("sent = %d, api calls = %d", rep.Notify.Sent, api.calls())
	}
	if rep.Cache.Enabled {
		t.Fatal("cache reported enabled with driver none")
	}

	rep, err = a.RunOnce(context.Background(), "manual")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if rep.Notify.Sent != 0 || api.calls() != 1 {
		t.Fatalf("second run sent = %d, api calls = %d", rep.Notify.Sent, api.calls())
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{"notify":{"policy":"loud"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(context.Background(), Options{ConfigPath: path, Environ: map[string]string{}}); err == nil {
		t.Fatal("expected config error")
	}
}

func TestServeRunsOnStartAndStops(t *testing.T) {
	a, api := newTestApp(t, `,
  "schedule": {"spec": "@every 1h", "run_on_start": true}`)

	events, unsub := a.bus.Subscribe(16)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	timeout := time.After(5 * time.Second)
	for finished := false; !finished; {
		select {
		case e := <-events:
			switch e.Type {
			case eventbus.RunFinished:
				finished = true
			case eventbus.RunFailed:
				t.Fatalf("run failed: %+v", e.Data)
			}
		case <-timeout:
			t.Fatal("startup run did not finish")
		}
	}
	if api.calls() != 1 {
		t.Fatalf("api calls = %d", api.calls())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bonusvarsel/internal/eventbus"
	logx "bonusvarsel/pkg/logx"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func get(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s: bad body %q: %v", path, rec.Body.String(), err)
	}
	return rec.Code, body
}

func TestHealthz(t *testing.T) {
	s := New(Config{}, nil, nil, logx.Nop())
	code, body := get(t, s.Handler(), "/healthz")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("code = %d body = %v", code, body)
	}
}

func TestReadyzFollowsRunOutcome(t *testing.T) {
	tr := NewTracker()
	next := time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)
	s := New(Config{NextRun: func() time.Time { return next }}, tr, stubPinger{}, logx.Nop())
	h := s.Handler()

	code, body := get(t, h, "/readyz")
	if code != http.StatusOK || body["next_run"] != "2026-01-01T06:00:00Z" {
		t.Fatalf("before first run: code = %d body = %v", code, body)
	}

	tr.Observe(eventbus.Event{Type: eventbus.RunStarted, Time: time.Now(), Data: eventbus.RunEvent{RunID: "r1", Trigger: "cron"}})
	tr.Observe(eventbus.Event{Type: eventbus.RunFailed, Time: time.Now(), Data: eventbus.RunEvent{RunID: "r1", Error: "boom"}})
	if code, _ := get(t, h, "/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("after failure: code = %d", code)
	}

	tr.Observe(eventbus.Event{Type: eventbus.RunStarted, Time: time.Now(), Data: eventbus.RunEvent{RunID: "r2"}})
	if code, _ := get(t, h, "/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("run in flight should keep previous verdict: code = %d", code)
	}
	tr.Observe(eventbus.Event{Type: eventbus.RunFinished, Time: time.Now(), Data: eventbus.RunEvent{RunID: "r2", Notified: 3}})
	code, body = get(t, h, "/readyz")
	if code != http.StatusOK {
		t.Fatalf("after success: code = %d body = %v", code, body)
	}
	last := body["last_run"].(map[string]any)
	if last["run_id"] != "r2" || last["notified"].(float64) != 3 {
		t.Fatalf("last_run = %v", last)
	}
}

func TestReadyzStorageDown(t *testing.T) {
	s := New(Config{}, nil, stubPinger{err: errors.New("database is locked")}, logx.Nop())
	code, body := get(t, s.Handler(), "/readyz")
	if code != http.StatusServiceUnavailable || body["status"] != "unready" {
		t.Fatalf("code = %d body = %v", code, body)
	}
}

func TestTrackerFollowsBus(t *testing.T) {
	bus := eventbus.New()
	tr := NewTracker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Follow(ctx, bus)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		eventbus.Publish(bus, eventbus.RunFinished, eventbus.RunEvent{RunID: "r9"})
		if st, seen := tr.Status(); seen && st.RunID == "r9" && st.OK {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("tracker never observed the run")
}

func TestStartStop(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, nil, nil, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Addr() != "" {
		t.Fatal("Addr should be empty after Stop")
	}
}

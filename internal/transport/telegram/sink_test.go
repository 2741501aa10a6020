package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"bonusvarsel/internal/notifier"
	logx "bonusvarsel/pkg/logx"
)

func TestSplitTelegramTextShortPassthrough(t *testing.T) {
	got := splitTelegramText("hello", 10, "HTML")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6) + "\n" + strings.Repeat("c", 6)
	got := splitTelegramText(s, 10, "")
	want := []string{"aaaaaa", "bbbbbb", "cccccc"}
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitTelegramTextKeepsElementsWhole(t *testing.T) {
	cases := []struct {
		name, in string
		limit    int
		first    string
	}{
		{"open element at cut", "abcdefg<b>bold</b>", 10, "abcdefg"},
		{"nested elements", "ab <b>x<i>yz</i> tail</b>", 14, "ab "},
		{"closed element stays", "<b>ab</b> cdefghij", 12, "<b>ab</b> cd"},
		{"link with attributes", "see <a href=\"https://x\">here</a>", 20, "see "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := splitTelegramText(tc.in, tc.limit, "HTML")
			if got[0] != tc.first {
				t.Fatalf("first chunk = %q, want %q", got[0], tc.first)
			}
			if strings.Join(got, "") != tc.in {
				t.Fatalf("chunks lost text: %q", got)
			}
		})
	}
}

func TestSplitTelegramTextCountsRunes(t *testing.T) {
	s := strings.Repeat("ø", 25)
	got := splitTelegramText(s, 10, "")
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	for _, c := range got {
		if utf8.RuneCountInString(c) > 10 || !utf8.ValidString(c) {
			t.Fatalf("bad chunk %q", c)
		}
	}
}

// fakeBotAPI records sendMessage calls in order.
type fakeBotAPI struct {
	mu    sync.Mutex
	texts []string
	chats []string
	opts  []string
	fail  bool
	// failCalls answers these calls (1-based) with a 502.
	failCalls map[int]bool
	calls     int
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
		http.NotFound(w, r)
		return
	}
	_ = r.ParseMultipartForm(1 << 20)
	var body map[string]any
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	get := func(k string) string {
		if v, ok := body[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return r.FormValue(k)
	}

	f.mu.Lock()
	f.calls++
	if f.failCalls[f.calls] {
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":502,"description":"Bad Gateway"}`))
		return
	}
	f.texts = append(f.texts, get("text"))
	f.chats = append(f.chats, get("chat_id"))
	f.opts = append(f.opts, fmt.Sprint(body["disable_web_page_preview"]))
	fail := f.fail
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
		return
	}
	_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":-100123,"type":"channel"}}}`))
}

func TestSinkSendsChunksInOrder(t *testing.T) {
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	s, err := New(Config{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	lines := make([]string, 0, 600)
	for i := 0; i < 600; i++ {
		lines = append(lines, "line "+strings.Repeat("x", 10))
	}
	text := strings.Join(lines, "\n")
	if err := s.Send(context.Background(), notifier.Target{ChatID: "@bonusvarsel"}, text); err != nil {
		t.Fatalf("Send: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.texts) < 2 {
		t.Fatalf("calls = %d, want chunked delivery", len(api.texts))
	}
	if strings.Join(api.texts, "\n") != text {
		t.Fatal("chunks out of order or lossy")
	}
	for _, c := range api.chats {
		if c != "@bonusvarsel" {
			t.Fatalf("chat_id = %q", c)
		}
	}
}

func TestSinkSurfacesAPIError(t *testing.T) {
	api := &fakeBotAPI{fail: true}
	srv := httptest.NewServer(api)
	defer srv.Close()

	s, err := New(Config{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = s.Send(context.Background(), notifier.Target{ChatID: "-100123"}, "hi")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("err = %v, want API description", err)
	}
}

func TestDispatchRetryDoesNotRepeatChunks(t *testing.T) {
	api := &fakeBotAPI{failCalls: map[int]bool{2: true}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	s, err := New(Config{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lines := make([]string, 0, 600)
	for i := 0; i < 600; i++ {
		lines = append(lines, fmt.Sprintf("line %03d %s", i, strings.Repeat("x", 10)))
	}
	text := strings.Join(lines, "\n")

	n := notifier.New(notifier.Config{RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond},
		s, notifier.Target{ChatID: "-100123"}, logx.Nop(), nil)
	if err := n.Dispatch(context.Background(), text); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	seen := map[string]bool{}
	for _, c := range api.texts {
		if seen[c] {
			t.Fatalf("chunk delivered twice: %.20q", c)
		}
		seen[c] = true
	}
	if strings.Join(api.texts, "\n") != text {
		t.Fatal("chunks out of order or lossy")
	}
}

func TestSinkDisablesPreviewByDefault(t *testing.T) {
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	s, err := New(Config{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Send(context.Background(), notifier.Target{ChatID: "-100123"}, "https://example.com"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.opts) != 1 || api.opts[0] != "true" {
		t.Fatalf("disable_web_page_preview = %v", api.opts)
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}

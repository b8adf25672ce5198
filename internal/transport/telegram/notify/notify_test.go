package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"postscheduler/internal/eventbus"
	logx "postscheduler/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short: %q", got)
	}

	got := splitText(strings.Repeat("a", 25), 10)
	if len(got) != 3 || got[2] != "aaaaa" {
		t.Fatalf("plain split: %q", got)
	}

	got = splitText("aaaaaa\nbbbbbbbbbb", 10)
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbbbbbb" {
		t.Fatalf("newline split: %q", got)
	}

	for _, c := range splitText(strings.Repeat("é", 30), 7) {
		if n := len([]rune(c)); n > 7 {
			t.Fatalf("chunk of %d runes", n)
		}
	}
}

func TestFormatEvent(t *testing.T) {
	t.Parallel()

	ev := eventbus.Event{Type: eventbus.ActionFailed, Data: map[string]any{"id": "golang_1.000000", "error": "boom", "empty": ""}}
	want := "[action.failed]\n- error=boom\n- id=golang_1.000000"
	if got := formatEvent(ev); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := formatEvent(eventbus.Event{Type: "x"}); got != "[x]" {
		t.Fatalf("no data: %q", got)
	}
	if got := formatEvent(eventbus.Event{Type: "x", Data: 3}); got != "[x]\n3" {
		t.Fatalf("scalar: %q", got)
	}
}

type recorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *recorder) SendText(_ context.Context, _ int64, _ int, text string) error {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestAlertsForwardSelectedEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	rec := &recorder{}
	a := NewAlerts(rec, AlertConfig{ChatID: 1}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx, bus)
	}()

	// Wait for the subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.snapshot()) == 0 && time.Now().Before(deadline) {
		bus.Publish(eventbus.Event{Type: eventbus.TaskStarted})
		bus.Publish(eventbus.Event{Type: eventbus.ActionCompleted, Data: map[string]string{"id": "a"}})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	texts := rec.snapshot()
	require.NotEmpty(t, texts)
	for _, s := range texts {
		require.True(t, strings.HasPrefix(s, "[action.completed]"), s)
	}
}

func TestNotifierSendsChunks(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var sent []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.Error(w, r.URL.Path, http.StatusNotFound)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		sent = append(sent, body["text"].(string))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	}))
	defer srv.Close()

	n, err := New(Config{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, n.SendText(context.Background(), 42, 0, strings.Repeat("x", textLimit+10)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 2)
	require.Len(t, sent[1], 10)

	require.Error(t, n.SendText(context.Background(), 0, 0, "hi"))
	_, err = New(Config{}, logx.Nop())
	require.Error(t, err)
}

package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/engine"
	"taskline/internal/events"
	"taskline/internal/migrate"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func webhookTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return engine.New(conn, config.Default())
}

type webhookRecorder struct {
	mu         sync.Mutex
	failing    bool
	deliveries []webhookEvent
	headers    []http.Header
}

func (rec *webhookRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.failing {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.deliveries = append(rec.deliveries, evt)
		rec.headers = append(rec.headers, r.Header.Clone())
		w.WriteHeader(http.StatusNoContent)
	}
}

func (rec *webhookRecorder) count() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.deliveries)
}

func (rec *webhookRecorder) setFailing(v bool) {
	rec.mu.Lock()
	rec.failing = v
	rec.mu.Unlock()
}

func TestEventFilterMatching(t *testing.T) {
	all := newEventFilter(nil)
	if !all.match(events.TaskSubmitted) || !all.match(events.ListCreated) {
		t.Fatal("empty filter should match every type")
	}
	blank := newEventFilter([]string{" ", ""})
	if !blank.match(events.TaskSubmitted) {
		t.Fatal("blank entries should fall back to match-all")
	}
	narrow := newEventFilter([]string{events.TaskSubmitted})
	if !narrow.match(events.TaskSubmitted) {
		t.Fatal("narrow filter should match its own type")
	}
	if narrow.match(events.TaskValidationFailed) {
		t.Fatal("narrow filter matched an unlisted type")
	}
}

func TestWebhookDeliveryAndCursor(t *testing.T) {
	e := webhookTestEngine(t)
	ctx := context.Background()

	if _, err := e.SubmitTask(ctx, engine.TaskCreateOptions{
		Title:         "Wire pager alerts",
		Description:   "Route alerts to the on-call pager.",
		EffortMinutes: 30,
		Tests:         []string{"pager_test.go:TestRoute"},
		ActorID:       "tester",
	}); err != nil {
		t.Fatalf("submit valid: %v", err)
	}
	// Title-only submit also records a validation_failed event.
	if _, err := e.SubmitTask(ctx, engine.TaskCreateOptions{Title: "Quick patch", ActorID: "tester"}); err != nil {
		t.Fatalf("submit sparse: %v", err)
	}

	rec := &webhookRecorder{}
	ts := httptest.NewServer(rec.handler())
	defer ts.Close()

	hook := config.WebhookConfig{URL: ts.URL, Secret: "hush", Events: []string{events.TaskSubmitted}}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: []config.WebhookConfig{hook},
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   quietLogger(),
		cursors:  map[int]int64{0: 0},
	}
	d.dispatchWebhook(ctx, 0, hook)

	if got := rec.count(); got != 2 {
		t.Fatalf("deliveries = %d, want 2 task.submitted", got)
	}
	for i, evt := range rec.deliveries {
		if evt.Type != events.TaskSubmitted {
			t.Fatalf("delivery %d type = %s", i, evt.Type)
		}
		if evt.EntityKind != "task" {
			t.Fatalf("delivery %d entity kind = %s", i, evt.EntityKind)
		}
	}
	last := rec.headers[len(rec.headers)-1]
	if last.Get("X-Taskline-Event") != events.TaskSubmitted {
		t.Fatalf("event header = %q", last.Get("X-Taskline-Event"))
	}
	if last.Get("X-Taskline-Secret") != "hush" {
		t.Fatalf("secret header = %q", last.Get("X-Taskline-Secret"))
	}

	// The skipped validation_failed event still advances the cursor.
	latest, err := e.Repo.LatestEventID(ctx)
	if err != nil {
		t.Fatalf("latest event id: %v", err)
	}
	if d.cursors[0] != latest {
		t.Fatalf("cursor = %d, want %d", d.cursors[0], latest)
	}

	d.dispatchWebhook(ctx, 0, hook)
	if got := rec.count(); got != 2 {
		t.Fatalf("redeliver after drain: %d deliveries", got)
	}
}

func TestWebhookRetryAfterFailure(t *testing.T) {
	e := webhookTestEngine(t)
	ctx := context.Background()

	if _, err := e.SubmitTask(ctx, engine.TaskCreateOptions{
		Title:         "Index the archive",
		Description:   "Build the search index for archived tasks.",
		EffortMinutes: 60,
		Tests:         []string{"index_test.go:TestBuild"},
		ActorID:       "tester",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	rec := &webhookRecorder{failing: true}
	ts := httptest.NewServer(rec.handler())
	defer ts.Close()

	hook := config.WebhookConfig{URL: ts.URL}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: []config.WebhookConfig{hook},
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   quietLogger(),
		cursors:  map[int]int64{0: 0},
	}

	d.dispatchWebhook(ctx, 0, hook)
	if got := rec.count(); got != 0 {
		t.Fatalf("deliveries while down = %d", got)
	}
	if d.cursors[0] != 0 {
		t.Fatalf("cursor moved past undelivered event: %d", d.cursors[0])
	}

	rec.setFailing(false)
	d.dispatchWebhook(ctx, 0, hook)
	if got := rec.count(); got != 1 {
		t.Fatalf("deliveries after recovery = %d, want 1", got)
	}
	if rec.deliveries[0].Type != events.TaskSubmitted {
		t.Fatalf("recovered delivery type = %s", rec.deliveries[0].Type)
	}
}

func TestWebhookDispatcherStopsOnCancel(t *testing.T) {
	e := webhookTestEngine(t)
	d := &webhookDispatcher{
		engine:   e,
		webhooks: []config.WebhookConfig{{URL: "http://127.0.0.1:0"}},
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   quietLogger(),
		cursors:  map[int]int64{0: 0},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher kept running after cancel")
	}
}

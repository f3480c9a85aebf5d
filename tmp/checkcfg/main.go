package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/engine"
	"taskline/internal/migrate"
	"taskline/internal/server"
)

func main() {
	var delivered atomic.Int64
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt map[string]any
		_ = json.NewDecoder(r.Body).Decode(&evt)
		fmt.Printf("hook got type=%v entity=%v secret=%q\n", evt["type"], evt["entity_id"], r.Header.Get("X-Taskline-Secret"))
		delivered.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()

	conn, err := db.Open(db.Config{Workspace: "/tmp/taskline-check1"})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: sink.URL, Secret: "hush"}}
	e := engine.New(conn, cfg)
	if err := e.Repo.UpsertConfig(context.Background(), cfg); err != nil {
		panic(err)
	}
	h, err := server.New(server.Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server.StartWebhookDispatcher(ctx, e)
	ts := httptest.NewServer(h)
	defer ts.Close()

	body := map[string]any{
		"title":          "Check webhook delivery",
		"description":    "Submit one task and watch the hook fire.",
		"effort_minutes": 15,
		"tests":          []string{"webhook_test.go:TestDeliver"},
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v0/tasks", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	fmt.Printf("status=%d resp=%v\n", res.StatusCode, resp)

	// dispatcher ticks every 2s
	time.Sleep(3 * time.Second)
	fmt.Printf("deliveries=%d\n", delivered.Load())
}

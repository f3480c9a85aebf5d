package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/internal/engine"
	"taskline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg)
	if err := e.Repo.UpsertConfig(context.Background(), cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func submitPayload(title string) map[string]any {
	return map[string]any{
		"title":          title,
		"description":    "Concrete change with a clear outcome.",
		"effort_minutes": 45,
		"tests":          []string{"auth_test.go:TestLogin"},
	}
}

func submitTaskHTTP(t *testing.T, srv *testServer, title string) TaskResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", submitPayload(title), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit task status %d: %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return created
}

func transitionHTTP(t *testing.T, srv *testServer, taskID, to string) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+taskID+"/transition", map[string]any{"to": to}, nil)
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
	if v, ok := body["schema_version"].(float64); !ok || v < 1 {
		t.Fatalf("expected schema_version >= 1, got %v", body["schema_version"])
	}
}

func TestSubmitAndLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := submitTaskHTTP(t, srv, "Wire health endpoint")
	if created.Status != "draft" {
		t.Fatalf("expected draft after submit, got %s", created.Status)
	}
	if created.Category != "feature" {
		t.Fatalf("expected default category feature, got %s", created.Category)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+created.ID, nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", getRes.StatusCode, string(getBody))
	}

	for _, to := range []string{"pending", "in_progress", "validating", "completed"} {
		res, body := transitionHTTP(t, srv, created.ID, to)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("transition to %s status %d: %s", to, res.StatusCode, string(body))
		}
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("refetch status %d: %s", res.StatusCode, string(body))
	}
	var done TaskResponse
	if err := json.Unmarshal(body, &done); err != nil {
		t.Fatalf("unmarshal done: %v", err)
	}
	if done.Status != "completed" {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	if done.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}

	histRes, histBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+created.ID+"/history", nil, nil)
	if histRes.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", histRes.StatusCode, string(histBody))
	}
	var hist []TransitionResponse
	if err := json.Unmarshal(histBody, &hist); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(hist) != 4 {
		t.Fatalf("expected 4 transitions, got %d", len(hist))
	}

	invalidRes, invalidBody := transitionHTTP(t, srv, created.ID, "pending")
	if invalidRes.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for terminal transition, got %d %s", invalidRes.StatusCode, string(invalidBody))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(invalidBody, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", envelope.Error.Code)
	}
}

func TestValidationBlockedEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title": "Quick patch",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	_ = json.Unmarshal(data, &created)

	blockedRes, blockedBody := transitionHTTP(t, srv, created.ID, "pending")
	if blockedRes.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", blockedRes.StatusCode, string(blockedBody))
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(blockedBody, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "validation_blocked" {
		t.Fatalf("expected validation_blocked, got %s", envelope.Error.Code)
	}
	if envelope.Error.Details["task_id"] != created.ID {
		t.Fatalf("expected task_id detail %s, got %v", created.ID, envelope.Error.Details["task_id"])
	}
	issues, ok := envelope.Error.Details["issues"].([]any)
	if !ok || len(issues) == 0 {
		t.Fatalf("expected issues detail, got %v", envelope.Error.Details["issues"])
	}

	blocksRes, blocksBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+created.ID+"/blocks", nil, nil)
	if blocksRes.StatusCode != http.StatusOK {
		t.Fatalf("blocks status %d: %s", blocksRes.StatusCode, string(blocksBody))
	}
	var blocks []BlockResponse
	if err := json.Unmarshal(blocksBody, &blocks); err != nil {
		t.Fatalf("unmarshal blocks: %v", err)
	}
	if len(blocks) == 0 {
		t.Fatal("expected open validation blocks")
	}

	patchRes, patchBody := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tasks/"+created.ID, map[string]any{
		"description":    "Concrete change with a clear outcome.",
		"effort_minutes": 30,
		"tests":          []string{"pkg_test.go:TestThing"},
	}, nil)
	if patchRes.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", patchRes.StatusCode, string(patchBody))
	}
	retryRes, retryBody := transitionHTTP(t, srv, created.ID, "pending")
	if retryRes.StatusCode != http.StatusOK {
		t.Fatalf("expected pending after fix, got %d %s", retryRes.StatusCode, string(retryBody))
	}
}

func TestRelationshipStatusMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	a := submitTaskHTTP(t, srv, "Parse config file")
	b := submitTaskHTTP(t, srv, "Load parsed config")

	relRes, relBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/relationships", map[string]any{
		"source_id": a.ID,
		"target_id": b.ID,
		"type":      "depends_on",
	}, nil)
	if relRes.StatusCode != http.StatusCreated {
		t.Fatalf("create relationship status %d: %s", relRes.StatusCode, string(relBody))
	}
	var rel RelationshipResponse
	if err := json.Unmarshal(relBody, &rel); err != nil {
		t.Fatalf("unmarshal relationship: %v", err)
	}

	cycleRes, cycleBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/relationships", map[string]any{
		"source_id": b.ID,
		"target_id": a.ID,
		"type":      "depends_on",
	}, nil)
	if cycleRes.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for cycle, got %d %s", cycleRes.StatusCode, string(cycleBody))
	}
	var envelope errorEnvelope
	_ = json.Unmarshal(cycleBody, &envelope)
	if envelope.Error.Code != "dependency_cycle" {
		t.Fatalf("expected dependency_cycle, got %s", envelope.Error.Code)
	}
	if _, ok := envelope.Error.Details["path"].([]any); !ok {
		t.Fatalf("expected path detail, got %v", envelope.Error.Details["path"])
	}

	dupRes, dupBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/relationships", map[string]any{
		"source_id": a.ID,
		"target_id": b.ID,
		"type":      "depends_on",
	}, nil)
	if dupRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d %s", dupRes.StatusCode, string(dupBody))
	}

	missingRes, missingBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/no-such-task", nil, nil)
	if missingRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", missingRes.StatusCode, string(missingBody))
	}

	delRes, delBody := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/relationships/"+rel.ID, nil, nil)
	if delRes.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 for delete, got %d %s", delRes.StatusCode, string(delBody))
	}
	delAgain, delAgainBody := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/relationships/"+rel.ID, nil, nil)
	if delAgain.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for second delete, got %d %s", delAgain.StatusCode, string(delAgainBody))
	}
}

func TestListFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	t1 := submitTaskHTTP(t, srv, "Sketch schema")
	t2 := submitTaskHTTP(t, srv, "Write migration")
	for _, id := range []string{t1.ID, t2.ID} {
		if res, body := transitionHTTP(t, srv, id, "pending"); res.StatusCode != http.StatusOK {
			t.Fatalf("to pending status %d: %s", res.StatusCode, string(body))
		}
	}

	listRes, listBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/lists", map[string]any{
		"name": "Schema work",
	}, nil)
	if listRes.StatusCode != http.StatusCreated {
		t.Fatalf("create list status %d: %s", listRes.StatusCode, string(listBody))
	}
	var list ListResponse
	if err := json.Unmarshal(listBody, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if list.ExecutionMode != "sequential" || list.Status != "active" {
		t.Fatalf("unexpected list defaults: %s %s", list.ExecutionMode, list.Status)
	}

	for i, id := range []string{t1.ID, t2.ID} {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/lists/"+list.ID+"/tasks", map[string]any{
			"task_id": id,
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("add member %d status %d: %s", i, res.StatusCode, string(body))
		}
		var m MembershipResponse
		_ = json.Unmarshal(body, &m)
		if m.Position != i {
			t.Fatalf("expected position %d, got %d", i, m.Position)
		}
	}

	readyRes, readyBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/lists/"+list.ID+"/ready", nil, nil)
	if readyRes.StatusCode != http.StatusOK {
		t.Fatalf("ready status %d: %s", readyRes.StatusCode, string(readyBody))
	}
	var ready []TaskResponse
	if err := json.Unmarshal(readyBody, &ready); err != nil {
		t.Fatalf("unmarshal ready: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready tasks, got %d", len(ready))
	}

	suggestRes, suggestBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/lists/"+list.ID+"/suggest", nil, nil)
	if suggestRes.StatusCode != http.StatusOK {
		t.Fatalf("suggest status %d: %s", suggestRes.StatusCode, string(suggestBody))
	}
	var suggestions []SuggestionResponse
	if err := json.Unmarshal(suggestBody, &suggestions); err != nil {
		t.Fatalf("unmarshal suggestions: %v", err)
	}
	if len(suggestions) != 1 {
		t.Fatalf("sequential list should suggest one task, got %d", len(suggestions))
	}

	completeRes, completeBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/lists/"+list.ID+"/complete", nil, nil)
	if completeRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 with pending members, got %d %s", completeRes.StatusCode, string(completeBody))
	}

	removeRes, removeBody := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/lists/"+list.ID+"/tasks/"+t2.ID, nil, nil)
	if removeRes.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on remove, got %d %s", removeRes.StatusCode, string(removeBody))
	}
	membersRes, membersBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/lists/"+list.ID+"/tasks", nil, nil)
	if membersRes.StatusCode != http.StatusOK {
		t.Fatalf("members status %d: %s", membersRes.StatusCode, string(membersBody))
	}
	var members []MembershipResponse
	if err := json.Unmarshal(membersBody, &members); err != nil {
		t.Fatalf("unmarshal members: %v", err)
	}
	if len(members) != 1 || members[0].TaskID != t1.ID {
		t.Fatalf("expected single member %s, got %+v", t1.ID, members)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, title := range []string{"First", "Second", "Third"} {
		submitTaskHTTP(t, srv, title)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=task&limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 events, got %d", len(page.Items))
	}
	if page.NextCursor == "" {
		t.Fatal("expected next_cursor on first page")
	}
	if page.Items[0].ID <= page.Items[1].ID {
		t.Fatalf("expected descending ids, got %d then %d", page.Items[0].ID, page.Items[1].ID)
	}

	res2, data2 := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=task&limit=2&cursor="+page.NextCursor, nil, nil)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res2.StatusCode, string(data2))
	}
	var page2 paginatedEvents
	if err := json.Unmarshal(data2, &page2); err != nil {
		t.Fatalf("unmarshal second page: %v", err)
	}
	if len(page2.Items) == 0 {
		t.Fatal("expected events on second page")
	}
	if page2.Items[0].ID >= page.Items[1].ID {
		t.Fatalf("second page should continue below %d, got %d", page.Items[1].ID, page2.Items[0].ID)
	}

	tailRes, tailData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?after=0&limit=200", nil, nil)
	if tailRes.StatusCode != http.StatusOK {
		t.Fatalf("after status %d: %s", tailRes.StatusCode, string(tailData))
	}
	var tail paginatedEvents
	if err := json.Unmarshal(tailData, &tail); err != nil {
		t.Fatalf("unmarshal after page: %v", err)
	}
	if len(tail.Items) < 3 {
		t.Fatalf("expected at least 3 events, got %d", len(tail.Items))
	}
	for i := 1; i < len(tail.Items); i++ {
		if tail.Items[i].ID <= tail.Items[i-1].ID {
			t.Fatalf("expected ascending ids at %d: %d then %d", i, tail.Items[i-1].ID, tail.Items[i].ID)
		}
	}
}

func TestConfigRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/config", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get config status %d: %s", res.StatusCode, string(data))
	}
	var cfg ConfigResponse
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if cfg.Scheduler.TopN != 3 {
		t.Fatalf("expected default top_n 3, got %d", cfg.Scheduler.TopN)
	}

	cfg.Scheduler.TopN = 5
	putRes, putBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/config", cfg, nil)
	if putRes.StatusCode != http.StatusOK {
		t.Fatalf("put config status %d: %s", putRes.StatusCode, string(putBody))
	}

	res2, data2 := doJSON(t, client, http.MethodGet, srv.URL+"/v0/config", nil, nil)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("refetch config status %d: %s", res2.StatusCode, string(data2))
	}
	var updated ConfigResponse
	if err := json.Unmarshal(data2, &updated); err != nil {
		t.Fatalf("unmarshal updated config: %v", err)
	}
	if updated.Scheduler.TopN != 5 {
		t.Fatalf("expected stored top_n 5, got %d", updated.Scheduler.TopN)
	}

	bad := cfg
	bad.Validation.Rules = append(bad.Validation.Rules, ruleConfigSection{ID: "broken", Kind: "ambiguity", Severity: "fatal"})
	badRes, badBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/config", bad, nil)
	if badRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad rule, got %d %s", badRes.StatusCode, string(badBody))
	}
}

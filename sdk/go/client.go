package tasklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taskline HTTP API client.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// TaskDraft carries the fields for a task submission.
type TaskDraft struct {
	ID             string   `json:"id,omitempty"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Category       string   `json:"category,omitempty"`
	EffortMinutes  int      `json:"effort_minutes,omitempty"`
	Deadline       string   `json:"deadline,omitempty"`
	StrategicBonus int      `json:"strategic_bonus,omitempty"`
	ConflictSet    []string `json:"conflict_set,omitempty"`
	Tests          []string `json:"tests,omitempty"`
	AssigneeID     string   `json:"assignee_id,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	Category      string  `json:"category"`
	Status        string  `json:"status"`
	Priority      int     `json:"priority"`
	EffortMinutes int     `json:"effort_minutes"`
	Deadline      *string `json:"deadline"`
	AssigneeID    *string `json:"assignee_id"`
	CreatedAt     string  `json:"created_at"`
	CompletedAt   *string `json:"completed_at"`
}

// Relationship represents a typed edge between two tasks.
type Relationship struct {
	ID       string   `json:"id"`
	SourceID string   `json:"source_id"`
	TargetID string   `json:"target_id"`
	Type     string   `json:"type"`
	Strength *float64 `json:"strength"`
}

// Block represents one hold on a task.
type Block struct {
	ID       string `json:"id"`
	TaskID   string `json:"task_id"`
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Reason   string `json:"reason"`
	Resolved bool   `json:"resolved"`
}

// TaskList represents the API list model (partial).
type TaskList struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	ExecutionMode  string  `json:"execution_mode"`
	Status         string  `json:"status"`
	ChannelID      *string `json:"channel_id"`
	CompletedCount int     `json:"completed_count"`
	TotalCount     int     `json:"total_count"`
}

// Membership places a task inside a list.
type Membership struct {
	ListID   string `json:"list_id"`
	TaskID   string `json:"task_id"`
	Position int    `json:"position"`
	Status   string `json:"status"`
}

// Suggestion is one scheduler recommendation.
type Suggestion struct {
	TaskID    string `json:"task_id"`
	Title     string `json:"title"`
	Score     int    `json:"score"`
	Rationale string `json:"rationale"`
	Parallel  bool   `json:"parallel"`
}

// CriticalPath is the longest unfinished dependency chain by effort.
type CriticalPath struct {
	Tasks              []Task `json:"tasks"`
	TotalEffortMinutes int    `json:"total_effort_minutes"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps task listings with a cursor.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Health reports server status and schema version.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, c.apiPath("health"), nil, &resp)
	return resp, err
}

// SubmitTask submits a draft through the validation gate.
func (c *Client) SubmitTask(ctx context.Context, draft TaskDraft) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.apiPath("tasks"), draft, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.apiPath("tasks/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// TaskFilters narrow a task listing. Zero values are ignored.
type TaskFilters struct {
	Status     string
	Category   string
	AssigneeID string
	ListID     string
	Limit      int
	Cursor     string
}

// TasksPage returns a paginated task listing.
func (c *Client) TasksPage(ctx context.Context, f TaskFilters) (PaginatedTasks, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	if f.AssigneeID != "" {
		q.Set("assignee_id", f.AssigneeID)
	}
	if f.ListID != "" {
		q.Set("list_id", f.ListID)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	endpoint := c.apiPath("tasks")
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition requests a status change.
func (c *Client) Transition(ctx context.Context, taskID, to, reason string) (Task, error) {
	body := map[string]any{"to": to}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Task
	endpoint := c.apiPath(fmt.Sprintf("tasks/%s/transition", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddDependency creates a relationship between two tasks.
func (c *Client) AddDependency(ctx context.Context, sourceID, targetID, relType string) (Relationship, error) {
	body := map[string]any{
		"source_id": sourceID,
		"target_id": targetID,
		"type":      relType,
	}
	var resp Relationship
	err := c.do(ctx, http.MethodPost, c.apiPath("relationships"), body, &resp)
	return resp, err
}

// RemoveRelationship deletes a relationship by id.
func (c *Client) RemoveRelationship(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.apiPath("relationships/"+url.PathEscape(id)), nil, nil)
}

// BlockTask places a manual block.
func (c *Client) BlockTask(ctx context.Context, taskID, reason, severity string) (Block, error) {
	body := map[string]any{"reason": reason}
	if severity != "" {
		body["severity"] = severity
	}
	var resp Block
	endpoint := c.apiPath(fmt.Sprintf("tasks/%s/blocks", url.PathEscape(taskID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ResolveBlock resolves a block by id.
func (c *Client) ResolveBlock(ctx context.Context, blockID string) (Block, error) {
	var resp Block
	endpoint := c.apiPath(fmt.Sprintf("blocks/%s/resolve", url.PathEscape(blockID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Blocks lists blocks for a task.
func (c *Client) Blocks(ctx context.Context, taskID string, includeResolved bool) ([]Block, error) {
	endpoint := c.apiPath(fmt.Sprintf("tasks/%s/blocks", url.PathEscape(taskID)))
	if includeResolved {
		endpoint += "?include_resolved=true"
	}
	var resp []Block
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Ready returns startable tasks, globally or scoped to a list.
func (c *Client) Ready(ctx context.Context, listID string) ([]Task, error) {
	endpoint := c.apiPath("ready")
	if listID != "" {
		endpoint = c.apiPath(fmt.Sprintf("lists/%s/ready", url.PathEscape(listID)))
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CriticalPathFor computes the critical path, globally or for one list.
func (c *Client) CriticalPathFor(ctx context.Context, listID string) (CriticalPath, error) {
	endpoint := c.apiPath("critical-path")
	if listID != "" {
		endpoint = c.apiPath(fmt.Sprintf("lists/%s/critical-path", url.PathEscape(listID)))
	}
	var resp CriticalPath
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateList creates a task list.
func (c *Client) CreateList(ctx context.Context, name, mode string) (TaskList, error) {
	body := map[string]any{"name": name}
	if mode != "" {
		body["execution_mode"] = mode
	}
	var resp TaskList
	err := c.do(ctx, http.MethodPost, c.apiPath("lists"), body, &resp)
	return resp, err
}

// AddToList appends a task to a list, or inserts at position when given.
func (c *Client) AddToList(ctx context.Context, listID, taskID string, position *int) (Membership, error) {
	body := map[string]any{"task_id": taskID}
	if position != nil {
		body["position"] = *position
	}
	var resp Membership
	endpoint := c.apiPath(fmt.Sprintf("lists/%s/tasks", url.PathEscape(listID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Suggest asks the scheduler for the next tasks in a list.
func (c *Client) Suggest(ctx context.Context, listID string) ([]Suggestion, error) {
	var resp []Suggestion
	endpoint := c.apiPath(fmt.Sprintf("lists/%s/suggest", url.PathEscape(listID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.apiPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	return "v0/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

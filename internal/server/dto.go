package server

import (
	"encoding/json"

	"taskline/internal/config"
	"taskline/internal/domain"
)

// Request payloads

type SubmitTaskRequest struct {
	ID             *string  `json:"id,omitempty"`
	Title          string   `json:"title" minLength:"1"`
	Description    *string  `json:"description,omitempty"`
	Category       string   `json:"category,omitempty" enum:"feature,bugfix,refactor,docs,chore,research"`
	EffortMinutes  *int     `json:"effort_minutes,omitempty" minimum:"0"`
	Deadline       *string  `json:"deadline,omitempty" format:"date-time"`
	StrategicBonus *int     `json:"strategic_bonus,omitempty"`
	ConflictSet    []string `json:"conflict_set,omitempty"`
	Tests          []string `json:"tests,omitempty"`
	AssigneeID     *string  `json:"assignee_id,omitempty"`
}

type UpdateTaskRequest struct {
	Title          *string  `json:"title,omitempty"`
	Description    *string  `json:"description,omitempty"`
	Category       *string  `json:"category,omitempty" enum:"feature,bugfix,refactor,docs,chore,research"`
	EffortMinutes  *int     `json:"effort_minutes,omitempty" minimum:"0"`
	Deadline       *string  `json:"deadline,omitempty" format:"date-time"`
	StrategicBonus *int     `json:"strategic_bonus,omitempty"`
	ConflictSet    []string `json:"conflict_set,omitempty"`
	Tests          []string `json:"tests,omitempty"`
	AssigneeID     *string  `json:"assignee_id,omitempty"`
}

type TransitionRequest struct {
	To     string `json:"to" enum:"pending,blocked,in_progress,validating,failed,stale,completed,cancelled"`
	Reason string `json:"reason,omitempty"`
}

type CreateRelationshipRequest struct {
	SourceID string   `json:"source_id"`
	TargetID string   `json:"target_id"`
	Type     string   `json:"type" enum:"depends_on,blocks,subtask_of,parent_of,related_to,duplicate_of,supersedes,superseded_by,follows,precedes,references"`
	Strength *float64 `json:"strength,omitempty" minimum:"0" maximum:"1"`
}

type BlockTaskRequest struct {
	Reason   string `json:"reason" minLength:"1"`
	Severity string `json:"severity,omitempty" enum:"info,warning,error"`
}

type CreateListRequest struct {
	ID            *string  `json:"id,omitempty"`
	Name          string   `json:"name" minLength:"1"`
	ScopeRefs     []string `json:"scope_refs,omitempty"`
	ExecutionMode string   `json:"execution_mode,omitempty" enum:"sequential,parallel,priority"`
	ChannelID     *string  `json:"channel_id,omitempty"`
}

type AddListTaskRequest struct {
	TaskID   string `json:"task_id"`
	Position *int   `json:"position,omitempty" minimum:"0"`
}

type LinkChannelRequest struct {
	ChannelID string `json:"channel_id" minLength:"1"`
}

type UpdateConfigRequest struct {
	Scheduler  schedulerConfigSection  `json:"scheduler"`
	Validation validationConfigSection `json:"validation"`
	Webhooks   []webhookConfigSection  `json:"webhooks,omitempty"`
}

// Response payloads

type TaskResponse struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Category       string   `json:"category" enum:"feature,bugfix,refactor,docs,chore,research"`
	Status         string   `json:"status" enum:"draft,pending,blocked,in_progress,validating,failed,stale,completed,cancelled"`
	Priority       int      `json:"priority"`
	EffortMinutes  int      `json:"effort_minutes"`
	Deadline       *string  `json:"deadline,omitempty" format:"date-time"`
	StrategicBonus int      `json:"strategic_bonus"`
	ConflictSet    []string `json:"conflict_set"`
	Tests          []string `json:"tests"`
	AssigneeID     *string  `json:"assignee_id,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
}

type RelationshipResponse struct {
	ID        string   `json:"id"`
	SourceID  string   `json:"source_id"`
	TargetID  string   `json:"target_id"`
	Type      string   `json:"type"`
	Strength  *float64 `json:"strength,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type BlockResponse struct {
	ID             string  `json:"id"`
	TaskID         string  `json:"task_id"`
	Type           string  `json:"type" enum:"validation,dependency,manual,ambiguous"`
	Severity       string  `json:"severity" enum:"info,warning,error"`
	Reason         string  `json:"reason"`
	Source         string  `json:"source,omitempty"`
	RelationshipID *string `json:"relationship_id,omitempty"`
	Resolved       bool    `json:"resolved"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	ResolvedAt     *string `json:"resolved_at,omitempty" format:"date-time"`
}

type TransitionResponse struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	ActorID    string `json:"actor_id"`
	Reason     string `json:"reason,omitempty"`
	TS         string `json:"ts" format:"date-time"`
}

type ListResponse struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	ScopeRefs      []string `json:"scope_refs"`
	ExecutionMode  string   `json:"execution_mode" enum:"sequential,parallel,priority"`
	Status         string   `json:"status" enum:"active,completed,archived"`
	ChannelID      *string  `json:"channel_id,omitempty"`
	CompletedCount int      `json:"completed_count"`
	TotalCount     int      `json:"total_count"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type MembershipResponse struct {
	ListID   string `json:"list_id"`
	TaskID   string `json:"task_id"`
	Position int    `json:"position"`
	Status   string `json:"status" enum:"pending,completed,skipped"`
	AddedAt  string `json:"added_at" format:"date-time"`
}

type SuggestionResponse struct {
	TaskID    string `json:"task_id"`
	Title     string `json:"title"`
	Score     int    `json:"score"`
	Rationale string `json:"rationale"`
	Group     int    `json:"group"`
	Parallel  bool   `json:"parallel"`
}

type CriticalPathResponse struct {
	Tasks              []TaskResponse `json:"tasks"`
	TotalEffortMinutes int            `json:"total_effort_minutes"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type ConfigResponse struct {
	Scheduler  schedulerConfigSection  `json:"scheduler"`
	Validation validationConfigSection `json:"validation"`
	Webhooks   []webhookConfigSection  `json:"webhooks,omitempty"`
}

type schedulerConfigSection struct {
	TickIntervalSeconds        int  `json:"tick_interval_seconds" minimum:"0"`
	MinEmissionIntervalMinutes int  `json:"min_emission_interval_minutes" minimum:"0"`
	TopN                       int  `json:"top_n" minimum:"0"`
	ActiveHours                struct {
		Start string `json:"start,omitempty"`
		End   string `json:"end,omitempty"`
	} `json:"active_hours"`
	StaleAfterHours int `json:"stale_after_hours" minimum:"0"`
}

type validationConfigSection struct {
	Rules []ruleConfigSection `json:"rules"`
}

type ruleConfigSection struct {
	ID             string   `json:"id"`
	Kind           string   `json:"kind" enum:"required_field,tests_required,ambiguity"`
	CategoryFilter []string `json:"category_filter,omitempty"`
	Severity       string   `json:"severity,omitempty" enum:"info,warning,error"`
	Blocking       bool     `json:"blocking"`
	Config         struct {
		Fields   []string `json:"fields,omitempty"`
		MinTests int      `json:"min_tests,omitempty"`
		Terms    []string `json:"terms,omitempty"`
	} `json:"config"`
}

type webhookConfigSection struct {
	URL            string   `json:"url" minLength:"1"`
	Secret         string   `json:"secret,omitempty"`
	Events         []string `json:"events,omitempty"`
	Enabled        *bool    `json:"enabled,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" minimum:"0"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedLists struct {
	Items      []ListResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		Title:          t.Title,
		Description:    t.Description,
		Category:       t.Category,
		Status:         t.Status,
		Priority:       t.Priority,
		EffortMinutes:  t.EffortMinutes,
		Deadline:       t.Deadline,
		StrategicBonus: t.StrategicBonus,
		ConflictSet:    nonNilSlice(t.ConflictSet),
		Tests:          nonNilSlice(t.Tests),
		AssigneeID:     t.AssigneeID,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		CompletedAt:    t.CompletedAt,
	}
}

func mapTasks(tasks []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t))
	}
	return out
}

func relationshipResponse(r domain.Relationship) RelationshipResponse {
	return RelationshipResponse(r)
}

func mapRelationships(rels []domain.Relationship) []RelationshipResponse {
	out := make([]RelationshipResponse, 0, len(rels))
	for _, r := range rels {
		out = append(out, relationshipResponse(r))
	}
	return out
}

func blockResponse(b domain.Block) BlockResponse {
	return BlockResponse(b)
}

func mapBlocks(blocks []domain.Block) []BlockResponse {
	out := make([]BlockResponse, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, blockResponse(b))
	}
	return out
}

func mapTransitions(trs []domain.StateTransition) []TransitionResponse {
	out := make([]TransitionResponse, 0, len(trs))
	for _, tr := range trs {
		out = append(out, TransitionResponse(tr))
	}
	return out
}

func listResponse(l domain.TaskList) ListResponse {
	res := ListResponse(l)
	res.ScopeRefs = nonNilSlice(res.ScopeRefs)
	return res
}

func mapLists(lists []domain.TaskList) []ListResponse {
	out := make([]ListResponse, 0, len(lists))
	for _, l := range lists {
		out = append(out, listResponse(l))
	}
	return out
}

func mapMemberships(members []domain.Membership) []MembershipResponse {
	out := make([]MembershipResponse, 0, len(members))
	for _, m := range members {
		out = append(out, MembershipResponse(m))
	}
	return out
}

func mapSuggestions(suggestions []domain.Suggestion) []SuggestionResponse {
	out := make([]SuggestionResponse, 0, len(suggestions))
	for _, s := range suggestions {
		out = append(out, SuggestionResponse(s))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapEvents(events []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse(e))
	}
	return out
}

func configResponse(cfg *config.Config) ConfigResponse {
	var res ConfigResponse
	res.Scheduler.TickIntervalSeconds = cfg.Scheduler.TickIntervalSeconds
	res.Scheduler.MinEmissionIntervalMinutes = cfg.Scheduler.MinEmissionIntervalMinutes
	res.Scheduler.TopN = cfg.Scheduler.TopN
	res.Scheduler.ActiveHours.Start = cfg.Scheduler.ActiveHours.Start
	res.Scheduler.ActiveHours.End = cfg.Scheduler.ActiveHours.End
	res.Scheduler.StaleAfterHours = cfg.Scheduler.StaleAfterHours
	res.Validation.Rules = make([]ruleConfigSection, 0, len(cfg.Validation.Rules))
	for _, r := range cfg.Validation.Rules {
		var rule ruleConfigSection
		rule.ID = r.ID
		rule.Kind = r.Kind
		rule.CategoryFilter = r.CategoryFilter
		rule.Severity = r.Severity
		rule.Blocking = r.Blocking
		rule.Config.Fields = r.Config.Fields
		rule.Config.MinTests = r.Config.MinTests
		rule.Config.Terms = r.Config.Terms
		res.Validation.Rules = append(res.Validation.Rules, rule)
	}
	for _, h := range cfg.Webhooks {
		res.Webhooks = append(res.Webhooks, webhookConfigSection{
			URL:            h.URL,
			Secret:         h.Secret,
			Events:         h.Events,
			Enabled:        h.Enabled,
			TimeoutSeconds: h.TimeoutSeconds,
		})
	}
	return res
}

func configFromRequest(req UpdateConfigRequest) *config.Config {
	cfg := &config.Config{}
	cfg.Scheduler.TickIntervalSeconds = req.Scheduler.TickIntervalSeconds
	cfg.Scheduler.MinEmissionIntervalMinutes = req.Scheduler.MinEmissionIntervalMinutes
	cfg.Scheduler.TopN = req.Scheduler.TopN
	cfg.Scheduler.ActiveHours.Start = req.Scheduler.ActiveHours.Start
	cfg.Scheduler.ActiveHours.End = req.Scheduler.ActiveHours.End
	cfg.Scheduler.StaleAfterHours = req.Scheduler.StaleAfterHours
	for _, r := range req.Validation.Rules {
		var rule config.ValidationRule
		rule.ID = r.ID
		rule.Kind = r.Kind
		rule.CategoryFilter = r.CategoryFilter
		rule.Severity = r.Severity
		rule.Blocking = r.Blocking
		rule.Config.Fields = r.Config.Fields
		rule.Config.MinTests = r.Config.MinTests
		rule.Config.Terms = r.Config.Terms
		cfg.Validation.Rules = append(cfg.Validation.Rules, rule)
	}
	for _, h := range req.Webhooks {
		cfg.Webhooks = append(cfg.Webhooks, config.WebhookConfig{
			URL:            h.URL,
			Secret:         h.Secret,
			Events:         h.Events,
			Enabled:        h.Enabled,
			TimeoutSeconds: h.TimeoutSeconds,
		})
	}
	return cfg
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func intVal(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskline/internal/config"
	"taskline/internal/domain"
	"taskline/internal/events"
	"taskline/internal/graph"
	"taskline/internal/lifecycle"
	"taskline/internal/priority"
	"taskline/internal/repo"
	"taskline/internal/rules"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ValidationBlockedError is returned when a draft fails the gate on its way
// to pending. The findings are recorded as blocks before this is returned.
type ValidationBlockedError struct {
	TaskID string
	Issues []rules.Issue
}

func (e *ValidationBlockedError) Error() string {
	ids := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		ids = append(ids, i.RuleID)
	}
	return fmt.Sprintf("task %s blocked by validation: %s", e.TaskID, strings.Join(ids, ", "))
}

// TaskCreateOptions are parameters for submitting a task.
type TaskCreateOptions struct {
	ID             string
	Title          string
	Description    string
	Category       string
	EffortMinutes  int
	Deadline       string
	StrategicBonus int
	ConflictSet    []string
	Tests          []string
	AssigneeID     string
	ActorID        string
}

// SubmitTask creates a task in draft and runs the validation gate over it.
// Findings are recorded as blocks but never fail the submission; the task
// simply cannot leave draft until the blocking ones are addressed.
func (e Engine) SubmitTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.Category == "" {
		opts.Category = domain.CategoryFeature
	}
	if !domain.KnownCategory(opts.Category) {
		return domain.Task{}, fmt.Errorf("unknown category %s", opts.Category)
	}
	if opts.EffortMinutes < 0 {
		return domain.Task{}, errors.New("effort must not be negative")
	}
	if opts.Deadline != "" {
		if _, err := time.Parse(time.RFC3339, opts.Deadline); err != nil {
			return domain.Task{}, fmt.Errorf("deadline: %w", err)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	// A fresh task has no dependents, so its initial score needs no graph.
	score := priority.Score(priority.Inputs{
		EffortMinutes:  opts.EffortMinutes,
		Deadline:       opts.Deadline,
		StrategicBonus: opts.StrategicBonus,
	}, e.now())
	t := domain.Task{
		ID:             id,
		Title:          opts.Title,
		Description:    opts.Description,
		Category:       opts.Category,
		Status:         domain.StatusDraft,
		Priority:       score,
		EffortMinutes:  opts.EffortMinutes,
		Deadline:       optionalString(opts.Deadline),
		StrategicBonus: opts.StrategicBonus,
		ConflictSet:    opts.ConflictSet,
		Tests:          opts.Tests,
		AssigneeID:     optionalString(opts.AssigneeID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	issues, err := e.runGateTx(ctx, tx, t)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskSubmitted, "task", t.ID, opts.ActorID, events.EventPayload{
		"title": t.Title, "category": t.Category,
	}); err != nil {
		return domain.Task{}, err
	}
	if blocking := rules.Blocking(issues); len(blocking) > 0 {
		if err := e.Events.Append(ctx, tx, events.TaskValidationFailed, "task", t.ID, opts.ActorID, issuePayload(blocking)); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// runGateTx refreshes the validation findings for a task: earlier gate
// blocks are closed and the current blocking findings recorded as blocks.
// Advisory findings are only returned, never persisted, so they cannot
// hold a task once the gate lets it through.
func (e Engine) runGateTx(ctx context.Context, tx *sql.Tx, t domain.Task) ([]rules.Issue, error) {
	now := e.now().UTC().Format(time.RFC3339)
	gateTypes := []string{domain.BlockValidation, domain.BlockAmbiguous}
	if _, err := e.Repo.ResolveBlocksOfTypesTx(ctx, tx, t.ID, gateTypes, now); err != nil {
		return nil, err
	}
	issues := rules.Evaluate(e.Config.Validation.Rules, t)
	for _, issue := range issues {
		if !issue.Blocking {
			continue
		}
		b := domain.Block{
			ID:        uuid.NewString(),
			TaskID:    t.ID,
			Type:      issue.BlockType(),
			Severity:  issue.Severity,
			Reason:    issue.Message,
			Source:    issue.RuleID,
			CreatedAt: now,
		}
		if err := e.Repo.InsertBlockTx(ctx, tx, b); err != nil {
			return nil, err
		}
	}
	return issues, nil
}

// TaskUpdateOptions carry partial field updates. Nil pointers leave a field
// untouched; empty strings behind Deadline and Assignee clear them. Nil
// slices are left alone, so pass an empty slice to clear one.
type TaskUpdateOptions struct {
	ID             string
	Title          *string
	Description    *string
	Category       *string
	EffortMinutes  *int
	Deadline       *string
	StrategicBonus *int
	ConflictSet    []string
	Tests          []string
	Assignee       *string
	ActorID        string
}

// UpdateTaskFields edits a non-terminal task. Drafts get their gate
// findings refreshed so fixing a field clears its block immediately.
func (e Engine) UpdateTaskFields(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.ID)
	if err != nil {
		return t, err
	}
	if lifecycle.Terminal(t.Status) {
		return t, fmt.Errorf("%w: task %s is %s", repo.ErrConflict, t.ID, t.Status)
	}
	var changedFields []string
	if opts.Title != nil && *opts.Title != t.Title {
		if *opts.Title == "" {
			return t, errors.New("title is required")
		}
		t.Title = *opts.Title
		changedFields = append(changedFields, "title")
	}
	if opts.Description != nil && *opts.Description != t.Description {
		t.Description = *opts.Description
		changedFields = append(changedFields, "description")
	}
	if opts.Category != nil && *opts.Category != t.Category {
		if !domain.KnownCategory(*opts.Category) {
			return t, fmt.Errorf("unknown category %s", *opts.Category)
		}
		t.Category = *opts.Category
		changedFields = append(changedFields, "category")
	}
	if opts.EffortMinutes != nil && *opts.EffortMinutes != t.EffortMinutes {
		if *opts.EffortMinutes < 0 {
			return t, errors.New("effort must not be negative")
		}
		t.EffortMinutes = *opts.EffortMinutes
		changedFields = append(changedFields, "effort_minutes")
	}
	if opts.Deadline != nil {
		if *opts.Deadline == "" {
			if t.Deadline != nil {
				t.Deadline = nil
				changedFields = append(changedFields, "deadline")
			}
		} else {
			if _, err := time.Parse(time.RFC3339, *opts.Deadline); err != nil {
				return t, fmt.Errorf("deadline: %w", err)
			}
			t.Deadline = opts.Deadline
			changedFields = append(changedFields, "deadline")
		}
	}
	if opts.StrategicBonus != nil && *opts.StrategicBonus != t.StrategicBonus {
		t.StrategicBonus = *opts.StrategicBonus
		changedFields = append(changedFields, "strategic_bonus")
	}
	if opts.ConflictSet != nil {
		t.ConflictSet = opts.ConflictSet
		changedFields = append(changedFields, "conflict_set")
	}
	if opts.Tests != nil {
		t.Tests = opts.Tests
		changedFields = append(changedFields, "tests")
	}
	if opts.Assignee != nil {
		t.AssigneeID = optionalString(*opts.Assignee)
		changedFields = append(changedFields, "assignee_id")
	}
	if len(changedFields) == 0 {
		return t, nil
	}
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if t.Status == domain.StatusDraft {
		if _, err := e.runGateTx(ctx, tx, t); err != nil {
			return t, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TaskUpdated, "task", t.ID, opts.ActorID, events.EventPayload{
		"fields": changedFields,
	}); err != nil {
		return t, err
	}
	if _, err := e.recalcTx(ctx, tx, ""); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func issuePayload(issues []rules.Issue) events.EventPayload {
	list := make([]map[string]any, 0, len(issues))
	for _, i := range issues {
		list = append(list, map[string]any{
			"rule": i.RuleID, "severity": i.Severity, "message": i.Message,
		})
	}
	return events.EventPayload{"issues": list}
}

// TransitionOptions describe one requested status change.
type TransitionOptions struct {
	TaskID  string
	To      string
	Reason  string
	ActorID string
}

// RequestTransition drives the task status machine. Leaving draft re-runs
// the validation gate; completing a task resolves dependency blocks, wakes
// blocked dependents, syncs list memberships, and refreshes priorities, all
// in the same transaction.
func (e Engine) RequestTransition(ctx context.Context, opts TransitionOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return t, err
	}
	if err := lifecycle.Ensure(t.Status, opts.To); err != nil {
		return t, err
	}

	if t.Status == domain.StatusDraft && opts.To == domain.StatusPending {
		issues, err := e.runGateTx(ctx, tx, t)
		if err != nil {
			return t, err
		}
		if blocking := rules.Blocking(issues); len(blocking) > 0 {
			if err := e.Events.Append(ctx, tx, events.TaskValidationFailed, "task", t.ID, opts.ActorID, issuePayload(blocking)); err != nil {
				return t, err
			}
			// The findings must survive even though the transition is
			// refused, so this commit happens before the error.
			if err := tx.Commit(); err != nil {
				return t, err
			}
			return t, &ValidationBlockedError{TaskID: t.ID, Issues: blocking}
		}
		if err := e.Events.Append(ctx, tx, events.TaskValidationPassed, "task", t.ID, opts.ActorID, nil); err != nil {
			return t, err
		}
	}

	if err := e.transitionTx(ctx, tx, &t, opts.To, opts.ActorID, opts.Reason); err != nil {
		return t, err
	}

	switch opts.To {
	case domain.StatusPending:
		if err := e.reblockIfHeldTx(ctx, tx, &t, opts.ActorID); err != nil {
			return t, err
		}
	case domain.StatusCompleted:
		if err := e.completeTaskTx(ctx, tx, &t, opts.ActorID); err != nil {
			return t, err
		}
	case domain.StatusCancelled:
		if err := e.syncMembershipsTx(ctx, tx, t.ID, domain.MemberSkipped, opts.ActorID); err != nil {
			return t, err
		}
		if _, err := e.recalcTx(ctx, tx, ""); err != nil {
			return t, err
		}
	}

	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// transitionTx flips the status, appends the history row, and emits the
// status change event. Callers have already vetted the transition.
func (e Engine) transitionTx(ctx context.Context, tx *sql.Tx, t *domain.Task, to, actorID, reason string) error {
	from := t.Status
	now := e.now().UTC().Format(time.RFC3339)
	t.Status = to
	t.UpdatedAt = now
	if to == domain.StatusCompleted {
		t.CompletedAt = &now
	}
	if err := e.Repo.UpdateTask(ctx, tx, *t); err != nil {
		return err
	}
	tr := domain.StateTransition{
		ID:         uuid.NewString(),
		TaskID:     t.ID,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actorID,
		Reason:     reason,
		TS:         now,
	}
	if err := e.Repo.InsertTransitionTx(ctx, tx, tr); err != nil {
		return err
	}
	payload := events.EventPayload{"from": from, "to": to}
	if reason != "" {
		payload["reason"] = reason
	}
	return e.Events.Append(ctx, tx, events.TaskStatusChanged, "task", t.ID, actorID, payload)
}

// reblockIfHeldTx bounces a freshly pending task straight to blocked when
// incomplete dependencies or open blocks still hold it.
func (e Engine) reblockIfHeldTx(ctx context.Context, tx *sql.Tx, t *domain.Task, actorID string) error {
	snap, err := graph.Load(ctx, tx)
	if err != nil {
		return err
	}
	held := len(snap.Blockers(t.ID)) > 0
	if !held {
		open, err := e.Repo.CountOpenBlocksTx(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		held = open > 0
	}
	if !held {
		return nil
	}
	if err := e.transitionTx(ctx, tx, t, domain.StatusBlocked, actorID, "blockers remain"); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.TaskBlocked, "task", t.ID, actorID, nil)
}

// completeTaskTx runs the completion side effects: close dependency blocks
// sourced here, wake dependents that nothing holds anymore, mark list
// memberships, and refresh priorities.
func (e Engine) completeTaskTx(ctx context.Context, tx *sql.Tx, t *domain.Task, actorID string) error {
	now := e.now().UTC().Format(time.RFC3339)
	if _, err := e.Repo.ResolveBlocksBySourceTx(ctx, tx, domain.BlockDependency, t.ID, now); err != nil {
		return err
	}
	snap, err := graph.Load(ctx, tx)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	var waiters []string
	for _, w := range snap.Dependents[t.ID] {
		if !seen[w] {
			seen[w] = true
			waiters = append(waiters, w)
		}
	}
	sort.Strings(waiters)
	for _, id := range waiters {
		w, err := e.Repo.GetTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := e.maybeUnblockTx(ctx, tx, snap, &w, actorID); err != nil {
			return err
		}
	}
	if err := e.syncMembershipsTx(ctx, tx, t.ID, domain.MemberCompleted, actorID); err != nil {
		return err
	}
	_, err = e.recalcTx(ctx, tx, "")
	return err
}

// maybeUnblockTx moves a blocked task back to pending once neither the
// graph nor any open block holds it.
func (e Engine) maybeUnblockTx(ctx context.Context, tx *sql.Tx, snap *graph.Snapshot, t *domain.Task, actorID string) (bool, error) {
	if t.Status != domain.StatusBlocked {
		return false, nil
	}
	if len(snap.Blockers(t.ID)) > 0 {
		return false, nil
	}
	open, err := e.Repo.CountOpenBlocksTx(ctx, tx, t.ID)
	if err != nil {
		return false, err
	}
	if open > 0 {
		return false, nil
	}
	if err := e.transitionTx(ctx, tx, t, domain.StatusPending, actorID, "no blockers remain"); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskUnblocked, "task", t.ID, actorID, nil); err != nil {
		return false, err
	}
	return true, nil
}

// syncMembershipsTx marks the task's list memberships after a terminal
// transition and refreshes each touched list's progress.
func (e Engine) syncMembershipsTx(ctx context.Context, tx *sql.Tx, taskID, memberStatus, actorID string) error {
	memberships, err := e.Repo.MembershipsForTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	for _, m := range memberships {
		if m.Status == memberStatus {
			continue
		}
		if err := e.Repo.UpdateMemberStatusTx(ctx, tx, m.ListID, taskID, memberStatus); err != nil {
			return err
		}
		if _, err := e.refreshProgressTx(ctx, tx, m.ListID, actorID); err != nil {
			return err
		}
	}
	return nil
}

// GetTask loads one task.
func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

// History returns a task's status transitions in order.
func (e Engine) History(ctx context.Context, taskID string, limit int) ([]domain.StateTransition, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListTransitions(ctx, taskID, limit)
}

// Blockers resolves the transitive incomplete tasks holding the given one.
func (e Engine) Blockers(ctx context.Context, taskID string) ([]domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetTaskTx(ctx, tx, taskID); err != nil {
		return nil, err
	}
	snap, err := graph.Load(ctx, tx)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for _, id := range snap.Blockers(taskID) {
		t, err := e.Repo.GetTaskTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

// ReadyTasks lists tasks that could start right now, best first. An empty
// listID considers the whole store.
func (e Engine) ReadyTasks(ctx context.Context, listID string) ([]domain.Task, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return e.readyTx(ctx, tx, listID)
}

// ReadySnapshot returns the ready tasks together with the blocking
// subgraph they were ranked against, read in a single transaction so the
// pair cannot skew against each other.
func (e Engine) ReadySnapshot(ctx context.Context, listID string) ([]domain.Task, *graph.Snapshot, error) {
	if e.Config == nil {
		return nil, nil, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()
	ready, err := e.readyTx(ctx, tx, listID)
	if err != nil {
		return nil, nil, err
	}
	var snap *graph.Snapshot
	if listID == "" {
		snap, err = graph.Load(ctx, tx)
	} else {
		snap, err = graph.LoadList(ctx, tx, listID)
	}
	if err != nil {
		return nil, nil, err
	}
	return ready, snap, nil
}

func (e Engine) readyTx(ctx context.Context, tx *sql.Tx, listID string) ([]domain.Task, error) {
	if listID != "" {
		if _, err := e.Repo.GetListTx(ctx, tx, listID); err != nil {
			return nil, err
		}
	}
	candidates, err := e.Repo.ReadyTasks(ctx, tx, listID)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for _, t := range candidates {
		if rules.Passed(rules.Evaluate(e.Config.Validation.Rules, t)) {
			res = append(res, t)
		}
	}
	return res, nil
}

// RecalculatePriorities rescores every non-terminal task and reports how
// many rows changed. It emits no events; scores are derived data.
func (e Engine) RecalculatePriorities(ctx context.Context, listID string) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if listID != "" {
		if _, err := e.Repo.GetListTx(ctx, tx, listID); err != nil {
			return 0, err
		}
	}
	n, err := e.recalcTx(ctx, tx, listID)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (e Engine) recalcTx(ctx context.Context, tx *sql.Tx, listID string) (int, error) {
	var snap *graph.Snapshot
	var err error
	if listID == "" {
		snap, err = graph.Load(ctx, tx)
	} else {
		snap, err = graph.LoadList(ctx, tx, listID)
	}
	if err != nil {
		return 0, err
	}
	tasks, err := e.Repo.ListTasksTx(ctx, tx, repo.TaskFilters{ListID: listID})
	if err != nil {
		return 0, err
	}
	now := e.now()
	changed := 0
	for _, t := range tasks {
		if lifecycle.Terminal(t.Status) {
			continue
		}
		deadline := ""
		if t.Deadline != nil {
			deadline = *t.Deadline
		}
		score := priority.Score(priority.Inputs{
			BlockedCount:   snap.BlockedCount(t.ID),
			EffortMinutes:  t.EffortMinutes,
			Deadline:       deadline,
			StrategicBonus: t.StrategicBonus,
		}, now)
		if score == t.Priority {
			continue
		}
		if err := e.Repo.UpdateTaskPriority(ctx, tx, t.ID, score); err != nil {
			return 0, err
		}
		changed++
	}
	return changed, nil
}

// CriticalPath returns the longest remaining chain by effort, in execution
// order, with its total effort in minutes.
func (e Engine) CriticalPath(ctx context.Context, listID string) ([]domain.Task, int, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()
	var snap *graph.Snapshot
	if listID == "" {
		snap, err = graph.Load(ctx, tx)
	} else {
		if _, err := e.Repo.GetListTx(ctx, tx, listID); err != nil {
			return nil, 0, err
		}
		snap, err = graph.LoadList(ctx, tx, listID)
	}
	if err != nil {
		return nil, 0, err
	}
	ids, total := snap.CriticalPath()
	var res []domain.Task
	for _, id := range ids {
		t, err := e.Repo.GetTaskTx(ctx, tx, id)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, t)
	}
	return res, total, nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

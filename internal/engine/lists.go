package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskline/internal/domain"
	"taskline/internal/events"
	"taskline/internal/repo"
)

// ListCreateOptions are parameters for creating a task list.
type ListCreateOptions struct {
	ID            string
	Name          string
	ScopeRefs     []string
	ExecutionMode string
	ChannelID     string
	ActorID       string
}

func (e Engine) CreateList(ctx context.Context, opts ListCreateOptions) (domain.TaskList, error) {
	if opts.Name == "" {
		return domain.TaskList{}, errors.New("name is required")
	}
	if opts.ExecutionMode == "" {
		opts.ExecutionMode = domain.ModeSequential
	}
	if !domain.KnownMode(opts.ExecutionMode) {
		return domain.TaskList{}, fmt.Errorf("unknown execution mode %s", opts.ExecutionMode)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	l := domain.TaskList{
		ID:            id,
		Name:          opts.Name,
		ScopeRefs:     opts.ScopeRefs,
		ExecutionMode: opts.ExecutionMode,
		Status:        domain.ListActive,
		ChannelID:     optionalString(opts.ChannelID),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskList{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertListTx(ctx, tx, l); err != nil {
		return domain.TaskList{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ListCreated, "list", l.ID, opts.ActorID, events.EventPayload{
		"name": l.Name, "execution_mode": l.ExecutionMode,
	}); err != nil {
		return domain.TaskList{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskList{}, err
	}
	return l, nil
}

func (e Engine) GetList(ctx context.Context, id string) (domain.TaskList, error) {
	return e.Repo.GetList(ctx, id)
}

func (e Engine) Lists(ctx context.Context, f repo.ListFilters) ([]domain.TaskList, error) {
	return e.Repo.ListLists(ctx, f)
}

// Members returns a list's memberships in position order.
func (e Engine) Members(ctx context.Context, listID string) ([]domain.Membership, error) {
	if _, err := e.Repo.GetList(ctx, listID); err != nil {
		return nil, err
	}
	return e.Repo.ListMembers(ctx, listID)
}

// AddToListOptions place a task in a list. A negative Position appends.
type AddToListOptions struct {
	ListID   string
	TaskID   string
	Position int
	ActorID  string
}

// AddTaskToList inserts a membership, shifting later positions up so they
// stay unique and contiguous.
func (e Engine) AddTaskToList(ctx context.Context, opts AddToListOptions) (domain.Membership, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Membership{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListTx(ctx, tx, opts.ListID)
	if err != nil {
		return domain.Membership{}, err
	}
	if l.Status != domain.ListActive {
		return domain.Membership{}, fmt.Errorf("%w: list %s is %s", repo.ErrConflict, l.ID, l.Status)
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.Membership{}, err
	}
	members, err := e.Repo.ListMembersTx(ctx, tx, opts.ListID)
	if err != nil {
		return domain.Membership{}, err
	}

	status := domain.MemberPending
	switch t.Status {
	case domain.StatusCompleted:
		status = domain.MemberCompleted
	case domain.StatusCancelled:
		status = domain.MemberSkipped
	}
	m := domain.Membership{
		ListID:  l.ID,
		TaskID:  t.ID,
		Status:  status,
		AddedAt: e.now().UTC().Format(time.RFC3339),
	}
	if opts.Position < 0 || opts.Position >= len(members) {
		m.Position = len(members)
		if err := e.Repo.InsertMemberTx(ctx, tx, m); err != nil {
			return domain.Membership{}, err
		}
	} else {
		if err := e.Repo.StageMemberPositionsTx(ctx, tx, l.ID); err != nil {
			return domain.Membership{}, err
		}
		m.Position = opts.Position
		if err := e.Repo.InsertMemberTx(ctx, tx, m); err != nil {
			return domain.Membership{}, err
		}
		for i, existing := range members {
			final := i
			if i >= opts.Position {
				final = i + 1
			}
			if err := e.Repo.SetMemberPositionTx(ctx, tx, l.ID, existing.TaskID, final); err != nil {
				return domain.Membership{}, err
			}
		}
	}

	if _, err := e.refreshProgressTx(ctx, tx, l.ID, opts.ActorID); err != nil {
		return domain.Membership{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ListMemberAdded, "list", l.ID, opts.ActorID, events.EventPayload{
		"task_id": t.ID, "position": m.Position,
	}); err != nil {
		return domain.Membership{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Membership{}, err
	}
	return m, nil
}

// RemoveTaskFromList drops a membership and renumbers the remainder back to
// a contiguous 0..n-1.
func (e Engine) RemoveTaskFromList(ctx context.Context, listID, taskID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetListTx(ctx, tx, listID); err != nil {
		return err
	}
	if err := e.Repo.DeleteMemberTx(ctx, tx, listID, taskID); err != nil {
		return err
	}
	members, err := e.Repo.ListMembersTx(ctx, tx, listID)
	if err != nil {
		return err
	}
	if len(members) > 0 {
		if err := e.Repo.StageMemberPositionsTx(ctx, tx, listID); err != nil {
			return err
		}
		for i, m := range members {
			if err := e.Repo.SetMemberPositionTx(ctx, tx, listID, m.TaskID, i); err != nil {
				return err
			}
		}
	}
	if _, err := e.refreshProgressTx(ctx, tx, listID, actorID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ListMemberRemoved, "list", listID, actorID, events.EventPayload{
		"task_id": taskID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// CompleteList closes a list once every member is completed or skipped.
func (e Engine) CompleteList(ctx context.Context, listID, actorID string) (domain.TaskList, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskList{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListTx(ctx, tx, listID)
	if err != nil {
		return domain.TaskList{}, err
	}
	if l.Status != domain.ListActive {
		return domain.TaskList{}, fmt.Errorf("%w: list %s is %s", repo.ErrConflict, l.ID, l.Status)
	}
	counts, err := e.Repo.MemberStatusCountsTx(ctx, tx, listID)
	if err != nil {
		return domain.TaskList{}, err
	}
	if n := counts[domain.MemberPending]; n > 0 {
		return domain.TaskList{}, fmt.Errorf("%w: %d task(s) still unfinished", repo.ErrConflict, n)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	l.Status = domain.ListCompleted
	l.CompletedCount = counts[domain.MemberCompleted]
	l.TotalCount = total
	l.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateListTx(ctx, tx, l); err != nil {
		return domain.TaskList{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ListCompleted, "list", l.ID, actorID, events.EventPayload{
		"completed": l.CompletedCount, "skipped": counts[domain.MemberSkipped], "total": total,
	}); err != nil {
		return domain.TaskList{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskList{}, err
	}
	return l, nil
}

// ArchiveList retires a list. Members are untouched.
func (e Engine) ArchiveList(ctx context.Context, listID, actorID string) (domain.TaskList, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskList{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListTx(ctx, tx, listID)
	if err != nil {
		return domain.TaskList{}, err
	}
	if l.Status == domain.ListArchived {
		return domain.TaskList{}, fmt.Errorf("%w: list %s already archived", repo.ErrConflict, l.ID)
	}
	l.Status = domain.ListArchived
	l.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateListTx(ctx, tx, l); err != nil {
		return domain.TaskList{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ListArchived, "list", l.ID, actorID, nil); err != nil {
		return domain.TaskList{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskList{}, err
	}
	return l, nil
}

// LinkChannel binds a notification channel to a list. A list holds at most
// one channel and a channel serves at most one list; relinking requires an
// explicit unlink first.
func (e Engine) LinkChannel(ctx context.Context, listID, channelID, actorID string) (domain.TaskList, error) {
	if channelID == "" {
		return domain.TaskList{}, errors.New("channel id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskList{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListTx(ctx, tx, listID)
	if err != nil {
		return domain.TaskList{}, err
	}
	if l.ChannelID != nil {
		return domain.TaskList{}, fmt.Errorf("%w: list %s already linked to %s", repo.ErrConflict, l.ID, *l.ChannelID)
	}
	l.ChannelID = &channelID
	l.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateListTx(ctx, tx, l); err != nil {
		return domain.TaskList{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ListChannelLinked, "list", l.ID, actorID, events.EventPayload{
		"channel_id": channelID,
	}); err != nil {
		return domain.TaskList{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskList{}, err
	}
	return l, nil
}

func (e Engine) UnlinkChannel(ctx context.Context, listID, actorID string) (domain.TaskList, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskList{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetListTx(ctx, tx, listID)
	if err != nil {
		return domain.TaskList{}, err
	}
	if l.ChannelID == nil {
		return domain.TaskList{}, fmt.Errorf("%w: list %s has no channel", repo.ErrConflict, l.ID)
	}
	channelID := *l.ChannelID
	l.ChannelID = nil
	l.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateListTx(ctx, tx, l); err != nil {
		return domain.TaskList{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ListChannelUnlinked, "list", l.ID, actorID, events.EventPayload{
		"channel_id": channelID,
	}); err != nil {
		return domain.TaskList{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskList{}, err
	}
	return l, nil
}

// RefreshListProgress recomputes a list's counters outside the automatic
// sync paths.
func (e Engine) RefreshListProgress(ctx context.Context, listID, actorID string) (domain.TaskList, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskList{}, err
	}
	defer tx.Rollback()
	l, err := e.refreshProgressTx(ctx, tx, listID, actorID)
	if err != nil {
		return domain.TaskList{}, err
	}
	return l, tx.Commit()
}

// refreshProgressTx updates the counters and emits list.progress_updated
// when they moved.
func (e Engine) refreshProgressTx(ctx context.Context, tx *sql.Tx, listID, actorID string) (domain.TaskList, error) {
	l, err := e.Repo.GetListTx(ctx, tx, listID)
	if err != nil {
		return domain.TaskList{}, err
	}
	counts, err := e.Repo.MemberStatusCountsTx(ctx, tx, listID)
	if err != nil {
		return domain.TaskList{}, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	completed := counts[domain.MemberCompleted]
	if l.CompletedCount == completed && l.TotalCount == total {
		return l, nil
	}
	l.CompletedCount = completed
	l.TotalCount = total
	l.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateListTx(ctx, tx, l); err != nil {
		return domain.TaskList{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ListProgressUpdated, "list", l.ID, actorID, events.EventPayload{
		"completed": completed, "skipped": counts[domain.MemberSkipped], "total": total,
	}); err != nil {
		return domain.TaskList{}, err
	}
	return l, nil
}

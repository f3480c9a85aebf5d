// Package suggest runs the recommendation loop. On every tick priorities
// are refreshed, overdue work is swept stale, and each active list gets a
// ranked set of ready tasks, grouped by what can run in parallel, shaped
// by the list's execution mode. Scheduled emissions honor the configured
// active hours and a per-list minimum interval; on-demand requests bypass
// both.
package suggest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/events"
	"taskline/internal/graph"
	"taskline/internal/priority"
	"taskline/internal/repo"
)

// Manager owns the per-list emission state.
type Manager struct {
	engine engine.Engine
	logger *slog.Logger

	mu    sync.Mutex
	lists map[string]*listState
}

type listState struct {
	lastEmit   time.Time
	generation int
}

func NewManager(e engine.Engine, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{engine: e, logger: logger, lists: map[string]*listState{}}
}

func (m *Manager) now() time.Time {
	if m.engine.Now != nil {
		return m.engine.Now()
	}
	return time.Now()
}

func (m *Manager) state(listID string) *listState {
	st, ok := m.lists[listID]
	if !ok {
		st = &listState{}
		m.lists[listID] = st
	}
	return st
}

// Run ticks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	interval := m.engine.Config.TickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.logger.Info("suggestion loop started", slog.Duration("interval", interval))
	for {
		m.tick(ctx)
		select {
		case <-ctx.Done():
			m.logger.Info("suggestion loop stopped")
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	// Deadline bonuses decay with the clock, so stored scores drift even
	// when nothing mutates.
	if changed, err := m.engine.RecalculatePriorities(ctx, ""); err != nil {
		m.logger.Error("recalculate failed", slog.Any("err", err))
	} else if changed > 0 {
		m.logger.Debug("priorities refreshed", slog.Int("changed", changed))
	}
	if swept, err := m.engine.SweepStale(ctx, "scheduler"); err != nil {
		m.logger.Error("stale sweep failed", slog.Any("err", err))
	} else if swept > 0 {
		m.logger.Info("stale tasks swept", slog.Int("count", swept))
	}
	ids, err := m.engine.Repo.ActiveListIDs(ctx)
	if err != nil {
		m.logger.Error("list scan failed", slog.Any("err", err))
		return
	}
	for _, id := range ids {
		suggestions, err := m.Suggest(ctx, id, "scheduler", false)
		if err != nil {
			m.logger.Error("suggest failed", slog.String("list_id", id), slog.Any("err", err))
			continue
		}
		if len(suggestions) > 0 {
			m.logger.Info("suggestions emitted", slog.String("list_id", id), slog.Int("count", len(suggestions)))
		}
	}
}

// Suggest computes the recommendation set for one list and records a
// suggestion.ready event when something was emitted. A scheduled run that
// is throttled, outside active hours, or overtaken by a later run returns
// nothing without error. Results race with newer runs per list: the slower
// of two concurrent computations is discarded.
func (m *Manager) Suggest(ctx context.Context, listID, actorID string, onDemand bool) ([]domain.Suggestion, error) {
	l, err := m.engine.GetList(ctx, listID)
	if err != nil {
		return nil, err
	}
	if l.Status != domain.ListActive {
		return nil, fmt.Errorf("%w: list %s is %s", repo.ErrConflict, l.ID, l.Status)
	}
	now := m.now()
	if !onDemand {
		if !m.engine.Config.WithinActiveHours(now) {
			return nil, nil
		}
		m.mu.Lock()
		last := m.state(listID).lastEmit
		m.mu.Unlock()
		if !last.IsZero() && now.Sub(last) < m.engine.Config.MinEmissionInterval() {
			return nil, nil
		}
	}

	m.mu.Lock()
	st := m.state(listID)
	st.generation++
	gen := st.generation
	m.mu.Unlock()

	suggestions, err := m.compute(ctx, l, now)
	if err != nil {
		return nil, err
	}
	if len(suggestions) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	st = m.state(listID)
	if st.generation != gen {
		m.mu.Unlock()
		m.logger.Debug("stale suggestion run discarded", slog.String("list_id", listID))
		return nil, nil
	}
	st.lastEmit = now
	m.mu.Unlock()

	if err := m.emit(ctx, l, suggestions, actorID); err != nil {
		return nil, err
	}
	return suggestions, nil
}

func (m *Manager) compute(ctx context.Context, l domain.TaskList, now time.Time) ([]domain.Suggestion, error) {
	ready, snap, err := m.engine.ReadySnapshot(ctx, l.ID)
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return nil, nil
	}

	groupOf, groupSize := assignGroups(snap, ready)
	limit := len(ready)
	switch l.ExecutionMode {
	case domain.ModeSequential:
		limit = 1
	case domain.ModePriority:
		if n := m.engine.Config.TopN(); n < limit {
			limit = n
		}
	}
	out := make([]domain.Suggestion, 0, limit)
	for _, t := range ready[:limit] {
		in := priority.Inputs{
			BlockedCount:   snap.BlockedCount(t.ID),
			EffortMinutes:  t.EffortMinutes,
			StrategicBonus: t.StrategicBonus,
		}
		if t.Deadline != nil {
			in.Deadline = *t.Deadline
		}
		g := groupOf[t.ID]
		out = append(out, domain.Suggestion{
			TaskID:    t.ID,
			Title:     t.Title,
			Score:     t.Priority,
			Rationale: priority.Explain(in, now),
			Group:     g,
			Parallel:  groupSize[g] > 1,
		})
	}
	return out, nil
}

// assignGroups buckets the ranked ready tasks greedily: a task joins the
// first group where no member is linked to it through waits-on edges and
// no member shares a conflict key with it. Reachability ignores status, so
// a chain through an already completed task still keeps the endpoints in
// separate groups.
func assignGroups(snap *graph.Snapshot, ready []domain.Task) (map[string]int, map[int]int) {
	conflicts := make(map[string]map[string]bool, len(ready))
	for _, t := range ready {
		cs := map[string]bool{}
		for _, c := range t.ConflictSet {
			cs[c] = true
		}
		conflicts[t.ID] = cs
	}
	compatible := func(a, b string) bool {
		if snap.Reaches(a, b) || snap.Reaches(b, a) {
			return false
		}
		for c := range conflicts[a] {
			if conflicts[b][c] {
				return false
			}
		}
		return true
	}
	groupOf := make(map[string]int, len(ready))
	groupSize := map[int]int{}
	var members [][]string
	for _, t := range ready {
		placed := false
		for gi, ids := range members {
			ok := true
			for _, mid := range ids {
				if !compatible(t.ID, mid) {
					ok = false
					break
				}
			}
			if ok {
				members[gi] = append(members[gi], t.ID)
				groupOf[t.ID] = gi
				placed = true
				break
			}
		}
		if !placed {
			members = append(members, []string{t.ID})
			groupOf[t.ID] = len(members) - 1
		}
	}
	for _, g := range groupOf {
		groupSize[g]++
	}
	return groupOf, groupSize
}

func (m *Manager) emit(ctx context.Context, l domain.TaskList, suggestions []domain.Suggestion, actorID string) error {
	tx, err := m.engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	tasks := make([]map[string]any, 0, len(suggestions))
	for _, s := range suggestions {
		tasks = append(tasks, map[string]any{
			"task_id": s.TaskID, "score": s.Score, "group": s.Group,
		})
	}
	payload := events.EventPayload{"mode": l.ExecutionMode, "tasks": tasks}
	if l.ChannelID != nil {
		payload["channel_id"] = *l.ChannelID
	}
	if err := m.engine.Events.Append(ctx, tx, events.SuggestionReady, "list", l.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

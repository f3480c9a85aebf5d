package engine_test

import (
	"errors"
	"testing"

	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/repo"
)

func newList(t *testing.T, env testEnv, name string) domain.TaskList {
	t.Helper()
	l, err := env.Engine.CreateList(env.Ctx, engine.ListCreateOptions{Name: name, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create list %q: %v", name, err)
	}
	return l
}

func addMember(t *testing.T, env testEnv, listID, taskID string, position int) domain.Membership {
	t.Helper()
	m, err := env.Engine.AddTaskToList(env.Ctx, engine.AddToListOptions{ListID: listID, TaskID: taskID, Position: position, ActorID: "tester"})
	if err != nil {
		t.Fatalf("add member: %v", err)
	}
	return m
}

func TestCreateListDefaults(t *testing.T) {
	env := newTestEnv(t)
	l := newList(t, env, "Sprint 12")
	if l.ExecutionMode != domain.ModeSequential {
		t.Fatalf("default mode = %s", l.ExecutionMode)
	}
	if l.Status != domain.ListActive {
		t.Fatalf("new list status = %s", l.Status)
	}
	if _, err := env.Engine.CreateList(env.Ctx, engine.ListCreateOptions{ActorID: "tester"}); err == nil {
		t.Fatalf("expected name to be required")
	}
	if _, err := env.Engine.CreateList(env.Ctx, engine.ListCreateOptions{Name: "bad", ExecutionMode: "roundrobin", ActorID: "tester"}); err == nil {
		t.Fatalf("expected unknown mode to be rejected")
	}
	lists, err := env.Engine.Lists(env.Ctx, repo.ListFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(lists) != 1 {
		t.Fatalf("expected 1 list, got %d", len(lists))
	}
}

func TestMembershipPositions(t *testing.T) {
	env := newTestEnv(t)
	l := newList(t, env, "Ordered work")
	t1 := submitPending(t, env, validOpts("First"))
	t2 := submitPending(t, env, validOpts("Second"))
	t3 := submitPending(t, env, validOpts("Third"))
	if m := addMember(t, env, l.ID, t1.ID, -1); m.Position != 0 {
		t.Fatalf("append position = %d", m.Position)
	}
	if m := addMember(t, env, l.ID, t2.ID, -1); m.Position != 1 {
		t.Fatalf("append position = %d", m.Position)
	}
	if m := addMember(t, env, l.ID, t3.ID, -1); m.Position != 2 {
		t.Fatalf("append position = %d", m.Position)
	}
	// insert in the middle shifts the tail up
	t4 := submitPending(t, env, validOpts("Wedge"))
	if m := addMember(t, env, l.ID, t4.ID, 1); m.Position != 1 {
		t.Fatalf("insert position = %d", m.Position)
	}
	assertOrder := func(want []string) {
		t.Helper()
		members, err := env.Engine.Members(env.Ctx, l.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(members) != len(want) {
			t.Fatalf("member count %d, want %d", len(members), len(want))
		}
		for i, id := range want {
			if members[i].TaskID != id || members[i].Position != i {
				t.Fatalf("slot %d: task %s position %d", i, members[i].TaskID, members[i].Position)
			}
		}
	}
	assertOrder([]string{t1.ID, t4.ID, t2.ID, t3.ID})
	if err := env.Engine.RemoveTaskFromList(env.Ctx, l.ID, t2.ID, "tester"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	assertOrder([]string{t1.ID, t4.ID, t3.ID})
	if err := env.Engine.RemoveTaskFromList(env.Ctx, l.ID, t2.ID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second remove, got %v", err)
	}
	if _, err := env.Engine.AddTaskToList(env.Ctx, engine.AddToListOptions{ListID: l.ID, TaskID: t1.ID, Position: -1, ActorID: "tester"}); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict on duplicate membership, got %v", err)
	}
}

func TestMembershipSyncOnCompletion(t *testing.T) {
	env := newTestEnv(t)
	l := newList(t, env, "Release")
	t1 := submitPending(t, env, validOpts("Done first"))
	t2 := submitPending(t, env, validOpts("Dropped midway"))
	addMember(t, env, l.ID, t1.ID, -1)
	addMember(t, env, l.ID, t2.ID, -1)
	completeTask(t, env, t1.ID)
	if _, err := env.Engine.RequestTransition(env.Ctx, engine.TransitionOptions{TaskID: t2.ID, To: domain.StatusCancelled, ActorID: "tester"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	members, err := env.Engine.Members(env.Ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	byTask := map[string]string{}
	for _, m := range members {
		byTask[m.TaskID] = m.Status
	}
	if byTask[t1.ID] != domain.MemberCompleted {
		t.Fatalf("t1 member status = %s", byTask[t1.ID])
	}
	if byTask[t2.ID] != domain.MemberSkipped {
		t.Fatalf("t2 member status = %s", byTask[t2.ID])
	}
	got, err := env.Engine.GetList(env.Ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedCount != 1 || got.TotalCount != 2 {
		t.Fatalf("progress %d/%d, want 1/2", got.CompletedCount, got.TotalCount)
	}
	if countEvents(t, env, l.ID, "list.progress_updated") == 0 {
		t.Fatalf("expected progress events")
	}
}

func TestCompleteListGate(t *testing.T) {
	env := newTestEnv(t)
	l := newList(t, env, "Milestone")
	t1 := submitPending(t, env, validOpts("Ship"))
	t2 := submitPending(t, env, validOpts("Cut"))
	addMember(t, env, l.ID, t1.ID, -1)
	addMember(t, env, l.ID, t2.ID, -1)
	if _, err := env.Engine.CompleteList(env.Ctx, l.ID, "tester"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict with unfinished members, got %v", err)
	}
	completeTask(t, env, t1.ID)
	if _, err := env.Engine.RequestTransition(env.Ctx, engine.TransitionOptions{TaskID: t2.ID, To: domain.StatusCancelled, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.CompleteList(env.Ctx, l.ID, "tester")
	if err != nil {
		t.Fatalf("complete list: %v", err)
	}
	if got.Status != domain.ListCompleted || got.CompletedCount != 1 || got.TotalCount != 2 {
		t.Fatalf("unexpected list after completion: %+v", got)
	}
	if countEvents(t, env, l.ID, "list.completed") != 1 {
		t.Fatalf("expected list.completed event")
	}
	extra := submitPending(t, env, validOpts("Too late"))
	if _, err := env.Engine.AddTaskToList(env.Ctx, engine.AddToListOptions{ListID: l.ID, TaskID: extra.ID, Position: -1, ActorID: "tester"}); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict adding to a completed list, got %v", err)
	}
	if _, err := env.Engine.ArchiveList(env.Ctx, l.ID, "tester"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := env.Engine.ArchiveList(env.Ctx, l.ID, "tester"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict archiving twice, got %v", err)
	}
}

func TestChannelLinkExclusive(t *testing.T) {
	env := newTestEnv(t)
	l1 := newList(t, env, "One")
	l2 := newList(t, env, "Two")
	got, err := env.Engine.LinkChannel(env.Ctx, l1.ID, "C123", "tester")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if got.ChannelID == nil || *got.ChannelID != "C123" {
		t.Fatalf("channel not stored: %+v", got)
	}
	if _, err := env.Engine.LinkChannel(env.Ctx, l1.ID, "C999", "tester"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict relinking a linked list, got %v", err)
	}
	// a channel serves one list at a time
	if _, err := env.Engine.LinkChannel(env.Ctx, l2.ID, "C123", "tester"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict reusing the channel, got %v", err)
	}
	if _, err := env.Engine.UnlinkChannel(env.Ctx, l1.ID, "tester"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := env.Engine.LinkChannel(env.Ctx, l2.ID, "C123", "tester"); err != nil {
		t.Fatalf("link after unlink: %v", err)
	}
	if _, err := env.Engine.UnlinkChannel(env.Ctx, l1.ID, "tester"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict unlinking a bare list, got %v", err)
	}
}

func TestListScopedReady(t *testing.T) {
	env := newTestEnv(t)
	l := newList(t, env, "Focus")
	hi := validOpts("Important")
	hi.StrategicBonus = 50
	lo := validOpts("Routine")
	lo.StrategicBonus = 10
	inHi := submitPending(t, env, hi)
	inLo := submitPending(t, env, lo)
	out := validOpts("Elsewhere")
	out.StrategicBonus = 99
	submitPending(t, env, out)
	addMember(t, env, l.ID, inHi.ID, -1)
	addMember(t, env, l.ID, inLo.ID, -1)
	ready, err := env.Engine.ReadyTasks(env.Ctx, l.ID)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if len(ready) != 2 || ready[0].ID != inHi.ID || ready[1].ID != inLo.ID {
		t.Fatalf("unexpected list-scoped ready set: %+v", ready)
	}
	all, err := env.Engine.ReadyTasks(env.Ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 ready tasks overall, got %d", len(all))
	}
	if _, err := env.Engine.ReadyTasks(env.Ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown list, got %v", err)
	}
}

func TestListScopedCriticalPath(t *testing.T) {
	env := newTestEnv(t)
	l := newList(t, env, "Chain")
	first := validOpts("Groundwork")
	first.EffortMinutes = 30
	second := validOpts("Build on it")
	second.EffortMinutes = 60
	a, err := env.Engine.SubmitTask(env.Ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.SubmitTask(env.Ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	big := validOpts("Unrelated grind")
	big.EffortMinutes = 300
	if _, err := env.Engine.SubmitTask(env.Ctx, big); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddDependency(env.Ctx, engine.DependencyOptions{SourceID: b.ID, TargetID: a.ID, Type: domain.RelDependsOn, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	addMember(t, env, l.ID, a.ID, -1)
	addMember(t, env, l.ID, b.ID, -1)
	path, total, err := env.Engine.CriticalPath(env.Ctx, l.ID)
	if err != nil {
		t.Fatalf("critical path: %v", err)
	}
	if total != 90 {
		t.Fatalf("total = %d, want 90", total)
	}
	if len(path) != 2 || path[0].ID != a.ID || path[1].ID != b.ID {
		t.Fatalf("unexpected path: %+v", path)
	}
}

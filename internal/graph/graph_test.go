package graph

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"taskline/internal/domain"
)

func build(edges [][2]string, tasks ...Node) *Snapshot {
	s := NewSnapshot()
	for _, n := range tasks {
		status := n.Status
		if status == "" {
			status = domain.StatusPending
		}
		s.AddTask(n.ID, status, n.EffortMinutes)
	}
	for _, e := range edges {
		s.AddEdge(e[0], e[1])
	}
	return s
}

func TestWouldCycleDirect(t *testing.T) {
	s := build([][2]string{{"x", "y"}}, Node{ID: "x"}, Node{ID: "y"})
	err := s.WouldCycle("y", "x")
	if err == nil {
		t.Fatal("y -> x should close a cycle")
	}
	if !errors.Is(err, ErrCycle) {
		t.Error("cycle error does not wrap ErrCycle")
	}
	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatal("error is not a *CycleError")
	}
	want := []string{"y", "x", "y"}
	if !reflect.DeepEqual(ce.Path, want) {
		t.Errorf("Path = %v, want %v", ce.Path, want)
	}
}

func TestWouldCycleTransitive(t *testing.T) {
	s := build([][2]string{{"a", "b"}, {"b", "c"}},
		Node{ID: "a"}, Node{ID: "b"}, Node{ID: "c"})
	err := s.WouldCycle("c", "a")
	if err == nil {
		t.Fatal("c -> a should close a cycle through b")
	}
	var ce *CycleError
	errors.As(err, &ce)
	want := []string{"c", "a", "b", "c"}
	if !reflect.DeepEqual(ce.Path, want) {
		t.Errorf("Path = %v, want %v", ce.Path, want)
	}
	if err := s.WouldCycle("a", "c"); err != nil {
		t.Errorf("a -> c adds no cycle, got %v", err)
	}
}

func TestWouldCycleSelf(t *testing.T) {
	s := build(nil, Node{ID: "a"})
	var ce *CycleError
	if err := s.WouldCycle("a", "a"); !errors.As(err, &ce) {
		t.Fatal("self edge must be rejected")
	}
}

// isAcyclic consumes the snapshot with a topological sort; leftovers mean
// a cycle survived.
func isAcyclic(s *Snapshot) bool {
	indeg := make(map[string]int, len(s.Tasks))
	for id := range s.Tasks {
		indeg[id] = len(s.WaitsOn[id])
	}
	queue := make([]string, 0, len(s.Tasks))
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	done := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		done++
		for _, w := range s.Dependents[id] {
			indeg[w]--
			if indeg[w] == 0 {
				queue = append(queue, w)
			}
		}
	}
	return done == len(s.Tasks)
}

// Whatever order edges arrive in, everything WouldCycle lets through keeps
// the waits-on graph a DAG.
func TestRandomInsertionsStayAcyclic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const nodes = 12
	s := NewSnapshot()
	ids := make([]string, nodes)
	for i := range ids {
		ids[i] = fmt.Sprintf("n%02d", i)
		s.AddTask(ids[i], domain.StatusPending, 30)
	}
	type edge struct{ waiter, awaited string }
	present := map[edge]bool{}
	accepted, rejected := 0, 0
	for attempt := 0; attempt < 300; attempt++ {
		e := edge{ids[rng.Intn(nodes)], ids[rng.Intn(nodes)]}
		if present[e] {
			continue
		}
		if err := s.WouldCycle(e.waiter, e.awaited); err != nil {
			if !errors.Is(err, ErrCycle) {
				t.Fatalf("rejection is not a cycle error: %v", err)
			}
			rejected++
			continue
		}
		s.AddEdge(e.waiter, e.awaited)
		present[e] = true
		accepted++
		if !isAcyclic(s) {
			t.Fatalf("cycle after edge %s -> %s (%d accepted)", e.waiter, e.awaited, accepted)
		}
	}
	if accepted == 0 || rejected == 0 {
		t.Fatalf("degenerate run: accepted=%d rejected=%d", accepted, rejected)
	}
}

func TestAddRelationshipNormalization(t *testing.T) {
	s := build(nil, Node{ID: "s"}, Node{ID: "t"})
	s.AddRelationship("s", "t", domain.RelDependsOn)
	if got := s.WaitsOn["s"]; !reflect.DeepEqual(got, []string{"t"}) {
		t.Errorf("depends_on: s should wait on t, got %v", got)
	}
	s2 := build(nil, Node{ID: "s"}, Node{ID: "t"})
	s2.AddRelationship("s", "t", domain.RelBlocks)
	if got := s2.WaitsOn["t"]; !reflect.DeepEqual(got, []string{"s"}) {
		t.Errorf("blocks: t should wait on s, got %v", got)
	}
	s3 := build(nil, Node{ID: "s"}, Node{ID: "t"})
	s3.AddRelationship("s", "t", domain.RelRelatedTo)
	if len(s3.WaitsOn) != 0 {
		t.Error("related_to must not add edges")
	}
}

func TestBlockersSkipsCompleted(t *testing.T) {
	// a waits on b and c; b completed; c waits on d.
	s := build([][2]string{{"a", "b"}, {"a", "c"}, {"c", "d"}},
		Node{ID: "a"}, Node{ID: "b", Status: domain.StatusCompleted},
		Node{ID: "c"}, Node{ID: "d"})
	got := s.Blockers("a")
	want := []string{"c", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Blockers(a) = %v, want %v", got, want)
	}
}

func TestBlockersStopsAtCompleted(t *testing.T) {
	// b is done, so whatever b waited on no longer constrains a.
	s := build([][2]string{{"a", "b"}, {"b", "c"}},
		Node{ID: "a"}, Node{ID: "b", Status: domain.StatusCompleted}, Node{ID: "c"})
	if got := s.Blockers("a"); len(got) != 0 {
		t.Errorf("Blockers(a) = %v, want none", got)
	}
}

func TestBlockedCount(t *testing.T) {
	s := build([][2]string{{"a", "x"}, {"b", "x"}, {"c", "x"}},
		Node{ID: "x"}, Node{ID: "a"}, Node{ID: "b"},
		Node{ID: "c", Status: domain.StatusCompleted})
	if got := s.BlockedCount("x"); got != 2 {
		t.Errorf("BlockedCount(x) = %d, want 2 (completed waiter excluded)", got)
	}
	if got := s.BlockedCount("a"); got != 0 {
		t.Errorf("BlockedCount(a) = %d, want 0", got)
	}
}

func TestReaches(t *testing.T) {
	s := build([][2]string{{"a", "b"}, {"b", "c"}},
		Node{ID: "a"}, Node{ID: "b"}, Node{ID: "c"})
	if !s.Reaches("a", "c") {
		t.Error("a should reach c through b")
	}
	if s.Reaches("c", "a") {
		t.Error("c must not reach a")
	}
	if !s.Reaches("a", "a") {
		t.Error("a reaches itself")
	}
}

func TestCriticalPath(t *testing.T) {
	// Execution order d -> c -> a (a waits on c, c waits on d).
	// The b branch is shorter in effort.
	s := build([][2]string{{"a", "c"}, {"c", "d"}, {"b", "d"}},
		Node{ID: "a", EffortMinutes: 60},
		Node{ID: "b", EffortMinutes: 30},
		Node{ID: "c", EffortMinutes: 120},
		Node{ID: "d", EffortMinutes: 15})
	path, total := s.CriticalPath()
	want := []string{"d", "c", "a"}
	if !reflect.DeepEqual(path, want) {
		t.Fatalf("CriticalPath = %v, want %v", path, want)
	}
	if total != 195 {
		t.Errorf("total = %d, want 195", total)
	}
}

func TestCriticalPathSkipsCompleted(t *testing.T) {
	s := build([][2]string{{"a", "c"}, {"c", "d"}},
		Node{ID: "a", EffortMinutes: 60},
		Node{ID: "c", EffortMinutes: 120},
		Node{ID: "d", Status: domain.StatusCompleted, EffortMinutes: 500})
	path, total := s.CriticalPath()
	want := []string{"c", "a"}
	if !reflect.DeepEqual(path, want) {
		t.Fatalf("CriticalPath = %v, want %v", path, want)
	}
	if total != 180 {
		t.Errorf("total = %d, want 180", total)
	}
}

func TestCriticalPathEmpty(t *testing.T) {
	s := NewSnapshot()
	if path, total := s.CriticalPath(); path != nil || total != 0 {
		t.Errorf("empty snapshot: path=%v total=%d", path, total)
	}
}

func TestAddEdgeDropsUnknownEndpoints(t *testing.T) {
	s := build(nil, Node{ID: "a"})
	s.AddEdge("a", "ghost")
	s.AddEdge("ghost", "a")
	if len(s.WaitsOn) != 0 || len(s.Dependents) != 0 {
		t.Error("edges to unknown tasks should be dropped")
	}
}

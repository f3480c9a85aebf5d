// Package graph holds the in-memory dependency graph the engine consults
// for cycle checks, blocker queries, and critical path analysis. A Snapshot
// is loaded per operation from the blocking relationships, so it is always
// consistent with the transaction that reads it.
package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"taskline/internal/domain"
)

var ErrCycle = errors.New("dependency cycle")

// CycleError carries the offending path, first task repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

type Node struct {
	ID            string
	Status        string
	EffortMinutes int
}

// Snapshot is the blocking subgraph at a point in time. WaitsOn maps a task
// to the tasks it must wait for; Dependents is the reverse, one entry per
// edge.
type Snapshot struct {
	Tasks      map[string]Node
	WaitsOn    map[string][]string
	Dependents map[string][]string
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Tasks:      map[string]Node{},
		WaitsOn:    map[string][]string{},
		Dependents: map[string][]string{},
	}
}

func (s *Snapshot) AddTask(id, status string, effortMinutes int) {
	s.Tasks[id] = Node{ID: id, Status: status, EffortMinutes: effortMinutes}
}

// AddEdge records that waiter must wait for awaited. Edges whose endpoints
// are not in the snapshot are dropped.
func (s *Snapshot) AddEdge(waiter, awaited string) {
	if _, ok := s.Tasks[waiter]; !ok {
		return
	}
	if _, ok := s.Tasks[awaited]; !ok {
		return
	}
	s.WaitsOn[waiter] = append(s.WaitsOn[waiter], awaited)
	s.Dependents[awaited] = append(s.Dependents[awaited], waiter)
}

// AddRelationship normalizes a blocking relationship into a waits-on edge:
// depends_on(s,t) means s waits on t, blocks(s,t) means t waits on s. Other
// relationship types carry no edge.
func (s *Snapshot) AddRelationship(sourceID, targetID, relType string) {
	switch relType {
	case domain.RelDependsOn:
		s.AddEdge(sourceID, targetID)
	case domain.RelBlocks:
		s.AddEdge(targetID, sourceID)
	}
}

// Load reads every task and blocking relationship through q.
func Load(ctx context.Context, q Querier) (*Snapshot, error) {
	s := NewSnapshot()
	rows, err := q.QueryContext(ctx, `SELECT id, status, effort_minutes FROM tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Status, &n.EffortMinutes); err != nil {
			return nil, err
		}
		s.Tasks[n.ID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := loadEdges(ctx, q, s); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadList is Load restricted to the members of one list. Blocking edges
// with an endpoint outside the list are dropped, so analysis stays within
// the list's scope.
func LoadList(ctx context.Context, q Querier, listID string) (*Snapshot, error) {
	s := NewSnapshot()
	rows, err := q.QueryContext(ctx, `SELECT t.id, t.status, t.effort_minutes
		FROM tasks t JOIN list_members m ON m.task_id = t.id
		WHERE m.list_id = ?`, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Status, &n.EffortMinutes); err != nil {
			return nil, err
		}
		s.Tasks[n.ID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := loadEdges(ctx, q, s); err != nil {
		return nil, err
	}
	return s, nil
}

func loadEdges(ctx context.Context, q Querier, s *Snapshot) error {
	rows, err := q.QueryContext(ctx, `SELECT source_id, target_id, type FROM relationships WHERE type IN (?, ?)`,
		domain.RelDependsOn, domain.RelBlocks)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var src, dst, typ string
		if err := rows.Scan(&src, &dst, &typ); err != nil {
			return err
		}
		s.AddRelationship(src, dst, typ)
	}
	return rows.Err()
}

// WouldCycle reports whether adding a waiter -> awaited edge closes a cycle.
// On detection it returns a CycleError whose path starts and ends at waiter.
func (s *Snapshot) WouldCycle(waiter, awaited string) error {
	if waiter == awaited {
		return &CycleError{Path: []string{waiter, waiter}}
	}
	// The new edge closes a cycle iff awaited already reaches waiter.
	parent := map[string]string{awaited: ""}
	queue := []string{awaited}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == waiter {
			var rev []string
			for at := waiter; ; at = parent[at] {
				rev = append(rev, at)
				if at == awaited {
					break
				}
			}
			path := []string{waiter}
			for i := len(rev) - 1; i >= 0; i-- {
				path = append(path, rev[i])
			}
			return &CycleError{Path: path}
		}
		for _, next := range s.WaitsOn[cur] {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = cur
			queue = append(queue, next)
		}
	}
	return nil
}

// Blockers returns the transitive incomplete tasks the given task waits on,
// sorted by id. Completed tasks neither appear nor propagate their own
// blockers.
func (s *Snapshot) Blockers(id string) []string {
	seen := map[string]bool{id: true}
	var out []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range s.WaitsOn[cur] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if s.Tasks[dep].Status == domain.StatusCompleted {
				continue
			}
			out = append(out, dep)
			queue = append(queue, dep)
		}
	}
	sort.Strings(out)
	return out
}

// BlockedCount counts the incoming blocking edges whose waiting task is not
// completed. This is the multiplier feeding the priority score.
func (s *Snapshot) BlockedCount(id string) int {
	n := 0
	for _, waiter := range s.Dependents[id] {
		if s.Tasks[waiter].Status != domain.StatusCompleted {
			n++
		}
	}
	return n
}

// Reaches reports whether from transitively waits on to.
func (s *Snapshot) Reaches(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range s.WaitsOn[cur] {
			if dep == to {
				return true
			}
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return false
}

// CriticalPath finds the longest remaining chain by cumulative effort,
// in execution order. Completed and cancelled tasks cost nothing and are
// left out. The second result is the summed effort of the returned path.
func (s *Snapshot) CriticalPath() ([]string, int) {
	include := map[string]bool{}
	for id, n := range s.Tasks {
		if n.Status == domain.StatusCompleted || n.Status == domain.StatusCancelled {
			continue
		}
		include[id] = true
	}
	// Execution edges run awaited -> waiter.
	succ := map[string][]string{}
	indeg := map[string]int{}
	for waiter, deps := range s.WaitsOn {
		if !include[waiter] {
			continue
		}
		for _, awaited := range deps {
			if !include[awaited] {
				continue
			}
			succ[awaited] = append(succ[awaited], waiter)
			indeg[waiter]++
		}
	}
	dur := func(id string) int {
		if e := s.Tasks[id].EffortMinutes; e > 0 {
			return e
		}
		return 1
	}
	var queue []string
	for id := range include {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	dist := map[string]int{}
	prev := map[string]string{}
	for id := range include {
		dist[id] = dur(id)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		next := append([]string(nil), succ[cur]...)
		sort.Strings(next)
		for _, w := range next {
			if dist[cur]+dur(w) > dist[w] {
				dist[w] = dist[cur] + dur(w)
				prev[w] = cur
			}
			indeg[w]--
			if indeg[w] == 0 {
				queue = append(queue, w)
			}
		}
	}
	end, best := "", 0
	ids := make([]string, 0, len(include))
	for id := range include {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if dist[id] > best {
			end, best = id, dist[id]
		}
	}
	if end == "" {
		return nil, 0
	}
	var rev []string
	for at := end; at != ""; at = prev[at] {
		rev = append(rev, at)
	}
	path := make([]string, 0, len(rev))
	total := 0
	for i := len(rev) - 1; i >= 0; i-- {
		path = append(path, rev[i])
		total += s.Tasks[rev[i]].EffortMinutes
	}
	return path, total
}

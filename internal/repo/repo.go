package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"taskline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// mapConflict turns SQLite unique-constraint failures into ErrConflict so
// callers can branch without parsing driver messages.
func mapConflict(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

const taskCols = `id,title,description,category,status,priority,effort_minutes,deadline,strategic_bonus,conflict_set_json,tests_json,assignee_id,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var description, deadline, conflictSet, tests, assigneeID, completedAt sql.NullString
	err := row.Scan(&t.ID, &t.Title, &description, &t.Category, &t.Status, &t.Priority,
		&t.EffortMinutes, &deadline, &t.StrategicBonus, &conflictSet, &tests, &assigneeID,
		&t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if deadline.Valid {
		t.Deadline = &deadline.String
	}
	if assigneeID.Valid {
		t.AssigneeID = &assigneeID.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if conflictSet.Valid {
		t.ConflictSet = decodeStrings(conflictSet.String)
	}
	if tests.Valid {
		t.Tests = decodeStrings(tests.String)
	}
	return t, nil
}

func encodeStrings(vals []string) any {
	if len(vals) == 0 {
		return nil
	}
	data, err := json.Marshal(vals)
	if err != nil {
		return nil
	}
	return string(data)
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var vals []string
	if err := json.Unmarshal([]byte(raw), &vals); err != nil {
		return nil
	}
	return vals
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullable(t.Description), t.Category, t.Status, t.Priority,
		t.EffortMinutes, nullableStringPtr(t.Deadline), t.StrategicBonus,
		encodeStrings(t.ConflictSet), encodeStrings(t.Tests), nullableStringPtr(t.AssigneeID),
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, category=?, status=?, priority=?, effort_minutes=?, deadline=?, strategic_bonus=?, conflict_set_json=?, tests_json=?, assignee_id=?, updated_at=?, completed_at=? WHERE id=?`,
		t.Title, nullable(t.Description), t.Category, t.Status, t.Priority, t.EffortMinutes,
		nullableStringPtr(t.Deadline), t.StrategicBonus, encodeStrings(t.ConflictSet),
		encodeStrings(t.Tests), nullableStringPtr(t.AssigneeID), t.UpdatedAt,
		nullableStringPtr(t.CompletedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	Status          string
	Category        string
	AssigneeID      string
	ListID          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.ListID != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM list_members m WHERE m.list_id=? AND m.task_id=tasks.id)")
		args = append(args, f.ListID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskCols + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListTasksTx mirrors ListTasks inside a transaction, used by priority
// recalculation.
func (r Repo) ListTasksTx(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ListID != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM list_members m WHERE m.list_id=? AND m.task_id=tasks.id)")
		args = append(args, f.ListID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ReadyTasks returns pending tasks with no open block and no incomplete
// blocking dependency, best first. An empty listID means the whole store.
func (r Repo) ReadyTasks(ctx context.Context, q Querier, listID string) ([]domain.Task, error) {
	clauses := []string{
		"tasks.status=?",
		`NOT EXISTS (SELECT 1 FROM blocks b WHERE b.task_id=tasks.id AND b.resolved=0)`,
		`NOT EXISTS (
			SELECT 1 FROM relationships r JOIN tasks dep ON dep.id=r.target_id
			WHERE r.type=? AND r.source_id=tasks.id AND dep.status!=?
		)`,
		`NOT EXISTS (
			SELECT 1 FROM relationships r JOIN tasks dep ON dep.id=r.source_id
			WHERE r.type=? AND r.target_id=tasks.id AND dep.status!=?
		)`,
	}
	args := []any{
		domain.StatusPending,
		domain.RelDependsOn, domain.StatusCompleted,
		domain.RelBlocks, domain.StatusCompleted,
	}
	if listID != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM list_members m WHERE m.list_id=? AND m.task_id=tasks.id)")
		args = append(args, listID)
	}
	query := `SELECT ` + taskCols + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY priority DESC,
		CASE WHEN deadline IS NULL THEN 1 ELSE 0 END,
		deadline ASC,
		created_at ASC,
		id ASC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r Repo) UpdateTaskPriority(ctx context.Context, tx *sql.Tx, id string, priority int) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET priority=? WHERE id=?`, priority, id)
	return err
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// StaleCandidates lists pending and in_progress tasks untouched since the
// cutoff timestamp.
func (r Repo) StaleCandidates(ctx context.Context, tx *sql.Tx, cutoff string) ([]domain.Task, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE status IN (?,?) AND updated_at < ? ORDER BY id ASC`,
		domain.StatusPending, domain.StatusInProgress, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

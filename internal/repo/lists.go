package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskline/internal/domain"
)

const listCols = `id,name,scope_refs_json,execution_mode,status,channel_id,completed_count,total_count,created_at,updated_at`

// stageOffset lifts member positions out of the way while renumbering, so
// the UNIQUE(list_id, position) constraint never trips mid-update.
const stageOffset = 1000000

func scanList(row rowScanner) (domain.TaskList, error) {
	var l domain.TaskList
	var scopeRefs, channelID sql.NullString
	err := row.Scan(&l.ID, &l.Name, &scopeRefs, &l.ExecutionMode, &l.Status, &channelID,
		&l.CompletedCount, &l.TotalCount, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if scopeRefs.Valid {
		l.ScopeRefs = decodeStrings(scopeRefs.String)
	}
	if channelID.Valid {
		l.ChannelID = &channelID.String
	}
	return l, nil
}

func (r Repo) InsertListTx(ctx context.Context, tx *sql.Tx, l domain.TaskList) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_lists(`+listCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.Name, encodeStrings(l.ScopeRefs), l.ExecutionMode, l.Status, nullableStringPtr(l.ChannelID),
		l.CompletedCount, l.TotalCount, l.CreatedAt, l.UpdatedAt)
	return mapConflict(err)
}

func (r Repo) GetList(ctx context.Context, id string) (domain.TaskList, error) {
	return scanList(r.DB.QueryRowContext(ctx, `SELECT `+listCols+` FROM task_lists WHERE id=?`, id))
}

func (r Repo) GetListTx(ctx context.Context, tx *sql.Tx, id string) (domain.TaskList, error) {
	return scanList(tx.QueryRowContext(ctx, `SELECT `+listCols+` FROM task_lists WHERE id=?`, id))
}

type ListFilters struct {
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListLists(ctx context.Context, f ListFilters) ([]domain.TaskList, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + listCols + ` FROM task_lists ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskList
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// ActiveListIDs feeds the suggestion loop.
func (r Repo) ActiveListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM task_lists WHERE status=? ORDER BY created_at ASC, id ASC`, domain.ListActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) UpdateListTx(ctx context.Context, tx *sql.Tx, l domain.TaskList) error {
	res, err := tx.ExecContext(ctx, `UPDATE task_lists SET name=?, scope_refs_json=?, execution_mode=?, status=?, channel_id=?, completed_count=?, total_count=?, updated_at=? WHERE id=?`,
		l.Name, encodeStrings(l.ScopeRefs), l.ExecutionMode, l.Status, nullableStringPtr(l.ChannelID),
		l.CompletedCount, l.TotalCount, l.UpdatedAt, l.ID)
	if err != nil {
		return mapConflict(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertMemberTx(ctx context.Context, tx *sql.Tx, m domain.Membership) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO list_members(list_id,task_id,position,status,added_at) VALUES (?,?,?,?,?)`,
		m.ListID, m.TaskID, m.Position, m.Status, m.AddedAt)
	return mapConflict(err)
}

func (r Repo) DeleteMemberTx(ctx context.Context, tx *sql.Tx, listID, taskID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM list_members WHERE list_id=? AND task_id=?`, listID, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMembers(rows *sql.Rows) ([]domain.Membership, error) {
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.ListID, &m.TaskID, &m.Position, &m.Status, &m.AddedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) ListMembers(ctx context.Context, listID string) ([]domain.Membership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT list_id,task_id,position,status,added_at FROM list_members WHERE list_id=? ORDER BY position ASC`, listID)
	if err != nil {
		return nil, err
	}
	return scanMembers(rows)
}

func (r Repo) ListMembersTx(ctx context.Context, tx *sql.Tx, listID string) ([]domain.Membership, error) {
	rows, err := tx.QueryContext(ctx, `SELECT list_id,task_id,position,status,added_at FROM list_members WHERE list_id=? ORDER BY position ASC`, listID)
	if err != nil {
		return nil, err
	}
	return scanMembers(rows)
}

// MembershipsForTaskTx lists every list membership of one task.
func (r Repo) MembershipsForTaskTx(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Membership, error) {
	rows, err := tx.QueryContext(ctx, `SELECT list_id,task_id,position,status,added_at FROM list_members WHERE task_id=? ORDER BY list_id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	return scanMembers(rows)
}

func (r Repo) MaxPositionTx(ctx context.Context, tx *sql.Tx, listID string) (int, error) {
	var max int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position),-1) FROM list_members WHERE list_id=?`, listID).Scan(&max)
	return max, err
}

// StageMemberPositionsTx moves every position into the staging range prior
// to renumbering.
func (r Repo) StageMemberPositionsTx(ctx context.Context, tx *sql.Tx, listID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE list_members SET position = position + ? WHERE list_id=?`, stageOffset, listID)
	return err
}

func (r Repo) SetMemberPositionTx(ctx context.Context, tx *sql.Tx, listID, taskID string, position int) error {
	res, err := tx.ExecContext(ctx, `UPDATE list_members SET position=? WHERE list_id=? AND task_id=?`, position, listID, taskID)
	if err != nil {
		return mapConflict(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateMemberStatusTx(ctx context.Context, tx *sql.Tx, listID, taskID, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE list_members SET status=? WHERE list_id=? AND task_id=?`, status, listID, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MemberStatusCountsTx tallies membership statuses for progress tracking.
func (r Repo) MemberStatusCountsTx(ctx context.Context, tx *sql.Tx, listID string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT status, count(*) FROM list_members WHERE list_id=? GROUP BY status`, listID)
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

package repo

import (
	"context"
	"database/sql"

	"taskline/internal/domain"
)

func (r Repo) InsertTransitionTx(ctx context.Context, tx *sql.Tx, t domain.StateTransition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transitions(id,task_id,from_status,to_status,actor_id,reason,ts) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.TaskID, t.FromStatus, t.ToStatus, t.ActorID, nullable(t.Reason), t.TS)
	return err
}

// ListTransitions returns a task's status history in chronological order.
func (r Repo) ListTransitions(ctx context.Context, taskID string, limit int) ([]domain.StateTransition, error) {
	// rowid breaks ties between transitions landing in the same second.
	query := `SELECT id,task_id,from_status,to_status,actor_id,reason,ts FROM transitions WHERE task_id=? ORDER BY ts ASC, rowid ASC`
	args := []any{taskID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StateTransition
	for rows.Next() {
		var t domain.StateTransition
		var reason sql.NullString
		if err := rows.Scan(&t.ID, &t.TaskID, &t.FromStatus, &t.ToStatus, &t.ActorID, &reason, &t.TS); err != nil {
			return nil, err
		}
		if reason.Valid {
			t.Reason = reason.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

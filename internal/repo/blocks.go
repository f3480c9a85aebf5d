package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskline/internal/domain"
)

func scanBlock(row rowScanner) (domain.Block, error) {
	var b domain.Block
	var source, relationshipID, resolvedAt sql.NullString
	var resolved int
	err := row.Scan(&b.ID, &b.TaskID, &b.Type, &b.Severity, &b.Reason, &source, &relationshipID, &resolved, &b.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.Resolved = resolved != 0
	if source.Valid {
		b.Source = source.String
	}
	if relationshipID.Valid {
		b.RelationshipID = &relationshipID.String
	}
	if resolvedAt.Valid {
		b.ResolvedAt = &resolvedAt.String
	}
	return b, nil
}

const blockCols = `id,task_id,type,severity,reason,source,relationship_id,resolved,created_at,resolved_at`

func (r Repo) InsertBlockTx(ctx context.Context, tx *sql.Tx, b domain.Block) error {
	resolved := 0
	if b.Resolved {
		resolved = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO blocks(`+blockCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.TaskID, b.Type, b.Severity, b.Reason, nullable(b.Source), nullableStringPtr(b.RelationshipID), resolved, b.CreatedAt, nullableStringPtr(b.ResolvedAt))
	return err
}

func (r Repo) GetBlock(ctx context.Context, id string) (domain.Block, error) {
	return scanBlock(r.DB.QueryRowContext(ctx, `SELECT `+blockCols+` FROM blocks WHERE id=?`, id))
}

func (r Repo) GetBlockTx(ctx context.Context, tx *sql.Tx, id string) (domain.Block, error) {
	return scanBlock(tx.QueryRowContext(ctx, `SELECT `+blockCols+` FROM blocks WHERE id=?`, id))
}

// ListBlocks returns a task's blocks, open ones first, oldest first within
// each group. Resolved blocks are included only when asked for.
func (r Repo) ListBlocks(ctx context.Context, taskID string, includeResolved bool) ([]domain.Block, error) {
	query := `SELECT ` + blockCols + ` FROM blocks WHERE task_id=?`
	if !includeResolved {
		query += ` AND resolved=0`
	}
	query += ` ORDER BY resolved ASC, created_at ASC, rowid ASC`
	rows, err := r.DB.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) OpenBlocksTx(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Block, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+blockCols+` FROM blocks WHERE task_id=? AND resolved=0 ORDER BY created_at ASC, rowid ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) CountOpenBlocksTx(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM blocks WHERE task_id=? AND resolved=0`, taskID).Scan(&n)
	return n, err
}

func (r Repo) ResolveBlockTx(ctx context.Context, tx *sql.Tx, id, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE blocks SET resolved=1, resolved_at=? WHERE id=? AND resolved=0`, resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveBlocksOfTypesTx closes every open block of the given types on one
// task. The validation gate uses it before writing fresh findings.
func (r Repo) ResolveBlocksOfTypesTx(ctx context.Context, tx *sql.Tx, taskID string, types []string, resolvedAt string) (int64, error) {
	if len(types) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(types)), ",")
	args := []any{resolvedAt, taskID}
	for _, t := range types {
		args = append(args, t)
	}
	res, err := tx.ExecContext(ctx, `UPDATE blocks SET resolved=1, resolved_at=? WHERE task_id=? AND resolved=0 AND type IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResolveBlocksBySourceTx closes open blocks of one type attributed to a
// source across all tasks, e.g. dependency blocks when their awaited task
// completes.
func (r Repo) ResolveBlocksBySourceTx(ctx context.Context, tx *sql.Tx, blockType, source, resolvedAt string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE blocks SET resolved=1, resolved_at=? WHERE type=? AND source=? AND resolved=0`, resolvedAt, blockType, source)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResolveBlocksByRelationshipTx closes the open blocks stamped with one
// relationship, used when that single edge goes away. Blocks from a parallel
// edge between the same tasks carry their own relationship id and stay open.
func (r Repo) ResolveBlocksByRelationshipTx(ctx context.Context, tx *sql.Tx, relationshipID, resolvedAt string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE blocks SET resolved=1, resolved_at=? WHERE relationship_id=? AND resolved=0`, resolvedAt, relationshipID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

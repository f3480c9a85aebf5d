package repo

import (
	"context"
	"database/sql"

	"taskline/internal/domain"
)

func scanRelationship(row rowScanner) (domain.Relationship, error) {
	var rel domain.Relationship
	var strength sql.NullFloat64
	err := row.Scan(&rel.ID, &rel.SourceID, &rel.TargetID, &rel.Type, &strength, &rel.CreatedAt)
	if err == sql.ErrNoRows {
		return rel, ErrNotFound
	}
	if err != nil {
		return rel, err
	}
	if strength.Valid {
		rel.Strength = &strength.Float64
	}
	return rel, nil
}

func (r Repo) InsertRelationship(ctx context.Context, tx *sql.Tx, rel domain.Relationship) error {
	var strength any
	if rel.Strength != nil {
		strength = *rel.Strength
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO relationships(id,source_id,target_id,type,strength,created_at) VALUES (?,?,?,?,?,?)`,
		rel.ID, rel.SourceID, rel.TargetID, rel.Type, strength, rel.CreatedAt)
	return mapConflict(err)
}

func (r Repo) GetRelationship(ctx context.Context, id string) (domain.Relationship, error) {
	return scanRelationship(r.DB.QueryRowContext(ctx, `SELECT id,source_id,target_id,type,strength,created_at FROM relationships WHERE id=?`, id))
}

func (r Repo) GetRelationshipTx(ctx context.Context, tx *sql.Tx, id string) (domain.Relationship, error) {
	return scanRelationship(tx.QueryRowContext(ctx, `SELECT id,source_id,target_id,type,strength,created_at FROM relationships WHERE id=?`, id))
}

func (r Repo) DeleteRelationship(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRelationships returns every relationship touching the task, either end.
func (r Repo) ListRelationships(ctx context.Context, taskID string) ([]domain.Relationship, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,source_id,target_id,type,strength,created_at FROM relationships WHERE source_id=? OR target_id=? ORDER BY created_at ASC, rowid ASC`,
		taskID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rel)
	}
	return res, rows.Err()
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskline/internal/domain"
	"taskline/internal/events"
	"taskline/internal/graph"
	"taskline/internal/lifecycle"
	"taskline/internal/repo"
)

// DependencyOptions describe one relationship to record.
type DependencyOptions struct {
	SourceID string
	TargetID string
	Type     string
	Strength *float64
	ActorID  string
}

// waitsOn orients a blocking relationship: depends_on(s,t) means s waits on
// t, blocks(s,t) means t waits on s.
func waitsOn(sourceID, targetID, relType string) (waiter, awaited string) {
	if relType == domain.RelBlocks {
		return targetID, sourceID
	}
	return sourceID, targetID
}

// AddDependency records a relationship between two tasks. Blocking types
// are refused when they would close a cycle, and put a pending waiter into
// blocked when the awaited task is still incomplete.
func (e Engine) AddDependency(ctx context.Context, opts DependencyOptions) (domain.Relationship, error) {
	if !domain.KnownRelationshipType(opts.Type) {
		return domain.Relationship{}, fmt.Errorf("unknown relationship type %s", opts.Type)
	}
	if opts.Strength != nil && (*opts.Strength < 0 || *opts.Strength > 1) {
		return domain.Relationship{}, errors.New("strength must be between 0 and 1")
	}
	blocking := domain.BlockingType(opts.Type)
	if !blocking && opts.SourceID == opts.TargetID {
		return domain.Relationship{}, errors.New("relationship cannot reference the task itself")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Relationship{}, err
	}
	defer tx.Rollback()

	source, err := e.Repo.GetTaskTx(ctx, tx, opts.SourceID)
	if err != nil {
		return domain.Relationship{}, fmt.Errorf("source: %w", err)
	}
	target, err := e.Repo.GetTaskTx(ctx, tx, opts.TargetID)
	if err != nil {
		return domain.Relationship{}, fmt.Errorf("target: %w", err)
	}

	waiterID, awaitedID := waitsOn(opts.SourceID, opts.TargetID, opts.Type)
	if blocking {
		snap, err := graph.Load(ctx, tx)
		if err != nil {
			return domain.Relationship{}, err
		}
		if err := snap.WouldCycle(waiterID, awaitedID); err != nil {
			return domain.Relationship{}, err
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	rel := domain.Relationship{
		ID:        uuid.NewString(),
		SourceID:  opts.SourceID,
		TargetID:  opts.TargetID,
		Type:      opts.Type,
		Strength:  opts.Strength,
		CreatedAt: now,
	}
	if err := e.Repo.InsertRelationship(ctx, tx, rel); err != nil {
		return domain.Relationship{}, err
	}

	if blocking {
		waiter, awaited := source, target
		if waiterID == opts.TargetID {
			waiter, awaited = target, source
		}
		if awaited.Status != domain.StatusCompleted && !lifecycle.Terminal(waiter.Status) {
			b := domain.Block{
				ID:             uuid.NewString(),
				TaskID:         waiter.ID,
				Type:           domain.BlockDependency,
				Severity:       domain.SeverityError,
				Reason:         fmt.Sprintf("waiting on %s", awaited.Title),
				Source:         awaited.ID,
				RelationshipID: &rel.ID,
				CreatedAt:      now,
			}
			if err := e.Repo.InsertBlockTx(ctx, tx, b); err != nil {
				return domain.Relationship{}, err
			}
			if waiter.Status == domain.StatusPending {
				if err := e.transitionTx(ctx, tx, &waiter, domain.StatusBlocked, opts.ActorID, fmt.Sprintf("waiting on %s", awaited.ID)); err != nil {
					return domain.Relationship{}, err
				}
				if err := e.Events.Append(ctx, tx, events.TaskBlocked, "task", waiter.ID, opts.ActorID, events.EventPayload{"source": awaited.ID}); err != nil {
					return domain.Relationship{}, err
				}
			}
		}
	}

	if err := e.Events.Append(ctx, tx, events.RelationshipAdded, "relationship", rel.ID, opts.ActorID, events.EventPayload{
		"source": rel.SourceID, "target": rel.TargetID, "type": rel.Type,
	}); err != nil {
		return domain.Relationship{}, err
	}
	if _, err := e.recalcTx(ctx, tx, ""); err != nil {
		return domain.Relationship{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Relationship{}, err
	}
	return rel, nil
}

// RemoveRelationship deletes a relationship. Removing a blocking edge
// closes its dependency block and may wake the waiter.
func (e Engine) RemoveRelationship(ctx context.Context, relID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rel, err := e.Repo.GetRelationshipTx(ctx, tx, relID)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteRelationship(ctx, tx, relID); err != nil {
		return err
	}

	if domain.BlockingType(rel.Type) {
		waiterID, _ := waitsOn(rel.SourceID, rel.TargetID, rel.Type)
		now := e.now().UTC().Format(time.RFC3339)
		if _, err := e.Repo.ResolveBlocksByRelationshipTx(ctx, tx, rel.ID, now); err != nil {
			return err
		}
		waiter, err := e.Repo.GetTaskTx(ctx, tx, waiterID)
		if err != nil {
			return err
		}
		snap, err := graph.Load(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := e.maybeUnblockTx(ctx, tx, snap, &waiter, actorID); err != nil {
			return err
		}
	}

	if err := e.Events.Append(ctx, tx, events.RelationshipRemoved, "relationship", rel.ID, actorID, events.EventPayload{
		"source": rel.SourceID, "target": rel.TargetID, "type": rel.Type,
	}); err != nil {
		return err
	}
	if _, err := e.recalcTx(ctx, tx, ""); err != nil {
		return err
	}
	return tx.Commit()
}

// Relationships lists everything attached to a task, either direction.
func (e Engine) Relationships(ctx context.Context, taskID string) ([]domain.Relationship, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListRelationships(ctx, taskID)
}

// BlockOptions describe a manual block.
type BlockOptions struct {
	TaskID   string
	Reason   string
	Severity string
	ActorID  string
}

// BlockTask records a manual block and parks a pending task in blocked.
func (e Engine) BlockTask(ctx context.Context, opts BlockOptions) (domain.Block, error) {
	if opts.Reason == "" {
		return domain.Block{}, errors.New("reason is required")
	}
	if opts.Severity == "" {
		opts.Severity = domain.SeverityError
	}
	if !domain.KnownSeverity(opts.Severity) {
		return domain.Block{}, fmt.Errorf("unknown severity %s", opts.Severity)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Block{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.Block{}, err
	}
	if lifecycle.Terminal(t.Status) {
		return domain.Block{}, fmt.Errorf("%w: task %s is %s", repo.ErrConflict, t.ID, t.Status)
	}
	now := e.now().UTC().Format(time.RFC3339)
	b := domain.Block{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		Type:      domain.BlockManual,
		Severity:  opts.Severity,
		Reason:    opts.Reason,
		Source:    opts.ActorID,
		CreatedAt: now,
	}
	if err := e.Repo.InsertBlockTx(ctx, tx, b); err != nil {
		return domain.Block{}, err
	}
	if t.Status == domain.StatusPending {
		if err := e.transitionTx(ctx, tx, &t, domain.StatusBlocked, opts.ActorID, opts.Reason); err != nil {
			return domain.Block{}, err
		}
		if err := e.Events.Append(ctx, tx, events.TaskBlocked, "task", t.ID, opts.ActorID, events.EventPayload{"reason": opts.Reason}); err != nil {
			return domain.Block{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Block{}, err
	}
	return b, nil
}

// ResolveBlock closes one block by id and wakes the task when nothing else
// holds it. Resolving a dependency block by hand does not override the
// graph; the waiter stays blocked while an incomplete dependency remains.
func (e Engine) ResolveBlock(ctx context.Context, blockID, actorID string) (domain.Block, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Block{}, err
	}
	defer tx.Rollback()

	b, err := e.Repo.GetBlockTx(ctx, tx, blockID)
	if err != nil {
		return domain.Block{}, err
	}
	if b.Resolved {
		return domain.Block{}, fmt.Errorf("%w: block %s already resolved", repo.ErrConflict, b.ID)
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.ResolveBlockTx(ctx, tx, b.ID, now); err != nil {
		return domain.Block{}, err
	}
	b.Resolved = true
	b.ResolvedAt = &now

	t, err := e.Repo.GetTaskTx(ctx, tx, b.TaskID)
	if err != nil {
		return domain.Block{}, err
	}
	snap, err := graph.Load(ctx, tx)
	if err != nil {
		return domain.Block{}, err
	}
	if _, err := e.maybeUnblockTx(ctx, tx, snap, &t, actorID); err != nil {
		return domain.Block{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Block{}, err
	}
	return b, nil
}

// Blocks lists a task's blocks, open first.
func (e Engine) Blocks(ctx context.Context, taskID string, includeResolved bool) ([]domain.Block, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListBlocks(ctx, taskID, includeResolved)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskline/internal/domain"
	"taskline/internal/lifecycle"
)

// SweepStale marks pending and in_progress tasks untouched past the
// configured window as stale, and reports how many moved.
func (e Engine) SweepStale(ctx context.Context, actorID string) (int, error) {
	if e.Config == nil {
		return 0, errors.New("config not loaded")
	}
	cutoff := e.now().Add(-e.Config.StaleAfter()).UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	candidates, err := e.Repo.StaleCandidates(ctx, tx, cutoff)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, t := range candidates {
		if err := lifecycle.Ensure(t.Status, domain.StatusStale); err != nil {
			continue
		}
		reason := fmt.Sprintf("no activity since %s", t.UpdatedAt)
		if err := e.transitionTx(ctx, tx, &t, domain.StatusStale, actorID, reason); err != nil {
			return 0, err
		}
		swept++
	}
	if swept == 0 {
		return 0, nil
	}
	return swept, tx.Commit()
}

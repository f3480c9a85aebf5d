package app

import (
	"context"
	"errors"
	"fmt"

	"taskline/internal/config"
	"taskline/internal/repo"
)

// ResolveConfig returns the effective config for a workspace. The copy
// stored in the database wins; a taskline.yml in the workspace seeds it on
// first use, and built-in defaults apply when neither exists. Whatever is
// resolved ends up stored, so later runs and the HTTP API see the same
// config.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	cfg, err = config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := r.UpsertConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return cfg, nil
}

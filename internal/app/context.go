package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"weekline/internal/config"
	"weekline/internal/engine"
	"weekline/internal/repo"
)

// ResolveOrgAndConfig picks the active org and ensures it has a stored config.
// It prefers the explicit override, then a single-org database. A missing org
// is created on the fly, seeded from the workspace weekline.yml when present
// and from the default template otherwise.
func ResolveOrgAndConfig(ctx context.Context, eng engine.Engine, workspace, orgOverride, actorID string) (string, *config.Config, error) {
	orgID := orgOverride
	if orgID == "" {
		o, err := eng.Repo.SingleOrg(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("org not specified; use --org")
		}
		orgID = o.ID
	}

	if _, err := eng.Repo.GetOrg(ctx, orgID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		seed, err := SeedConfig(workspace, orgID)
		if err != nil {
			return "", nil, err
		}
		if actorID == "" {
			actorID = "local-user"
		}
		if _, err := eng.InitOrg(ctx, orgID, orgID, seed, actorID); err != nil {
			return "", nil, fmt.Errorf("create org: %w", err)
		}
	}
	cfg, err := eng.Repo.GetOrgConfig(ctx, orgID)
	if err != nil {
		return "", nil, fmt.Errorf("org %s config: %w", orgID, err)
	}
	cfg.Org.ID = orgID
	return orgID, cfg, nil
}

// SeedConfig reads the workspace config file, falling back to the default
// template when the file does not exist.
func SeedConfig(workspace, orgID string) (*config.Config, error) {
	cfg, err := config.FromFile(config.Path(workspace))
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(orgID), nil
	}
	if err != nil {
		return nil, err
	}
	cfg.Org.ID = orgID
	return cfg, nil
}

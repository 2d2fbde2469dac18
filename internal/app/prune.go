package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"repo-publisher/internal/core"
	"repo-publisher/internal/types"
)

// PruneVersions deletes old production versions. Deletion happens under
// the repository lock so that it never races a commit copying the
// version it removes.
func (s Service) PruneVersions(ctx context.Context, req PruneRequest) (result PruneResult, err error) {
	if err := validateFormat(req.Format); err != nil {
		return PruneResult{}, err
	}
	layout := s.layout(req.RepoRequest)
	versions, err := core.NewVersionStore(s.Store, s.Archive, layout, core.VersionStoreOptions{})
	if err != nil {
		return PruneResult{}, err
	}
	policy := types.VersionRetentionPolicy{
		KeepLast: req.KeepLast,
		KeepDays: req.KeepDays,
		DryRun:   req.DryRun,
	}

	if policy.DryRun {
		plan, err := s.prunePlan(ctx, versions, policy)
		if err != nil {
			return PruneResult{}, err
		}
		for _, version := range plan.Delete {
			log.Info().Int("version", version.Number).Msg("would delete version")
		}
		return PruneResult{
			KeepCount:   len(plan.Keep),
			DeleteCount: len(plan.Delete),
			DryRun:      true,
		}, nil
	}

	lock, err := s.storageLock(layout, req.StaleAfter, 0)
	if err != nil {
		return PruneResult{}, err
	}
	if err := lock.Acquire(ctx, req.LockTimeout); err != nil {
		return PruneResult{}, phaseError("acquire lock", err)
	}
	defer func() {
		if relErr := lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			err = errors.Join(err, phaseError("release lock", relErr))
		}
	}()

	plan, err := s.prunePlan(ctx, versions, policy)
	if err != nil {
		return PruneResult{}, err
	}
	var deleted []int
	for _, version := range plan.Delete {
		if err := lock.CheckHealth(); err != nil {
			return PruneResult{KeepCount: len(plan.Keep), DeleteCount: len(deleted), Deleted: deleted}, phaseError("delete version", err)
		}
		if err := versions.DeleteVersion(ctx, version.Number); err != nil {
			return PruneResult{KeepCount: len(plan.Keep), DeleteCount: len(deleted), Deleted: deleted}, phaseError("delete version", err)
		}
		deleted = append(deleted, version.Number)
	}
	return PruneResult{
		KeepCount:   len(plan.Keep),
		DeleteCount: len(deleted),
		Deleted:     deleted,
	}, nil
}

func (s Service) prunePlan(ctx context.Context, versions *core.VersionStore, policy types.VersionRetentionPolicy) (types.VersionPrunePlan, error) {
	all, err := versions.ListVersions(ctx)
	if err != nil {
		return types.VersionPrunePlan{}, phaseError("list versions", err)
	}
	latest, err := versions.LatestVersion(ctx)
	if err != nil {
		return types.VersionPrunePlan{}, phaseError("read latest version", err)
	}
	return BuildPrunePlan(all, latest.Number, policy, timeNow(s.Clock)), nil
}

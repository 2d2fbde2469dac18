package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"

	"repo-publisher/internal/core"
)

func (s Service) Status(ctx context.Context, req RepoRequest) (StatusResult, error) {
	if err := validateFormat(req.Format); err != nil {
		return StatusResult{}, err
	}
	layout := s.layout(req)
	versions, err := core.NewVersionStore(s.Store, s.Archive, layout, core.VersionStoreOptions{})
	if err != nil {
		return StatusResult{}, err
	}
	latest, err := versions.LatestVersion(ctx)
	if err != nil {
		return StatusResult{}, phaseError("read latest version", err)
	}
	all, err := versions.ListVersions(ctx)
	if err != nil {
		return StatusResult{}, phaseError("list versions", err)
	}
	lock, err := s.storageLock(layout, req.StaleAfter, 0)
	if err != nil {
		return StatusResult{}, err
	}
	lockStatus, err := lock.Inspect(ctx)
	if err != nil {
		return StatusResult{}, phaseError("inspect lock", err)
	}

	result := StatusResult{
		LatestVersion: latest.Number,
		PointerExists: latest.PointerExists,
		Versions:      len(all),
		Lock:          lockStatus,
	}
	if latest.Number > 0 {
		result.PublicURL = core.HTTPURL(layout.ProductionTreeURL(latest.Number))
	}
	return result, nil
}

// Unlock removes the lock object left behind by a crashed publisher. A
// lock that is still being renewed is only removed with Force.
func (s Service) Unlock(ctx context.Context, req UnlockRequest) (UnlockResult, error) {
	if err := validateFormat(req.Format); err != nil {
		return UnlockResult{}, err
	}
	lock, err := s.storageLock(s.layout(req.RepoRequest), req.StaleAfter, 0)
	if err != nil {
		return UnlockResult{}, err
	}
	status, err := lock.Inspect(ctx)
	if err != nil {
		return UnlockResult{}, phaseError("inspect lock", err)
	}
	if !status.Held {
		return UnlockResult{Lock: status}, nil
	}
	if !status.Stale && !req.Force {
		return UnlockResult{Lock: status}, errbuilder.New().
			WithCode(errbuilder.CodeFailedPrecondition).
			WithMsg(fmt.Sprintf("lock %s was renewed %s ago by %s and is not stale", status.URL, status.Age.Round(time.Second), holderName(status.Holder.Hostname, status.Holder.PID)))
	}
	removed, err := lock.ForceUnlock(ctx)
	if err != nil {
		return UnlockResult{Lock: status}, phaseError("remove lock", err)
	}
	return UnlockResult{Removed: removed, Lock: status}, nil
}

func (s Service) Notify(ctx context.Context) error {
	if s.Notifier == nil {
		return errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("web server notify url is not configured")
	}
	return s.Notifier.Notify(ctx)
}

func holderName(hostname string, pid int) string {
	if hostname == "" {
		return "an unknown holder"
	}
	return fmt.Sprintf("%s (pid %d)", hostname, pid)
}

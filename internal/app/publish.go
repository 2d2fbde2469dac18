package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog/log"

	"repo-publisher/internal/core"
	"repo-publisher/internal/ports"
	"repo-publisher/internal/types"
)

const (
	defaultCommitAttempts = 3
	releaseTimeout        = 30 * time.Second
)

// Publish adds packages to the repository and commits the result as a new
// version. Everything between acquiring and releasing the lock is one
// transaction; when the pointer moved underneath it the transaction is
// redone against the new latest version.
func (s Service) Publish(ctx context.Context, req PublishRequest) (report types.PublishReport, err error) {
	report = types.PublishReport{Format: req.Format, DryRun: req.DryRun, FinalState: types.TransactionStateInit}
	if err := validateFormat(req.Format); err != nil {
		return report, err
	}
	if req.CommitAttempts <= 0 {
		req.CommitAttempts = defaultCommitAttempts
	}
	defer func() { s.recordOutcome(report, err) }()

	layout := s.publishLayout(req)
	candidates, err := s.inspectPackages(ctx, req.Format, req.PackagePaths)
	if err != nil {
		return report, err
	}
	supported, err := s.supportedDistros(req.Format)
	if err != nil {
		return report, err
	}
	versions, err := core.NewVersionStore(s.Store, s.Archive, layout, core.VersionStoreOptions{
		LatestOverride:  req.LatestVersion,
		ClaimStaleAfter: req.StaleAfter,
	})
	if err != nil {
		return report, err
	}
	lock, err := s.publishLock(layout, req)
	if err != nil {
		return report, err
	}
	machine, err := core.NewTransactionMachine()
	if err != nil {
		return report, err
	}

	ws, err := s.Workspace.Create()
	if err != nil {
		return report, err
	}
	defer func() {
		if rmErr := s.Workspace.Remove(ws); rmErr != nil {
			log.Warn().Err(rmErr).Str("root", ws.Root).Msg("failed to remove workspace")
		}
	}()
	signer, err := s.prepareSigner(ctx, ws)
	if err != nil {
		return report, err
	}
	backend, err := s.prepareBackend(ctx, req.Format, ws, 1)
	if err != nil {
		return report, err
	}

	tx := &transaction{
		req:        req,
		layout:     layout,
		versions:   versions,
		lock:       lock,
		machine:    machine,
		signer:     signer,
		candidates: candidates,
		supported:  supported,
		report:     &report,
	}

	if err := lock.Acquire(ctx, req.LockTimeout); err != nil {
		return report, phaseError("acquire lock", err)
	}
	if err := machine.Fire(core.EventLock); err != nil {
		return report, releaseAfter(ctx, lock, err)
	}
	defer func() {
		if relErr := tx.release(ctx); relErr != nil {
			err = errors.Join(err, phaseError("release lock", relErr))
		}
		report.FinalState = machine.State()
	}()

	for attempt := 1; ; attempt++ {
		report.Attempts = attempt
		if attempt > 1 {
			if backend, err = s.prepareBackend(ctx, req.Format, ws, attempt); err != nil {
				return report, err
			}
		}
		err = tx.run(ctx, backend)
		if err == nil {
			break
		}
		if !errors.Is(err, core.ErrVersionConflict) || attempt >= req.CommitAttempts {
			return report, err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("latest version changed while publishing; starting over")
		if fireErr := tx.machine.Fire(core.EventConflict); fireErr != nil {
			return report, errors.Join(err, fireErr)
		}
	}

	committed := machine.State() == types.TransactionStateCommitted
	if err := tx.release(ctx); err != nil {
		return report, phaseError("release lock", err)
	}
	if committed && !req.Testing && s.Notifier != nil {
		if err := s.Notifier.Notify(ctx); err != nil {
			return report, phaseError("notify web servers", fmt.Errorf("version %d is live: %w", report.Version, err))
		}
	}
	return report, nil
}

type transaction struct {
	req        PublishRequest
	layout     core.Layout
	versions   *core.VersionStore
	lock       ports.LockPort
	machine    *core.TransactionMachine
	signer     ports.SignerPort
	candidates []types.PackageDescriptor
	supported  []string
	report     *types.PublishReport
}

func (tx *transaction) run(ctx context.Context, backend ports.RepoBackendPort) error {
	base, err := tx.fetch(ctx, backend)
	if err != nil {
		return err
	}
	plan, err := tx.plan(ctx, backend)
	if err != nil {
		return err
	}
	if plan.Imported() == 0 && !tx.req.Testing {
		log.Info().Msg("no packages to import; nothing to do")
		tx.report.NothingToDo = true
		return nil
	}
	if err := tx.mutate(ctx, backend, plan); err != nil {
		return err
	}
	if tx.req.DryRun {
		log.Info().Msg("dry run; not committing a new version")
		return tx.machine.Fire(core.EventDryRun)
	}
	return tx.commit(ctx, backend, base)
}

func (tx *transaction) fetch(ctx context.Context, backend ports.RepoBackendPort) (types.VersionRef, error) {
	base, err := tx.versions.LatestVersion(ctx)
	if err != nil {
		return base, phaseError("read latest version", err)
	}
	tx.report.BaseVersion = base.Number
	if base.Number > 0 {
		if stateDir := backend.StateDir(); stateDir != "" {
			err = tx.versions.FetchSnapshot(ctx, base.Number, stateDir)
		} else {
			err = tx.versions.FetchTree(ctx, base.Number, backend.TreeDir())
		}
		if err != nil {
			return base, phaseError("fetch snapshot", err)
		}
	}
	if err := tx.lock.CheckHealth(); err != nil {
		return base, phaseError("fetch snapshot", err)
	}
	return base, tx.machine.Fire(core.EventFetch)
}

func (tx *transaction) plan(ctx context.Context, backend ports.RepoBackendPort) (types.ImportPlan, error) {
	repositories, err := backend.Repositories(ctx)
	if err != nil {
		return types.ImportPlan{}, phaseError("import packages", err)
	}
	inventory, err := backend.Inventory(ctx, union(repositories, tx.supported))
	if err != nil {
		return types.ImportPlan{}, phaseError("import packages", err)
	}
	plan := core.PlanImport(core.ImportRequest{
		Format:       tx.req.Format,
		Candidates:   tx.candidates,
		Inventory:    inventory,
		Repositories: repositories,
		Supported:    tx.supported,
		Options:      types.ImportOptions{Overwrite: tx.req.Overwrite},
	})
	tx.report.Imported = plan.Imported()
	tx.report.Skipped = len(plan.Skipped)
	tx.report.Rejected = len(plan.Rejected)
	return plan, nil
}

func (tx *transaction) mutate(ctx context.Context, backend ports.RepoBackendPort, plan types.ImportPlan) error {
	opts := types.ImportOptions{Overwrite: tx.req.Overwrite}
	partitions := plan.Partitions()
	for _, partition := range partitions {
		if err := backend.Import(ctx, partition, plan.Imports[partition], opts); err != nil {
			return phaseError("import packages", err)
		}
		if err := tx.lock.CheckHealth(); err != nil {
			return phaseError("import packages", err)
		}
	}
	affected, err := backend.Finalize(ctx, partitions)
	if err != nil {
		return phaseError("import packages", err)
	}
	if err := tx.lock.CheckHealth(); err != nil {
		return phaseError("import packages", err)
	}
	if err := core.NewPublisher(backend, tx.signer, tx.lock).Publish(ctx, affected); err != nil {
		return phaseError("publish repository", err)
	}
	if err := tx.lock.CheckHealth(); err != nil {
		return phaseError("publish repository", err)
	}
	return tx.machine.Fire(core.EventMutate)
}

func (tx *transaction) commit(ctx context.Context, backend ports.RepoBackendPort, base types.VersionRef) error {
	if err := tx.lock.CheckHealth(); err != nil {
		return phaseError("commit version", err)
	}
	version, err := tx.versions.Commit(ctx, base, core.CommitInput{
		StateDir: backend.StateDir(),
		TreeDir:  backend.TreeDir(),
	})
	if err != nil {
		return phaseError("commit version", err)
	}
	tx.report.Version = version
	tx.report.PublicURL = tx.layout.PublicURL(version)
	log.Info().Int("version", version).Str("url", tx.report.PublicURL).Msg("published new version")
	return tx.machine.Fire(core.EventCommit)
}

// release is idempotent and survives cancellation of ctx so that an
// interrupted run still frees the lock.
func (tx *transaction) release(ctx context.Context) error {
	if !tx.machine.Locked() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	err := tx.lock.Release(ctx)
	if fireErr := tx.machine.Fire(core.EventRelease); fireErr != nil {
		return errors.Join(err, fireErr)
	}
	return err
}

// releaseAfter frees lock once cause has stopped the transaction outside
// the state machine. A failed release is reported together with cause.
func releaseAfter(ctx context.Context, lock ports.LockPort, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := lock.Release(ctx); err != nil {
		return errors.Join(cause, phaseError("release lock", err))
	}
	return cause
}

func (s Service) publishLayout(req PublishRequest) core.Layout {
	layout := s.layout(req.RepoRequest)
	layout.Testing = req.Testing
	layout.CIArtifactsBucket = req.CIArtifactsBucket
	layout.CIRunNumber = req.CIRunNumber
	if req.Format == types.PackageFormatDeb {
		layout.StateURLOverride = req.StateURL
	} else {
		layout.TreeURLOverride = req.StateURL
	}
	return layout
}

func (s Service) publishLock(layout core.Layout, req PublishRequest) (ports.LockPort, error) {
	if layout.Testing {
		log.Info().Msg("testing mode; the repository lock is not taken")
		return core.NewNopLock(), nil
	}
	lock, err := s.storageLock(layout, req.StaleAfter, req.LockRenewInterval)
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func (s Service) inspectPackages(ctx context.Context, format types.PackageFormat, paths []string) ([]types.PackageDescriptor, error) {
	files, err := ExpandPackagePaths(paths, format)
	if err != nil {
		return nil, err
	}
	inspector, err := s.Inspector(format)
	if err != nil {
		return nil, err
	}
	candidates := make([]types.PackageDescriptor, 0, len(files))
	for _, path := range files {
		pkg, err := inspector.Inspect(ctx, path)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("path", path).Str("package", pkg.CanonicalName).Str("distro", pkg.Distro).Msg("inspected package")
		candidates = append(candidates, pkg)
	}
	return candidates, nil
}

// ExpandPackagePaths replaces every directory in paths by the package
// files of format it contains.
func ExpandPackagePaths(paths []string, format types.PackageFormat) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, errbuilder.New().
				WithCode(errbuilder.CodeInvalidArgument).
				WithMsg(fmt.Sprintf("package %s not found", path)).
				WithCause(err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(path, "*."+string(format)))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	return files, nil
}

func (s Service) supportedDistros(format types.PackageFormat) ([]string, error) {
	if s.Distributions == nil {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("supported distributions are not configured")
	}
	distributions, err := s.Distributions.Distributions()
	if err != nil {
		return nil, err
	}
	names := types.DistroNames(distributions, format)
	log.Debug().Str("format", string(format)).Str("distros", strings.Join(names, ",")).Msg("supported distributions")
	return names, nil
}

func (s Service) prepareSigner(ctx context.Context, ws types.Workspace) (ports.SignerPort, error) {
	if s.SigningKey == nil {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("signing key source is not configured")
	}
	key, err := s.SigningKey.FetchKey(ctx)
	if err != nil {
		return nil, phaseError("fetch signing key", err)
	}
	if err := os.WriteFile(ws.KeyPath, key, 0o600); err != nil {
		return nil, phaseError("fetch signing key", err)
	}
	keyID, err := s.Keyring(ws.GnupgHome).ImportKey(ctx, ws.KeyPath)
	if err != nil {
		return nil, phaseError("import signing key", err)
	}
	log.Info().Str("key_id", keyID).Msg("imported signing key")
	return s.Signer(ws.GnupgHome, keyID), nil
}

func (s Service) prepareBackend(ctx context.Context, format types.PackageFormat, ws types.Workspace, attempt int) (ports.RepoBackendPort, error) {
	backend, err := s.Backend(format)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(ws.WorkDir, fmt.Sprintf("attempt-%d", attempt))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, phaseError("prepare workspace", err)
	}
	if err := backend.Prepare(ctx, dir); err != nil {
		return nil, phaseError("prepare workspace", err)
	}
	return backend, nil
}

func (s Service) recordOutcome(report types.PublishReport, err error) {
	outcome := "failed"
	switch {
	case report.Version > 0:
		outcome = "committed"
		s.Metrics.SetLatestVersion(report.Version)
	case err != nil:
	case report.NothingToDo:
		outcome = "nothing_to_do"
	case report.DryRun:
		outcome = "dry_run"
	}
	s.Metrics.ObserveTransaction(outcome, report.Imported, report.Skipped, report.Rejected)
}

func union(a []string, b []string) []string {
	set := map[string]struct{}{}
	for _, values := range [][]string{a, b} {
		for _, value := range values {
			set[value] = struct{}{}
		}
	}
	result := make([]string, 0, len(set))
	for value := range set {
		result = append(result, value)
	}
	sort.Strings(result)
	return result
}

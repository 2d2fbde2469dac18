package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"repo-publisher/internal/ports"
	"repo-publisher/internal/types"
)

var (
	// ErrVersionConflict reports that the pointer moved since the base
	// version was read; nothing of the new version became visible.
	ErrVersionConflict = errors.New("latest version pointer changed concurrently")
	ErrInvalidVersion  = errors.New("invalid version number")
)

var versionPattern = regexp.MustCompile(`^[0-9]+$`)

type VersionStoreOptions struct {
	// LatestOverride replaces the number read from the pointer.
	LatestOverride *int
	// ClaimStaleAfter is the age after which the claim of a version the
	// pointer never reached may be taken over. Defaults to
	// DefaultStaleAfter.
	ClaimStaleAfter time.Duration
	Clock           func() time.Time
}

// VersionStore reads and commits immutable repository versions. Only the
// pointer object is ever overwritten, and it is always written last.
type VersionStore struct {
	store   ports.ObjectStorePort
	archive ports.StateArchivePort
	layout  Layout
	opts    VersionStoreOptions
}

func NewVersionStore(store ports.ObjectStorePort, archive ports.StateArchivePort, layout Layout, opts VersionStoreOptions) (*VersionStore, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if opts.LatestOverride != nil && *opts.LatestOverride < 0 {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(fmt.Sprintf("latest version override %d is negative", *opts.LatestOverride))
	}
	if opts.ClaimStaleAfter <= 0 {
		opts.ClaimStaleAfter = DefaultStaleAfter
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &VersionStore{store: store, archive: archive, layout: layout, opts: opts}, nil
}

func (s *VersionStore) Layout() Layout {
	return s.layout
}

// LatestVersion reads the production pointer. The generation is captured
// before the content so that a concurrent flip makes the later commit
// fail instead of being lost.
func (s *VersionStore) LatestVersion(ctx context.Context) (types.VersionRef, error) {
	ref, err := s.readPointer(ctx, s.layout.ProductionPointerURL())
	if err != nil {
		return ref, err
	}
	if s.opts.LatestOverride != nil {
		ref.Number = *s.opts.LatestOverride
	}
	log.Info().Int("version", ref.Number).Msg("latest repository version")
	return ref, nil
}

func (s *VersionStore) readPointer(ctx context.Context, url string) (types.VersionRef, error) {
	attrs, err := s.store.Stat(ctx, url)
	if errors.Is(err, ports.ErrObjectNotFound) {
		return types.VersionRef{}, nil
	}
	if err != nil {
		return types.VersionRef{}, fmt.Errorf("read %s: %w", url, err)
	}
	data, err := s.store.Get(ctx, url)
	if errors.Is(err, ports.ErrObjectNotFound) {
		return types.VersionRef{}, nil
	}
	if err != nil {
		return types.VersionRef{}, fmt.Errorf("read %s: %w", url, err)
	}
	number, err := parseVersion(data)
	if err != nil {
		return types.VersionRef{}, fmt.Errorf("%w stored in %s", err, url)
	}
	return types.VersionRef{Number: number, PointerGeneration: attrs.Generation, PointerExists: true}, nil
}

func parseVersion(data []byte) (int, error) {
	value := strings.TrimSpace(string(data))
	if !versionPattern.MatchString(value) {
		return 0, fmt.Errorf("%w %q", ErrInvalidVersion, value)
	}
	number, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w %q", ErrInvalidVersion, value)
	}
	return number, nil
}

// FetchSnapshot extracts the snapshot archive of version into workDir.
// Version 0 has no snapshot and leaves workDir untouched.
func (s *VersionStore) FetchSnapshot(ctx context.Context, version int, workDir string) error {
	if version == 0 {
		return nil
	}
	url := s.layout.ReadStateURL(version)
	log.Info().Int("version", version).Str("url", url).Msg("fetching state")

	tmp, err := os.MkdirTemp("", "state-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	archivePath := filepath.Join(tmp, stateArchiveFile)
	if err := s.store.Download(ctx, url, archivePath); err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	return s.archive.Extract(archivePath, workDir)
}

// FetchTree mirrors the published tree of version into dir.
func (s *VersionStore) FetchTree(ctx context.Context, version int, dir string) error {
	if version == 0 {
		return nil
	}
	url := s.layout.ReadTreeURL(version)
	log.Info().Int("version", version).Str("url", url).Msg("fetching published tree")
	return s.store.SyncTree(ctx, url, dir, types.SyncOptions{})
}

type CommitInput struct {
	// StateDir is archived as the snapshot. Empty when the published
	// tree is the whole state.
	StateDir string
	TreeDir  string
}

// Commit writes version base.Number+1 and flips the pointer to it. In
// production the new version is claimed first with a conditional create,
// so a concurrent writer of the same number fails before writing any
// artifact. Every artifact is written before the pointer; an interrupted
// commit leaves the previous version live and its claim is released or,
// after a crash, taken over once stale.
func (s *VersionStore) Commit(ctx context.Context, base types.VersionRef, in CommitInput) (committed int, err error) {
	if strings.TrimSpace(in.TreeDir) == "" {
		return 0, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("published tree directory is required")
	}
	version := base.Number + 1
	cacheControl := s.layout.CacheControl()

	var claim versionClaim
	if !s.layout.Testing {
		if err := s.checkPointer(ctx, base); err != nil {
			return 0, err
		}
		claim, err = s.claimVersion(ctx, base, version)
		if err != nil {
			return 0, err
		}
		defer func() {
			if err != nil {
				s.dropClaim(ctx, claim)
			}
		}()
	}

	if in.StateDir != "" {
		if err := s.uploadState(ctx, version, in.StateDir, cacheControl); err != nil {
			return 0, err
		}
	}

	treeURL := s.layout.WriteTreeURL(version)
	if err := s.checkClaim(ctx, claim); err != nil {
		return 0, err
	}
	if !s.layout.Testing && base.Number > 0 {
		log.Info().Int("version", base.Number).Msg("copying over previous version")
		if err := s.store.SyncTree(ctx, s.layout.ProductionTreeURL(base.Number), treeURL, types.SyncOptions{
			CacheControl: cacheControl,
			DeleteExtra:  true,
		}); err != nil {
			return 0, fmt.Errorf("copy version %d: %w", base.Number, err)
		}
	}
	if err := s.checkClaim(ctx, claim); err != nil {
		return 0, err
	}
	log.Info().Int("version", version).Str("url", treeURL).Msg("uploading repository")
	if err := s.store.SyncTree(ctx, in.TreeDir, treeURL, types.SyncOptions{
		CacheControl: cacheControl,
		DeleteExtra:  true,
	}); err != nil {
		return 0, fmt.Errorf("upload repository: %w", err)
	}

	if err := s.checkClaim(ctx, claim); err != nil {
		return 0, err
	}
	content := []byte(strconv.Itoa(version) + "\n")
	if _, err := s.store.Put(ctx, s.layout.WriteNoteURL(version), content, types.WriteOptions{
		CacheControl: cacheControl,
		ContentType:  "text/plain",
	}); err != nil {
		return 0, fmt.Errorf("write version note: %w", err)
	}

	pointer := types.WriteOptions{CacheControl: cacheControlNoStore, ContentType: "text/plain"}
	if !s.layout.Testing {
		if base.PointerExists {
			pointer.Precondition.GenerationMatch = base.PointerGeneration
		} else {
			pointer.Precondition.DoesNotExist = true
		}
	}
	if err := s.checkClaim(ctx, claim); err != nil {
		return 0, err
	}
	log.Info().Int("version", version).Msg("declaring latest version")
	if _, err := s.store.Put(ctx, s.layout.PointerURL(), content, pointer); err != nil {
		if errors.Is(err, ports.ErrPreconditionFailed) {
			return 0, fmt.Errorf("%w: flip to version %d", ErrVersionConflict, version)
		}
		return 0, fmt.Errorf("write pointer: %w", err)
	}
	return version, nil
}

func (s *VersionStore) checkPointer(ctx context.Context, base types.VersionRef) error {
	attrs, err := s.store.Stat(ctx, s.layout.PointerURL())
	switch {
	case errors.Is(err, ports.ErrObjectNotFound):
		if base.PointerExists {
			return fmt.Errorf("%w: pointer was removed", ErrVersionConflict)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read pointer: %w", err)
	case !base.PointerExists:
		return fmt.Errorf("%w: pointer was created", ErrVersionConflict)
	case attrs.Generation != base.PointerGeneration:
		return fmt.Errorf("%w: pointer generation %d, expected %d", ErrVersionConflict, attrs.Generation, base.PointerGeneration)
	default:
		return nil
	}
}

// versionClaim is the object reserving a version number for one commit.
// The zero value stands for no claim.
type versionClaim struct {
	url        string
	generation int64
}

func (s *VersionStore) claimVersion(ctx context.Context, base types.VersionRef, version int) (versionClaim, error) {
	url := s.layout.ClaimURL(version)
	now := s.opts.Clock()
	hostname, _ := os.Hostname()
	content, err := json.Marshal(types.LeaseRecord{
		Holder:     uuid.NewString(),
		Hostname:   hostname,
		PID:        os.Getpid(),
		AcquiredAt: now.UTC(),
		RenewedAt:  now.UTC(),
	})
	if err != nil {
		return versionClaim{}, err
	}
	opts := types.WriteOptions{
		Precondition: types.Precondition{DoesNotExist: true},
		CacheControl: cacheControlNoStore,
		ContentType:  "application/json",
	}
	attrs, err := s.store.Put(ctx, url, content, opts)
	if err == nil {
		return versionClaim{url: url, generation: attrs.Generation}, nil
	}
	if !errors.Is(err, ports.ErrPreconditionFailed) {
		return versionClaim{}, fmt.Errorf("claim version %d: %w", version, err)
	}

	existing, err := s.store.Stat(ctx, url)
	if errors.Is(err, ports.ErrObjectNotFound) {
		return versionClaim{}, fmt.Errorf("%w: claim on version %d changed hands", ErrVersionConflict, version)
	}
	if err != nil {
		return versionClaim{}, fmt.Errorf("read claim: %w", err)
	}
	age := now.Sub(existing.UpdateTime)
	if age <= s.opts.ClaimStaleAfter {
		return versionClaim{}, fmt.Errorf("%w: version %d was claimed by another writer %s ago", ErrVersionConflict, version, age.Round(time.Second))
	}
	// Only a claim the pointer never reached is abandoned.
	if err := s.checkPointer(ctx, base); err != nil {
		return versionClaim{}, err
	}
	log.Warn().
		Int("version", version).
		Int64("generation", existing.Generation).
		Dur("age", age).
		Msg("taking over abandoned version claim")
	opts.Precondition = types.Precondition{GenerationMatch: existing.Generation}
	attrs, err = s.store.Put(ctx, url, content, opts)
	if errors.Is(err, ports.ErrPreconditionFailed) {
		return versionClaim{}, fmt.Errorf("%w: claim on version %d changed hands", ErrVersionConflict, version)
	}
	if err != nil {
		return versionClaim{}, fmt.Errorf("claim version %d: %w", version, err)
	}
	return versionClaim{url: url, generation: attrs.Generation}, nil
}

// checkClaim fails with ErrVersionConflict once another writer has taken
// the claim over.
func (s *VersionStore) checkClaim(ctx context.Context, claim versionClaim) error {
	if claim.url == "" {
		return nil
	}
	attrs, err := s.store.Stat(ctx, claim.url)
	switch {
	case errors.Is(err, ports.ErrObjectNotFound):
		return fmt.Errorf("%w: claim %s was removed", ErrVersionConflict, claim.url)
	case err != nil:
		return fmt.Errorf("read claim: %w", err)
	case attrs.Generation != claim.generation:
		return fmt.Errorf("%w: claim %s was taken over", ErrVersionConflict, claim.url)
	default:
		return nil
	}
}

// dropClaim releases a claim after a failed commit so that the next
// attempt can reuse the number right away.
func (s *VersionStore) dropClaim(parent context.Context, claim versionClaim) {
	if claim.url == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), cleanupTimeout)
	defer cancel()
	err := s.store.Delete(ctx, claim.url, types.Precondition{GenerationMatch: claim.generation})
	if err != nil && !errors.Is(err, ports.ErrObjectNotFound) && !errors.Is(err, ports.ErrPreconditionFailed) {
		log.Warn().Err(err).Str("url", claim.url).Msg("unable to release version claim")
	}
}

func (s *VersionStore) uploadState(ctx context.Context, version int, stateDir string, cacheControl string) error {
	tmp, err := os.MkdirTemp("", "state-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	archivePath := filepath.Join(tmp, stateArchiveFile)
	if err := s.archive.Create(stateDir, archivePath); err != nil {
		return err
	}
	url := s.layout.WriteStateURL(version)
	log.Info().Int("version", version).Str("url", url).Msg("saving state")
	if err := s.store.Upload(ctx, archivePath, url, types.WriteOptions{CacheControl: cacheControl}); err != nil {
		return fmt.Errorf("upload state: %w", err)
	}
	return nil
}

// ListVersions returns every production version with a version note,
// oldest first.
func (s *VersionStore) ListVersions(ctx context.Context) ([]types.VersionInfo, error) {
	objects, err := s.store.List(ctx, s.layout.VersionsPrefix())
	if err != nil {
		return nil, err
	}
	var versions []types.VersionInfo
	for _, obj := range objects {
		number, ok := s.layout.ParseVersionNoteURL(obj.URL)
		if !ok {
			continue
		}
		versions = append(versions, types.VersionInfo{Number: number, CreatedAt: obj.UpdateTime})
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Number < versions[j].Number })
	return versions, nil
}

// DeleteVersion removes every object of a production version. The
// version the pointer designates is never deleted.
func (s *VersionStore) DeleteVersion(ctx context.Context, version int) error {
	latest, err := s.readPointer(ctx, s.layout.ProductionPointerURL())
	if err != nil {
		return err
	}
	if version <= 0 || version >= latest.Number {
		return errbuilder.New().
			WithCode(errbuilder.CodeFailedPrecondition).
			WithMsg(fmt.Sprintf("refusing to delete version %d (latest is %d)", version, latest.Number))
	}
	objects, err := s.store.List(ctx, s.layout.VersionPrefix(version))
	if err != nil {
		return err
	}
	for _, obj := range objects {
		err := s.store.Delete(ctx, obj.URL, types.Precondition{})
		if err != nil && !errors.Is(err, ports.ErrObjectNotFound) {
			return fmt.Errorf("delete version %d: %w", version, err)
		}
	}
	log.Info().Int("version", version).Int("objects", len(objects)).Msg("deleted version")
	return nil
}

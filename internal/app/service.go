package app

import (
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"

	"repo-publisher/internal/adapters"
	"repo-publisher/internal/core"
	"repo-publisher/internal/obs"
	"repo-publisher/internal/ports"
	"repo-publisher/internal/types"
)

type Service struct {
	Store         ports.ObjectStorePort
	Archive       ports.StateArchivePort
	Workspace     ports.WorkspacePort
	Distributions ports.DistributionsPort
	SigningKey    ports.SigningKeyPort
	// Notifier is optional; without it committed versions are not
	// announced to the web servers.
	Notifier ports.NotifierPort
	Metrics  *obs.Metrics
	Clock    func() time.Time

	Inspector func(format types.PackageFormat) (ports.PackageInspectorPort, error)
	Backend   func(format types.PackageFormat) (ports.RepoBackendPort, error)
	Keyring   func(gnupgHome string) ports.KeyringPort
	Signer    func(gnupgHome string, keyID string) ports.SignerPort
}

func NewService(store ports.ObjectStorePort) Service {
	return Service{
		Store:     store,
		Archive:   adapters.NewStateArchiveAdapter(),
		Workspace: adapters.NewWorkspaceAdapter("", false),
		Clock:     time.Now,
		Inspector: adapters.InspectorFor,
		Backend:   DefaultBackend(adapters.DefaultUtilityImage),
		Keyring: func(gnupgHome string) ports.KeyringPort {
			return adapters.NewGPGKeyring(gnupgHome)
		},
		Signer: func(gnupgHome string, keyID string) ports.SignerPort {
			return adapters.NewGPGSigner(gnupgHome, keyID)
		},
	}
}

// DefaultBackend builds aptly for deb and a createrepo tree for rpm. An
// empty utility image runs createrepo on the host.
func DefaultBackend(utilityImage string) func(types.PackageFormat) (ports.RepoBackendPort, error) {
	return func(format types.PackageFormat) (ports.RepoBackendPort, error) {
		switch format {
		case types.PackageFormatDeb:
			return adapters.NewAptlyBackend(), nil
		case types.PackageFormatRPM:
			return adapters.NewYumBackend(utilityImage), nil
		default:
			return nil, unsupportedFormat(format)
		}
	}
}

func unsupportedFormat(format types.PackageFormat) error {
	return errbuilder.New().
		WithCode(errbuilder.CodeInvalidArgument).
		WithMsg("unsupported package format " + string(format))
}

func (s Service) layout(repo RepoRequest) core.Layout {
	lockName := repo.LockName
	if lockName == "" {
		lockName = repo.Format.RepoKind()
	}
	return core.Layout{
		Bucket:   repo.Bucket,
		LockName: lockName,
		RepoKind: repo.Format.RepoKind(),
	}
}

func (s Service) storageLock(layout core.Layout, staleAfter time.Duration, renewInterval time.Duration) (*core.StorageLock, error) {
	return core.NewStorageLock(s.Store, core.StorageLockConfig{
		URL:           layout.LockURL(),
		StaleAfter:    staleAfter,
		RenewInterval: renewInterval,
		Clock:         s.Clock,
		Metrics:       s.Metrics,
	})
}

func timeNow(clock func() time.Time) time.Time {
	if clock == nil {
		return time.Now().UTC()
	}
	return clock().UTC()
}

func validateFormat(format types.PackageFormat) error {
	switch format {
	case types.PackageFormatDeb, types.PackageFormatRPM:
		return nil
	default:
		return unsupportedFormat(format)
	}
}

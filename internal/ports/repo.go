package ports

import (
	"context"

	"repo-publisher/internal/types"
)

// RepoBackendPort manipulates the local working copy of a repository.
// Implementations shell out to the packaging tools (aptly, createrepo).
type RepoBackendPort interface {
	Format() types.PackageFormat
	// Prepare lays out the working directory; it runs before any
	// snapshot is fetched into it.
	Prepare(ctx context.Context, workDir string) error
	// StateDir is the directory archived as the version snapshot. An
	// empty value means the published tree is the whole state.
	StateDir() string
	// TreeDir is the directory mirrored as the published tree.
	TreeDir() string
	Repositories(ctx context.Context) ([]string, error)
	Inventory(ctx context.Context, distros []string) (types.Inventory, error)
	Import(ctx context.Context, partition types.Partition, packages []types.PackageDescriptor, opts types.ImportOptions) error
	// Finalize runs after all imports, e.g. to propagate
	// architecture-independent packages or compact the database. It
	// returns every partition whose index must be regenerated, which may
	// be more than were imported into.
	Finalize(ctx context.Context, partitions []types.Partition) ([]types.Partition, error)
	RegenerateIndex(ctx context.Context, partition types.Partition) ([]types.SignTarget, error)
}

type SignerPort interface {
	Sign(ctx context.Context, target types.SignTarget) error
}

// SigningKeyPort fetches the private key material used for signing.
type SigningKeyPort interface {
	FetchKey(ctx context.Context) ([]byte, error)
}

// KeyringPort imports key material into an isolated keyring and reports
// the key id.
type KeyringPort interface {
	ImportKey(ctx context.Context, keyPath string) (string, error)
}

// StateArchivePort packs and unpacks the version snapshot archive.
type StateArchivePort interface {
	Create(srcDir string, archivePath string) error
	Extract(archivePath string, destDir string) error
}

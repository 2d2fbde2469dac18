package app

import (
	"time"

	"repo-publisher/internal/types"
)

// RepoRequest names the repository an operation works on.
type RepoRequest struct {
	Format types.PackageFormat
	Bucket string
	// LockName defaults to the repository kind of Format.
	LockName   string
	StaleAfter time.Duration
}

type PublishRequest struct {
	RepoRequest
	PackagePaths []string

	Testing           bool
	CIArtifactsBucket string
	CIRunNumber       string
	// LatestVersion replaces the version read from the pointer.
	LatestVersion *int
	// StateURL replaces the snapshot (deb) or published tree (rpm) the
	// base version is read from.
	StateURL string

	DryRun    bool
	Overwrite bool

	LockTimeout       time.Duration
	LockRenewInterval time.Duration
	CommitAttempts    int
}

type PruneRequest struct {
	RepoRequest
	KeepLast    int
	KeepDays    int
	DryRun      bool
	LockTimeout time.Duration
}

type PruneResult struct {
	KeepCount   int
	DeleteCount int
	Deleted     []int
	DryRun      bool
}

type StatusResult struct {
	LatestVersion int
	PointerExists bool
	PublicURL     string
	Versions      int
	Lock          types.LockStatus
}

type UnlockRequest struct {
	RepoRequest
	// Force removes a lock that is not stale yet.
	Force bool
}

type UnlockResult struct {
	Removed bool
	Lock    types.LockStatus
}

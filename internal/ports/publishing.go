package ports

import (
	"context"

	"repo-publisher/internal/types"
)

// PackageInspectorPort reads the embedded metadata of a package file.
type PackageInspectorPort interface {
	Format() types.PackageFormat
	// Inspect returns the descriptor of path. Distro is empty when the
	// package does not name one.
	Inspect(ctx context.Context, path string) (types.PackageDescriptor, error)
}

// DistributionsPort lists the distributions currently supported.
type DistributionsPort interface {
	Distributions() ([]types.Distribution, error)
}

// NotifierPort tells the edge web servers that a new version is live.
type NotifierPort interface {
	Notify(ctx context.Context) error
}

package ports

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"repo-publisher/internal/types"
)

var (
	// ErrObjectNotFound reports a benign absence of the object.
	ErrObjectNotFound = errors.New("object not found")
	// ErrPreconditionFailed is the expected outcome of a losing
	// conditional write or delete.
	ErrPreconditionFailed = errors.New("precondition failed")
)

// CommandError reports that a store operation failed unexpectedly
// (network, auth, quota).
type CommandError struct {
	Op     string
	URL    string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Op, e.URL)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// MetadataParseError reports an object stat response that could not be
// parsed. It is handled like a CommandError.
type MetadataParseError struct {
	URL   string
	Field string
}

func (e *MetadataParseError) Error() string {
	return fmt.Sprintf("unable to extract %s from metadata of %s", e.Field, e.URL)
}

// ObjectStorePort is the only coordination medium between publishers.
// URLs use the gs://bucket/path form; SyncTree also accepts local paths.
type ObjectStorePort interface {
	Get(ctx context.Context, url string) ([]byte, error)
	Stat(ctx context.Context, url string) (types.ObjectAttrs, error)
	Put(ctx context.Context, url string, data []byte, opts types.WriteOptions) (types.ObjectAttrs, error)
	Delete(ctx context.Context, url string, cond types.Precondition) error
	List(ctx context.Context, prefix string) ([]types.ObjectAttrs, error)
	Upload(ctx context.Context, localPath string, url string, opts types.WriteOptions) error
	Download(ctx context.Context, url string, localPath string) error
	SyncTree(ctx context.Context, src string, dst string, opts types.SyncOptions) error
}

// IsRemoteURL reports whether location addresses the object store rather
// than the local filesystem.
func IsRemoteURL(location string) bool {
	return strings.HasPrefix(location, "gs://")
}

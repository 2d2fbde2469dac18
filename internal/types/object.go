package types

import "time"

type ObjectAttrs struct {
	URL        string
	Generation int64
	UpdateTime time.Time
	Size       int64
}

// Precondition restricts a write or delete to a known object state. The
// zero value is unconditional.
type Precondition struct {
	DoesNotExist    bool
	GenerationMatch int64
}

func (p Precondition) IsZero() bool {
	return !p.DoesNotExist && p.GenerationMatch == 0
}

type WriteOptions struct {
	Precondition Precondition
	CacheControl string
	ContentType  string
}

type SyncOptions struct {
	CacheControl string
	DeleteExtra  bool
}

// SignTarget is a metadata file that must be signed before publishing.
type SignTarget struct {
	Path   string
	Output string
	Clear  bool
}

package ports

import "repo-publisher/internal/types"

// WorkspacePort creates the private scratch area of one run.
type WorkspacePort interface {
	Create() (types.Workspace, error)
	Remove(ws types.Workspace) error
}

package adapters

import (
	"os"
	"path/filepath"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog/log"

	"repo-publisher/internal/ports"
	"repo-publisher/internal/types"
)

type WorkspaceAdapter struct {
	// BaseDir is where the temporary directory is created; empty means
	// the system default.
	BaseDir string
	Keep    bool
}

func NewWorkspaceAdapter(baseDir string, keep bool) WorkspaceAdapter {
	return WorkspaceAdapter{BaseDir: baseDir, Keep: keep}
}

func (a WorkspaceAdapter) Create() (types.Workspace, error) {
	root, err := os.MkdirTemp(a.BaseDir, "repo-publisher-")
	if err != nil {
		return types.Workspace{}, errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to create workspace").
			WithCause(err)
	}
	ws := types.Workspace{
		Root:      root,
		WorkDir:   filepath.Join(root, "work"),
		GnupgHome: filepath.Join(root, "gnupg"),
		KeyPath:   filepath.Join(root, "key.gpg"),
	}
	if err := os.Mkdir(ws.WorkDir, 0o755); err != nil {
		return types.Workspace{}, a.fail(root, err)
	}
	// gpg refuses a home directory readable by others.
	if err := os.Mkdir(ws.GnupgHome, 0o700); err != nil {
		return types.Workspace{}, a.fail(root, err)
	}
	log.Debug().Str("root", root).Msg("created workspace")
	return ws, nil
}

func (a WorkspaceAdapter) Remove(ws types.Workspace) error {
	if ws.Root == "" {
		return nil
	}
	if a.Keep {
		log.Info().Str("root", ws.Root).Msg("keeping workspace")
		return nil
	}
	if err := os.RemoveAll(ws.Root); err != nil {
		return errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to remove workspace").
			WithCause(err)
	}
	return nil
}

func (a WorkspaceAdapter) fail(root string, err error) error {
	_ = os.RemoveAll(root)
	return errbuilder.New().
		WithCode(errbuilder.CodeInternal).
		WithMsg("failed to lay out workspace").
		WithCause(err)
}

var _ ports.WorkspacePort = WorkspaceAdapter{}

package adapters

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspaceAdapter_CreateAndRemove(t *testing.T) {
	adapter := NewWorkspaceAdapter(t.TempDir(), false)
	ws, err := adapter.Create()
	require.NoError(t, err)

	info, err := os.Stat(ws.GnupgHome)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	assert.DirExists(t, ws.WorkDir)
	assert.NoFileExists(t, ws.KeyPath)

	require.NoError(t, adapter.Remove(ws))
	assert.NoDirExists(t, ws.Root)
}

func TestWorkspaceAdapter_KeepsWorkspaceOnRequest(t *testing.T) {
	adapter := NewWorkspaceAdapter(t.TempDir(), true)
	ws, err := adapter.Create()
	require.NoError(t, err)

	require.NoError(t, adapter.Remove(ws))
	assert.DirExists(t, ws.Root)
}

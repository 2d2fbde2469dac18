package adapters

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeCommand installs a script that records its arguments, one line per
// invocation, and replays a canned response.
func fakeCommand(t *testing.T, name string, stdout string, stderr string, exitCode int) (string, string) {
	t.Helper()
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	body := "printf '%s' '" + stdout + "'\n" +
		"printf '%s' '" + stderr + "' >&2\n" +
		"exit " + strconv.Itoa(exitCode) + "\n"
	return fakeScript(t, dir, name, argsFile, body), argsFile
}

// fakeScript installs an executable shell script whose body runs after
// the arguments have been appended to argsFile.
func fakeScript(t *testing.T, dir string, name string, argsFile string, body string) string {
	t.Helper()
	script := "#!/bin/sh\n" +
		"echo \"$@\" >> " + argsFile + "\n" +
		"cat > /dev/null\n" +
		body
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func readArgs(t *testing.T, argsFile string) string {
	t.Helper()
	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	return string(data)
}

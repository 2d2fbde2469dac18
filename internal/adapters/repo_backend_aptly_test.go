package adapters

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-publisher/internal/types"
)

const aptlyShowOutput = `Name: jammy
Comment:
Default Distribution:
Default Component: main
Number of packages: 2
Packages:
  fullstaq-ruby-3.3.0_1-ubuntu-22.04_amd64
  fullstaq-ruby-common_1.0-0_all
`

// fakeAptly prepares a backend whose aptly binary answers from a case
// statement over its arguments.
func fakeAptly(t *testing.T, body string) (*AptlyBackend, string) {
	t.Helper()
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	backend := &AptlyBackend{Binary: fakeScript(t, dir, "aptly", argsFile, body)}
	require.NoError(t, backend.Prepare(t.Context(), filepath.Join(dir, "work")))
	return backend, argsFile
}

func TestAptlyBackendPrepareWritesConfig(t *testing.T) {
	backend, _ := fakeAptly(t, "exit 0\n")
	assert.DirExists(t, filepath.Join(backend.StateDir(), "db"))
	assert.DirExists(t, backend.TreeDir())

	data, err := os.ReadFile(strings.TrimPrefix(backend.configFlag(), "-config="))
	require.NoError(t, err)
	var config aptlyConfig
	require.NoError(t, json.Unmarshal(data, &config))
	assert.Equal(t, backend.StateDir(), config.RootDir)
	assert.Equal(t, aptlyFilesystemTarget{RootDir: backend.TreeDir(), LinkMethod: "symlink", VerifyMethod: "md5"}, config.FileSystemPublishEndpoints["main"])
}

func TestAptlyBackendInventory(t *testing.T) {
	body := "case \"$*\" in\n" +
		"  \"repo list\"*) printf 'jammy\\n' ;;\n" +
		"  \"repo show\"*) printf '%s' '" + aptlyShowOutput + "' ;;\n" +
		"esac\n"
	backend, argsFile := fakeAptly(t, body)

	inventory, err := backend.Inventory(t.Context(), []string{"jammy", "noble"})
	require.NoError(t, err)

	want := types.Inventory{}
	want.Add(types.Partition{Distro: "jammy"}, "fullstaq-ruby-3.3.0_1-ubuntu-22.04_amd64")
	want.Add(types.Partition{Distro: "jammy"}, "fullstaq-ruby-common_1.0-0_all")
	if diff := cmp.Diff(want, inventory); diff != "" {
		t.Fatalf("unexpected inventory (-want +got):\n%s", diff)
	}
	assert.NotContains(t, readArgs(t, argsFile), "noble", "distros without a repository are not shown")
}

func TestAptlyBackendImportCreatesMissingRepository(t *testing.T) {
	backend, argsFile := fakeAptly(t, "exit 0\n")
	packages := []types.PackageDescriptor{{Path: "/pkgs/a.deb"}, {Path: "/pkgs/b.deb"}}

	err := backend.Import(t.Context(), types.Partition{Distro: "jammy"}, packages, types.ImportOptions{Overwrite: true})
	require.NoError(t, err)

	config := backend.configFlag()
	want := "repo list -raw " + config + "\n" +
		"repo create " + config + " jammy\n" +
		"repo add -force-replace " + config + " jammy /pkgs/a.deb /pkgs/b.deb\n"
	assert.Equal(t, want, readArgs(t, argsFile))
}

func TestAptlyBackendRegenerateIndexRetriesWithAllArchitectures(t *testing.T) {
	body := "case \"$*\" in\n" +
		"  *-architectures=all*) exit 0 ;;\n" +
		"  publish*) echo 'ERROR: unable to figure out list of architectures, please supply explicit list' >&2; exit 1 ;;\n" +
		"esac\n"
	backend, argsFile := fakeAptly(t, body)

	targets, err := backend.RegenerateIndex(t.Context(), types.Partition{Distro: "jammy"})
	require.NoError(t, err)

	release := filepath.Join(backend.TreeDir(), "dists", "jammy", "Release")
	want := []types.SignTarget{
		{Path: release, Output: release + ".gpg"},
		{Path: release, Output: filepath.Join(backend.TreeDir(), "dists", "jammy", "InRelease"), Clear: true},
	}
	if diff := cmp.Diff(want, targets); diff != "" {
		t.Fatalf("unexpected targets (-want +got):\n%s", diff)
	}
	lines := strings.Split(strings.TrimSpace(readArgs(t, argsFile)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "-architectures=all")
	assert.Contains(t, lines[1], "-skip-signing")
}

func TestAptlyBackendRegenerateIndexFailure(t *testing.T) {
	backend, _ := fakeAptly(t, "echo 'ERROR: disk full' >&2\nexit 1\n")
	_, err := backend.RegenerateIndex(t.Context(), types.Partition{Distro: "jammy"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aptly command failed")
}

func TestAptlyBackendFinalizeCleansDatabase(t *testing.T) {
	backend, argsFile := fakeAptly(t, "exit 0\n")
	partitions := []types.Partition{{Distro: "jammy"}}

	got, err := backend.Finalize(t.Context(), partitions)
	require.NoError(t, err)
	assert.Equal(t, partitions, got)
	assert.Equal(t, "db cleanup "+backend.configFlag()+" -verbose\n", readArgs(t, argsFile))
}

func TestParseAptlyPackages(t *testing.T) {
	assert.Equal(t, []string{"fullstaq-ruby-3.3.0_1-ubuntu-22.04_amd64", "fullstaq-ruby-common_1.0-0_all"}, parseAptlyPackages(aptlyShowOutput))
	assert.Nil(t, parseAptlyPackages("Name: jammy\nNumber of packages: 0\n"))
}

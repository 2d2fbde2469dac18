package e2e

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-publisher/internal/adapters"
	"repo-publisher/internal/app"
	"repo-publisher/internal/ports"
	"repo-publisher/internal/types"
	"repo-publisher/tests/testutil"
)

var packages = map[string]types.PackageDescriptor{
	"ruby-3.3.0-1.x86_64.rpm":   {Name: "ruby", Version: "3.3.0-1", Arch: "x86_64", Distro: "el9", CanonicalName: "ruby-3.3.0-1.x86_64.rpm"},
	"rubygems-3.5-1.noarch.rpm": {Name: "rubygems", Version: "3.5-1", Arch: "noarch", Distro: "el9", CanonicalName: "rubygems-3.5-1.noarch.rpm"},
}

func newPublisher(t *testing.T, store ports.ObjectStorePort) app.Service {
	t.Helper()
	service := app.NewService(store)
	service.Workspace = adapters.NewWorkspaceAdapter(t.TempDir(), false)
	service.Distributions = testutil.DefaultDistributions
	service.SigningKey = testutil.FakeKeySource{}
	service.Inspector = func(types.PackageFormat) (ports.PackageInspectorPort, error) {
		return testutil.FakeInspector{PackageFormat: types.PackageFormatRPM, Packages: packages}, nil
	}
	service.Backend = func(types.PackageFormat) (ports.RepoBackendPort, error) {
		return &testutil.FakeBackend{PackageFormat: types.PackageFormatRPM}, nil
	}
	service.Keyring = func(string) ports.KeyringPort { return testutil.FakeKeyring{} }
	service.Signer = func(_ string, keyID string) ports.SignerPort { return testutil.FakeSigner{KeyID: keyID} }
	return service
}

func writePackages(t *testing.T) string {
	t.Helper()
	files := map[string]string{}
	for name := range packages {
		files[name] = name
	}
	return testutil.WriteFiles(t, files)
}

func TestConcurrentPublishersProduceLinearHistory(t *testing.T) {
	store := adapters.NewMemoryObjectStore()
	dir := writePackages(t)
	names := []string{"ruby-3.3.0-1.x86_64.rpm", "rubygems-3.5-1.noarch.rpm"}

	var wg sync.WaitGroup
	reports := make([]types.PublishReport, len(names))
	errs := make([]error, len(names))
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			service := newPublisher(t, store)
			reports[i], errs[i] = service.Publish(t.Context(), app.PublishRequest{
				RepoRequest:  app.RepoRequest{Format: types.PackageFormatRPM, Bucket: "repo"},
				PackagePaths: []string{filepath.Join(dir, name)},
			})
		}()
	}
	wg.Wait()
	require.NoError(t, errors.Join(errs...))

	versions := []int{reports[0].Version, reports[1].Version}
	assert.ElementsMatch(t, []int{1, 2}, versions)

	pointer, err := store.Get(t.Context(), "gs://repo/versions/latest_version.txt")
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(pointer))

	keys := store.Keys()
	assert.Contains(t, keys, "gs://repo/versions/2/public/el9/x86_64/ruby-3.3.0-1.x86_64.rpm")
	assert.Contains(t, keys, "gs://repo/versions/2/public/el9/noarch/rubygems-3.5-1.noarch.rpm")
	assert.NotContains(t, keys, "gs://repo/locks/yum")
}

func TestPublishTwiceIsIdempotent(t *testing.T) {
	store := adapters.NewMemoryObjectStore()
	dir := writePackages(t)
	service := newPublisher(t, store)
	req := app.PublishRequest{
		RepoRequest:  app.RepoRequest{Format: types.PackageFormatRPM, Bucket: "repo"},
		PackagePaths: []string{filepath.Join(dir, "ruby-3.3.0-1.x86_64.rpm")},
	}

	first, err := service.Publish(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 1, first.Imported)

	second, err := service.Publish(t.Context(), req)
	require.NoError(t, err)
	assert.True(t, second.NothingToDo)
	assert.Equal(t, 1, second.Skipped)

	status, err := service.Status(t.Context(), req.RepoRequest)
	require.NoError(t, err)
	assert.Equal(t, 1, status.LatestVersion)
	assert.False(t, status.Lock.Held)
}

func TestCommandExitCodes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping binary build in short mode")
	}
	root := testutil.RepoRoot(t)
	binary := filepath.Join(t.TempDir(), "repo-publisher")
	build := exec.Command("go", "build", "-o", binary, "./cmd/repo-publisher")
	build.Dir = root
	out, err := build.CombinedOutput()
	require.NoError(t, err, string(out))

	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "missing bucket", args: []string{"status", "--format", "deb"}, want: 2},
		{name: "unknown format", args: []string{"publish", "--format", "apk", "--bucket", "repo", "pkg.apk"}, want: 2},
		{name: "unknown store", args: []string{"status", "--store", "s3", "--format", "deb", "--bucket", "repo"}, want: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cmd := exec.Command(binary, tc.args...)
			cmd.Dir = t.TempDir()
			cmd.Env = append(os.Environ(), "PRODUCTION_REPO_BUCKET_NAME=")
			out, err := cmd.CombinedOutput()
			var exitErr *exec.ExitError
			require.ErrorAs(t, err, &exitErr, string(out))
			assert.Equal(t, tc.want, exitErr.ExitCode(), string(out))
		})
	}
}

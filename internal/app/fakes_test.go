package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"repo-publisher/internal/adapters"
	"repo-publisher/internal/ports"
	"repo-publisher/internal/types"
	"repo-publisher/tests/testutil"
)

type testEnv struct {
	service  Service
	store    *adapters.MemoryObjectStore
	notifier *testutil.FakeNotifier
	packages string
}

func newTestEnv(t *testing.T, format types.PackageFormat, withState bool, packages map[string]types.PackageDescriptor) *testEnv {
	t.Helper()
	store := adapters.NewMemoryObjectStore()
	notifier := &testutil.FakeNotifier{}
	env := &testEnv{store: store, notifier: notifier, packages: t.TempDir()}
	for name := range packages {
		require.NoError(t, os.WriteFile(filepath.Join(env.packages, name), []byte("contents of "+name), 0o644))
	}
	env.service = Service{
		Store:     store,
		Archive:   adapters.NewStateArchiveAdapter(),
		Workspace: adapters.NewWorkspaceAdapter(t.TempDir(), false),
		Distributions: testutil.DefaultDistributions,
		SigningKey:    testutil.FakeKeySource{},
		Notifier:   notifier,
		Inspector: func(types.PackageFormat) (ports.PackageInspectorPort, error) {
			return testutil.FakeInspector{PackageFormat: format, Packages: packages}, nil
		},
		Backend: func(types.PackageFormat) (ports.RepoBackendPort, error) {
			return &testutil.FakeBackend{PackageFormat: format, WithState: withState}, nil
		},
		Keyring: func(string) ports.KeyringPort { return testutil.FakeKeyring{} },
		Signer: func(_ string, keyID string) ports.SignerPort {
			return testutil.FakeSigner{KeyID: keyID}
		},
	}
	return env
}

func (e *testEnv) path(name string) string {
	return filepath.Join(e.packages, name)
}

func (e *testEnv) request(format types.PackageFormat, names ...string) PublishRequest {
	req := PublishRequest{
		RepoRequest: RepoRequest{Format: format, Bucket: "repo"},
	}
	for _, name := range names {
		req.PackagePaths = append(req.PackagePaths, e.path(name))
	}
	return req
}

func (e *testEnv) get(t *testing.T, url string) string {
	t.Helper()
	data, err := e.store.Get(t.Context(), url)
	require.NoError(t, err, url)
	return string(data)
}

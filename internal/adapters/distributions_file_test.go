package adapters

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-publisher/internal/types"
)

func writeDistributions(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "distributions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDistributionsFileAdapter(t *testing.T) {
	path := writeDistributions(t, `distributions:
  - name: ubuntu-22.04
    package_format: DEB
  - name: debian-12
    package_format: deb
  - name: el-9
    package_format: rpm
`)
	got, err := NewDistributionsFileAdapter(path).Distributions()
	require.NoError(t, err)

	want := []types.Distribution{
		{Name: "ubuntu-22.04", PackageFormat: types.PackageFormatDeb},
		{Name: "debian-12", PackageFormat: types.PackageFormatDeb},
		{Name: "el-9", PackageFormat: types.PackageFormatRPM},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected distributions (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"ubuntu-22.04", "debian-12"}, types.DistroNames(got, types.PackageFormatDeb))
}

func TestDistributionsFileAdapterRejectsInvalidEntries(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{name: "empty name", content: "distributions:\n  - package_format: deb\n", want: "empty name"},
		{name: "unknown format", content: "distributions:\n  - name: alpine\n    package_format: apk\n", want: "unknown package format"},
		{name: "duplicate", content: "distributions:\n  - name: el-9\n    package_format: rpm\n  - name: el-9\n    package_format: rpm\n", want: "listed twice"},
		{name: "malformed", content: "distributions: [\n", want: "failed to parse"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewDistributionsFileAdapter(writeDistributions(t, tc.content)).Distributions()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDistributionsFileAdapterMissingFile(t *testing.T) {
	_, err := NewDistributionsFileAdapter(filepath.Join(t.TempDir(), "missing.yaml")).Distributions()
	require.Error(t, err)
}

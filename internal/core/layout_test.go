package core

import (
	"testing"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutProductionURLs(t *testing.T) {
	layout := Layout{Bucket: "repo", LockName: "apt", RepoKind: "apt"}
	require.NoError(t, layout.Validate())

	got := []string{
		layout.LockURL(),
		layout.PointerURL(),
		layout.ReadStateURL(3),
		layout.ReadTreeURL(3),
		layout.WriteStateURL(4),
		layout.WriteTreeURL(4),
		layout.WriteNoteURL(4),
		layout.ClaimURL(4),
		layout.PublicURL(4),
	}
	want := []string{
		"gs://repo/locks/apt",
		"gs://repo/versions/latest_version.txt",
		"gs://repo/versions/3/state.tar.zst",
		"gs://repo/versions/3/public",
		"gs://repo/versions/4/state.tar.zst",
		"gs://repo/versions/4/public",
		"gs://repo/versions/4/version.txt",
		"gs://repo/versions/4/claim.json",
		"https://storage.googleapis.com/repo/versions/4/public",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected urls (-want +got):\n%s", diff)
	}
	assert.Equal(t, "public", layout.CacheControl())
}

func TestLayoutTestingURLs(t *testing.T) {
	layout := Layout{
		Bucket:            "repo",
		LockName:          "yum",
		RepoKind:          "yum",
		Testing:           true,
		CIArtifactsBucket: "ci",
		CIRunNumber:       "42",
	}
	require.NoError(t, layout.Validate())

	assert.Equal(t, "gs://repo/versions/latest_version.txt", layout.ProductionPointerURL())
	assert.Equal(t, "gs://ci/42/yum-repo/versions/latest_version.txt", layout.PointerURL())
	assert.Equal(t, "gs://repo/versions/7/public", layout.ReadTreeURL(7))
	assert.Equal(t, "gs://ci/42/yum-repo/versions/singleton/public", layout.WriteTreeURL(8))
	assert.Equal(t, "gs://ci/42/yum-repo/versions/singleton/version.txt", layout.WriteNoteURL(8))
	assert.Equal(t, "https://storage.googleapis.com/ci/42/yum-repo/versions/singleton/public", layout.PublicURL(8))
	assert.Equal(t, "no-store", layout.CacheControl())
}

func TestLayoutOverrides(t *testing.T) {
	layout := Layout{
		Bucket:           "repo",
		LockName:         "apt",
		RepoKind:         "apt",
		StateURLOverride: "gs://elsewhere/state.tar.zst",
		TreeURLOverride:  "gs://elsewhere/public",
	}
	assert.Equal(t, "gs://elsewhere/state.tar.zst", layout.ReadStateURL(2))
	assert.Equal(t, "gs://elsewhere/public", layout.ReadTreeURL(2))
	assert.Equal(t, "gs://repo/versions/2/public", layout.ProductionTreeURL(2))
	assert.Equal(t, "gs://repo/versions/3/state.tar.zst", layout.WriteStateURL(3))
}

func TestLayoutValidate(t *testing.T) {
	tests := []struct {
		name   string
		layout Layout
	}{
		{name: "missing bucket", layout: Layout{LockName: "apt", RepoKind: "apt"}},
		{name: "bucket with path", layout: Layout{Bucket: "repo/sub", LockName: "apt", RepoKind: "apt"}},
		{name: "missing lock name", layout: Layout{Bucket: "repo", RepoKind: "apt"}},
		{name: "testing without run", layout: Layout{Bucket: "repo", LockName: "apt", RepoKind: "apt", Testing: true, CIArtifactsBucket: "ci"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.layout.Validate()
			require.Error(t, err)
			assert.Equal(t, errbuilder.CodeInvalidArgument, errbuilder.CodeOf(err))
		})
	}
}

func TestLayoutParseVersionNoteURL(t *testing.T) {
	layout := Layout{Bucket: "repo"}
	tests := []struct {
		url    string
		want   int
		wantOK bool
	}{
		{url: "gs://repo/versions/12/version.txt", want: 12, wantOK: true},
		{url: "gs://repo/versions/12/public/index.html"},
		{url: "gs://repo/versions/latest_version.txt"},
		{url: "gs://repo/versions/abc/version.txt"},
		{url: "gs://other/versions/3/version.txt"},
	}
	for _, tt := range tests {
		got, ok := layout.ParseVersionNoteURL(tt.url)
		assert.Equal(t, tt.wantOK, ok, tt.url)
		assert.Equal(t, tt.want, got, tt.url)
	}
}

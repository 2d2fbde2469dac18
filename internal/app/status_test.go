package app

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-publisher/internal/types"
)

var yumRepo = RepoRequest{Format: types.PackageFormatRPM, Bucket: "repo"}

func putLease(t *testing.T, env *testEnv, updated time.Time) {
	t.Helper()
	lease, err := json.Marshal(types.LeaseRecord{Holder: "other", Hostname: "ci-runner-7", PID: 4242})
	require.NoError(t, err)
	_, err = env.store.Put(t.Context(), "gs://repo/locks/yum", lease, types.WriteOptions{})
	require.NoError(t, err)
	env.store.Touch("gs://repo/locks/yum", updated)
}

func TestStatusOfEmptyRepository(t *testing.T) {
	env := newTestEnv(t, types.PackageFormatRPM, false, rpmPackages)

	status, err := env.service.Status(t.Context(), yumRepo)
	require.NoError(t, err)
	assert.Equal(t, StatusResult{Lock: types.LockStatus{URL: "gs://repo/locks/yum"}}, status)
}

func TestStatusReportsLatestVersionAndLock(t *testing.T) {
	env := newTestEnv(t, types.PackageFormatRPM, false, rpmPackages)
	publishVersions(t, env, "ruby-3.3.0-1.x86_64.rpm", "ruby-3.3.1-1.x86_64.rpm")
	putLease(t, env, time.Now().Add(-time.Hour))

	status, err := env.service.Status(t.Context(), yumRepo)
	require.NoError(t, err)
	assert.Equal(t, 2, status.LatestVersion)
	assert.True(t, status.PointerExists)
	assert.Equal(t, 2, status.Versions)
	assert.Equal(t, "https://storage.googleapis.com/repo/versions/2/public", status.PublicURL)
	assert.True(t, status.Lock.Held)
	assert.True(t, status.Lock.Stale)
	assert.Equal(t, "ci-runner-7", status.Lock.Holder.Hostname)
}

func TestUnlock(t *testing.T) {
	tests := []struct {
		name        string
		age         time.Duration
		force       bool
		wantRemoved bool
		wantRefused bool
	}{
		{name: "stale lock is removed", age: time.Hour, wantRemoved: true},
		{name: "fresh lock is kept", age: time.Second, wantRefused: true},
		{name: "fresh lock is removed with force", age: time.Second, force: true, wantRemoved: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, types.PackageFormatRPM, false, rpmPackages)
			putLease(t, env, time.Now().Add(-tc.age))

			result, err := env.service.Unlock(t.Context(), UnlockRequest{RepoRequest: yumRepo, Force: tc.force})
			if tc.wantRefused {
				require.Error(t, err)
				assert.Equal(t, errbuilder.CodeFailedPrecondition, errbuilder.CodeOf(err))
				assert.Contains(t, err.Error(), "ci-runner-7")
				assert.Contains(t, env.store.Keys(), "gs://repo/locks/yum")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantRemoved, result.Removed)
			assert.NotContains(t, env.store.Keys(), "gs://repo/locks/yum")
		})
	}
}

func TestUnlockWithoutLock(t *testing.T) {
	env := newTestEnv(t, types.PackageFormatRPM, false, rpmPackages)

	result, err := env.service.Unlock(t.Context(), UnlockRequest{RepoRequest: yumRepo})
	require.NoError(t, err)
	assert.False(t, result.Removed)
	assert.False(t, result.Lock.Held)
}

func TestNotify(t *testing.T) {
	env := newTestEnv(t, types.PackageFormatRPM, false, rpmPackages)
	require.NoError(t, env.service.Notify(t.Context()))
	assert.Equal(t, 1, env.notifier.Calls())

	env.notifier.Fail(errors.New("unreachable"))
	require.Error(t, env.service.Notify(t.Context()))

	env.service.Notifier = nil
	err := env.service.Notify(t.Context())
	require.Error(t, err)
	assert.Equal(t, errbuilder.CodeInvalidArgument, errbuilder.CodeOf(err))
}

package obs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveAcquire("acquired", time.Second)
	m.ObserveRenew(false)
	m.ObserveStaleTakeover()
	m.ObserveTransaction("committed", 1, 2, 3)
	m.SetLatestVersion(4)
	require.NoError(t, m.WriteTextfile("/nonexistent/metrics.prom"))
}

func TestObserveCounters(t *testing.T) {
	m := NewMetrics()
	m.ObserveRenew(true)
	m.ObserveRenew(false)
	m.ObserveRenew(false)
	m.ObserveTransaction("committed", 2, 1, 0)
	m.SetLatestVersion(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockRenewTotal.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LockRenewTotal.WithLabelValues("fail")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PackagesTotal.WithLabelValues("imported")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.LatestVersion))
}

func TestWriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.ObserveAcquire("acquired", 1500*time.Millisecond)
	path := filepath.Join(t.TempDir(), "repo_publisher.prom")

	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `repo_publisher_lock_acquire_total{result="acquired"} 1`)
}

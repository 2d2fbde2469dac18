package adapters

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNotifier(t *testing.T, cfg WebServerNotifierConfig) *WebServerNotifier {
	t.Helper()
	cfg.RetryDelay = time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	notifier, err := NewWebServerNotifier(cfg)
	require.NoError(t, err)
	return notifier
}

func TestWebServerNotifierReadsEventStream(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: progress\ndata: reloading\n\nevent: success\ndata: done\n\n")
	}))
	defer server.Close()

	notifier := newTestNotifier(t, WebServerNotifierConfig{URL: server.URL, Token: StaticToken("id-token")})
	require.NoError(t, notifier.Notify(t.Context()))
	assert.Equal(t, "Bearer id-token", auth)
}

func TestWebServerNotifierRequiresSuccessEvent(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		fmt.Fprint(w, "event: error\ndata: reload failed\n\n")
	}))
	defer server.Close()

	notifier := newTestNotifier(t, WebServerNotifierConfig{URL: server.URL})
	err := notifier.Notify(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to restart web server")
	assert.Equal(t, int32(1), requests.Load(), "a completed stream without success is not retried")
}

func TestWebServerNotifierRetriesServerErrors(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "event: success\n\n")
	}))
	defer server.Close()

	notifier := newTestNotifier(t, WebServerNotifierConfig{URL: server.URL})
	require.NoError(t, notifier.Notify(t.Context()))
	assert.Equal(t, int32(2), requests.Load())
}

func TestWebServerNotifierDoesNotRetryClientErrors(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	notifier := newTestNotifier(t, WebServerNotifierConfig{URL: server.URL})
	err := notifier.Notify(t.Context())
	require.Error(t, err)
	assert.Equal(t, int32(1), requests.Load())
}

func TestWebServerNotifierPollsTimestamp(t *testing.T) {
	var restarted atomic.Bool
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/restart_web_server", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		restarted.Store(true)
	})
	mux.HandleFunc("/admin/repo_query_time", func(w http.ResponseWriter, r *http.Request) {
		if restarted.Load() && polls.Add(1) > 2 {
			fmt.Fprint(w, "1700000100")
			return
		}
		fmt.Fprint(w, "1700000000")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	notifier := newTestNotifier(t, WebServerNotifierConfig{
		URL:          server.URL + "/admin/restart_web_server",
		TimestampURL: server.URL + "/admin/repo_query_time",
	})
	require.NoError(t, notifier.Notify(t.Context()))
	assert.True(t, restarted.Load())
}

func TestWebServerNotifierPollTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/restart", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/timestamp", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "1700000000")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	notifier := newTestNotifier(t, WebServerNotifierConfig{
		URL:          server.URL + "/restart",
		TimestampURL: server.URL + "/timestamp",
		Timeout:      50 * time.Millisecond,
	})
	err := notifier.Notify(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to restart web server")
}

func TestNewWebServerNotifierRequiresURL(t *testing.T) {
	_, err := NewWebServerNotifier(WebServerNotifierConfig{})
	require.Error(t, err)
}

package adapters

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/felixgeelhaar/fortify/retry"
	"github.com/rs/zerolog/log"

	"repo-publisher/internal/ports"
	"repo-publisher/internal/shared"
)

const (
	defaultNotifyAttempts     = 3
	defaultNotifyPollInterval = 4 * time.Second
	defaultNotifyTimeout      = 60 * time.Second
	sseSuccessLine            = "event: success"
)

// TokenFunc returns the bearer token sent with the reload request.
type TokenFunc func(ctx context.Context) (string, error)

// StaticToken returns a TokenFunc for a token obtained elsewhere.
func StaticToken(token string) TokenFunc {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// GcloudIdentityToken prints an identity token for the active gcloud
// account.
func GcloudIdentityToken(binary string) TokenFunc {
	if binary == "" {
		binary = "gcloud"
	}
	return func(ctx context.Context) (string, error) {
		cmd := exec.CommandContext(ctx, binary, "auth", "print-identity-token")
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", errbuilder.New().
				WithCode(errbuilder.CodeInternal).
				WithMsg("failed to obtain identity token").
				WithCause(shared.CommandError(stderr.Bytes(), err))
		}
		return strings.TrimSpace(stdout.String()), nil
	}
}

type WebServerNotifierConfig struct {
	URL string
	// TimestampURL switches to polling: after the POST, the notifier waits
	// until the body served there changes. Without it the POST response is
	// read as an event stream that must report success.
	TimestampURL string
	Token        TokenFunc
	Client       *http.Client
	Attempts     int
	PollInterval time.Duration
	Timeout      time.Duration
	RetryDelay   time.Duration
}

// WebServerNotifier asks the web servers in front of the bucket to pick
// up the newly published version.
type WebServerNotifier struct {
	cfg     WebServerNotifierConfig
	retrier retry.Retry[struct{}]
}

func NewWebServerNotifier(cfg WebServerNotifierConfig) (*WebServerNotifier, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("notify url is empty")
	}
	if cfg.Token == nil {
		cfg.Token = StaticToken("")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 2 * time.Minute}
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultNotifyAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultNotifyPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultNotifyTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &WebServerNotifier{
		cfg: cfg,
		retrier: retry.New[struct{}](retry.Config{
			MaxAttempts:   cfg.Attempts,
			InitialDelay:  cfg.RetryDelay,
			MaxDelay:      10 * cfg.RetryDelay,
			BackoffPolicy: retry.BackoffExponential,
			Multiplier:    2.0,
			Jitter:        true,
			IsRetryable:   isRetryableNotifyError,
		}),
	}, nil
}

func (n *WebServerNotifier) Notify(ctx context.Context) error {
	token, err := n.cfg.Token(ctx)
	if err != nil {
		return err
	}
	if n.cfg.TimestampURL != "" {
		return n.notifyAndPoll(ctx, token)
	}
	_, err = n.retrier.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, n.postAndStream(ctx, token)
	})
	return n.wrap(err)
}

// postAndStream posts the reload request and reads the server-sent event
// stream until it ends.
func (n *WebServerNotifier) postAndStream(ctx context.Context, token string) error {
	resp, err := n.post(ctx, token)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	success := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		log.Info().Str("line", line).Msg("web server")
		if line == sseSuccessLine {
			success = true
		}
	}
	if err := scanner.Err(); err != nil {
		return &retryableNotifyError{err: err}
	}
	if !success {
		return errors.New("web server did not report success")
	}
	return nil
}

func (n *WebServerNotifier) notifyAndPoll(ctx context.Context, token string) error {
	original, err := n.timestamp(ctx)
	if err != nil {
		return n.wrap(fmt.Errorf("query timestamp: %w", err))
	}
	_, err = n.retrier.Do(ctx, func(ctx context.Context) (struct{}, error) {
		resp, err := n.post(ctx, token)
		if err != nil {
			return struct{}{}, err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return struct{}{}, resp.Body.Close()
	})
	if err != nil {
		return n.wrap(err)
	}

	log.Info().Msg("waiting until web server is restarted")
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()
	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return n.wrap(fmt.Errorf("timed out waiting for web server to restart: %w", ctx.Err()))
		case <-ticker.C:
		}
		current, err := n.timestamp(ctx)
		if err != nil {
			log.Info().Err(err).Msg("error querying web server timestamp; retrying")
			continue
		}
		if current != original {
			log.Info().Msg("web server has restarted")
			return nil
		}
		log.Debug().Msg("web server has not restarted yet")
	}
}

func (n *WebServerNotifier) post(ctx context.Context, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "text/event-stream")
	log.Info().Str("url", n.cfg.URL).Msg("posting reload request")
	resp, err := n.cfg.Client.Do(req)
	if err != nil {
		return nil, &retryableNotifyError{err: err}
	}
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		statusErr := shared.HTTPStatusErrorWithBody(resp.StatusCode, n.cfg.URL, string(body))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, &retryableNotifyError{err: statusErr}
		}
		return nil, statusErr
	}
	return resp, nil
}

func (n *WebServerNotifier) timestamp(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.cfg.TimestampURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := n.cfg.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode/100 != 2 {
		return "", shared.HTTPStatusErrorWithBody(resp.StatusCode, n.cfg.TimestampURL, string(body))
	}
	return string(body), nil
}

func (n *WebServerNotifier) wrap(err error) error {
	if err == nil {
		return nil
	}
	return errbuilder.New().
		WithCode(errbuilder.CodeInternal).
		WithMsg("failed to restart web server").
		WithCause(err)
}

type retryableNotifyError struct {
	err error
}

func (e *retryableNotifyError) Error() string { return e.err.Error() }

func (e *retryableNotifyError) Unwrap() error { return e.err }

func isRetryableNotifyError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var retryable *retryableNotifyError
	return errors.As(err, &retryable)
}

var _ ports.NotifierPort = (*WebServerNotifier)(nil)

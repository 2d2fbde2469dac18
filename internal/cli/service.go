package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"repo-publisher/internal/adapters"
	"repo-publisher/internal/app"
	"repo-publisher/internal/obs"
	"repo-publisher/internal/ports"
)

const (
	storeGsutil = "gsutil"
	storeGCS    = "gcs"

	keySourceGcloud        = "gcloud"
	keySourceSecretManager = "secretmanager"
	keySourceFile          = "file"
)

type signingOptions struct {
	Source  string
	Secret  string
	Project string
	File    string
}

func addSigningFlags(cmd *cobra.Command, opts *signingOptions) {
	cmd.Flags().StringVar(&opts.Source, "signing-key-source", keySourceGcloud, "Where the signing key is read from (gcloud, secretmanager or file)")
	cmd.Flags().StringVar(&opts.Secret, "signing-key-secret", adapters.DefaultSigningKeySecret, "Secret holding the private signing key")
	cmd.Flags().StringVar(&opts.Project, "gcp-project", "", "Project of the signing key secret")
	cmd.Flags().StringVar(&opts.File, "signing-key-file", "", "Private signing key file (file source)")
	_ = viper.BindPFlag("signing_key_source", cmd.Flags().Lookup("signing-key-source"))
	_ = viper.BindPFlag("signing_key_secret", cmd.Flags().Lookup("signing-key-secret"))
	_ = viper.BindPFlag("gcp_project", cmd.Flags().Lookup("gcp-project"))
	_ = viper.BindPFlag("signing_key_file", cmd.Flags().Lookup("signing-key-file"))
}

type notifyOptions struct {
	URL          string
	TimestampURL string
	IDToken      string
}

func addNotifyFlags(cmd *cobra.Command, opts *notifyOptions) {
	cmd.Flags().StringVar(&opts.URL, "notify-url", "", "Web server reload endpoint")
	cmd.Flags().StringVar(&opts.TimestampURL, "notify-timestamp-url", "", "Poll this URL for a changed timestamp instead of reading an event stream")
	cmd.Flags().StringVar(&opts.IDToken, "id-token", "", "Identity token for the reload request (default: gcloud auth print-identity-token)")
	_ = viper.BindPFlag("notify_url", cmd.Flags().Lookup("notify-url"))
	_ = viper.BindPFlag("notify_timestamp_url", cmd.Flags().Lookup("notify-timestamp-url"))
	_ = viper.BindPFlag("id_token", cmd.Flags().Lookup("id-token"))
}

// serviceEnv accumulates the clients opened for one command so they can
// be closed together.
type serviceEnv struct {
	closers []io.Closer
	metrics *obs.Metrics
}

// close writes the metrics textfile and closes every client.
func (e *serviceEnv) close() error {
	var errs []error
	if path := viper.GetString("metrics_file"); path != "" {
		if err := e.metrics.WriteTextfile(path); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	for _, closer := range e.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newAppService(ctx context.Context, cmd *cobra.Command) (app.Service, *serviceEnv, error) {
	env := &serviceEnv{metrics: obs.NewMetrics()}
	store, err := newObjectStore(ctx, cmd, env)
	if err != nil {
		return app.Service{}, env, err
	}
	service := app.NewService(store)
	service.Metrics = env.metrics
	return service, env, nil
}

func newObjectStore(ctx context.Context, cmd *cobra.Command, env *serviceEnv) (ports.ObjectStorePort, error) {
	kind := resolveFlagString(cmd, "store", "store")
	switch kind {
	case "", storeGsutil:
		return adapters.NewGsutilObjectStore(""), nil
	case storeGCS:
		store, err := adapters.NewGCSObjectStore(ctx, gcsConfig(cmd))
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, store)
		return store, nil
	default:
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(fmt.Sprintf("unknown store %q (expected gsutil or gcs)", kind))
	}
}

// gcsConfig targets an emulator without credentials when an endpoint is
// set.
func gcsConfig(cmd *cobra.Command) adapters.GCSConfig {
	endpoint := resolveFlagString(cmd, "gcs_endpoint", "gcs-endpoint")
	return adapters.GCSConfig{Endpoint: endpoint, WithoutAuth: endpoint != ""}
}

func newSigningKeySource(ctx context.Context, cmd *cobra.Command, opts signingOptions, env *serviceEnv) (ports.SigningKeyPort, error) {
	source := resolveString(cmd, opts.Source, "signing_key_source", "signing-key-source")
	secret := resolveString(cmd, opts.Secret, "signing_key_secret", "signing-key-secret")
	project := resolveString(cmd, opts.Project, "gcp_project", "gcp-project")
	switch source {
	case "", keySourceGcloud:
		return adapters.NewGcloudSecretKeySource(secret, project), nil
	case keySourceSecretManager:
		keySource, err := adapters.NewSecretManagerKeySource(ctx, project, secret)
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, keySource)
		return keySource, nil
	case keySourceFile:
		path := resolveString(cmd, opts.File, "signing_key_file", "signing-key-file")
		if path == "" {
			return nil, errbuilder.New().
				WithCode(errbuilder.CodeInvalidArgument).
				WithMsg("--signing-key-file is required for the file key source")
		}
		return adapters.FileKeySource{Path: path}, nil
	default:
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(fmt.Sprintf("unknown signing key source %q", source))
	}
}

// newNotifier returns nil when no reload endpoint is configured.
func newNotifier(cmd *cobra.Command, opts notifyOptions) (ports.NotifierPort, error) {
	url := resolveString(cmd, opts.URL, "notify_url", "notify-url")
	if url == "" {
		return nil, nil
	}
	token := adapters.GcloudIdentityToken("")
	if idToken := resolveString(cmd, opts.IDToken, "id_token", "id-token"); idToken != "" {
		token = adapters.StaticToken(idToken)
	}
	return adapters.NewWebServerNotifier(adapters.WebServerNotifierConfig{
		URL:          url,
		TimestampURL: resolveString(cmd, opts.TimestampURL, "notify_timestamp_url", "notify-timestamp-url"),
		Token:        token,
	})
}

// finish closes env and folds its error into err.
func finish(env *serviceEnv, err error) error {
	if closeErr := env.close(); closeErr != nil {
		if err == nil {
			return closeErr
		}
		log.Warn().Err(closeErr).Msg("cleanup failed")
	}
	return err
}

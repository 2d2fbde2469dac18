package cli

import (
	"errors"
	"os"
	"strings"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"repo-publisher/internal/core"
)

// version is set at build time via ldflags.
var version = "dev"

const envPrefix = "REPO_PUBLISHER"

// legacyEnv maps the environment variables understood by the CI jobs onto
// config keys. They are read without the prefix.
var legacyEnv = map[string]string{
	"bucket":              "PRODUCTION_REPO_BUCKET_NAME",
	"testing":             "TESTING",
	"overwrite":           "OVERWRITE_EXISTING",
	"dry_run":             "DRY_RUN",
	"ci_artifacts_bucket": "CI_ARTIFACTS_BUCKET_NAME",
	"ci_artifacts_run":    "CI_ARTIFACTS_RUN_NUMBER",
	"latest_version":      "LATEST_PRODUCTION_REPO_VERSION",
	"remote_state_url":    "REMOTE_STATE_URL",
}

type RootConfig struct {
	ConfigFile  string
	LogLevel    string
	MetricsFile string
	Store       string
	GCSEndpoint string
}

func Execute() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(exitCodeForError(err))
	}
}

func newRootCommand() *cobra.Command {
	cfg := RootConfig{}
	cmd := &cobra.Command{
		Use:           "repo-publisher",
		Short:         "Publish apt and yum repositories to Cloud Storage",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := initConfig(cfg.ConfigFile); err != nil {
				return err
			}
			setupLogging(viper.GetString("log_level"))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfg.ConfigFile, "config", "", "Config file path")
	cmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", "info", "Log level")
	cmd.PersistentFlags().StringVar(&cfg.MetricsFile, "metrics-file", "", "Write metrics to this node-exporter textfile on exit")
	cmd.PersistentFlags().StringVar(&cfg.Store, "store", storeGsutil, "Object store client (gsutil or gcs)")
	cmd.PersistentFlags().StringVar(&cfg.GCSEndpoint, "gcs-endpoint", "", "Cloud Storage endpoint override for the gcs store")
	_ = viper.BindPFlag("log_level", cmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("metrics_file", cmd.PersistentFlags().Lookup("metrics-file"))
	_ = viper.BindPFlag("store", cmd.PersistentFlags().Lookup("store"))
	_ = viper.BindPFlag("gcs_endpoint", cmd.PersistentFlags().Lookup("gcs-endpoint"))

	cmd.AddCommand(newPublishCommand())
	cmd.AddCommand(newPruneCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newUnlockCommand())
	cmd.AddCommand(newNotifyCommand())
	return cmd
}

func initConfig(configFile string) error {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for key, env := range legacyEnv {
		_ = viper.BindEnv(key, strings.ToUpper(envPrefix+"_"+key), env)
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return errbuilder.New().
				WithCode(errbuilder.CodeInvalidArgument).
				WithMsg("failed to read config file").
				WithCause(err)
		}
		return nil
	}

	viper.SetConfigName("repo-publisher")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.config/repo-publisher")
	if err := viper.ReadInConfig(); err != nil {
		return nil
	}
	return nil
}

func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

func exitCodeForError(err error) int {
	switch {
	case errors.Is(err, core.ErrLockTimeout):
		return 6
	case errors.Is(err, core.ErrLockUnhealthy), errors.Is(err, core.ErrVersionConflict), errors.Is(err, core.ErrNotLocked):
		return 4
	}
	switch errbuilder.CodeOf(err) {
	case errbuilder.CodeInvalidArgument, errbuilder.CodeAlreadyExists:
		return 2
	case errbuilder.CodeFailedPrecondition:
		return 4
	case errbuilder.CodeNotFound, errbuilder.CodeInternal:
		return 5
	default:
		return 1
	}
}

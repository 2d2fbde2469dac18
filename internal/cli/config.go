package cli

import (
	"strconv"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"repo-publisher/internal/app"
	"repo-publisher/internal/types"
)

// repoOptions are the flags shared by every command that works on one
// repository.
type repoOptions struct {
	Format     string
	Bucket     string
	LockName   string
	StaleAfter time.Duration
}

func addRepoFlags(cmd *cobra.Command, opts *repoOptions) {
	cmd.Flags().StringVar(&opts.Format, "format", "", "Package format of the repository (deb or rpm)")
	cmd.Flags().StringVar(&opts.Bucket, "bucket", "", "Production repository bucket")
	cmd.Flags().StringVar(&opts.LockName, "lock-name", "", "Lock object name (defaults to apt or yum)")
	cmd.Flags().DurationVar(&opts.StaleAfter, "stale-after", 5*time.Minute, "Age after which an unrenewed lock is taken over")
	_ = viper.BindPFlag("format", cmd.Flags().Lookup("format"))
	_ = viper.BindPFlag("bucket", cmd.Flags().Lookup("bucket"))
	_ = viper.BindPFlag("lock_name", cmd.Flags().Lookup("lock-name"))
	_ = viper.BindPFlag("stale_after", cmd.Flags().Lookup("stale-after"))
}

func resolveRepo(cmd *cobra.Command, opts repoOptions) (app.RepoRequest, error) {
	req := app.RepoRequest{
		Format:     types.PackageFormat(strings.ToLower(resolveString(cmd, opts.Format, "format", "format"))),
		Bucket:     resolveString(cmd, opts.Bucket, "bucket", "bucket"),
		LockName:   resolveString(cmd, opts.LockName, "lock_name", "lock-name"),
		StaleAfter: resolveDuration(cmd, opts.StaleAfter, "stale_after", "stale-after"),
	}
	if req.Format == "" {
		return req, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("--format is required (deb or rpm)")
	}
	if strings.TrimSpace(req.Bucket) == "" {
		return req, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("--bucket is required (or PRODUCTION_REPO_BUCKET_NAME)")
	}
	return req, nil
}

// resolveOptionalInt returns nil when neither the flag nor the config key
// carries a value.
func resolveOptionalInt(cmd *cobra.Command, value string, key string, flagName string) (*int, error) {
	raw := strings.TrimSpace(resolveString(cmd, value, key, flagName))
	if raw == "" {
		return nil, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("--" + flagName + " must be a non-negative integer, got " + raw)
	}
	return &parsed, nil
}

func resolveString(cmd *cobra.Command, value string, key string, flagName string) string {
	if cmd == nil {
		if value != "" {
			return value
		}
		return viper.GetString(key)
	}
	if flagChanged(cmd, flagName) {
		return value
	}
	return viper.GetString(key)
}

func resolveBool(cmd *cobra.Command, value bool, key string, flagName string) bool {
	if cmd == nil {
		return value
	}
	if flagChanged(cmd, flagName) {
		return value
	}
	return viper.GetBool(key)
}

func resolveInt(cmd *cobra.Command, value int, key string, flagName string) int {
	if cmd == nil {
		return value
	}
	if flagChanged(cmd, flagName) {
		return value
	}
	return viper.GetInt(key)
}

func resolveDuration(cmd *cobra.Command, value time.Duration, key string, flagName string) time.Duration {
	if cmd == nil {
		return value
	}
	if flagChanged(cmd, flagName) {
		return value
	}
	return viper.GetDuration(key)
}

func flagChanged(cmd *cobra.Command, name string) bool {
	flag := lookupFlag(cmd, name)
	return flag != nil && flag.Changed
}

// lookupFlag finds name among the local, persistent and inherited flags
// of cmd.
func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if cmd == nil || strings.TrimSpace(name) == "" {
		return nil
	}
	if flag := cmd.Flags().Lookup(name); flag != nil {
		return flag
	}
	if flag := cmd.PersistentFlags().Lookup(name); flag != nil {
		return flag
	}
	return cmd.InheritedFlags().Lookup(name)
}

// resolveFlagString resolves a root flag that has no options struct: a
// changed flag wins, otherwise viper supplies the value.
func resolveFlagString(cmd *cobra.Command, key string, flagName string) string {
	if flag := lookupFlag(cmd, flagName); flag != nil && flag.Changed {
		return flag.Value.String()
	}
	return viper.GetString(key)
}

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"repo-publisher/internal/adapters"
	"repo-publisher/internal/app"
	"repo-publisher/internal/types"
)

type publishOptions struct {
	Repo    repoOptions
	Signing signingOptions
	Notify  notifyOptions

	Testing           bool
	CIArtifactsBucket string
	CIRunNumber       string
	LatestVersion     string
	RemoteStateURL    string
	DryRun            bool
	Overwrite         bool

	LockTimeout       time.Duration
	LockRenewInterval time.Duration
	CommitAttempts    int

	Distributions string
	UtilityImage  string
	WorkspaceDir  string
	KeepWorkspace bool
}

func newPublishCommand() *cobra.Command {
	opts := publishOptions{}
	cmd := &cobra.Command{
		Use:   "publish [flags] PACKAGE_OR_DIR...",
		Short: "Add packages to the repository and publish a new version",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd.Context(), cmd, opts, args)
		},
	}
	addRepoFlags(cmd, &opts.Repo)
	addSigningFlags(cmd, &opts.Signing)
	addNotifyFlags(cmd, &opts.Notify)
	cmd.Flags().BoolVar(&opts.Testing, "testing", false, "Publish into the CI artifacts bucket instead of production")
	cmd.Flags().StringVar(&opts.CIArtifactsBucket, "ci-artifacts-bucket", "", "CI artifacts bucket (testing mode)")
	cmd.Flags().StringVar(&opts.CIRunNumber, "ci-run-number", "", "CI run number (testing mode)")
	cmd.Flags().StringVar(&opts.LatestVersion, "latest-version", "", "Use this version as the base instead of the production pointer")
	cmd.Flags().StringVar(&opts.RemoteStateURL, "remote-state-url", "", "Read the base state from this URL instead of the base version")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Build and sign the repository but do not commit it")
	cmd.Flags().BoolVar(&opts.Overwrite, "overwrite", false, "Replace packages that are already in the repository")
	cmd.Flags().DurationVar(&opts.LockTimeout, "lock-timeout", 0, "Give up waiting for the lock after this long (default: --stale-after)")
	cmd.Flags().DurationVar(&opts.LockRenewInterval, "lock-renew-interval", 0, "Lock renewal interval (default: --stale-after / 8)")
	cmd.Flags().IntVar(&opts.CommitAttempts, "commit-attempts", 3, "Rebuild and commit this many times when another writer wins the version")
	cmd.Flags().StringVar(&opts.Distributions, "distributions", "config/distributions.yml", "Supported distributions file")
	cmd.Flags().StringVar(&opts.UtilityImage, "utility-image", adapters.DefaultUtilityImage, "Container image running createrepo (empty runs it on the host)")
	cmd.Flags().StringVar(&opts.WorkspaceDir, "workspace-dir", "", "Directory for the temporary workspace")
	cmd.Flags().BoolVar(&opts.KeepWorkspace, "keep-workspace", false, "Keep the temporary workspace for debugging")
	_ = viper.BindPFlag("testing", cmd.Flags().Lookup("testing"))
	_ = viper.BindPFlag("ci_artifacts_bucket", cmd.Flags().Lookup("ci-artifacts-bucket"))
	_ = viper.BindPFlag("ci_artifacts_run", cmd.Flags().Lookup("ci-run-number"))
	_ = viper.BindPFlag("latest_version", cmd.Flags().Lookup("latest-version"))
	_ = viper.BindPFlag("remote_state_url", cmd.Flags().Lookup("remote-state-url"))
	_ = viper.BindPFlag("dry_run", cmd.Flags().Lookup("dry-run"))
	_ = viper.BindPFlag("overwrite", cmd.Flags().Lookup("overwrite"))
	_ = viper.BindPFlag("lock_timeout", cmd.Flags().Lookup("lock-timeout"))
	_ = viper.BindPFlag("lock_renew_interval", cmd.Flags().Lookup("lock-renew-interval"))
	_ = viper.BindPFlag("commit_attempts", cmd.Flags().Lookup("commit-attempts"))
	_ = viper.BindPFlag("distributions", cmd.Flags().Lookup("distributions"))
	_ = viper.BindPFlag("utility_image", cmd.Flags().Lookup("utility-image"))
	_ = viper.BindPFlag("workspace_dir", cmd.Flags().Lookup("workspace-dir"))
	_ = viper.BindPFlag("keep_workspace", cmd.Flags().Lookup("keep-workspace"))
	return cmd
}

func runPublish(ctx context.Context, cmd *cobra.Command, opts publishOptions, paths []string) (err error) {
	repo, err := resolveRepo(cmd, opts.Repo)
	if err != nil {
		return err
	}
	latest, err := resolveOptionalInt(cmd, opts.LatestVersion, "latest_version", "latest-version")
	if err != nil {
		return err
	}

	service, env, err := newAppService(ctx, cmd)
	defer func() { err = finish(env, err) }()
	if err != nil {
		return err
	}
	service.SigningKey, err = newSigningKeySource(ctx, cmd, opts.Signing, env)
	if err != nil {
		return err
	}
	service.Notifier, err = newNotifier(cmd, opts.Notify)
	if err != nil {
		return err
	}
	service.Distributions = adapters.NewDistributionsFileAdapter(resolveString(cmd, opts.Distributions, "distributions", "distributions"))
	service.Backend = app.DefaultBackend(resolveString(cmd, opts.UtilityImage, "utility_image", "utility-image"))
	service.Workspace = adapters.NewWorkspaceAdapter(
		resolveString(cmd, opts.WorkspaceDir, "workspace_dir", "workspace-dir"),
		resolveBool(cmd, opts.KeepWorkspace, "keep_workspace", "keep-workspace"),
	)

	report, err := service.Publish(ctx, app.PublishRequest{
		RepoRequest:       repo,
		PackagePaths:      paths,
		Testing:           resolveBool(cmd, opts.Testing, "testing", "testing"),
		CIArtifactsBucket: resolveString(cmd, opts.CIArtifactsBucket, "ci_artifacts_bucket", "ci-artifacts-bucket"),
		CIRunNumber:       resolveString(cmd, opts.CIRunNumber, "ci_artifacts_run", "ci-run-number"),
		LatestVersion:     latest,
		StateURL:          resolveString(cmd, opts.RemoteStateURL, "remote_state_url", "remote-state-url"),
		DryRun:            resolveBool(cmd, opts.DryRun, "dry_run", "dry-run"),
		Overwrite:         resolveBool(cmd, opts.Overwrite, "overwrite", "overwrite"),
		LockTimeout:       resolveDuration(cmd, opts.LockTimeout, "lock_timeout", "lock-timeout"),
		LockRenewInterval: resolveDuration(cmd, opts.LockRenewInterval, "lock_renew_interval", "lock-renew-interval"),
		CommitAttempts:    resolveInt(cmd, opts.CommitAttempts, "commit_attempts", "commit-attempts"),
	})
	printReport(cmd, report)
	return err
}

func printReport(cmd *cobra.Command, report types.PublishReport) {
	out := cmd.OutOrStdout()
	switch {
	case report.NothingToDo:
		fmt.Fprintf(out, "nothing to do: %d skipped, %d rejected\n", report.Skipped, report.Rejected)
	case report.DryRun:
		fmt.Fprintf(out, "dry-run: %d imported, %d skipped, %d rejected on top of version %d\n", report.Imported, report.Skipped, report.Rejected, report.BaseVersion)
	case report.Version > 0:
		fmt.Fprintf(out, "published version %d: %d imported, %d skipped, %d rejected\n", report.Version, report.Imported, report.Skipped, report.Rejected)
		fmt.Fprintf(out, "repository url: %s\n", report.PublicURL)
	}
}

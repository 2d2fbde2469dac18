package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"repo-publisher/internal/app"
)

type pruneOptions struct {
	Repo        repoOptions
	KeepLast    int
	KeepDays    int
	DryRun      bool
	LockTimeout time.Duration
}

func newPruneCommand() *cobra.Command {
	opts := pruneOptions{}
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old production versions based on a retention policy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPrune(cmd.Context(), cmd, opts)
		},
	}
	addRepoFlags(cmd, &opts.Repo)
	cmd.Flags().IntVar(&opts.KeepLast, "keep-last", 0, "Keep the last N versions")
	cmd.Flags().IntVar(&opts.KeepDays, "keep-days", 0, "Keep versions newer than N days")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", true, "Only report prune actions without deleting")
	cmd.Flags().DurationVar(&opts.LockTimeout, "lock-timeout", 0, "Give up waiting for the lock after this long (default: --stale-after)")

	_ = viper.BindPFlag("keep_last", cmd.Flags().Lookup("keep-last"))
	_ = viper.BindPFlag("keep_days", cmd.Flags().Lookup("keep-days"))
	_ = viper.BindPFlag("prune_dry_run", cmd.Flags().Lookup("dry-run"))
	_ = viper.BindPFlag("lock_timeout", cmd.Flags().Lookup("lock-timeout"))

	return cmd
}

func runPrune(ctx context.Context, cmd *cobra.Command, opts pruneOptions) (err error) {
	repo, err := resolveRepo(cmd, opts.Repo)
	if err != nil {
		return err
	}
	service, env, err := newAppService(ctx, cmd)
	defer func() { err = finish(env, err) }()
	if err != nil {
		return err
	}
	result, err := service.PruneVersions(ctx, app.PruneRequest{
		RepoRequest: repo,
		KeepLast:    resolveInt(cmd, opts.KeepLast, "keep_last", "keep-last"),
		KeepDays:    resolveInt(cmd, opts.KeepDays, "keep_days", "keep-days"),
		DryRun:      resolveBool(cmd, opts.DryRun, "prune_dry_run", "dry-run"),
		LockTimeout: resolveDuration(cmd, opts.LockTimeout, "lock_timeout", "lock-timeout"),
	})
	if err != nil {
		return err
	}
	if result.DryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "dry-run: keep=%d delete=%d\n", result.KeepCount, result.DeleteCount)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned versions: %v\n", result.Deleted)
	return nil
}

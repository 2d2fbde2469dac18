package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"repo-publisher/internal/app"
	"repo-publisher/internal/types"
)

func newStatusCommand() *cobra.Command {
	opts := repoOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest version and the state of the repository lock",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd, opts)
		},
	}
	addRepoFlags(cmd, &opts)
	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, opts repoOptions) (err error) {
	repo, err := resolveRepo(cmd, opts)
	if err != nil {
		return err
	}
	service, env, err := newAppService(ctx, cmd)
	defer func() { err = finish(env, err) }()
	if err != nil {
		return err
	}
	status, err := service.Status(ctx, repo)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if status.LatestVersion == 0 {
		fmt.Fprintln(out, "latest version: none")
	} else {
		fmt.Fprintf(out, "latest version: %d\n", status.LatestVersion)
		fmt.Fprintf(out, "repository url: %s\n", status.PublicURL)
	}
	fmt.Fprintf(out, "stored versions: %d\n", status.Versions)
	printLock(out, status.Lock)
	return nil
}

type unlockOptions struct {
	Repo  repoOptions
	Force bool
}

func newUnlockCommand() *cobra.Command {
	opts := unlockOptions{}
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Remove a lock left behind by a crashed publisher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUnlock(cmd.Context(), cmd, opts)
		},
	}
	addRepoFlags(cmd, &opts.Repo)
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Remove the lock even if it was renewed recently")
	_ = viper.BindPFlag("force", cmd.Flags().Lookup("force"))
	return cmd
}

func runUnlock(ctx context.Context, cmd *cobra.Command, opts unlockOptions) (err error) {
	repo, err := resolveRepo(cmd, opts.Repo)
	if err != nil {
		return err
	}
	service, env, err := newAppService(ctx, cmd)
	defer func() { err = finish(env, err) }()
	if err != nil {
		return err
	}
	result, err := service.Unlock(ctx, app.UnlockRequest{
		RepoRequest: repo,
		Force:       resolveBool(cmd, opts.Force, "force", "force"),
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch {
	case result.Removed:
		fmt.Fprintf(out, "removed lock %s\n", result.Lock.URL)
	case result.Lock.Held:
		fmt.Fprintf(out, "lock %s changed while removing it; left in place\n", result.Lock.URL)
	default:
		fmt.Fprintf(out, "lock %s is not held\n", result.Lock.URL)
	}
	return nil
}

func printLock(out io.Writer, lock types.LockStatus) {
	if !lock.Held {
		fmt.Fprintf(out, "lock: free (%s)\n", lock.URL)
		return
	}
	state := "held"
	if lock.Stale {
		state = "stale"
	}
	fmt.Fprintf(out, "lock: %s (%s)\n", state, lock.URL)
	fmt.Fprintf(out, "  renewed: %s ago\n", lock.Age.Round(time.Second))
	if lock.Holder.Hostname != "" {
		fmt.Fprintf(out, "  holder: %s pid %d\n", lock.Holder.Hostname, lock.Holder.PID)
	}
	if !lock.Holder.AcquiredAt.IsZero() {
		fmt.Fprintf(out, "  acquired: %s\n", lock.Holder.AcquiredAt.Format(time.RFC3339))
	}
}

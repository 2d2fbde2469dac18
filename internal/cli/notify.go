package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newNotifyCommand() *cobra.Command {
	opts := notifyOptions{}
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Ask the web servers to pick up the latest published version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNotify(cmd.Context(), cmd, opts)
		},
	}
	addNotifyFlags(cmd, &opts)
	return cmd
}

func runNotify(ctx context.Context, cmd *cobra.Command, opts notifyOptions) (err error) {
	service, env, err := newAppService(ctx, cmd)
	defer func() { err = finish(env, err) }()
	if err != nil {
		return err
	}
	service.Notifier, err = newNotifier(cmd, opts)
	if err != nil {
		return err
	}
	if err := service.Notify(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "web servers reloaded")
	return nil
}

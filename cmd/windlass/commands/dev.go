package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/windlass-io/windlass/pkg/config"
)

func newDevCommand() *cobra.Command {
	var watchPaths []string

	cmd := &cobra.Command{
		Use:   "dev -- <command> [args...]",
		Short: "Re-run a program whenever watched files change",
		Long: `Run a windlass program once, then re-run it after every change to
the watched paths. The program's own skip rule makes each re-run cheap:
unchanged resources resolve from state without touching providers.

WINDLASS_WATCH=true is set on the child so the program can adapt.`,
		Example: `  # Re-run the deploy program when source changes
  windlass dev --watch . -- go run ./deploy

  # Watch specific directories
  windlass dev --watch ./deploy --watch ./config -- go run ./deploy`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(watchPaths) == 0 {
				watchPaths = []string{"."}
			}

			runOnce := func(ctx context.Context) error {
				child := exec.CommandContext(ctx, args[0], args[1:]...)
				child.Stdout = os.Stdout
				child.Stderr = os.Stderr
				child.Stdin = os.Stdin
				child.Env = append(os.Environ(), config.EnvPrefix+"WATCH=true")
				if err := child.Run(); err != nil {
					// A failing run keeps the loop alive; the next file
					// change gets another chance.
					fmt.Fprintf(cmd.ErrOrStderr(), "run failed: %v\n", err)
				}
				return nil
			}

			if err := runOnce(cmd.Context()); err != nil {
				return err
			}

			watcher, err := config.NewWatcher(watchPaths...)
			if err != nil {
				return err
			}
			defer watcher.Close()

			fmt.Fprintf(cmd.ErrOrStderr(), "watching %v\n", watchPaths)
			err = watcher.Run(cmd.Context(), runOnce)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringArrayVarP(&watchPaths, "watch", "w", nil, "file or directory to watch (repeatable)")

	return cmd
}

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/windlass-io/windlass/pkg/config"
)

var (
	// Global flags
	configPath string
	stageFlag  string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "windlass",
		Short: "Windlass - declarative resource lifecycle engine",
		Long: `Windlass reconciles declared resources against persisted state.

Programs declare resources in Go through provider libraries; the engine
decides create, update, replace, or skip per resource and keeps secrets
encrypted at rest. This CLI inspects state and drives the development
re-run loop; the reconciliation itself runs inside your program.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "project file path (default windlass.yaml)")
	rootCmd.PersistentFlags().StringVarP(&stageFlag, "stage", "s", "", "stage to operate on")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}

// loadProject loads the project file and resolves the target stage
// from flag, environment, or project default.
func loadProject() (*config.Project, string, error) {
	project, err := config.LoadProject(configPath)
	if err != nil {
		return nil, "", err
	}
	if verbose {
		project.Logging.Level = "debug"
	}

	stage := stageFlag
	if stage == "" {
		opts, err := config.LoadRunOptions(project)
		if err != nil {
			return nil, "", fmt.Errorf("no stage given: use --stage, WINDLASS_STAGE, or default_stage in %s", config.DefaultFileName)
		}
		stage = opts.Stage
	}
	return project, stage, nil
}

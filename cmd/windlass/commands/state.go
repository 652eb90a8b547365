package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect persisted resource state",
		Long: `Commands for inspecting the state store of a stage.

Secrets inside properties and outputs stay encrypted; these commands
show records exactly as persisted and never require the password.`,
	}

	cmd.AddCommand(newStateListCommand())
	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateCountCommand())

	return cmd
}

func newStateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List resource records in the stage",
		Example: `  # List all resources of the stage from windlass.yaml
  windlass state list

  # List a specific stage
  windlass state list --stage prod`,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, stage, err := loadProject()
			if err != nil {
				return err
			}
			store, err := project.OpenStore(cmd.Context(), stage)
			if err != nil {
				return err
			}
			defer store.Close()

			all, err := store.All(cmd.Context())
			if err != nil {
				return err
			}
			fqns, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FQN\tKIND\tSEQ\tSTATUS")
			for _, fqn := range fqns {
				rec := all[fqn]
				if rec == nil {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", rec.FQN, rec.Kind, rec.Seq, rec.Status)
			}
			return w.Flush()
		},
	}
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <fqn>",
		Short: "Show one resource record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, stage, err := loadProject()
			if err != nil {
				return err
			}
			store, err := project.OpenStore(cmd.Context(), stage)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("no record for %q in stage %q", args[0], stage)
			}

			out, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newStateCountCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Count resource records in the stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, stage, err := loadProject()
			if err != nil {
				return err
			}
			store, err := project.OpenStore(cmd.Context(), stage)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
}

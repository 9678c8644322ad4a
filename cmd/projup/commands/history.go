package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/projup/projup/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded aggregate and retarget runs",
		Long: `Read the run history database. Every run keeps its status, the outcome of
each project and the progress lines logged while it ran.`,
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Example: `  projup history list
  projup history list --limit 5 -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), runs, func(w io.Writer) { renderRuns(w, runs) })
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	var logs bool

	cmd := &cobra.Command{
		Use:     "show RUN_ID",
		Short:   "Show one run with its project outcomes",
		Example: `  projup history show 6f1c2b0e-8c4e-4b8e-9d59-0c1f8f3f9a51 --logs`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			detail, err := store.RunDetail(cmd.Context(), args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("no run with id %s", args[0])
			}
			if err != nil {
				return err
			}
			if !logs {
				detail.Events = nil
			}
			return render(cmd.OutOrStdout(), detail, func(w io.Writer) { renderRunDetail(w, detail) })
		},
	}

	cmd.Flags().BoolVar(&logs, "logs", false, "include the progress lines of the run")

	return cmd
}

func openHistory(ctx context.Context) (*stores.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Store.Enabled {
		return nil, fmt.Errorf("run history is disabled (store.enabled: false)")
	}
	return stores.Open(ctx, cfg.Store.Path)
}

func renderRunDetail(w io.Writer, d *stores.RunDetail) {
	r := d.Run
	fmt.Fprintf(w, "Run        %s\n", r.ID)
	fmt.Fprintf(w, "Operation  %s\n", r.Operation)
	fmt.Fprintf(w, "Solution   %s\n", r.Solution)
	if r.Target != "" {
		fmt.Fprintf(w, "Target     %s\n", r.Target)
	}
	fmt.Fprintf(w, "Status     %s\n", statusStyle(r.Status).Render(string(r.Status)))
	fmt.Fprintf(w, "Passes     %d (%d left)\n", r.Passes, r.Remaining)
	fmt.Fprintf(w, "Started    %s\n", r.StartedAt.Local().Format(time.DateTime))
	if r.CompletedAt != nil {
		fmt.Fprintf(w, "Duration   %s\n", r.Duration.Round(time.Millisecond))
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error      %s\n", failStyle.Render(r.Error))
	}

	if len(d.Outcomes) > 0 {
		t := newTable("PROJECT", "OUTCOME", "BEFORE", "AFTER", "DETAIL")
		for _, o := range d.Outcomes {
			t.Row(o.Project, outcomeStyle(o.Outcome).Render(string(o.Outcome)), o.Before, o.After, o.Detail)
		}
		fmt.Fprintln(w, t.Render())
	}

	for _, e := range d.Events {
		fmt.Fprintf(w, "%s %s\n", mutedStyle.Render(e.Timestamp.Local().Format(time.TimeOnly)), e.Message)
	}
}

package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/projup/projup/pkg/engine"
	"github.com/projup/projup/pkg/telemetry"
	"github.com/projup/projup/pkg/watch"
)

func newAggregateCommand() *cobra.Command {
	var (
		solution string
		root     string
		attempts int
		watching bool
	)

	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Add every project file under a directory to the solution",
		Long: `Scan a directory tree for project files and add the ones the solution does
not reference yet. The solution is created when it does not exist.

Whole passes are repeated until every project is added or the attempt budget
is spent. With --watch the command keeps running and aggregates again each
time project files appear under the root.`,
		Example: `  # Aggregate everything under ./src into All.sln
  projup aggregate --solution All.sln --root ./src

  # Keep the solution up to date while projects are added
  projup aggregate --solution All.sln --root ./src --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			solution, err := a.resolveSolution(solution)
			if err != nil {
				return err
			}
			if root == "" {
				root = a.cfg.Root
			}
			if root == "" {
				root = filepath.Dir(solution)
			}

			log.Info().
				Str("solution", solution).
				Str("root", root).
				Int("attempts", attempts).
				Bool("watch", watching).
				Msg("Aggregating projects")

			eng, err := a.newEngine(cmd.Context(), solution)
			if err != nil {
				return err
			}

			res, err := aggregateOnce(cmd.Context(), a, eng, root, attempts)
			if err != nil {
				return err
			}
			if err := render(cmd.OutOrStdout(), res, func(w io.Writer) { renderAggregate(w, res) }); err != nil {
				return err
			}

			if !watching {
				if len(res.Missing) > 0 {
					return fmt.Errorf("%d project(s) could not be added", len(res.Missing))
				}
				return nil
			}

			w, err := watch.New(watch.Config{
				Root:       root,
				Extensions: a.cfg.Extensions,
				Debounce:   a.cfg.WatchDebounce(),
				Logger:     a.logger,
			})
			if err != nil {
				return err
			}
			return w.Run(a.tel.WithContext(cmd.Context()), func(ctx context.Context, changed []string) error {
				logger := telemetry.FromContext(ctx).Zerolog()
				logger.Info().Strs("files", changed).Msg("Project files changed, aggregating")
				res, err := aggregateOnce(ctx, a, eng, root, attempts)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), res, func(w io.Writer) { renderAggregate(w, res) })
			})
		},
	}

	cmd.Flags().StringVar(&solution, "solution", "", "solution file to create or extend")
	cmd.Flags().StringVar(&root, "root", "", "directory scanned for project files (default: the solution's directory)")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "number of passes (default: retry.maxAttempts)")
	cmd.Flags().BoolVar(&watching, "watch", false, "keep aggregating as project files appear")

	return cmd
}

func aggregateOnce(ctx context.Context, a *app, eng *engine.Engine, root string, attempts int) (_ *engine.AggregateResult, err error) {
	ctx, end := a.startSpan(ctx, "aggregate", eng.Solution())
	defer func() { end(err) }()
	return eng.AggregateProjects(ctx, root, attempts)
}

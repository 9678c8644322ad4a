package commands

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/projup/projup/pkg/engine"
)

func newRetargetCommand() *cobra.Command {
	var (
		solution      string
		framework     string
		clientProfile bool
		vs            string
		attempts      int
	)

	cmd := &cobra.Command{
		Use:   "retarget",
		Short: "Retarget every project in the solution to one framework version",
		Long: `Set the target framework of every project in the solution, descending into
solution folders and other containers.

Projects already on the target are left untouched, Silverlight projects are
skipped and policies may deny individual changes. Whole passes are repeated
until every project is updated or the attempt budget is spent; projects still
pending are listed and the command fails.`,
		Example: `  # Retarget to .NET Framework 4.5
  projup retarget --solution All.sln --framework 4.5

  # Retarget to the 4.0 client profile through Visual Studio 2013
  projup retarget --solution All.sln --framework 4.0 --client-profile --vs 2013 --session remote`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if framework != "" {
				a.cfg.TargetFramework = framework
			}
			if cmd.Flags().Changed("client-profile") {
				a.cfg.ClientProfile = clientProfile
			}
			if vs != "" {
				if _, err := engine.VisualStudioVersion(vs).ProgID(); err != nil {
					return err
				}
				a.cfg.VisualStudio = vs
			}
			target, err := a.cfg.Target()
			if err != nil {
				return err
			}
			solution, err := a.resolveSolution(solution)
			if err != nil {
				return err
			}

			log.Info().
				Str("solution", solution).
				Str("target", target.Moniker()).
				Str("session", a.cfg.Session.Kind).
				Msg("Retargeting projects")

			ctx, end := a.startSpan(cmd.Context(), "retarget", solution)
			defer func() { end(err) }()

			eng, err := a.newEngine(ctx, solution)
			if err != nil {
				return err
			}
			res, err := eng.UpdateTargetFrameworkForProjects(ctx, target, attempts)
			if err != nil {
				return err
			}
			if err := render(cmd.OutOrStdout(), res, func(w io.Writer) { renderRetarget(w, res) }); err != nil {
				return err
			}
			if !res.Converged() {
				return fmt.Errorf("%d project(s) not updated", len(res.NonUpdated))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&solution, "solution", "", "solution whose projects are retargeted")
	cmd.Flags().StringVar(&framework, "framework", "", "target framework version, e.g. 4.5 (default: targetFramework)")
	cmd.Flags().BoolVar(&clientProfile, "client-profile", false, "target the client profile")
	cmd.Flags().StringVar(&vs, "vs", "", "Visual Studio version driving a remote session: 2013 or 2015")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "number of passes (default: retry.maxAttempts)")

	return cmd
}

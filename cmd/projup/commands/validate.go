package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/projup/projup/pkg/automation"
	"github.com/projup/projup/pkg/config"
	"github.com/projup/projup/pkg/engine"
	"github.com/projup/projup/pkg/policy"
)

// validateReport is the machine-readable form of validate.
type validateReport struct {
	Config   string                   `json:"config" yaml:"config"`
	Valid    bool                     `json:"valid" yaml:"valid"`
	Errors   []config.ValidationError `json:"errors,omitempty" yaml:"errors,omitempty"`
	Target   string                   `json:"target,omitempty" yaml:"target,omitempty"`
	Policies []string                 `json:"policies,omitempty" yaml:"policies,omitempty"`
	Hook     string                   `json:"hook,omitempty" yaml:"hook,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [policy paths...]",
		Short: "Validate the configuration, policies and moniker hook",
		Long: `Validate projup.cue against the schema and check everything it refers to.

This command checks:
  - CUE syntax and schema conformance
  - field constraints such as durations and session settings
  - that every built-in policy named exists and every policy file compiles
  - that the Starlark moniker hook loads and defines target_moniker

Extra .rego or .json policy files and directories may be passed as arguments.`,
		Example: `  # Validate projup.cue in the current directory
  projup validate

  # Validate another config together with a policy directory
  projup validate -c ci/projup.cue ./policies`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultFile
			}
			log.Info().Str("config", path).Strs("policies", args).Msg("Validating configuration")

			report := validateReport{Config: path}
			cfg, err := loadConfig()
			if err != nil {
				var loadErr *config.LoadError
				if !errors.As(err, &loadErr) {
					return err
				}
				report.Errors = loadErr.Errors
				if rErr := render(cmd.OutOrStdout(), report, func(w io.Writer) { renderValidate(w, report) }); rErr != nil {
					return rErr
				}
				return err
			}

			target, err := cfg.Target()
			if err != nil {
				return err
			}
			report.Target = target.Moniker()

			logger := log.Logger
			guard, err := policy.NewEngine(cmd.Context(), logger, cfg.Policy.Builtin...)
			if err != nil {
				return err
			}
			paths := args
			if cfg.Policy.Dir != "" {
				paths = append([]string{cfg.Policy.Dir}, paths...)
			}
			if len(paths) > 0 {
				policies, err := policy.NewLoader(logger).LoadFromPaths(cmd.Context(), paths)
				if err != nil {
					return err
				}
				if err := guard.Load(cmd.Context(), policies); err != nil {
					return err
				}
			}
			for _, p := range guard.ListPolicies() {
				if p.Enabled {
					report.Policies = append(report.Policies, p.Name)
				}
			}

			if cfg.Hooks.MonikerScript != "" {
				hook, err := config.NewStarlarkHook(cfg.Hooks.MonikerScript, cfg.Hooks.Vars, 0, logger)
				if err != nil {
					return err
				}
				probe := engine.ProjectView{FullName: "Probe/Probe.csproj", Name: "Probe", Dir: "Probe", Kind: automation.KindProject}
				if _, err := hook.TargetMoniker(cmd.Context(), probe, target.Moniker()); err != nil {
					return fmt.Errorf("moniker hook failed on a sample project: %w", err)
				}
				report.Hook = cfg.Hooks.MonikerScript
			}

			report.Valid = true
			return render(cmd.OutOrStdout(), report, func(w io.Writer) { renderValidate(w, report) })
		},
	}

	return cmd
}

func renderValidate(w io.Writer, r validateReport) {
	if !r.Valid {
		for _, e := range r.Errors {
			fmt.Fprintf(w, "%s %s\n", failStyle.Render("✗"), e.String())
		}
		return
	}
	check(w, "Configuration valid: %s", r.Config)
	check(w, "Target framework: %s", r.Target)
	if len(r.Policies) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("  no policies enabled"))
	}
	for _, name := range r.Policies {
		check(w, "Policy enabled: %s", name)
	}
	if r.Hook != "" {
		check(w, "Moniker hook loaded: %s", r.Hook)
	}
}

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath      string
	verbose         bool
	outputFormat    string
	sessionKind     string
	metricsAddr     string
	metricsTextfile string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "projup",
		Short: "projup - keep a solution manifest and its projects in step",
		Long: `projup maintains a Visual Studio solution through an automation session.

It can:
  - add every project file found under a directory to the solution
  - retarget every project to one .NET Framework version
  - report project files the solution does not reference yet
  - keep a history of runs and their per-project outcomes

Automation servers that reject calls while busy are retried with a fixed
delay; both operations repeat whole passes until nothing is left to do.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch outputFormat {
			case outputText, outputJSON, outputYAML:
				return nil
			default:
				return fmt.Errorf("unsupported output format %q (text, json, yaml)", outputFormat)
			}
		},
	}
	buildVersion = version

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default projup.cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", outputText, "output format: text, json or yaml")
	rootCmd.PersistentFlags().StringVar(&sessionKind, "session", "", "automation session: solution-file, memory or remote")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	rootCmd.PersistentFlags().StringVar(&metricsTextfile, "metrics-textfile", "", "write metrics in textfile format on exit")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newAggregateCommand())
	rootCmd.AddCommand(newRetargetCommand())
	rootCmd.AddCommand(newScanCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newFrameworksCommand())

	return rootCmd
}

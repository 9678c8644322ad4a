package commands

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/projup/projup/pkg/engine"
)

// scanReport is the machine-readable form of scan.
type scanReport struct {
	Solution string                        `json:"solution" yaml:"solution"`
	Root     string                        `json:"root" yaml:"root"`
	Missing  []engine.ProjectFileCandidate `json:"missing" yaml:"missing"`
}

func newScanCommand() *cobra.Command {
	var (
		solution string
		root     string
	)

	cmd := &cobra.Command{
		Use:     "scan",
		Aliases: []string{"missing"},
		Short:   "List project files the solution does not reference",
		Long: `Scan a directory tree for project files and compare their names with the
project entries of the solution text. No automation session is started and
nothing is written.`,
		Example: `  projup scan --solution All.sln --root ./src
  projup missing -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if solution == "" {
				solution = cfg.Solution
			}
			if solution == "" {
				return fmt.Errorf("no solution given: pass --solution")
			}
			if root == "" {
				root = cfg.Root
			}
			if root == "" {
				root = filepath.Dir(solution)
			}

			eng := engine.New(nil, solution, engine.Options{Extensions: cfg.Extensions})
			missing, err := eng.DiffMissing(root)
			if err != nil {
				return err
			}

			report := scanReport{Solution: solution, Root: root, Missing: missing}
			return render(cmd.OutOrStdout(), report, func(w io.Writer) {
				if len(missing) == 0 {
					check(w, "%s references every project under %s", solution, root)
					return
				}
				for _, c := range missing {
					fmt.Fprintf(w, "  %s %s\n", outcomeStyle(engine.OutcomeMissing).Render("missing"), c.Path)
				}
				warn(w, "%d project file(s) not in %s", len(missing), solution)
			})
		},
	}

	cmd.Flags().StringVar(&solution, "solution", "", "solution to compare against")
	cmd.Flags().StringVar(&root, "root", "", "directory scanned for project files (default: the solution's directory)")

	return cmd
}

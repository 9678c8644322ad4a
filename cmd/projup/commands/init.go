package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/projup/projup/pkg/config"
	"github.com/projup/projup/pkg/engine"
	"github.com/projup/projup/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		solution      string
		framework     string
		clientProfile bool
		vs            string
		force         bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a projup workspace",
		Long: `Write a starter projup.cue and create the run history database.

An existing config file is kept unless --force is given.`,
		Example: `  # Initialize for All.sln targeting 4.5
  projup init --solution All.sln

  # Initialize for the 4.0 client profile
  projup init --solution All.sln --framework 4.0 --client-profile`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.DefaultFile
			}

			log.Info().
				Str("config", path).
				Str("solution", solution).
				Msg("Initializing workspace")

			if framework != "" {
				if _, err := engine.ParseFrameworkVersion(framework); err != nil {
					return err
				}
			}
			if vs != "" {
				if _, err := engine.VisualStudioVersion(vs).ProgID(); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Initializing projup workspace in %s\n\n", filepath.Dir(path))

			_, statErr := os.Stat(path)
			switch {
			case statErr == nil && !force:
				check(out, "Config file already exists: %s", path)
			case statErr == nil || errors.Is(statErr, fs.ErrNotExist):
				src, err := config.Starter(config.StarterOptions{
					Solution:        solution,
					TargetFramework: framework,
					ClientProfile:   clientProfile,
					VisualStudio:    vs,
				})
				if err != nil {
					return fmt.Errorf("failed to render config: %w", err)
				}
				if err := os.WriteFile(path, src, 0o644); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				check(out, "Created config file: %s", path)
			default:
				return fmt.Errorf("failed to inspect %s: %w", path, statErr)
			}

			// Load what was written so flags and file agree on the store path.
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Store.Enabled {
				warn(out, "Run history disabled, no database created")
				return nil
			}
			store, err := stores.Open(cmd.Context(), cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("failed to initialize run history: %w", err)
			}
			defer store.Close()
			check(out, "Initialized run history: %s", cfg.Store.Path)

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  1. Add the projects under a directory:\n")
			fmt.Fprintf(out, "     projup aggregate --root <dir>\n\n")
			fmt.Fprintf(out, "  2. Retarget them:\n")
			fmt.Fprintf(out, "     projup retarget\n\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&solution, "solution", "", "solution the workspace manages")
	cmd.Flags().StringVar(&framework, "framework", "", "target framework version (default 4.5)")
	cmd.Flags().BoolVar(&clientProfile, "client-profile", false, "target the client profile")
	cmd.Flags().StringVar(&vs, "vs", "", "Visual Studio version: 2013 or 2015 (default 2015)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}

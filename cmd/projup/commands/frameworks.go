package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/projup/projup/pkg/engine"
)

type frameworkEntry struct {
	Version       engine.FrameworkVersion `json:"version" yaml:"version"`
	ClientProfile bool                    `json:"client_profile" yaml:"client_profile"`
	Moniker       string                  `json:"moniker" yaml:"moniker"`
}

func newFrameworksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "frameworks",
		Short: "List the target frameworks retarget accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []frameworkEntry
			for _, v := range engine.FrameworkVersions {
				for _, client := range []bool{false, true} {
					t := engine.TargetFramework{Version: v, ClientProfile: client}
					entries = append(entries, frameworkEntry{Version: v, ClientProfile: client, Moniker: t.Moniker()})
				}
			}
			return render(cmd.OutOrStdout(), entries, func(w io.Writer) {
				for _, e := range entries {
					flag := ""
					if e.ClientProfile {
						flag = " --client-profile"
					}
					fmt.Fprintf(w, "%-28s %s\n", "--framework "+string(e.Version)+flag, mutedStyle.Render(e.Moniker))
				}
			})
		},
	}
}

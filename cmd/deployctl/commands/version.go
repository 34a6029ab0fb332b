package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":    buildInfo.version,
				"commit":     buildInfo.commit,
				"build_date": buildInfo.date,
				"go_version": runtime.Version(),
				"platform":   runtime.GOOS + "/" + runtime.GOARCH,
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), info)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "deployctl %s\n", info["version"])
			fmt.Fprintf(out, "  commit:     %s\n", info["commit"])
			fmt.Fprintf(out, "  built:      %s\n", info["build_date"])
			fmt.Fprintf(out, "  go version: %s\n", info["go_version"])
			fmt.Fprintf(out, "  platform:   %s\n", info["platform"])
			return nil
		},
	}
}

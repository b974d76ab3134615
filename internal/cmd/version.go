package cmd

import (
	"fmt"
	"io"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeStructured(cmd.OutOrStdout(), "json", versionPayload())
		}
		printVersion(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}

func versionPayload() map[string]string {
	deps := crucible.GetVersion()
	return map[string]string{
		"version":    versionInfo.Version,
		"commit":     versionInfo.Commit,
		"build_date": versionInfo.BuildDate,
		"go_version": runtime.Version(),
		"gofulmen":   deps.Gofulmen,
		"crucible":   deps.Crucible,
	}
}

func printVersion(out io.Writer) {
	deps := crucible.GetVersion()
	_, _ = fmt.Fprintf(out, "gotrainer %s\n", versionInfo.Version)
	_, _ = fmt.Fprintf(out, "  commit:     %s\n", versionInfo.Commit)
	_, _ = fmt.Fprintf(out, "  built:      %s\n", versionInfo.BuildDate)
	_, _ = fmt.Fprintf(out, "  go:         %s\n", runtime.Version())
	if deps.Gofulmen != "" {
		_, _ = fmt.Fprintf(out, "  gofulmen:   v%s\n", deps.Gofulmen)
	}
	if deps.Crucible != "" {
		_, _ = fmt.Fprintf(out, "  crucible:   v%s\n", deps.Crucible)
	}
}

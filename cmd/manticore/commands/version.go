package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]string{
					"version":   version,
					"commit":    commit,
					"buildDate": buildDate,
					"go":        runtime.Version(),
				})
			}
			fmt.Printf("manticore %s (commit: %s, built: %s, %s)\n", version, commit, buildDate, runtime.Version())
			return nil
		},
	}
}

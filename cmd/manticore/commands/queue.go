package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/manticore/manticore/pkg/engine"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the waiting queue",
		Long: `Print every queued user with their 1-based position, followed by the
users that have been admitted and own a job.`,
		Example: `  manticore queue
  manticore queue --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			be, err := openBackend(cmd.Context(), cfg, log.Logger)
			if err != nil {
				return err
			}
			defer be.Close()

			data, err := be.store.Get(cmd.Context(), keyspace(cfg).Waiting())
			if err != nil && !engine.IsNotFound(err) {
				return err
			}
			waiting, err := engine.ParseWaitingList(data)
			if err != nil {
				log.Warn().Err(err).Msg("waiting list is malformed")
			}
			return printQueue(waiting)
		},
	}

	return cmd
}

func printQueue(w *engine.WaitingList) error {
	positions := engine.QueuePositions(w)
	admitted := w.Admitted()

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"positions": positions, "admitted": admitted})
	}

	ids := make([]string, 0, len(positions))
	for id := range positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return positions[ids[i]] < positions[ids[j]] })

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POSITION\tUSER")
	for _, id := range ids {
		fmt.Fprintf(tw, "%d\t%s\n", positions[id], id)
	}
	for _, id := range admitted {
		fmt.Fprintf(tw, "admitted\t%s\n", id)
	}
	return tw.Flush()
}

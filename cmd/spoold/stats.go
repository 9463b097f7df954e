package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/simple-mail-spool/pkg/stats"
)

func newStatsCmd(open openFunc) *cobra.Command {
	var (
		since    time.Duration
		jsonOut  bool
		repoName string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-minute spool counters",
		Long: `Show the per-minute counters recorded while the spool was running.
Counters are only kept by the sqlite and postgres drivers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, _, err := open(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			if srv.Stats() == nil {
				return errors.New("stats are only recorded by the sqlite and postgres drivers")
			}

			now := time.Now()
			history, err := srv.Stats().History(cmd.Context(), repoName, now.Add(-since), now)
			if err != nil {
				return err
			}

			if jsonOut {
				if history == nil {
					history = []stats.SpoolStat{}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(history)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MINUTE\tSPOOLED\tLOCKED\tACCEPTED\tCOMPLETED\tDEFERRED\tSPLIT\tDROPPED")
			for _, h := range history {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
					h.Timestamp.Local().Format("2006-01-02 15:04"),
					h.Spooled, h.Locked, h.Accepted, h.Completed, h.Deferred, h.Split, h.Dropped)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&since, "since", time.Hour, "how far back to report")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	cmd.Flags().StringVar(&repoName, "spool", "spool", "spool name the counters were recorded under")
	return cmd
}

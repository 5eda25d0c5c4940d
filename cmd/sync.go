package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/study-sync/internal/remote"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Re-push unsynced records to the remote store",
	Long:  "Pulls the remote collection, re-pushes every record still pending in the outbox, and lists records that have exhausted their retry budget.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Mirror.PullAll(ctx); err != nil {
			zap.L().Warn("pull failed, resyncing against stale cache", zap.Error(err))
		}

		synced, failed := env.Mirror.Resync(ctx)
		fmt.Printf("resync: %d synced, %d still failing\n", synced, failed)

		dead, err := env.Outbox.DeadLetters(ctx)
		if err != nil {
			return err
		}
		if len(dead) > 0 {
			fmt.Printf("\n%d record(s) exhausted their retry budget:\n\n", len(dead))
			formatDeadLetters(os.Stdout, dead)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

// formatDeadLetters writes a tabular representation of dead-letter entries.
func formatDeadLetters(out io.Writer, entries []remote.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TYPE\tKEY\tATTEMPTS\tLAST UPDATED\tLAST ERROR")
	_, _ = fmt.Fprintln(w, "----\t---\t--------\t------------\t----------")

	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			e.DataType,
			e.Key,
			e.Attempts,
			e.UpdatedAt.Format("2006-01-02 15:04"),
			truncate(e.LastError, 60),
		)
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

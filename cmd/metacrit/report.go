package main

import (
	"database/sql"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/throw-if-null/metacrit/internal/api"
	"github.com/throw-if-null/metacrit/internal/paths"
	"github.com/throw-if-null/metacrit/internal/store"
)

var reportFlags struct {
	dbPath string
	limit  int
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize recorded runs",
	RunE:  runReport,
}

func init() {
	f := reportCmd.Flags()
	f.StringVar(&reportFlags.dbPath, "db", "", "run store database path (default "+paths.DBPath()+")")
	f.IntVar(&reportFlags.limit, "limit", 20, "number of recent runs to list")
}

func runReport(cmd *cobra.Command, _ []string) error {
	dbPath := reportFlags.dbPath
	if dbPath == "" {
		dbPath = paths.DBPath()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	st := store.New(db)
	if err := st.Init(); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	summary, err := st.Summary()
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "runs: %d  succeeded: %d  failed: %d  cancelled: %d  mean score: %.3f\n\n",
		summary.Total, summary.Succeeded, summary.Failed, summary.Cancelled, summary.MeanScore)

	results, err := st.ListResults(reportFlags.limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(results) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tTASK\tSTATUS\tITER\tSCORE\tSTARTED")
	for _, r := range results {
		score := "-"
		if r.Score != nil {
			score = fmt.Sprintf("%.2f", *r.Score)
		}
		status := string(r.Status)
		if r.Status == api.StatusAborted && r.ErrorSummary != "" {
			status = fmt.Sprintf("%s (%s)", r.Status, r.ErrorSummary)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.RunID, r.TaskID, status, r.Iterations, score, r.StartedAt)
	}
	return w.Flush()
}

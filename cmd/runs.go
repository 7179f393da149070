package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/street-directory/internal/model"
	"github.com/sells-group/street-directory/internal/monitoring"
	"github.com/sells-group/street-directory/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List extraction run history",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter, err := runFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(os.Stdout, runs)
		return nil
	},
}

var runsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize run health over a lookback window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		lookback, _ := cmd.Flags().GetDuration("lookback")
		if lookback <= 0 {
			lookback = cfg.Monitoring.LookbackWindow
		}

		snap, err := monitoring.NewCollector(st).Collect(ctx, lookback, cfg.Monitoring.StuckAfter)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func runFilterFromFlags(cmd *cobra.Command) (store.RunFilter, error) {
	kind, _ := cmd.Flags().GetString("kind")
	area, _ := cmd.Flags().GetInt64("area")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := store.RunFilter{
		AreaID: area,
		Status: model.RunStatus(status),
		Limit:  limit,
	}
	if kind != "" {
		k, err := model.ParseEntityKind(kind)
		if err != nil {
			return store.RunFilter{}, err
		}
		filter.Kind = k
	}
	return filter, nil
}

func formatRunsList(out io.Writer, runs []model.ExtractionRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tAREA\tSTATUS\tRECORDS\tSTARTED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "--\t----\t----\t------\t-------\t-------\t--------\t-----")

	for _, r := range runs {
		dur := "-"
		if r.Status != model.RunStatusRunning {
			dur = r.Duration.Round(time.Second).String()
		}

		errMsg := r.Error
		if runes := []rune(errMsg); len(runes) > 60 {
			errMsg = string(runes[:57]) + "..."
		}

		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%s\t%s\t%s\n",
			r.ID,
			r.Kind,
			r.AreaID,
			r.Status,
			r.Records,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			errMsg,
		)
	}
	_ = w.Flush()
}

func init() {
	runsCmd.Flags().String("kind", "", "filter by kind (postalcodes, streets)")
	runsCmd.Flags().Int64("area", 0, "filter by area id")
	runsCmd.Flags().String("status", "", "filter by status (running, complete, failed)")
	runsCmd.Flags().Int("limit", 20, "max runs to show")
	runsCmd.Flags().Bool("json", false, "print runs as JSON")
	runsSummaryCmd.Flags().Duration("lookback", 0, "window to summarize (default from config)")
	runsCmd.AddCommand(runsSummaryCmd)
	rootCmd.AddCommand(runsCmd)
}

package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/groundtruth/internal/gate"
	"github.com/sells-group/groundtruth/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-query ledger and gate state",
	Long:  "Summarizes the ledger by query: labeled entities, high scores, error markers and whether the gate has retired the query.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initStoreEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close(ctx)

		results := env.Ledger.Snapshot()
		if len(results) == 0 {
			zap.L().Info("ledger is empty, run 'label', 'passages' or 'judge' to start labeling",
				zap.String("ledger", env.Ledger.Location()))
			return nil
		}

		formatStatus(os.Stdout, summarizeQueries(results, env.Gate))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// queryStatus is one row of the status table.
type queryStatus struct {
	Query       string
	Labeled     int
	High        int
	Errors      int
	ParseErrors int
	MeanScore   float64
	Disabled    bool
}

// summarizeQueries aggregates ledger results per query, in query order.
func summarizeQueries(results []model.Result, g *gate.Gate) []queryStatus {
	byQuery := make(map[string]*queryStatus)
	sums := make(map[string]float64)
	scored := make(map[string]int)

	for _, r := range results {
		qs, ok := byQuery[r.Query]
		if !ok {
			qs = &queryStatus{Query: r.Query}
			byQuery[r.Query] = qs
		}
		qs.Labeled++
		switch r.Marker {
		case model.MarkerError:
			qs.Errors++
		case model.MarkerParseError:
			qs.ParseErrors++
		default:
			sums[r.Query] += r.Score
			scored[r.Query]++
		}
		if r.High() {
			qs.High++
		}
	}

	out := make([]queryStatus, 0, len(byQuery))
	for q, qs := range byQuery {
		if n := scored[q]; n > 0 {
			qs.MeanScore = sums[q] / float64(n)
		}
		if g != nil {
			qs.Disabled = g.Disabled(q)
		}
		out = append(out, *qs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Query < out[j].Query })
	return out
}

// formatStatus writes a tabular representation of query status to w.
func formatStatus(out io.Writer, rows []queryStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "QUERY\tLABELED\tHIGH\tERRORS\tPARSE\tMEAN\tSTATE")
	_, _ = fmt.Fprintln(w, "-----\t-------\t----\t------\t-----\t----\t-----")

	for _, r := range rows {
		state := "active"
		if r.Disabled {
			state = "disabled"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.2f\t%s\n",
			truncate(r.Query, 50),
			r.Labeled,
			r.High,
			r.Errors,
			r.ParseErrors,
			r.MeanScore,
			state,
		)
	}
	_ = w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kon-rad/tviz"
	"github.com/kon-rad/tviz/internal/metricnorm"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded training runs",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		store, err := tviz.OpenStore(cfg.DBPath)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := store.Runs(ctx, limit)
		if err != nil {
			return fmt.Errorf("runs list: %w", err)
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No runs found.")
			return nil
		}
		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its per-step metrics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := tviz.OpenStore(cfg.DBPath)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		run, err := store.Run(ctx, args[0])
		if err != nil {
			return fmt.Errorf("runs show: %w", err)
		}
		steps, err := store.Steps(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("runs show: %w", err)
		}

		out := cmd.OutOrStdout()
		formatRunHeader(out, run, len(steps))
		if len(steps) > 0 {
			fmt.Fprintln(out)
			formatSteps(out, steps)
		}
		return nil
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, runs []tviz.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tTYPE\tMODALITY\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t----\t----\t--------\t-------\t--------")

	for _, r := range runs {
		name := r.Name
		if runes := []rune(name); len(runes) > 30 {
			name = string(runes[:27]) + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			name,
			r.Type,
			r.Modality,
			r.StartedAt.Format("2006-01-02 15:04"),
			runDuration(r),
		)
	}
	_ = w.Flush()
}

func runDuration(r tviz.Run) string {
	if r.EndedAt == nil {
		return "running"
	}
	return r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
}

func formatRunHeader(out io.Writer, run tviz.Run, steps int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", run.ID)
	_, _ = fmt.Fprintf(w, "Name:\t%s\n", run.Name)
	_, _ = fmt.Fprintf(w, "Type:\t%s\n", run.Type)
	_, _ = fmt.Fprintf(w, "Modality:\t%s\n", run.Modality)
	_, _ = fmt.Fprintf(w, "Started:\t%s\n", run.StartedAt.Format(time.DateTime))
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", runDuration(run))
	_, _ = fmt.Fprintf(w, "Steps:\t%d\n", steps)
	if len(run.Config) > 0 {
		keys := make([]string, 0, len(run.Config))
		for k := range run.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "  %s:\t%v\n", k, run.Config[k])
		}
	}
	_ = w.Flush()
}

var stepColumns = []struct {
	header string
	field  string
}{
	{"REWARD", metricnorm.RewardMean},
	{"LOSS", metricnorm.Loss},
	{"KL", metricnorm.KLDivergence},
	{"ENTROPY", metricnorm.Entropy},
	{"LR", metricnorm.LearningRate},
	{"TIME", metricnorm.TimeTotal},
}

// formatSteps writes one row per step with the canonical metrics most
// dashboards chart. Absent values print as "-".
func formatSteps(out io.Writer, steps []tviz.Step) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprint(w, "STEP")
	for _, c := range stepColumns {
		_, _ = fmt.Fprint(w, "\t"+c.header)
	}
	_, _ = fmt.Fprintln(w, "\tEXTRAS")

	for _, st := range steps {
		_, _ = fmt.Fprint(w, strconv.FormatInt(st.Step, 10))
		for _, c := range stepColumns {
			v, ok := st.Values[c.field]
			if !ok {
				_, _ = fmt.Fprint(w, "\t-")
				continue
			}
			_, _ = fmt.Fprint(w, "\t"+strconv.FormatFloat(v, 'g', 6, 64))
		}
		_, _ = fmt.Fprintf(w, "\t%d\n", len(st.Extras))
	}
	_ = w.Flush()
}

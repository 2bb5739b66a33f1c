package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/encabox/encabox/internal/journal"
	"github.com/encabox/encabox/internal/metrics"
	"github.com/encabox/encabox/internal/scenario"
	"github.com/spf13/cobra"
)

type runFlags struct {
	bundled bool
	verbose bool
	journal string
}

// NewRunCmd creates the scenario run command.
func NewRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [scenario.yaml...]",
		Short: "Run ledger scenarios",
		Long: `Run scripted ledger sessions against a fresh in-memory ledger and report
every step. The command fails when any expectation does not hold.

A scenario run with --journal records its events to an empty journal file
that inspect, balance and events can read afterwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd.Context(), cmd.OutOrStdout(), args, f)
		},
	}
	cmd.Flags().BoolVar(&f.bundled, "bundled", false, "Run the scenarios shipped with boxctl")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Show every step, not only failures")
	cmd.Flags().StringVar(&f.journal, "journal", "", "Record events to this journal file (single scenario only)")
	return cmd
}

type suiteRun struct {
	suite     string
	scenarios []*scenario.Scenario
}

// jsonScenario is the --output json form of one report
type jsonScenario struct {
	Suite  string     `json:"suite"`
	Name   string     `json:"name"`
	Passed bool       `json:"passed"`
	Steps  []jsonStep `json:"steps"`
}

type jsonStep struct {
	Index    int      `json:"index"`
	Actor    string   `json:"actor"`
	Action   string   `json:"action"`
	Passed   bool     `json:"passed"`
	Reason   string   `json:"reason,omitempty"`
	Failures []string `json:"failures,omitempty"`
}

func runScenarios(ctx context.Context, w io.Writer, paths []string, f runFlags) error {
	var runs []suiteRun
	if f.bundled {
		suites, err := scenario.Bundled()
		if err != nil {
			return err
		}
		for _, s := range suites {
			runs = append(runs, suiteRun{suite: s.Name, scenarios: s.Scenarios})
		}
	}
	for _, p := range paths {
		all, err := scenario.Load(p)
		if err != nil {
			return err
		}
		runs = append(runs, suiteRun{suite: p, scenarios: all})
	}

	total := 0
	for _, r := range runs {
		total += len(r.scenarios)
	}
	if total == 0 {
		return errors.New("no scenarios: pass scenario files or --bundled")
	}

	collector := metrics.NewCollector()
	opts := []scenario.Option{scenario.WithObserver(collector)}
	if f.journal != "" {
		if total != 1 {
			return fmt.Errorf("--journal needs exactly one scenario, got %d", total)
		}
		store, err := journal.Open(ctx, f.journal)
		if err != nil {
			return err
		}
		defer store.Close()
		last, err := store.LastSeq(ctx)
		if err != nil {
			return err
		}
		if last != 0 {
			return fmt.Errorf("journal %s already holds %d events", f.journal, last)
		}
		opts = append(opts, scenario.WithDurableSink(store))
	}

	var results []jsonScenario
	failed := 0
	for _, r := range runs {
		for _, sc := range r.scenarios {
			report, err := scenario.Run(ctx, sc, opts...)
			if err != nil {
				return fmt.Errorf("%s: %w", sc.Name, err)
			}
			if !report.Passed() {
				failed++
			}
			if jsonOutput() {
				results = append(results, toJSONScenario(r.suite, report))
				continue
			}
			printReport(w, r.suite, report, f.verbose)
		}
	}

	if jsonOutput() {
		if err := writeJSON(w, results); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(w)
		printOperationSummary(w, collector.Snapshot())
		if failed == 0 {
			Success(w, fmt.Sprintf("%d scenarios passed", total))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, total)
	}
	return nil
}

func printReport(w io.Writer, suite string, report *scenario.Report, verbose bool) {
	fmt.Fprintf(w, "%s %s / %s (%d steps, %s)\n",
		ResultBadge(report.Passed()), suite, report.Scenario, len(report.Steps), report.Duration.Round(time.Microsecond))
	if report.Passed() && !verbose {
		return
	}

	rows := make([][]string, 0, len(report.Steps))
	for _, st := range report.Steps {
		if st.Passed() && !verbose {
			continue
		}
		detail := strings.Join(st.Failures, "; ")
		if detail == "" {
			detail = st.Reason
		}
		rows = append(rows, []string{
			strconv.Itoa(st.Index),
			st.Actor,
			st.Action,
			ResultBadge(st.Passed()),
			detail,
		})
	}
	fmt.Fprintln(w, RenderTable([]string{"#", "Actor", "Action", "Result", "Detail"}, rows))
}

func printOperationSummary(w io.Writer, snap *metrics.Snapshot) {
	if len(snap.Operations) == 0 {
		return
	}
	ops := make([]string, 0, len(snap.Operations))
	for op := range snap.Operations {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		byResult := snap.Operations[op]
		rows = append(rows, []string{
			op,
			strconv.FormatUint(byResult[metrics.ResultOK], 10),
			strconv.FormatUint(byResult[metrics.ResultRejected], 10),
		})
	}
	fmt.Fprintln(w, RenderTable([]string{"Operation", "OK", "Rejected"}, rows))
}

func toJSONScenario(suite string, report *scenario.Report) jsonScenario {
	out := jsonScenario{Suite: suite, Name: report.Scenario, Passed: report.Passed()}
	for _, st := range report.Steps {
		out.Steps = append(out.Steps, jsonStep{
			Index:    st.Index,
			Actor:    st.Actor,
			Action:   st.Action,
			Passed:   st.Passed(),
			Reason:   st.Reason,
			Failures: st.Failures,
		})
	}
	return out
}

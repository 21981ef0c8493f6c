package cmd

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jalad-shrimali/cdr-correlator/analysis"
	"github.com/jalad-shrimali/cdr-correlator/export"
	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
)

// scopeFlags are the filter and target flags every analyze subcommand
// understands.
type scopeFlags struct {
	run       string
	from, to  string
	direction string
	hourFrom  int
	hourTo    int
	group     string
	group2    string
	phone     string
	phone2    string
	limit     int
	xlsx      string
	window    time.Duration
	bucket    string
	minCalls  int
	maxEdges  int
	maxNodes  int
}

func flagError(format string, args ...any) error {
	return errors.Newf(format, args...).
		Component("cmd").
		Category(errors.CategoryValidation).
		Build()
}

func parseFlagTime(raw string, loc *time.Location) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	canonical, ok := normalize.Timestamp(raw)
	if !ok {
		return nil, flagError("unrecognized timestamp %q", raw)
	}
	t, err := normalize.ParseTime(canonical, loc)
	if err != nil {
		return nil, flagError("unrecognized timestamp %q", raw)
	}
	return &t, nil
}

// filter builds the shared filter; group is the flag value for the side
// being built.
func (sf *scopeFlags) filter(cmd *cobra.Command, loc *time.Location, group string) (analysis.Filter, error) {
	f := analysis.Filter{
		Direction: strings.ToUpper(sf.direction),
		Group:     group,
	}
	var err error
	if f.From, err = parseFlagTime(sf.from, loc); err != nil {
		return f, err
	}
	if f.To, err = parseFlagTime(sf.to, loc); err != nil {
		return f, err
	}
	if cmd.Flags().Changed("hour-from") {
		f.HourFrom = &sf.hourFrom
	}
	if cmd.Flags().Changed("hour-to") {
		f.HourTo = &sf.hourTo
	}
	return f, f.Validate()
}

// exportIfAsked writes the spreadsheet report when --xlsx is set.
func (sf *scopeFlags) exportIfAsked(ctx context.Context, a *app, eng *analysis.Engine, runID uint, f analysis.Filter) error {
	if sf.xlsx == "" {
		return nil
	}
	rep, err := export.Build(ctx, eng, runID, f, sf.phone)
	if err != nil {
		return err
	}
	if err := rep.Save(sf.xlsx, eng.Location()); err != nil {
		return err
	}
	a.log.Info("report written", "path", sf.xlsx, "phone", rep.Phone)
	return nil
}

// query is the body of one analyze subcommand.
type query func(ctx context.Context, eng *analysis.Engine, runID uint, f analysis.Filter) (any, error)

func analyzeCommand(a *app) *cobra.Command {
	sf := &scopeFlags{}
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run correlation queries over a run",
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&sf.run, "run", "", "Run id")
	pf.StringVar(&sf.from, "from", "", "Only calls at or after this time")
	pf.StringVar(&sf.to, "to", "", "Only calls at or before this time")
	pf.StringVar(&sf.direction, "direction", "", "IN, OUT or BOTH")
	pf.IntVar(&sf.hourFrom, "hour-from", 0, "Start of the hour-of-day window (0-23)")
	pf.IntVar(&sf.hourTo, "hour-to", 23, "End of the hour-of-day window (0-23), wraps past midnight")
	pf.StringVar(&sf.group, "group", "", "Group label")
	pf.StringVar(&sf.phone, "phone", "", "Target phone")
	pf.IntVar(&sf.limit, "limit", 0, "Row limit (0: configured default)")
	pf.StringVar(&sf.xlsx, "xlsx", "", "Also write a spreadsheet report to this path")
	_ = cmd.MarkPersistentFlagRequired("run")

	// leaf wraps a query with run/filter parsing, printing and export.
	leaf := func(use, short string, q query) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				runID, err := parseRunID(sf.run)
				if err != nil {
					return err
				}
				eng, err := a.engine(cmd.Context())
				if err != nil {
					return err
				}
				f, err := sf.filter(cmd, eng.Location(), sf.group)
				if err != nil {
					return err
				}
				out, err := q(cmd.Context(), eng, runID, f)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
				return sf.exportIfAsked(cmd.Context(), a, eng, runID, f)
			},
		}
	}

	// pair builds both targets of a two-phone query.
	pair := func(cmd *cobra.Command, eng *analysis.Engine, f analysis.Filter) (analysis.Target, analysis.Target, error) {
		ta := analysis.Target{Phone: sf.phone, Filter: f}
		fb, err := sf.filter(cmd, eng.Location(), sf.group2)
		if err != nil {
			return ta, analysis.Target{}, err
		}
		if sf.phone2 == "" {
			return ta, analysis.Target{}, flagError("--phone2 is required")
		}
		return ta, analysis.Target{Phone: sf.phone2, Filter: fb}, nil
	}

	objective := leaf("objective", "Guess the run's target number", func(ctx context.Context, eng *analysis.Engine, runID uint, f analysis.Filter) (any, error) {
		return eng.DetectObjective(ctx, runID, f)
	})
	summary := leaf("summary", "Call count, time span and contacts of --phone", func(ctx context.Context, eng *analysis.Engine, runID uint, f analysis.Filter) (any, error) {
		return eng.Summary(ctx, runID, f, sf.phone)
	})
	contacts := leaf("contacts", "Most frequent counterparts of --phone", func(ctx context.Context, eng *analysis.Engine, runID uint, f analysis.Filter) (any, error) {
		return eng.TopContacts(ctx, runID, f, sf.phone, sf.limit)
	})
	places := leaf("places", "Most used cells", func(ctx context.Context, eng *analysis.Engine, runID uint, f analysis.Filter) (any, error) {
		return eng.TopPlaces(ctx, runID, f, sf.phone, sf.limit)
	})
	timeline := leaf("timeline", "Most recent calls, newest first", func(ctx context.Context, eng *analysis.Engine, runID uint, f analysis.Filter) (any, error) {
		return eng.Timeline(ctx, runID, f, sf.phone, sf.limit)
	})

	timeseries := leaf("timeseries", "Calls per hour or day", func(ctx context.Context, eng *analysis.Engine, runID uint, f analysis.Filter) (any, error) {
		return eng.TimeSeries(ctx, runID, f, sf.phone, sf.bucket)
	})
	timeseries.Flags().StringVar(&sf.bucket, "bucket", analysis.BucketDay, "hour or day")

	graph := leaf("graph", "Who-calls-whom graph", func(ctx context.Context, eng *analysis.Engine, runID uint, f analysis.Filter) (any, error) {
		return eng.Graph(ctx, runID, f, analysis.GraphParams{
			Phone:    normalize.Phone(sf.phone),
			MinCalls: sf.minCalls,
			MaxEdges: sf.maxEdges,
			MaxNodes: sf.maxNodes,
		})
	})
	graph.Flags().IntVar(&sf.minCalls, "min-calls", 0, "Drop edges with fewer calls (0: configured default)")
	graph.Flags().IntVar(&sf.maxEdges, "max-edges", 0, "Edge cap (0: configured default)")
	graph.Flags().IntVar(&sf.maxNodes, "max-nodes", 0, "Node cap (0: configured default)")

	var coincidences *cobra.Command
	coincidences = leaf("coincidences", "Times --phone and --phone2 used the same cell", func(ctx context.Context, eng *analysis.Engine, runID uint, f analysis.Filter) (any, error) {
		ta, tb, err := pair(coincidences, eng, f)
		if err != nil {
			return nil, err
		}
		window := time.Duration(-1)
		if coincidences.Flags().Changed("window") {
			if sf.window < 0 {
				return nil, flagError("--window must not be negative")
			}
			window = sf.window
		}
		return eng.Coincidences(ctx, runID, ta, tb, window, sf.limit)
	})
	coincidences.Flags().DurationVar(&sf.window, "window", 0, "Max time apart (default: analysis.coincidence_window)")

	var commonContacts *cobra.Command
	commonContacts = leaf("common-contacts", "Counterparts shared by --phone and --phone2", func(ctx context.Context, eng *analysis.Engine, runID uint, f analysis.Filter) (any, error) {
		ta, tb, err := pair(commonContacts, eng, f)
		if err != nil {
			return nil, err
		}
		return eng.CommonContacts(ctx, runID, ta, tb, sf.limit)
	})

	var commonPlaces *cobra.Command
	commonPlaces = leaf("common-places", "Cells used by both --phone and --phone2", func(ctx context.Context, eng *analysis.Engine, runID uint, f analysis.Filter) (any, error) {
		ta, tb, err := pair(commonPlaces, eng, f)
		if err != nil {
			return nil, err
		}
		return eng.CommonPlaces(ctx, runID, ta, tb, sf.limit)
	})

	for _, c := range []*cobra.Command{coincidences, commonContacts, commonPlaces} {
		c.Flags().StringVar(&sf.phone2, "phone2", "", "Second phone")
		c.Flags().StringVar(&sf.group2, "group2", "", "Group label of the second phone")
	}

	cmd.AddCommand(objective, summary, contacts, places, coincidences,
		commonContacts, commonPlaces, graph, timeline, timeseries)
	return cmd
}

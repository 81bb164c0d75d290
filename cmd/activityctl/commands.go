package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/JonMunkholm/activitysync/internal/core"
	"github.com/dustin/go-humanize"
	"github.com/guptarohit/asciigraph"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

func newImportCommand(opts *options, scope core.Scope) *cobra.Command {
	var (
		month  string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   fmt.Sprintf("import-%s <file|->", scope),
		Short: fmt.Sprintf("Import a %s-scope CSV batch", scope),
		Long: fmt.Sprintf("Import a CSV with columns %s. Use - to read from stdin.",
			strings.Join(mustSchema(scope).Columns, ",")),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := opts.tenant()
			if err != nil {
				return err
			}
			filter, err := core.ParseMonthFilter(month)
			if err != nil {
				return err
			}

			in, name, size, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			req := core.ImportRequest{
				Tenant:   tenant,
				Scope:    scope,
				FileName: name,
				Reader:   in,
				Size:     size,
				Filter:   filter,
			}

			var res *core.ImportResult
			if dryRun {
				res, err = a.service.Preview(cmd.Context(), req)
			} else {
				res, err = a.service.Import(cmd.Context(), req)
			}
			if res != nil {
				printResult(cmd.OutOrStdout(), res)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&month, "month", "", "only import rows in this month (YYYY-MM)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be imported without writing")
	return cmd
}

func mustSchema(scope core.Scope) core.Schema {
	s, ok := core.Get(scope)
	if !ok {
		panic("no schema registered for scope " + string(scope))
	}
	return s
}

func openInput(cmd *cobra.Command, arg string) (io.ReadCloser, string, int64, error) {
	if arg == "-" {
		return io.NopCloser(cmd.InOrStdin()), "stdin", 0, nil
	}
	f, err := os.Open(arg)
	if err != nil {
		return nil, "", 0, fmt.Errorf("open batch: %w", err)
	}
	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	return f, filepath.Base(arg), size, nil
}

// printResult writes the summary line and a breakdown of rejected rows.
func printResult(w io.Writer, res *core.ImportResult) {
	prefix := ""
	if res.DryRun {
		prefix = "[dry run] "
	}
	fmt.Fprintln(w, prefix+strings.ReplaceAll(res.Summary(), "**", ""))

	reasons := res.SkipReasons()
	if len(reasons) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "REJECTED\tROWS")
		keys := lo.Keys(reasons)
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(tw, "%s\t%s\n", k, humanize.Comma(int64(reasons[k])))
		}
		tw.Flush()
	}

	if len(res.Failed) > 0 {
		fmt.Fprintf(w, "Months not rebuilt: %s\n",
			strings.Join(lo.Map(res.Failed, func(m core.Month, _ int) string { return string(m) }), ", "))
	}
}

func newRebuildCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <YYYY-MM>",
		Short: "Recompute one month's totals from its day counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := opts.tenant()
			if err != nil {
				return err
			}
			month, err := core.ParseMonth(args[0])
			if err != nil {
				return err
			}

			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.service.RebuildMonth(cmd.Context(), tenant, month)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt %s: %s members, %s removed, %s messages.\n",
				month,
				humanize.Comma(int64(res.Subjects)),
				humanize.Comma(int64(res.Removed)),
				humanize.Comma(res.Total),
			)
			return nil
		},
	}
}

func newExportCommand(opts *options) *cobra.Command {
	var (
		month string
		out   string
	)

	cmd := &cobra.Command{
		Use:       "export <day|month>",
		Short:     "Write a month's counters as an importable CSV",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(core.ScopeDay), string(core.ScopeMonth)},
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := opts.tenant()
			if err != nil {
				return err
			}
			scope, err := core.ParseScope(args[0])
			if err != nil {
				return err
			}
			m, err := core.ParseMonth(month)
			if err != nil {
				return err
			}

			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()
				w = f
			}

			n, err := a.service.Export(cmd.Context(), w, scope, tenant, m)
			if err != nil {
				return err
			}
			if w != cmd.OutOrStdout() {
				fmt.Fprintf(cmd.ErrOrStderr(), "Exported %s %s rows to %s\n", humanize.Comma(int64(n)), scope, out)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&month, "month", "", "month to export (YYYY-MM)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	_ = cmd.MarkFlagRequired("month")
	return cmd
}

func newChartCommand(opts *options) *cobra.Command {
	var height int

	cmd := &cobra.Command{
		Use:   "chart <user_id>",
		Short: "Plot a member's monthly message counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := opts.tenant()
			if err != nil {
				return err
			}
			subject, err := core.ParseSubjectID(args[0])
			if err != nil {
				return err
			}

			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			months, err := a.service.SubjectHistory(cmd.Context(), tenant, subject)
			if err != nil {
				return err
			}
			if len(months) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No month counters for user %s.\n", subject)
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderChart(subject, months, height))
			return nil
		},
	}

	cmd.Flags().IntVar(&height, "height", 10, "chart height in rows")
	return cmd
}

// renderChart plots month counts oldest first with the month range as caption.
func renderChart(subject core.SubjectID, months []core.MonthCounter, height int) string {
	data := lo.Map(months, func(m core.MonthCounter, _ int) float64 { return float64(m.Count) })
	total := lo.SumBy(months, func(m core.MonthCounter) int64 { return m.Count })

	caption := fmt.Sprintf("user %s: %s to %s, %s messages",
		subject, months[0].Month, months[len(months)-1].Month, humanize.Comma(total))

	return asciigraph.Plot(data,
		asciigraph.Height(height),
		asciigraph.Caption(caption),
	)
}

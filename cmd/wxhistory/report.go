package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/1broseidon/wxhistory/internal/export"
	"github.com/1broseidon/wxhistory/pkg/models"
)

func newReportCmd(opts *rootOptions) *cobra.Command {
	var (
		location  string
		locations string
		since     string
		start     string
		end       string
		limit     int
		format    string
		output    string
	)

	kinds := make([]string, 0, len(models.ReportKinds()))
	for _, k := range models.ReportKinds() {
		kinds = append(kinds, strings.ToLower(string(k)))
	}

	cmd := &cobra.Command{
		Use:       "report KIND",
		Short:     "Generate a report from the query history",
		Long:      "Generate a report from the query history. KIND is one of: " + strings.Join(kinds, ", ") + ".",
		Example:   "  wxhistory report comparison --since 24h\n  wxhistory report trend --location Paris --output trend.csv",
		Args:      cobra.ExactArgs(1),
		ValidArgs: kinds,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			spec := models.ReportSpec{
				Locations: splitList(locations),
				Location:  location,
				Limit:     limit,
			}
			if spec.Kind, err = models.ParseReportKind(args[0]); err != nil {
				return err
			}
			if since != "" {
				if spec.Since, err = models.ParseDuration(since); err != nil {
					return fmt.Errorf("invalid --since: %w", err)
				}
			}
			if spec.Window, err = parseWindow(start, end); err != nil {
				return err
			}

			if format != "" {
				if spec.Format, err = models.ParseFormat(format); err != nil {
					return err
				}
			}

			eng, err := opts.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEngine(eng, &err)

			doc, err := eng.GenerateReport(spec)
			if err != nil {
				return err
			}

			if output == "" {
				f := spec.Format
				if f == "" {
					f = models.FormatText
				}
				_, err = eng.WriteReport(cmd.OutOrStdout(), doc, f)
				return err
			}

			// Without --format the file extension decides
			f := spec.Format
			if f == "" {
				f = export.FormatAuto
			}
			n, err := eng.ExportReport(doc, f, output)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d rows (%d bytes) to %s\n", len(doc.Rows), n, output)
			return nil
		},
	}

	cmd.Flags().StringVar(&location, "location", "", "Target location of a trend report (default most queried)")
	cmd.Flags().StringVarP(&locations, "locations", "l", "", "Comma separated locations to include")
	cmd.Flags().StringVar(&since, "since", "", "Only include lookups newer than this duration, e.g. 24h or 7d")
	cmd.Flags().StringVar(&start, "start", "", "Window start (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "Window end (RFC3339)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Rows of a history report (default from config)")
	cmd.Flags().StringVarP(&format, "format", "f", "", "Output format: text, csv or json")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the report to a file instead of stdout")

	return cmd
}

func parseWindow(start, end string) (*models.TimeWindow, error) {
	if start == "" && end == "" {
		return nil, nil
	}
	w := &models.TimeWindow{}
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return nil, fmt.Errorf("invalid --start: %w", err)
		}
		w.Start = &t
	}
	if end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return nil, fmt.Errorf("invalid --end: %w", err)
		}
		w.End = &t
	}
	return w, nil
}

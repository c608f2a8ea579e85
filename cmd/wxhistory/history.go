package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/1broseidon/wxhistory/internal/history"
	"github.com/1broseidon/wxhistory/pkg/models"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		locations string
		search    string
		queryType string
		since     string
		limit     int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded weather lookups, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			filter := history.Filter{Locations: splitList(locations), Search: search}
			if queryType != "" {
				if filter.QueryType, err = models.ParseQueryType(queryType); err != nil {
					return err
				}
			}
			if since != "" {
				d, err := models.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid --since: %w", err)
				}
				start := time.Now().Add(-d.ToDuration())
				filter.Window = &models.TimeWindow{Start: &start}
			}
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}

			eng, err := opts.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEngine(eng, &err)

			records := eng.ListHistory(filter, limit)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			printRecords(cmd.OutOrStdout(), records)
			return nil
		},
	}

	cmd.Flags().StringVarP(&locations, "location", "l", "", "Comma separated locations to include")
	cmd.Flags().StringVarP(&search, "search", "s", "", "Only include locations containing this text")
	cmd.Flags().StringVar(&queryType, "type", "", "Only include current or forecast lookups")
	cmd.Flags().StringVar(&since, "since", "", "Only include lookups newer than this duration, e.g. 24h or 7d")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show only the most recent N lookups")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")

	cmd.AddCommand(newHistoryClearCmd(opts))
	return cmd
}

func newHistoryClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every recorded lookup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			eng, err := opts.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEngine(eng, &err)

			n, err := eng.ClearHistory(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d records\n", n)
			return nil
		},
	}
}

func printRecords(w io.Writer, records []models.QueryRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No records.")
		return
	}
	for _, rec := range records {
		fmt.Fprintf(w, "%s  %-8s  %-24s  %6.1f°C  %s\n",
			rec.Timestamp.Format(time.RFC3339), rec.QueryType, rec.LocationName, rec.Temperature, rec.Condition)
	}
}

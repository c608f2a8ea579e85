package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/1broseidon/wxhistory/pkg/models"
)

func newRecordCmd(opts *rootOptions) *cobra.Command {
	var (
		obs       models.Observation
		queryType string
	)

	cmd := &cobra.Command{
		Use:   "record LOCATION",
		Short: "Record a weather lookup in the history",
		Example: `  wxhistory record "London, GB" --temp 15.2 --condition Cloudy --humidity 71
  wxhistory record Paris --temp 18 --type forecast`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			obs.LocationName = args[0]
			if obs.QueryType, err = models.ParseQueryType(queryType); err != nil {
				return err
			}
			if err := validate.Struct(obs); err != nil {
				return fmt.Errorf("invalid observation: %w", err)
			}

			eng, err := opts.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEngine(eng, &err)

			rec, err := eng.RecordQuery(cmd.Context(), obs)
			if rec.ID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s %s (%s) at %s\n",
					rec.QueryType, rec.LocationName, rec.ID, rec.Timestamp.Format(time.RFC3339))
			}
			return err
		},
	}

	cmd.Flags().Float64VarP(&obs.Temperature, "temp", "t", 0, "Temperature in Celsius")
	cmd.Flags().StringVar(&obs.Condition, "condition", "", "Weather condition")
	cmd.Flags().Float64Var(&obs.Humidity, "humidity", 0, "Relative humidity in percent")
	cmd.Flags().Float64Var(&obs.Pressure, "pressure", 0, "Pressure in hPa")
	cmd.Flags().Float64Var(&obs.WindSpeed, "wind", 0, "Wind speed in m/s")
	cmd.Flags().StringVar(&queryType, "type", string(models.QueryTypeCurrent), "Query type (current or forecast)")
	cmd.MarkFlagRequired("temp")

	return cmd
}

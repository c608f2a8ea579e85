package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/1broseidon/wxhistory/internal/engine"
)

func newFavoritesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "favorites",
		Aliases: []string{"fav"},
		Short:   "List favorite locations",
		Args:    cobra.NoArgs,
		RunE: withEngine(opts, func(cmd *cobra.Command, eng *engine.Engine, args []string) error {
			favs := eng.Favorites()
			if len(favs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No favorite locations.")
				return nil
			}
			for i, loc := range favs {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, loc.Name)
			}
			return nil
		}),
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "add LOCATION",
			Short: "Add a favorite location",
			Args:  cobra.ExactArgs(1),
			RunE: withEngine(opts, func(cmd *cobra.Command, eng *engine.Engine, args []string) error {
				loc, err := eng.AddFavorite(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", loc.Name)
				return nil
			}),
		},
		&cobra.Command{
			Use:     "remove LOCATION",
			Aliases: []string{"rm"},
			Short:   "Remove a favorite location",
			Args:    cobra.ExactArgs(1),
			RunE: withEngine(opts, func(cmd *cobra.Command, eng *engine.Engine, args []string) error {
				if err := eng.RemoveFavorite(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
				return nil
			}),
		},
		&cobra.Command{
			Use:   "promote LOCATION",
			Short: "Move a favorite location to the top",
			Args:  cobra.ExactArgs(1),
			RunE: withEngine(opts, func(cmd *cobra.Command, eng *engine.Engine, args []string) error {
				if err := eng.PromoteFavorite(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Promoted %s\n", args[0])
				return nil
			}),
		},
	)
	return cmd
}

// withEngine opens the engine around run and closes it afterwards
func withEngine(opts *rootOptions, run func(*cobra.Command, *engine.Engine, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		eng, err := opts.openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeEngine(eng, &err)
		return run(cmd, eng, args)
	}
}

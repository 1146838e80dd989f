package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/registral-harvester/pkg/registry"
)

func newCitiesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cities",
		Short: "Manage the city table",
	}
	cmd.AddCommand(newCitiesUpdateCmd(a), newCitiesListCmd(a))
	return cmd
}

func newCitiesUpdateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Download the city list and save it to cities.path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := a.newClient(nil)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			defer c.Close()

			cities, updated, err := registry.UpdateCities(ctx, c, a.cfg.Cities.Path)
			if err != nil {
				return err
			}
			if updated {
				fmt.Fprintf(a.stdout, "%d cities written to %s\n", len(cities), a.cfg.Cities.Path)
			} else {
				fmt.Fprintf(a.stdout, "%d cities, no updates\n", len(cities))
			}
			return nil
		},
	}
}

func newCitiesListCmd(a *app) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the cities of the city table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			table, err := registry.LoadCityTable(a.cfg.Cities.Path)
			if err != nil {
				return err
			}
			states := table.States()
			if state != "" {
				states = []string{strings.ToUpper(state)}
			}
			n := 0
			for _, uf := range states {
				for _, c := range table.Cities(uf) {
					fmt.Fprintf(a.stdout, "%s\t%s\t%s\n", c.State, c.Name, c.ID)
					n++
				}
			}
			if n == 0 {
				return errors.New("no cities found")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only list cities of this state")
	return cmd
}

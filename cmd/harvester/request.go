package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/Sternrassler/registral-harvester/pkg/registry"
	"github.com/Sternrassler/registral-harvester/pkg/space"
)

// requestFlags are the flags selecting what to fetch.
type requestFlags struct {
	dates       string
	cumulative  bool
	states      []string
	cities      []string
	places      []string
	genders     []string
	splitPlaces bool
}

func (f *requestFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.dates, "dates", "today", `days to fetch: "today", "all", YYYY-MM-DD or START:END`)
	flags.BoolVar(&f.cumulative, "cumulative", false, "fetch counts accumulated since the start of the year")
	flags.StringSliceVar(&f.states, "states", nil, `states to fetch, e.g. RJ,SP, or "all" for each state`)
	flags.StringSliceVar(&f.cities, "cities", nil, `cities to fetch as NAME-UF, or "all" for each city`)
	flags.StringSliceVar(&f.places, "places", nil, `places of death, or "all" for each place`)
	flags.StringSliceVar(&f.genders, "genders", nil, `genders, or "all" for each gender`)
	flags.BoolVar(&f.splitPlaces, "split-places", false, "fetch every selected place separately")
}

func (f *requestFlags) request() (registry.Request, error) {
	dates, err := registry.ParseDateFilter(f.dates)
	if err != nil {
		return registry.Request{}, err
	}
	return registry.Request{
		Dates:       dates,
		Cumulative:  f.cumulative,
		States:      parseFilter(f.states),
		Cities:      parseFilter(f.cities),
		Places:      parseFilter(f.places),
		Genders:     parseFilter(f.genders),
		SplitPlaces: f.splitPlaces,
	}, nil
}

// workerArgs renders the request for a worker process. Dates are pinned to
// the range resolved at now so every worker builds the same space.
func (f *requestFlags) workerArgs(req registry.Request, now time.Time) ([]string, error) {
	start, end, err := req.Dates.Bounds(now)
	if err != nil {
		return nil, err
	}
	args := []string{"--dates", start.Format(registry.DateLayout) + ":" + end.Format(registry.DateLayout)}
	if f.cumulative {
		args = append(args, "--cumulative")
	}
	if f.splitPlaces {
		args = append(args, "--split-places")
	}
	for _, flag := range []struct {
		name   string
		values []string
	}{
		{"states", f.states},
		{"cities", f.cities},
		{"places", f.places},
		{"genders", f.genders},
	} {
		for _, v := range flag.values {
			args = append(args, "--"+flag.name, v)
		}
	}
	return args, nil
}

// parseFilter maps flag values onto a filter: none is unselected, "all"
// selects every value separately, one value is exact and several are a set.
func parseFilter(values []string) space.Filter {
	var vs []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			vs = append(vs, v)
		}
	}
	switch {
	case len(vs) == 0:
		return space.Filter{}
	case len(vs) == 1 && strings.EqualFold(vs[0], "all"):
		return space.All()
	case len(vs) == 1:
		return space.Exact(vs[0])
	default:
		return space.OneOf(vs...)
	}
}

// cityTable loads the city table and attaches src for refreshes. An empty
// table is refreshed up front when the request selects states or cities.
func (a *app) cityTable(ctx context.Context, src registry.CitySource, req registry.Request) (*registry.CityTable, error) {
	path := a.cfg.Cities.Path
	table, err := registry.LoadCityTable(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		table = registry.NewCityTable(nil)
	}
	table.WithSource(src, path)

	if table.Len() == 0 && (!req.States.IsZero() || !req.Cities.IsZero()) {
		a.logger.Info().Str("path", path).Msg("City table missing, fetching city list")
		if _, err := table.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("load cities: %w", err)
		}
	}
	return table, nil
}

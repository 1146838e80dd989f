package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/registral-harvester/pkg/space"
)

// ErrInvalidRequest is returned when a Request cannot be resolved into a space.
var ErrInvalidRequest = errors.New("invalid request")

// DateKind selects how a DateFilter expands into days.
type DateKind string

const (
	DatesToday DateKind = "today"
	DatesDay   DateKind = "day"
	DatesRange DateKind = "range"
	DatesAll   DateKind = "all"
)

// DateFilter selects the days of a harvest.
type DateFilter struct {
	Kind  DateKind
	Start time.Time
	End   time.Time
}

// Today selects the current day.
func Today() DateFilter { return DateFilter{Kind: DatesToday} }

// Day selects a single day.
func Day(d time.Time) DateFilter { return DateFilter{Kind: DatesDay, Start: d, End: d} }

// Range selects every day from start to end, both included.
func Range(start, end time.Time) DateFilter {
	return DateFilter{Kind: DatesRange, Start: start, End: end}
}

// AllDates selects every day from Begin to today.
func AllDates() DateFilter { return DateFilter{Kind: DatesAll} }

// ParseDateFilter reads "", "today", "all", a single date or "start:end".
func ParseDateFilter(s string) (DateFilter, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", string(DatesToday):
		return Today(), nil
	case string(DatesAll):
		return AllDates(), nil
	}
	if from, to, ok := strings.Cut(s, ":"); ok {
		start, err := time.Parse(DateLayout, strings.TrimSpace(from))
		if err != nil {
			return DateFilter{}, fmt.Errorf("%w: start date: %v", ErrInvalidRequest, err)
		}
		end, err := time.Parse(DateLayout, strings.TrimSpace(to))
		if err != nil {
			return DateFilter{}, fmt.Errorf("%w: end date: %v", ErrInvalidRequest, err)
		}
		return Range(start, end), nil
	}
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return DateFilter{}, fmt.Errorf("%w: date: %v", ErrInvalidRequest, err)
	}
	return Day(d), nil
}

// Bounds returns the first and last selected day relative to now.
func (f DateFilter) Bounds(now time.Time) (time.Time, time.Time, error) {
	today := truncateDay(now)
	switch f.Kind {
	case "", DatesToday:
		return today, today, nil
	case DatesDay:
		d := truncateDay(f.Start)
		return d, d, nil
	case DatesRange:
		start, end := truncateDay(f.Start), truncateDay(f.End)
		if end.Before(start) {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: range ends before it starts: %s:%s",
				ErrInvalidRequest, start.Format(DateLayout), end.Format(DateLayout))
		}
		return start, end, nil
	case DatesAll:
		return Begin, today, nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: unsupported date filter %q", ErrInvalidRequest, f.Kind)
	}
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Request describes one harvest. The zero value of a filter means "not
// selected": no States and no Cities is the whole country, no Places is every
// place and no Genders leaves the demographic filter off.
type Request struct {
	Dates      DateFilter
	Cumulative bool

	States  space.Filter
	Cities  space.Filter
	Places  space.Filter
	Genders space.Filter

	// SplitPlaces requests every place separately instead of one request
	// covering the whole selection.
	SplitPlaces bool
}

// Space resolves the request into a request space. Dimensions are ordered
// innermost first: gender (when selected), places, location, date. Unknown
// states, cities, places or genders are reported as ErrInvalidRequest.
func (r Request) Space(ctx context.Context, cities *CityTable, now time.Time) (*space.Space, error) {
	dates, err := r.dateDimension(now)
	if err != nil {
		return nil, err
	}
	locations, err := r.locationDimension(ctx, cities)
	if err != nil {
		return nil, err
	}
	places, err := r.placeDimension()
	if err != nil {
		return nil, err
	}

	dims := make([]space.Dimension, 0, 4)
	if !r.Genders.IsZero() {
		genders, err := r.genderDimension()
		if err != nil {
			return nil, err
		}
		dims = append(dims, genders)
	}
	dims = append(dims, places, locations, dates)

	sp, err := space.New(dims...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return sp, nil
}

func (r Request) dateDimension(now time.Time) (space.Dimension, error) {
	start, end, err := r.Dates.Bounds(now)
	if err != nil {
		return space.Dimension{}, err
	}
	dim := space.Dimension{Name: "date"}
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		from := day
		if r.Cumulative {
			from = start
		}
		key := day.Format(DateLayout)
		dim.Values = append(dim.Values, space.Value{
			Key: key,
			Params: url.Values{
				"start_date": {from.Format(DateLayout)},
				"end_date":   {key},
			},
			Fields: map[string]string{"date": key},
		})
	}
	return dim, nil
}

func (r Request) locationDimension(ctx context.Context, cities *CityTable) (space.Dimension, error) {
	dim := space.Dimension{Name: "location"}

	if r.Cities.IsZero() {
		if r.States.IsZero() {
			dim.Values = []space.Value{{
				Key:    "BR",
				Params: url.Values{"state": {"Todos"}},
			}}
			return dim, nil
		}
		states, err := r.resolveStates(cities)
		if err != nil {
			return dim, err
		}
		for _, uf := range states {
			dim.Values = append(dim.Values, space.Value{
				Key:    uf,
				Params: url.Values{"state": {uf}},
				Fields: map[string]string{"state": uf},
			})
		}
		return dim, nil
	}

	selected, err := r.resolveCities(ctx, cities)
	if err != nil {
		return dim, err
	}
	for _, c := range selected {
		dim.Values = append(dim.Values, space.Value{
			Key: c.State + "/" + c.ID,
			Params: url.Values{
				"state":   {c.State},
				"city_id": {c.ID},
			},
			Fields: map[string]string{"state": c.State, "city": c.Name},
		})
	}
	return dim, nil
}

func (r Request) resolveStates(cities *CityTable) ([]string, error) {
	if cities == nil {
		return nil, fmt.Errorf("%w: state selection needs a city table", ErrInvalidRequest)
	}
	states, err := r.States.Resolve(cities.States(), strings.ToUpper)
	if errors.Is(err, space.ErrUnknownValue) {
		return nil, fmt.Errorf("%w: %w: %w", ErrInvalidRequest, ErrUnknownState, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: states: %w", ErrInvalidRequest, err)
	}
	return states, nil
}

func (r Request) resolveCities(ctx context.Context, cities *CityTable) ([]City, error) {
	if cities == nil {
		return nil, fmt.Errorf("%w: city selection needs a city table", ErrInvalidRequest)
	}

	if r.Cities.Kind == space.FilterAll {
		states := cities.States()
		if !r.States.IsZero() {
			var err error
			if states, err = r.resolveStates(cities); err != nil {
				return nil, err
			}
		}
		var out []City
		for _, uf := range states {
			out = append(out, cities.Cities(uf)...)
		}
		return out, nil
	}

	var suffix string
	switch {
	case r.States.IsZero():
	case r.States.Kind == space.FilterExact && len(r.States.Values) == 1:
		suffix = strings.ToUpper(r.States.Values[0])
	default:
		return nil, fmt.Errorf("%w: named cities combine with at most one state, got %s", ErrInvalidRequest, r.States)
	}

	if len(r.Cities.Values) == 0 {
		return nil, fmt.Errorf("%w: empty city selection", ErrInvalidRequest)
	}
	seen := make(map[string]bool, len(r.Cities.Values))
	out := make([]City, 0, len(r.Cities.Values))
	for _, raw := range r.Cities.Values {
		if suffix != "" {
			raw = raw + "-" + suffix
		}
		name, uf, err := ParseCity(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		c, err := cities.Lookup(ctx, uf, name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out, nil
}

func (r Request) placeDimension() (space.Dimension, error) {
	dim := space.Dimension{Name: "place"}
	filter := r.Places
	if filter.IsZero() {
		filter = space.All()
	}
	places, err := filter.Resolve(Places, strings.ToUpper)
	if err != nil {
		return dim, fmt.Errorf("%w: places: %w (valid: %s)", ErrInvalidRequest, err, strings.Join(Places, ", "))
	}

	if !r.SplitPlaces {
		dim.Values = []space.Value{{
			Key:    strings.Join(places, "+"),
			Params: url.Values{"places[]": places},
		}}
		return dim, nil
	}
	for _, p := range places {
		dim.Values = append(dim.Values, space.Value{
			Key:    p,
			Params: url.Values{"places[]": {p}},
			Fields: map[string]string{"place": p},
		})
	}
	return dim, nil
}

func (r Request) genderDimension() (space.Dimension, error) {
	dim := space.Dimension{Name: "gender"}
	genders, err := r.Genders.Resolve(Genders, strings.ToUpper)
	if err != nil {
		return dim, fmt.Errorf("%w: genders: %w", ErrInvalidRequest, err)
	}
	for _, g := range genders {
		dim.Values = append(dim.Values, space.Value{
			Key:    g,
			Params: url.Values{"gender": {g}},
			Fields: map[string]string{"gender": g},
		})
	}
	return dim, nil
}

package space

import (
	"errors"
	"fmt"
)

// FilterKind selects how a Filter resolves against the known values.
type FilterKind string

const (
	// FilterAll selects every known value.
	FilterAll FilterKind = "all"

	// FilterExact selects a single value.
	FilterExact FilterKind = "exact"

	// FilterOneOf selects a set of values.
	FilterOneOf FilterKind = "one_of"
)

// ErrUnknownValue is returned when a filter names a value that is not known.
var ErrUnknownValue = errors.New("unknown filter value")

// Filter is a tagged selection over one dimension: Exact(value), All or OneOf(set).
// The zero Filter selects nothing and reports IsZero.
type Filter struct {
	Kind   FilterKind
	Values []string
}

// All returns a filter selecting every known value.
func All() Filter {
	return Filter{Kind: FilterAll}
}

// Exact returns a filter selecting one value.
func Exact(v string) Filter {
	return Filter{Kind: FilterExact, Values: []string{v}}
}

// OneOf returns a filter selecting the given values.
func OneOf(vs ...string) Filter {
	return Filter{Kind: FilterOneOf, Values: vs}
}

// IsZero reports whether no selection was made.
func (f Filter) IsZero() bool {
	return f.Kind == ""
}

// Resolve turns the filter into a concrete, duplicate-free list.
// All yields known in its original order; Exact and OneOf keep the caller's
// order after normalize is applied. normalize may be nil.
func (f Filter) Resolve(known []string, normalize func(string) string) ([]string, error) {
	switch f.Kind {
	case FilterAll:
		out := make([]string, len(known))
		copy(out, known)
		return out, nil
	case FilterExact, FilterOneOf:
		if f.Kind == FilterExact && len(f.Values) != 1 {
			return nil, fmt.Errorf("exact filter needs one value, got %d", len(f.Values))
		}
		if len(f.Values) == 0 {
			return nil, fmt.Errorf("one_of filter needs at least one value")
		}
		set := make(map[string]bool, len(known))
		for _, k := range known {
			set[k] = true
		}
		seen := make(map[string]bool, len(f.Values))
		out := make([]string, 0, len(f.Values))
		for _, v := range f.Values {
			if normalize != nil {
				v = normalize(v)
			}
			if !set[v] {
				return nil, fmt.Errorf("%w: %q", ErrUnknownValue, v)
			}
			if seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
		return out, nil
	case "":
		return nil, fmt.Errorf("empty filter")
	default:
		return nil, fmt.Errorf("unsupported filter kind %q", f.Kind)
	}
}

// String renders the filter for logs.
func (f Filter) String() string {
	switch f.Kind {
	case FilterAll:
		return "all"
	case FilterExact:
		if len(f.Values) == 0 {
			return "exact()"
		}
		return fmt.Sprintf("exact(%s)", f.Values[0])
	case FilterOneOf:
		return fmt.Sprintf("one_of%v", f.Values)
	default:
		return "none"
	}
}

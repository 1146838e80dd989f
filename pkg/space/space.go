// Package space describes the combinatorial request space of a harvest run
// and maps single integer addresses to fully specified parameter tuples.
//
// A Space is an ordered list of dimensions. Dimension 0 varies fastest: the
// address a decodes to index a mod size(0) in the first dimension, then
// (a div size(0)) mod size(1) in the second, and so on. Callers that want a
// particular loop nesting (for example dates outermost, locations inner)
// order the dimensions innermost first.
package space

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"net/url"
)

// Address identifies one point of a Space, in [0, Total).
type Address = int64

var (
	// ErrEmptyDimension is returned when a dimension has no values.
	ErrEmptyDimension = errors.New("dimension has no values")

	// ErrDuplicateValue is returned when two values of a dimension share a key.
	ErrDuplicateValue = errors.New("duplicate value key in dimension")

	// ErrOverflow is returned when the product of dimension sizes does not fit an Address.
	ErrOverflow = errors.New("request space size overflows address type")

	// ErrNoDimensions is returned for a space without dimensions.
	ErrNoDimensions = errors.New("space has no dimensions")
)

// Value is one concrete choice of a dimension.
type Value struct {
	// Key identifies the value within its dimension (e.g. "2020-05-01", "RJ/3304557").
	Key string `json:"key"`

	// Params are query parameters this value contributes to the request.
	Params url.Values `json:"params,omitempty"`

	// Fields are labels copied into the result record (e.g. "date", "state", "city").
	Fields map[string]string `json:"fields,omitempty"`
}

// Dimension is a named, ordered list of values.
type Dimension struct {
	Name   string  `json:"name"`
	Values []Value `json:"values"`

	index map[string]int
}

// Size returns the number of values in the dimension.
func (d *Dimension) Size() int {
	return len(d.Values)
}

// IndexOf returns the position of the value with the given key.
func (d *Dimension) IndexOf(key string) (int, bool) {
	i, ok := d.index[key]
	return i, ok
}

// Space is an immutable ordered list of dimensions.
type Space struct {
	dims  []Dimension
	total int64
}

// New validates the dimensions and builds a Space.
// The dimension slices are copied; later changes by the caller have no effect.
func New(dims ...Dimension) (*Space, error) {
	if len(dims) == 0 {
		return nil, ErrNoDimensions
	}

	s := &Space{dims: make([]Dimension, len(dims))}
	var total uint64 = 1
	for i, d := range dims {
		if len(d.Values) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrEmptyDimension, d.Name)
		}

		values := make([]Value, len(d.Values))
		copy(values, d.Values)
		index := make(map[string]int, len(values))
		for j, v := range values {
			if _, dup := index[v.Key]; dup {
				return nil, fmt.Errorf("%w: %q in %q", ErrDuplicateValue, v.Key, d.Name)
			}
			index[v.Key] = j
		}
		s.dims[i] = Dimension{Name: d.Name, Values: values, index: index}

		hi, lo := bits.Mul64(total, uint64(len(values)))
		if hi != 0 || lo > math.MaxInt64 {
			return nil, fmt.Errorf("%w: at dimension %q", ErrOverflow, d.Name)
		}
		total = lo
	}
	s.total = int64(total)

	return s, nil
}

// MustNew is like New but panics on error. Intended for tests and static spaces.
func MustNew(dims ...Dimension) *Space {
	s, err := New(dims...)
	if err != nil {
		panic(err)
	}
	return s
}

// Total returns the number of addresses in the space.
func (s *Space) Total() int64 {
	return s.total
}

// Len returns the number of dimensions.
func (s *Space) Len() int {
	return len(s.dims)
}

// Dimension returns the i-th dimension.
func (s *Space) Dimension(i int) *Dimension {
	return &s.dims[i]
}

// Sizes returns the size of every dimension, in dimension order.
func (s *Space) Sizes() []int {
	sizes := make([]int, len(s.dims))
	for i := range s.dims {
		sizes[i] = len(s.dims[i].Values)
	}
	return sizes
}

// Names returns the dimension names, in dimension order.
func (s *Space) Names() []string {
	names := make([]string, len(s.dims))
	for i := range s.dims {
		names[i] = s.dims[i].Name
	}
	return names
}

// Codec returns the address codec for this space.
func (s *Space) Codec() Codec {
	return Codec{space: s}
}

package space

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is returned when an address is outside [0, Total).
	ErrOutOfRange = errors.New("address out of range")

	// ErrInvalidChoice is returned when a choice is not part of its dimension.
	ErrInvalidChoice = errors.New("invalid choice for dimension")
)

// Codec maps addresses to per-dimension choices and back using mixed-radix
// decomposition. It holds no state besides the space and is cheap to copy.
type Codec struct {
	space *Space
}

// Decode returns the per-dimension value indices of an address.
func (c Codec) Decode(a Address) ([]int, error) {
	if a < 0 || a >= c.space.total {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, a, c.space.total)
	}

	idx := make([]int, len(c.space.dims))
	for i := range c.space.dims {
		size := int64(len(c.space.dims[i].Values))
		idx[i] = int(a % size)
		a /= size
	}
	return idx, nil
}

// Encode is the inverse of Decode.
func (c Codec) Encode(idx []int) (Address, error) {
	if len(idx) != len(c.space.dims) {
		return 0, fmt.Errorf("%w: got %d choices for %d dimensions", ErrInvalidChoice, len(idx), len(c.space.dims))
	}

	var a Address
	for i := len(c.space.dims) - 1; i >= 0; i-- {
		size := len(c.space.dims[i].Values)
		if idx[i] < 0 || idx[i] >= size {
			return 0, fmt.Errorf("%w: index %d for %q (size %d)", ErrInvalidChoice, idx[i], c.space.dims[i].Name, size)
		}
		a = a*int64(size) + int64(idx[i])
	}
	return a, nil
}

// Choices decodes an address into one concrete value per dimension.
func (c Codec) Choices(a Address) ([]Value, error) {
	idx, err := c.Decode(a)
	if err != nil {
		return nil, err
	}

	choices := make([]Value, len(idx))
	for i, j := range idx {
		choices[i] = c.space.dims[i].Values[j]
	}
	return choices, nil
}

// EncodeChoices returns the address of a tuple of values, matched by key.
func (c Codec) EncodeChoices(choices []Value) (Address, error) {
	if len(choices) != len(c.space.dims) {
		return 0, fmt.Errorf("%w: got %d choices for %d dimensions", ErrInvalidChoice, len(choices), len(c.space.dims))
	}

	idx := make([]int, len(choices))
	for i, v := range choices {
		j, ok := c.space.dims[i].IndexOf(v.Key)
		if !ok {
			return 0, fmt.Errorf("%w: %q not in %q", ErrInvalidChoice, v.Key, c.space.dims[i].Name)
		}
		idx[i] = j
	}
	return c.Encode(idx)
}

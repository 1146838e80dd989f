package space

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Shape summarizes a space for snapshot validation.
type Shape struct {
	Names       []string `json:"names"`
	Sizes       []int    `json:"sizes"`
	Fingerprint string   `json:"fingerprint"`
}

// Shape returns the names, sizes and a content fingerprint of the space.
// The fingerprint covers every value key and parameter, so a code or city
// table change that alters what an address means is detected on restore.
func (s *Space) Shape() Shape {
	h := sha256.New()
	for _, d := range s.dims {
		h.Write([]byte(d.Name))
		h.Write([]byte{0})
		for _, v := range d.Values {
			h.Write([]byte(v.Key))
			h.Write([]byte{1})
			keys := make([]string, 0, len(v.Params))
			for k := range v.Params {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				h.Write([]byte(k))
				for _, pv := range v.Params[k] {
					h.Write([]byte{2})
					h.Write([]byte(pv))
				}
				h.Write([]byte{3})
			}
		}
		h.Write([]byte{4})
	}

	return Shape{
		Names:       s.Names(),
		Sizes:       s.Sizes(),
		Fingerprint: hex.EncodeToString(h.Sum(nil)),
	}
}

// Equal reports whether two shapes describe the same space.
func (sh Shape) Equal(other Shape) bool {
	if sh.Fingerprint != other.Fingerprint || len(sh.Sizes) != len(other.Sizes) || len(sh.Names) != len(other.Names) {
		return false
	}
	for i := range sh.Sizes {
		if sh.Sizes[i] != other.Sizes[i] {
			return false
		}
	}
	for i := range sh.Names {
		if sh.Names[i] != other.Names[i] {
			return false
		}
	}
	return true
}

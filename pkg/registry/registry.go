// Package registry describes the civil-registry transparency API: which
// requests make up a harvest, how each one is encoded and how the chart in a
// response becomes a fixed-shape Record.
package registry

import (
	"fmt"
	"time"
)

// Default endpoints of the transparency portal.
const (
	DefaultBaseURL = "https://transparencia.registrocivil.org.br"
	ChartPath      = "/api/covid-covid-registral"
	LoginPath      = "/registral-covid"
	CitiesPath     = "/api/cities"
)

// DateLayout is the date format used in requests and records.
const DateLayout = "2006-01-02"

var (
	// Causes of death reported by the chart endpoint.
	Causes = []string{"COVID", "SRAG", "PNEUMONIA", "INSUFICIENCIA_RESPIRATORIA", "SEPTICEMIA", "INDETERMINADA", "OUTRAS"}

	// Years compared by the chart endpoint.
	Years = []string{"2019", "2020"}

	// Places of death accepted by the places[] filter.
	Places = []string{"HOSPITAL", "DOMICILIO", "VIA_PUBLICA", "AMBULANCIA", "OUTROS"}

	// Genders accepted by the gender filter.
	Genders = []string{"M", "F"}

	// Begin is the first day with data.
	Begin = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
)

// Layout fixes the count columns of a Record: one per cause and year.
type Layout struct {
	keys  []string
	index map[string]int
}

// NewLayout builds the cause-year columns, cause-major, skipping the
// excluded "CAUSE_YEAR" keys.
func NewLayout(causes, years []string, exclude ...string) Layout {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}
	l := Layout{index: map[string]int{}}
	for _, c := range causes {
		for _, y := range years {
			k := Key(c, y)
			if skip[k] {
				continue
			}
			l.index[k] = len(l.keys)
			l.keys = append(l.keys, k)
		}
	}
	return l
}

// DefaultLayout is the layout of the portal's chart: every cause for 2019
// and 2020, without COVID in 2019.
func DefaultLayout() Layout {
	return NewLayout(Causes, Years, Key("COVID", "2019"))
}

// Key names the column of a cause in a year.
func Key(cause, year string) string {
	return cause + "_" + year
}

// Keys returns the column names in order.
func (l Layout) Keys() []string {
	out := make([]string, len(l.keys))
	copy(out, l.keys)
	return out
}

// Len returns the number of columns.
func (l Layout) Len() int {
	return len(l.keys)
}

// Index returns the column of key.
func (l Layout) Index(key string) (int, bool) {
	i, ok := l.index[key]
	return i, ok
}

// Record is the result of one request.
type Record struct {
	Date   string `json:"date"`
	State  string `json:"state,omitempty"`
	City   string `json:"city,omitempty"`
	Region string `json:"region,omitempty"`
	Place  string `json:"place,omitempty"`
	Gender string `json:"gender,omitempty"`

	// Counts holds one value per Layout column.
	Counts []int64 `json:"counts"`
}

// Count returns the value of a column, or zero for an unknown key.
func (r Record) Count(l Layout, key string) int64 {
	i, ok := l.Index(key)
	if !ok || i >= len(r.Counts) {
		return 0
	}
	return r.Counts[i]
}

// Label returns a short description for logs.
func (r Record) Label() string {
	switch {
	case r.City != "":
		return fmt.Sprintf("%s %s-%s", r.Date, r.City, r.State)
	case r.State != "":
		return fmt.Sprintf("%s %s", r.Date, r.State)
	default:
		return r.Date
	}
}

package output

import (
	"sort"

	"github.com/Sternrassler/registral-harvester/pkg/registry"
)

// Union sums the counts of all records of the same date into one record
// labelled with region. The result is sorted by date.
func Union(records []registry.Record, region string) []registry.Record {
	byDate := make(map[string]*registry.Record)
	for _, rec := range records {
		sum, ok := byDate[rec.Date]
		if !ok {
			sum = &registry.Record{Date: rec.Date, Region: region}
			byDate[rec.Date] = sum
		}
		if len(rec.Counts) > len(sum.Counts) {
			grown := make([]int64, len(rec.Counts))
			copy(grown, sum.Counts)
			sum.Counts = grown
		}
		for i, n := range rec.Counts {
			sum.Counts[i] += n
		}
	}

	out := make([]registry.Record, 0, len(byDate))
	for _, sum := range byDate {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Sort orders records by date, state, city, place and gender.
func Sort(records []registry.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		switch {
		case a.Date != b.Date:
			return a.Date < b.Date
		case a.State != b.State:
			return a.State < b.State
		case a.City != b.City:
			return a.City < b.City
		case a.Place != b.Place:
			return a.Place < b.Place
		default:
			return a.Gender < b.Gender
		}
	})
}

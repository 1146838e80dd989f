package registry

import (
	"encoding/json"
	"fmt"

	"github.com/Sternrassler/registral-harvester/pkg/fetch"
)

// chartResponse is the body of the chart endpoint: {"chart": {year: {cause: n}}}.
type chartResponse struct {
	Chart *map[string]map[string]json.Number `json:"chart"`
}

// DecodeChart parses a chart response into counts following layout.
// Columns the response omits are zero and columns the layout does not know
// are ignored. A body without a chart, or with non-integer counts, is a
// fatal decode error.
func DecodeChart(layout Layout, body []byte) ([]int64, error) {
	var resp chartResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fetch.Fatal(fetch.ErrorClassDecode, fmt.Errorf("parse chart: %w", err))
	}
	if resp.Chart == nil {
		return nil, fetch.Fatalf(fetch.ErrorClassDecode, "response has no chart")
	}

	counts := make([]int64, layout.Len())
	for year, causes := range *resp.Chart {
		for cause, n := range causes {
			i, ok := layout.Index(Key(cause, year))
			if !ok {
				continue
			}
			v, err := n.Int64()
			if err != nil {
				return nil, fetch.Fatalf(fetch.ErrorClassDecode, "chart value %s/%s: %v", year, cause, err)
			}
			counts[i] = v
		}
	}
	return counts, nil
}

// NewRecord builds a record from the fields of a query and decoded counts.
func NewRecord(fields map[string]string, counts []int64) Record {
	return Record{
		Date:   fields["date"],
		State:  fields["state"],
		City:   fields["city"],
		Region: fields["region"],
		Place:  fields["place"],
		Gender: fields["gender"],
		Counts: counts,
	}
}

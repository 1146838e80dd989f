package output

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/Sternrassler/registral-harvester/pkg/registry"
)

var baseColumns = []string{"date", "state", "city", "region"}

// columns returns the descriptive columns of records: date, state, city and
// region always, place and gender only when some record carries them.
func columns(records []registry.Record) []string {
	cols := append([]string(nil), baseColumns...)
	var place, gender bool
	for _, rec := range records {
		place = place || rec.Place != ""
		gender = gender || rec.Gender != ""
	}
	if place {
		cols = append(cols, "place")
	}
	if gender {
		cols = append(cols, "gender")
	}
	return cols
}

func field(rec registry.Record, col string) string {
	switch col {
	case "date":
		return rec.Date
	case "state":
		return rec.State
	case "city":
		return rec.City
	case "region":
		return rec.Region
	case "place":
		return rec.Place
	case "gender":
		return rec.Gender
	}
	return ""
}

func setField(rec *registry.Record, col, v string) bool {
	switch col {
	case "date":
		rec.Date = v
	case "state":
		rec.State = v
	case "city":
		rec.City = v
	case "region":
		rec.Region = v
	case "place":
		rec.Place = v
	case "gender":
		rec.Gender = v
	default:
		return false
	}
	return true
}

// WriteCSV writes a header of the descriptive columns followed by the layout
// keys, then one row per record.
func WriteCSV(w io.Writer, layout registry.Layout, records []registry.Record) error {
	cols := columns(records)
	keys := layout.Keys()

	cw := csv.NewWriter(w)
	if err := cw.Write(append(append([]string(nil), cols...), keys...)); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	row := make([]string, len(cols)+len(keys))
	for _, rec := range records {
		for i, col := range cols {
			row[i] = field(rec, col)
		}
		for i, key := range keys {
			row[len(cols)+i] = strconv.FormatInt(rec.Count(layout, key), 10)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", rec.Label(), err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads a file written by WriteCSV. Count columns missing from the
// file are zero; columns unknown to layout are ignored.
func ReadCSV(r io.Reader, layout registry.Layout) ([]registry.Record, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	var records []registry.Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}

		rec := registry.Record{Counts: make([]int64, layout.Len())}
		for i, col := range header {
			if setField(&rec, col, row[i]) {
				continue
			}
			idx, ok := layout.Index(col)
			if !ok {
				continue
			}
			n, err := strconv.ParseInt(row[i], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, col, err)
			}
			rec.Counts[idx] = n
		}
		records = append(records, rec)
	}
}

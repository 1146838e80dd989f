package output

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/Sternrassler/registral-harvester/pkg/registry"
)

// layoutMetadataKey stores the comma separated layout keys in the file footer.
const layoutMetadataKey = "harvester.layout"

type parquetRow struct {
	Date   string  `parquet:"date"`
	State  string  `parquet:"state"`
	City   string  `parquet:"city"`
	Region string  `parquet:"region"`
	Place  string  `parquet:"place"`
	Gender string  `parquet:"gender"`
	Counts []int64 `parquet:"counts"`
}

// WriteParquet writes records as one Parquet file. Counts are a repeated
// column in layout order; the layout keys are kept in the footer metadata.
func WriteParquet(w io.Writer, layout registry.Layout, records []registry.Record) error {
	pw := parquet.NewGenericWriter[parquetRow](w,
		parquet.KeyValueMetadata(layoutMetadataKey, strings.Join(layout.Keys(), ",")),
	)

	rows := make([]parquetRow, len(records))
	for i, rec := range records {
		rows[i] = parquetRow{
			Date:   rec.Date,
			State:  rec.State,
			City:   rec.City,
			Region: rec.Region,
			Place:  rec.Place,
			Gender: rec.Gender,
			Counts: rec.Counts,
		}
	}
	if _, err := pw.Write(rows); err != nil {
		pw.Close()
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

// ReadParquet reads a file written by WriteParquet. Counts are remapped when
// the file was written with a different layout.
func ReadParquet(data []byte, layout registry.Layout) ([]registry.Record, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}
	var fileKeys []string
	if v, ok := f.Lookup(layoutMetadataKey); ok && v != "" {
		fileKeys = strings.Split(v, ",")
	}

	rows, err := parquet.Read[parquetRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}

	records := make([]registry.Record, len(rows))
	for i, row := range rows {
		records[i] = registry.Record{
			Date:   row.Date,
			State:  row.State,
			City:   row.City,
			Region: row.Region,
			Place:  row.Place,
			Gender: row.Gender,
			Counts: remap(row.Counts, fileKeys, layout),
		}
	}
	return records, nil
}

func remap(counts []int64, fileKeys []string, layout registry.Layout) []int64 {
	if fileKeys == nil || strings.Join(fileKeys, ",") == strings.Join(layout.Keys(), ",") {
		return counts
	}
	out := make([]int64, layout.Len())
	for i, key := range fileKeys {
		if idx, ok := layout.Index(key); ok && i < len(counts) {
			out[idx] = counts[i]
		}
	}
	return out
}

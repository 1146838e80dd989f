// Package output writes harvested records as CSV, JSON, JSON lines or
// Parquet, to local files or to blob storage.
package output

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/Sternrassler/registral-harvester/pkg/registry"
)

// ErrUnknownFormat is returned for an unsupported output format.
var ErrUnknownFormat = errors.New("unknown output format")

// Format is an output encoding.
type Format string

// Supported formats.
const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatJSONL   Format = "jsonl"
	FormatParquet Format = "parquet"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON, FormatJSONL, FormatParquet:
		return f, nil
	case "ndjson":
		return FormatJSONL, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// FormatFromPath derives the format from a file extension, falling back to def.
func FormatFromPath(p string, def Format) Format {
	ext := strings.TrimPrefix(path.Ext(stripQuery(p)), ".")
	if f, err := ParseFormat(ext); err == nil {
		return f
	}
	return def
}

func stripQuery(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}

// Write encodes records in format.
func Write(w io.Writer, format Format, layout registry.Layout, records []registry.Record) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, layout, records)
	case FormatJSON:
		return WriteJSON(w, records)
	case FormatJSONL:
		return WriteJSONL(w, records)
	case FormatParquet:
		return WriteParquet(w, layout, records)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Read decodes records in format. CSV and Parquet columns are matched to
// layout by name.
func Read(data []byte, format Format, layout registry.Layout) ([]registry.Record, error) {
	switch format {
	case FormatCSV:
		return ReadCSV(strings.NewReader(string(data)), layout)
	case FormatJSON:
		var records []registry.Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("decode json records: %w", err)
		}
		return records, nil
	case FormatJSONL:
		return ReadJSONL(strings.NewReader(string(data)))
	case FormatParquet:
		return ReadParquet(data, layout)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// WriteJSON writes records as one JSON array.
func WriteJSON(w io.Writer, records []registry.Record) error {
	if records == nil {
		records = []registry.Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode json records: %w", err)
	}
	return nil
}

// WriteJSONL writes one record per line.
func WriteJSONL(w io.Writer, records []registry.Record) error {
	enc := json.NewEncoder(w)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return nil
}

// ReadJSONL reads records written by WriteJSONL. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]registry.Record, error) {
	var records []registry.Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var rec registry.Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read json lines: %w", err)
	}
	return records, nil
}

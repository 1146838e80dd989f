package output

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver

	"github.com/Sternrassler/registral-harvester/pkg/registry"
)

// Location is where output is written: a local path, or a bucket URL and an
// object key.
type Location struct {
	Path      string
	BucketURL string
	Key       string
}

// ParseLocation splits dest. A plain path is local. file:///dir/name,
// s3://bucket/key and gs://bucket/key are opened through blob storage; query
// parameters are passed to the bucket.
func ParseLocation(dest string) (Location, error) {
	if !strings.Contains(dest, "://") {
		if dest == "" {
			return Location{}, fmt.Errorf("empty output location")
		}
		return Location{Path: dest}, nil
	}

	u, err := url.Parse(dest)
	if err != nil {
		return Location{}, fmt.Errorf("parse output location %q: %w", dest, err)
	}
	if u.Scheme == "file" {
		dir, name := filepath.Split(u.Path)
		if name == "" {
			return Location{}, fmt.Errorf("output location %q has no file name", dest)
		}
		return Location{BucketURL: "file://" + filepath.Clean(dir), Key: name}, nil
	}

	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return Location{}, fmt.Errorf("output location %q needs a bucket and a key", dest)
	}
	bucket := u.Scheme + "://" + u.Host
	if u.RawQuery != "" {
		bucket += "?" + u.RawQuery
	}
	return Location{BucketURL: bucket, Key: key}, nil
}

// String returns the location as given.
func (l Location) String() string {
	if l.Path != "" {
		return l.Path
	}
	return l.BucketURL + " " + l.Key
}

// Save encodes records and writes them to dest.
func Save(ctx context.Context, dest string, format Format, layout registry.Layout, records []registry.Record) error {
	loc, err := ParseLocation(dest)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := Write(&buf, format, layout, records); err != nil {
		return err
	}

	if loc.Path != "" {
		err = writeFile(loc.Path, buf.Bytes())
	} else {
		err = writeBlob(ctx, loc, buf.Bytes())
	}
	if err != nil {
		return err
	}

	log.Info().
		Str("component", "output").
		Str("location", loc.String()).
		Str("format", string(format)).
		Int("records", len(records)).
		Int("bytes", buf.Len()).
		Msg("Output written")
	return nil
}

// Load reads records from src, deriving the format from its extension.
func Load(ctx context.Context, src string, layout registry.Layout) ([]registry.Record, error) {
	loc, err := ParseLocation(src)
	if err != nil {
		return nil, err
	}

	var data []byte
	if loc.Path != "" {
		data, err = os.ReadFile(loc.Path)
	} else {
		data, err = readBlob(ctx, loc)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", src, err)
	}
	return Read(data, FormatFromPath(src, FormatJSONL), layout)
}

// Concat loads every source and returns the records in Sort order.
func Concat(ctx context.Context, layout registry.Layout, srcs ...string) ([]registry.Record, error) {
	var all []registry.Record
	for _, src := range srcs {
		records, err := Load(ctx, src, layout)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}
	Sort(all)
	return all, nil
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

func openBucket(ctx context.Context, loc Location) (*blob.Bucket, error) {
	if dir, ok := strings.CutPrefix(loc.BucketURL, "file://"); ok {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	bucket, err := blob.OpenBucket(ctx, loc.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", loc.BucketURL, err)
	}
	return bucket, nil
}

func writeBlob(ctx context.Context, loc Location, data []byte) error {
	bucket, err := openBucket(ctx, loc)
	if err != nil {
		return err
	}
	defer bucket.Close()

	if err := bucket.WriteAll(ctx, loc.Key, data, nil); err != nil {
		return fmt.Errorf("write %s: %w", loc.Key, err)
	}
	return nil
}

func readBlob(ctx context.Context, loc Location) ([]byte, error) {
	bucket, err := openBucket(ctx, loc)
	if err != nil {
		return nil, err
	}
	defer bucket.Close()
	return bucket.ReadAll(ctx, loc.Key)
}

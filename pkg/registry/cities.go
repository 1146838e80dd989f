package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrUnknownState is returned for a state the city table does not know.
	ErrUnknownState = errors.New("unknown state")

	// ErrUnknownCity is returned when a city is missing even after a refresh.
	ErrUnknownCity = errors.New("unknown city")

	// ErrInvalidCity is returned when a city is not written as "Name-UF".
	ErrInvalidCity = errors.New("invalid city, expected \"Name-UF\"")
)

var cityPattern = regexp.MustCompile(`^([\p{L}' -]+)-([A-Z]{2})$`)

// City is one entry of the portal's city list.
type City struct {
	State string `json:"uf"`
	Name  string `json:"name"`
	ID    string `json:"id"`
}

// CitySource fetches the current city list. raw is the response body, used
// to detect changes.
type CitySource interface {
	FetchCities(ctx context.Context) (cities []City, raw []byte, err error)
}

// ParseCity splits "Name-UF" into its name and state.
func ParseCity(s string) (name, state string, err error) {
	m := cityPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidCity, s)
	}
	return m[1], m[2], nil
}

// FoldASCII removes diacritics and normalizes case, so "São Paulo" and
// "SAO PAULO" compare equal.
func FoldASCII(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToUpper(strings.TrimSpace(folded))
}

type cityKey struct {
	state string
	name  string
}

// CityTable resolves city names to portal ids. When a source is attached, a
// missing city triggers one refresh of the whole table per CityTable.
type CityTable struct {
	mu     sync.RWMutex
	states map[string][]City
	ids    map[cityKey]City

	src       CitySource
	path      string
	refreshed bool
}

// NewCityTable indexes cities.
func NewCityTable(cities []City) *CityTable {
	t := &CityTable{}
	t.index(cities)
	return t
}

func (t *CityTable) index(cities []City) {
	states := make(map[string][]City)
	ids := make(map[cityKey]City, len(cities))
	for _, c := range cities {
		k := cityKey{state: c.State, name: FoldASCII(c.Name)}
		if _, dup := ids[k]; dup {
			continue
		}
		ids[k] = c
		states[c.State] = append(states[c.State], c)
	}
	t.states = states
	t.ids = ids
}

// LoadCityTable reads a city CSV written by WriteCities.
func LoadCityTable(path string) (*CityTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open city table: %w", err)
	}
	defer f.Close()

	cities, err := ReadCities(f)
	if err != nil {
		return nil, fmt.Errorf("read city table %s: %w", path, err)
	}
	t := NewCityTable(cities)
	t.path = path
	return t, nil
}

// WithSource attaches a source used to refresh the table on a miss. The
// refreshed list is saved to path when path is not empty.
func (t *CityTable) WithSource(src CitySource, path string) *CityTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.src = src
	if path != "" {
		t.path = path
	}
	return t
}

// States returns the known states in alphabetical order.
func (t *CityTable) States() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.states))
	for uf := range t.states {
		out = append(out, uf)
	}
	sort.Strings(out)
	return out
}

// Cities returns the cities of a state in table order.
func (t *CityTable) Cities(state string) []City {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]City(nil), t.states[state]...)
}

// Len returns the number of cities.
func (t *CityTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ids)
}

// Lookup finds a city by state and name, ignoring case and diacritics.
func (t *CityTable) Lookup(ctx context.Context, state, name string) (City, error) {
	k := cityKey{state: strings.ToUpper(state), name: FoldASCII(name)}

	t.mu.RLock()
	c, ok := t.ids[k]
	canRefresh := t.src != nil && !t.refreshed
	t.mu.RUnlock()
	if ok {
		return c, nil
	}

	if canRefresh {
		if _, err := t.Refresh(ctx); err != nil {
			return City{}, err
		}
		t.mu.RLock()
		c, ok = t.ids[k]
		t.mu.RUnlock()
		if ok {
			return c, nil
		}
	}
	return City{}, fmt.Errorf("%w: %s (%s)", ErrUnknownCity, name, state)
}

// Refresh reloads the table from its source and reports whether the list
// changed since it was last saved.
func (t *CityTable) Refresh(ctx context.Context) (bool, error) {
	t.mu.RLock()
	src, path := t.src, t.path
	t.mu.RUnlock()
	if src == nil {
		return false, errors.New("city table has no source")
	}

	cities, updated, err := UpdateCities(ctx, src, path)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	t.index(cities)
	t.refreshed = true
	t.mu.Unlock()
	return updated, nil
}

// UpdateCities fetches the city list and, when path is not empty, writes it
// with a sidecar path+".hash" holding the SHA-256 of the response. updated is
// false when the hash matches the saved one.
func UpdateCities(ctx context.Context, src CitySource, path string) (cities []City, updated bool, err error) {
	logger := log.With().Str("component", "cities").Logger()

	cities, raw, err := src.FetchCities(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("fetch cities: %w", err)
	}
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	if path == "" {
		return cities, true, nil
	}

	if prev, err := os.ReadFile(path + ".hash"); err == nil && strings.TrimSpace(string(prev)) == hash {
		logger.Info().Int("cities", len(cities)).Msg("City list has no updates")
		return cities, false, nil
	}

	if err := writeCitiesFile(path, cities); err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(path+".hash", []byte(hash+"\n"), 0o644); err != nil {
		return nil, false, fmt.Errorf("write city hash: %w", err)
	}
	logger.Info().Int("cities", len(cities)).Str("path", path).Msg("City list updated")
	return cities, true, nil
}

func writeCitiesFile(path string, cities []City) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create city table dir: %w", err)
	}
	var buf bytes.Buffer
	if err := WriteCities(&buf, cities); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write city table: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace city table: %w", err)
	}
	return nil
}

// ReadCities reads "uf,name,id" rows. A leading header row is skipped.
func ReadCities(r io.Reader) ([]City, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3
	cr.TrimLeadingSpace = true

	var cities []City
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return cities, nil
		}
		if err != nil {
			return nil, err
		}
		if line == 1 && strings.EqualFold(rec[0], "uf") && strings.EqualFold(rec[2], "id") {
			continue
		}
		cities = append(cities, City{State: rec[0], Name: rec[1], ID: rec[2]})
	}
}

// WriteCities writes "uf,name,id" rows without a header.
func WriteCities(w io.Writer, cities []City) error {
	cw := csv.NewWriter(w)
	for _, c := range cities {
		if err := cw.Write([]string{c.State, c.Name, c.ID}); err != nil {
			return fmt.Errorf("write city %s: %w", c.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeSource struct {
	cities []City
	raw    string
	calls  int
	err    error
}

func (f *fakeSource) FetchCities(ctx context.Context) ([]City, []byte, error) {
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.cities, []byte(f.raw), nil
}

func TestFoldASCII(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"São Paulo", "SAO PAULO"},
		{"Niterói", "NITEROI"},
		{"  Açailândia ", "ACAILANDIA"},
		{"GOIÂNIA", "GOIANIA"},
		{"Rio Branco", "RIO BRANCO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := FoldASCII(tt.input); got != tt.want {
				t.Errorf("FoldASCII(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseCity(t *testing.T) {
	tests := []struct {
		input     string
		wantName  string
		wantState string
		wantErr   bool
	}{
		{"Rio de Janeiro-RJ", "Rio de Janeiro", "RJ", false},
		{"São João del-Rei-MG", "São João del-Rei", "MG", false},
		{"Santa Bárbara d'Oeste-SP", "Santa Bárbara d'Oeste", "SP", false},
		{"Campinas", "", "", true},
		{"Campinas-sp", "", "", true},
		{"Campinas-SPX", "", "", true},
		{"-SP", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			name, state, err := ParseCity(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCity(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCity) {
					t.Errorf("ParseCity(%q) error = %v, want ErrInvalidCity", tt.input, err)
				}
				return
			}
			if name != tt.wantName || state != tt.wantState {
				t.Errorf("ParseCity(%q) = (%q, %q), want (%q, %q)", tt.input, name, state, tt.wantName, tt.wantState)
			}
		})
	}
}

func TestCityTable_Lookup(t *testing.T) {
	table := testCities()

	c, err := table.Lookup(context.Background(), "sp", "SAO PAULO")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if c.ID != "3550308" || c.Name != "São Paulo" {
		t.Errorf("Lookup() = %+v, want São Paulo 3550308", c)
	}

	if _, err := table.Lookup(context.Background(), "RJ", "São Paulo"); !errors.Is(err, ErrUnknownCity) {
		t.Errorf("Lookup(wrong state) error = %v, want ErrUnknownCity", err)
	}
	if got := table.States(); strings.Join(got, ",") != "AC,RJ,SP" {
		t.Errorf("States() = %v, want [AC RJ SP]", got)
	}
}

func TestCityTable_RefreshOnceOnMiss(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cities.csv")
	src := &fakeSource{
		cities: []City{{State: "MG", Name: "Belo Horizonte", ID: "3106200"}},
		raw:    `{"cities":[{"uf":"MG","name":"Belo Horizonte","id":"3106200"}]}`,
	}
	table := NewCityTable(nil).WithSource(src, path)

	c, err := table.Lookup(context.Background(), "MG", "belo horizonte")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if c.ID != "3106200" {
		t.Errorf("Lookup() id = %s, want 3106200", c.ID)
	}

	if _, err := table.Lookup(context.Background(), "MG", "Atlantis"); !errors.Is(err, ErrUnknownCity) {
		t.Errorf("Lookup(missing) error = %v, want ErrUnknownCity", err)
	}
	if src.calls != 1 {
		t.Errorf("source calls = %d, want 1", src.calls)
	}

	loaded, err := LoadCityTable(path)
	if err != nil {
		t.Fatalf("LoadCityTable() error = %v", err)
	}
	if loaded.Len() != 1 {
		t.Errorf("LoadCityTable().Len() = %d, want 1", loaded.Len())
	}
}

func TestUpdateCities_Hash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "cities.csv")
	src := &fakeSource{cities: []City{{State: "RJ", Name: "Niterói", ID: "3303302"}}, raw: "v1"}

	_, updated, err := UpdateCities(context.Background(), src, path)
	if err != nil || !updated {
		t.Fatalf("UpdateCities() = %v, %v, want updated", updated, err)
	}

	_, updated, err = UpdateCities(context.Background(), src, path)
	if err != nil || updated {
		t.Errorf("UpdateCities(same body) = %v, %v, want not updated", updated, err)
	}

	src.raw = "v2"
	_, updated, err = UpdateCities(context.Background(), src, path)
	if err != nil || !updated {
		t.Errorf("UpdateCities(new body) = %v, %v, want updated", updated, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := string(data); got != "RJ,Niterói,3303302\n" {
		t.Errorf("city file = %q", got)
	}
}

func TestUpdateCities_SourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	if _, _, err := UpdateCities(context.Background(), src, ""); err == nil {
		t.Error("UpdateCities() error = nil, want error")
	}
}

func TestReadCities_Header(t *testing.T) {
	cities, err := ReadCities(strings.NewReader("uf,name,id\nRJ,Niterói,3303302\nSP,\"São Paulo\",3550308\n"))
	if err != nil {
		t.Fatalf("ReadCities() error = %v", err)
	}
	if len(cities) != 2 || cities[1].Name != "São Paulo" {
		t.Errorf("ReadCities() = %+v", cities)
	}

	if _, err := ReadCities(strings.NewReader("RJ,Niterói\n")); err == nil {
		t.Error("ReadCities(short row) error = nil, want error")
	}
}

package space

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestFilter_Resolve(t *testing.T) {
	known := []string{"HOSPITAL", "DOMICILIO", "VIA_PUBLICA"}

	tests := []struct {
		name    string
		filter  Filter
		want    []string
		wantErr error
	}{
		{name: "all keeps known order", filter: All(), want: known},
		{name: "exact", filter: Exact("domicilio"), want: []string{"DOMICILIO"}},
		{name: "one of dedups", filter: OneOf("via_publica", "HOSPITAL", "hospital"), want: []string{"VIA_PUBLICA", "HOSPITAL"}},
		{name: "unknown value", filter: OneOf("CARRO"), wantErr: ErrUnknownValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.filter.Resolve(known, strings.ToUpper)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilter_ZeroAndEmpty(t *testing.T) {
	var f Filter
	if !f.IsZero() {
		t.Error("zero filter should report IsZero")
	}
	if _, err := f.Resolve([]string{"a"}, nil); err == nil {
		t.Error("zero filter should not resolve")
	}
	if _, err := OneOf().Resolve([]string{"a"}, nil); err == nil {
		t.Error("empty one_of should not resolve")
	}
}

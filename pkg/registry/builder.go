package registry

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Sternrassler/registral-harvester/pkg/fetch"
	"github.com/Sternrassler/registral-harvester/pkg/space"
)

// Builder turns one choice per dimension into a chart request.
type Builder struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
}

// Build merges the params and fields of every choice. A parameter set by two
// choices is a fatal client error since the request would be ambiguous.
func (b Builder) Build(choices []space.Value) (fetch.Query, error) {
	base := b.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}

	params := url.Values{}
	fields := map[string]string{}
	for _, c := range choices {
		for k, vs := range c.Params {
			if _, dup := params[k]; dup {
				return fetch.Query{}, fetch.Fatalf(fetch.ErrorClassClient, "parameter %q set by more than one dimension", k)
			}
			params[k] = append([]string(nil), vs...)
		}
		for k, v := range c.Fields {
			fields[k] = v
		}
	}

	u, err := url.Parse(strings.TrimRight(base, "/") + ChartPath)
	if err != nil {
		return fetch.Query{}, fetch.Fatal(fetch.ErrorClassClient, fmt.Errorf("parse base url: %w", err))
	}
	u.RawQuery = params.Encode()

	return fetch.Query{URL: u.String(), Params: params, Fields: fields}, nil
}

var _ fetch.Builder = Builder{}

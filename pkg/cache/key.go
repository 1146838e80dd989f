package cache

import (
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix starts every cache key.
const KeyPrefix = "harvester:cache"

// Key identifies a cached response.
type Key struct {
	// Path is the endpoint path, e.g. "/api/covid-covid-registral".
	Path string

	// Query holds the request parameters. Repeated values are kept in order.
	Query url.Values
}

// String generates a deterministic key.
// Format: harvester:cache:path:name1=v1,v2:name2=v3
//
// Example:
//
//	harvester:cache:api/covid-covid-registral:end_date=2020-05-01:places[]=HOSPITAL,DOMICILIO:state=RJ
func (k Key) String() string {
	parts := []string{KeyPrefix}

	if path := strings.Trim(k.Path, "/"); path != "" {
		parts = append(parts, path)
	}

	names := make([]string, 0, len(k.Query))
	for name := range k.Query {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, name+"="+strings.Join(k.Query[name], ","))
	}

	return strings.Join(parts, ":")
}

// KeyFromURL builds the key of a request URL.
func KeyFromURL(u *url.URL) Key {
	return Key{Path: u.Path, Query: u.Query()}
}

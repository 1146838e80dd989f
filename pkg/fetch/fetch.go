// Package fetch defines the contracts between the fetch scheduler and the
// collaborators that know how to talk to the remote service: a Builder that
// turns a tuple of choices into a request description, an Executor that
// performs one request, and the error taxonomy the scheduler relies on to
// tell retryable failures from fatal ones.
package fetch

import (
	"context"
	"net/url"

	"github.com/Sternrassler/registral-harvester/pkg/space"
)

// Query is a ready-to-send request description.
type Query struct {
	// URL is the fully encoded request URL.
	URL string

	// Params are the merged query parameters, kept for logging and caching.
	Params url.Values

	// Fields are the record labels contributed by the chosen values.
	Fields map[string]string
}

// Builder turns one concrete value per dimension into a Query. It performs no I/O.
type Builder interface {
	Build(choices []space.Value) (Query, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(choices []space.Value) (Query, error)

// Build calls f(choices).
func (f BuilderFunc) Build(choices []space.Value) (Query, error) {
	return f(choices)
}

// Executor performs one request. Failures should be returned as
// *TransientError or *FatalError; anything else is treated as transient.
type Executor[R any] interface {
	Execute(ctx context.Context, q Query) (R, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc[R any] func(ctx context.Context, q Query) (R, error)

// Execute calls f(ctx, q).
func (f ExecutorFunc[R]) Execute(ctx context.Context, q Query) (R, error) {
	return f(ctx, q)
}

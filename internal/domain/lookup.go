package domain

import "context"

// Finding is what the search tool reports for a single site.
type Finding struct {
	Matched bool   `json:"matched"`
	URL     string `json:"url"`
	// Ambiguous marks a similar-but-not-confirmed match.
	Ambiguous bool `json:"ambiguous"`
}

// Report maps a site name to its finding.
type Report map[string]Finding

// Lookup defines the contract for the external username search.
// Implementations should honour ctx cancellation; callers bound it with a timeout regardless.
type Lookup interface {
	Lookup(ctx context.Context, submitterID string) (Report, error)
}

// LookupFunc adapts a function to the Lookup interface.
type LookupFunc func(ctx context.Context, submitterID string) (Report, error)

// Lookup calls f.
func (f LookupFunc) Lookup(ctx context.Context, submitterID string) (Report, error) {
	return f(ctx, submitterID)
}

package composer

import "context"

// SearchResult is one hit returned by a Searcher.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Searcher looks up current information for a query.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// SimulatedSearcher performs no lookup. The composer renders a placeholder
// marker for the query instead of results.
type SimulatedSearcher struct{}

func (SimulatedSearcher) Search(context.Context, string) ([]SearchResult, error) {
	return nil, nil
}

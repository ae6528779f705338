// Package search provides full-text search over a user's notes.
// Meilisearch is the primary backend; PostgreSQL full-text search is the
// fallback when Meilisearch is unconfigured or unhealthy.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	Snippet   string `json:"snippet"`
	UpdatedAt string `json:"updatedAt"`
}

// Query describes a search request. AuthorID scopes every backend to the
// caller's own notes.
type Query struct {
	Text     string
	AuthorID string
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// NoteRecord is the data indexed for a note.
type NoteRecord struct {
	ID        string `json:"id"`
	AuthorID  string `json:"authorId"`
	Text      string `json:"text"`
	UpdatedAt string `json:"updatedAt"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push notes into a search index.
type Indexer interface {
	IndexNote(record NoteRecord) error
	DeleteNote(id string) error
}

// Package keyword provides full-text indexing and search over caption text.
package keyword

import (
	"context"

	"github.com/hyperjump/setsumei/internal/models"
)

// SearchOptions optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// Fuzzy enables typo-tolerant matching within Fuzziness edits per term.
	Fuzzy     bool
	Fuzziness int
	// Model restricts hits to one decoder name.
	Model string
	// Offset skips the first hits, for paging.
	Offset int
}

// Index defines caption search operations.
type Index interface {
	Index(ctx context.Context, rec *models.CaptionRecord) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, int, error)
	// Suggest returns a corrected query when some terms are not in the index, or "" otherwise.
	Suggest(query string) (string, error)
	Delete(ctx context.Context, id string) error
	DocCount() (uint64, error)
	Close() error
}

// Result is a single keyword search hit.
type Result struct {
	ID    string
	Score float64
	// Highlight is the caption with matched terms marked, when available.
	Highlight string
}

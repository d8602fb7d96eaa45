package models

import (
	"fmt"
	"strings"
)

// HistoryQuery is a full-text query over stored captions.
type HistoryQuery struct {
	Query  string `json:"query"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
	// Fuzzy tolerates one edit per term.
	Fuzzy bool `json:"fuzzy,omitempty"`
	// Model restricts hits to captions produced by one decoder, e.g. "model_9".
	Model string `json:"model,omitempty"`
}

// Validate trims the query and normalizes paging.
// Returns an error if the query is empty.
func (q *HistoryQuery) Validate() error {
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return nil
}
